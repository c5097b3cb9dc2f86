package tender

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tenderflow/fault"
)

// ErrNotFound signals the requested tender does not exist.
var ErrNotFound = errors.New("tender: not found")

const tenderColumns = `id, entity_id, title, budget_cents, currency, stage::text,
	clarification_deadline, submission_deadline, evaluation_deadline, award_deadline,
	sealed, version, created_at, updated_at`

// Store is the persistence surface of the stage machine. Mutating methods run
// inside the caller's transaction so the tender row lock spans the whole
// command, audit append included.
type Store interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Tender, error)
	Insert(ctx context.Context, tx pgx.Tx, t Tender) (Tender, error)
	UpdateStage(ctx context.Context, tx pgx.Tx, id string, next Stage, sealed bool, version int) (Tender, error)
}

// PGStore is the pgx-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Get reads a tender outside any command transaction.
func (s *PGStore) Get(ctx context.Context, id string) (Tender, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenderColumns+` FROM tenders WHERE id=$1`, id)
	return scanTender(row)
}

// GetForUpdate locks the tender row for the duration of the transaction. This
// lock is the per-tender serialization point for every mutating command.
func (s *PGStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Tender, error) {
	row := tx.QueryRow(ctx, `SELECT `+tenderColumns+` FROM tenders WHERE id=$1 FOR UPDATE`, id)
	t, err := scanTender(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tender{}, ErrNotFound
		}
		return Tender{}, fmt.Errorf("tender: lock row: %w", err)
	}
	return t, nil
}

func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, t Tender) (Tender, error) {
	const query = `
		INSERT INTO tenders (id, entity_id, title, budget_cents, currency, stage,
			clarification_deadline, submission_deadline, evaluation_deadline, award_deadline)
		VALUES ($1,$2,$3,$4,$5,$6::tender_stage,$7,$8,$9,$10)
		RETURNING ` + tenderColumns
	row := tx.QueryRow(ctx, query,
		t.ID, t.EntityID, t.Title, t.BudgetCents, t.Currency, t.Stage,
		t.ClarificationDeadline, t.SubmissionDeadline, t.EvaluationDeadline, t.AwardDeadline,
	)
	out, err := scanTender(row)
	if err != nil {
		return Tender{}, fmt.Errorf("tender: insert: %w", err)
	}
	return out, nil
}

// UpdateStage performs the compare-and-swap stage write. A version mismatch
// means a concurrent command won the race; the caller gets a conflict fault.
func (s *PGStore) UpdateStage(ctx context.Context, tx pgx.Tx, id string, next Stage, sealed bool, version int) (Tender, error) {
	const query = `
		UPDATE tenders
		SET stage=$1::tender_stage,
		    sealed=$2,
		    version=version+1,
		    updated_at=now()
		WHERE id=$3 AND version=$4
		RETURNING ` + tenderColumns
	row := tx.QueryRow(ctx, query, next, sealed, id, version)
	t, err := scanTender(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tender{}, fault.New(fault.Conflict, "tender %s was modified concurrently", id)
		}
		return Tender{}, fmt.Errorf("tender: update stage: %w", err)
	}
	return t, nil
}

func scanTender(row pgx.Row) (Tender, error) {
	var t Tender
	err := row.Scan(
		&t.ID, &t.EntityID, &t.Title, &t.BudgetCents, &t.Currency, &t.Stage,
		&t.ClarificationDeadline, &t.SubmissionDeadline, &t.EvaluationDeadline, &t.AwardDeadline,
		&t.Sealed, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}
