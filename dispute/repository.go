package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tenderflow/fault"
)

// ErrNotFound signals the dispute does not exist.
var ErrNotFound = errors.New("dispute: not found")

const disputeColumns = `id, tender_id, notice_id, challenger_id, grounds, status::text,
	outcome, decision_summary, filed_at, resolved_at, created_at, updated_at`

// Store persists disputes. All methods run inside the caller's transaction,
// under the tender row lock.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error)
	ActiveExists(ctx context.Context, tx pgx.Tx, tenderID string) (bool, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Dispute, error)
	Decide(ctx context.Context, tx pgx.Tx, id string, status Status, outcome Outcome, summary string, at time.Time) (Dispute, error)
}

// PGStore is the pgx-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	const query = `
		INSERT INTO disputes (id, tender_id, notice_id, challenger_id, grounds, status, filed_at)
		VALUES ($1,$2,$3,$4,$5,$6::dispute_status,$7)
		RETURNING ` + disputeColumns
	out, err := scanDispute(tx.QueryRow(ctx, query,
		d.ID, d.TenderID, d.NoticeID, d.ChallengerID, d.Grounds, d.Status, d.FiledAt,
	))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	row := tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=$1 FOR UPDATE`, id)
	d, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: lock row: %w", err)
	}
	return d, nil
}

// ActiveExists reports whether a non-terminal dispute holds the tender.
func (s *PGStore) ActiveExists(ctx context.Context, tx pgx.Tx, tenderID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM disputes
			WHERE tender_id=$1 AND status IN ('pending','under_review')
		)
	`, tenderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dispute: active exists: %w", err)
	}
	return exists, nil
}

func (s *PGStore) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Dispute, error) {
	const query = `
		UPDATE disputes SET status=$1::dispute_status, updated_at=now()
		WHERE id=$2
		RETURNING ` + disputeColumns
	d, err := scanDispute(tx.QueryRow(ctx, query, status, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: set status: %w", err)
	}
	return d, nil
}

// Decide records the terminal outcome. The status guard makes a concurrent
// double decision surface as already_resolved.
func (s *PGStore) Decide(ctx context.Context, tx pgx.Tx, id string, status Status, outcome Outcome, summary string, at time.Time) (Dispute, error) {
	const query = `
		UPDATE disputes
		SET status=$1::dispute_status, outcome=$2, decision_summary=$3, resolved_at=$4, updated_at=now()
		WHERE id=$5 AND status IN ('pending','under_review')
		RETURNING ` + disputeColumns
	d, err := scanDispute(tx.QueryRow(ctx, query, status, outcome, summary, at, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, fault.New(fault.AlreadyResolved, "dispute %s already has a decision", id)
		}
		return Dispute{}, fmt.Errorf("dispute: decide: %w", err)
	}
	return d, nil
}

// ListByTender reads committed disputes for the API layer.
func (s *PGStore) ListByTender(ctx context.Context, tenderID string) ([]Dispute, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE tender_id=$1 ORDER BY filed_at
	`, tenderID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 4)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID, &d.TenderID, &d.NoticeID, &d.ChallengerID, &d.Grounds, &d.Status,
		&d.Outcome, &d.DecisionSummary, &d.FiledAt, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}
