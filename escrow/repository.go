package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tenderflow/fault"
)

var (
	// ErrNotFound signals no escrow exists for the tender.
	ErrNotFound = errors.New("escrow: not found")
	// ErrMilestoneNotFound signals the requested milestone does not exist.
	ErrMilestoneNotFound = errors.New("escrow: milestone not found")
	// ErrDuplicateSignature signals the signer already signed the milestone.
	ErrDuplicateSignature = errors.New("escrow: duplicate signature")
)

const escrowColumns = `id, tender_id, notice_id, provider_ref, status::text, committed_cents,
	balance_cents, released_cents, refunded_cents, currency, dispute_id, reconcile_milestone_id,
	version, created_at, updated_at`

const milestoneColumns = `id, escrow_id, notice_id, sequence, description, amount_cents,
	required_signatures, status::text`

// Store is the persistence surface of the settlement engine. Mutating methods
// run inside the caller's transaction; the tender row lock is taken first so
// escrow writes serialize with every other command on the same tender.
type Store interface {
	LockTender(ctx context.Context, tx pgx.Tx, tenderID string) (string, error)
	NoticeBelongs(ctx context.Context, tx pgx.Tx, noticeID, tenderID string) (bool, error)
	GetByTenderForUpdate(ctx context.Context, tx pgx.Tx, tenderID string) (Escrow, error)
	Insert(ctx context.Context, tx pgx.Tx, e Escrow) (Escrow, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, disputeID *string, version int) (Escrow, error)
	ApplyRelease(ctx context.Context, tx pgx.Tx, id string, amountCents int64, version int) (Escrow, error)
	ApplyRefund(ctx context.Context, tx pgx.Tx, id string, version int) (Escrow, error)
	SetReconcileMilestone(ctx context.Context, escrowID string, milestoneID *string) error
	ClearReconcileMilestone(ctx context.Context, tx pgx.Tx, escrowID string) error
	InsertMilestones(ctx context.Context, tx pgx.Tx, ms []Milestone) error
	GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, milestoneID string) (Milestone, error)
	UpdateMilestoneStatus(ctx context.Context, tx pgx.Tx, milestoneID string, status MilestoneStatus) (Milestone, error)
	AddSignature(ctx context.Context, tx pgx.Tx, milestoneID, signerID string) (int, error)
	SignatureCount(ctx context.Context, tx pgx.Tx, milestoneID string) (int, error)
	InsertEvent(ctx context.Context, tx pgx.Tx, ev Event) error
}

// PGStore is the pgx-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// LockTender takes the per-tender serialization lock and reports the stage the
// tender is in at lock time.
func (s *PGStore) LockTender(ctx context.Context, tx pgx.Tx, tenderID string) (string, error) {
	var stage string
	if err := tx.QueryRow(ctx, `SELECT stage::text FROM tenders WHERE id=$1 FOR UPDATE`, tenderID).Scan(&stage); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("escrow: tender %s: %w", tenderID, ErrNotFound)
		}
		return "", fmt.Errorf("escrow: lock tender: %w", err)
	}
	return stage, nil
}

// NoticeBelongs reports whether the live award notice is attached to the tender.
func (s *PGStore) NoticeBelongs(ctx context.Context, tx pgx.Tx, noticeID, tenderID string) (bool, error) {
	var ok bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notices WHERE id=$1 AND tender_id=$2 AND voided_at IS NULL)`,
		noticeID, tenderID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("escrow: check notice: %w", err)
	}
	return ok, nil
}

func (s *PGStore) GetByTenderForUpdate(ctx context.Context, tx pgx.Tx, tenderID string) (Escrow, error) {
	row := tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE tender_id=$1 FOR UPDATE`, tenderID)
	e, err := scanEscrow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: lock row: %w", err)
	}
	return e, nil
}

// GetByTender reads committed state outside any command transaction, for the
// API layer and reconciliation checks.
func (s *PGStore) GetByTender(ctx context.Context, tenderID string) (Escrow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE tender_id=$1`, tenderID)
	e, err := scanEscrow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get by tender: %w", err)
	}
	return e, nil
}

func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, e Escrow) (Escrow, error) {
	const query = `
		INSERT INTO escrows (id, tender_id, notice_id, provider_ref, status, committed_cents, balance_cents, currency)
		VALUES ($1,$2,$3,$4,$5::escrow_status,$6,$7,$8)
		RETURNING ` + escrowColumns
	out, err := scanEscrow(tx.QueryRow(ctx, query,
		e.ID, e.TenderID, e.NoticeID, e.ProviderRef, e.Status, e.CommittedCents, e.BalanceCents, e.Currency,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Escrow{}, fault.New(fault.AlreadyResolved, "tender %s already has an escrow", e.TenderID)
		}
		return Escrow{}, fmt.Errorf("escrow: insert: %w", err)
	}
	return out, nil
}

func (s *PGStore) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, disputeID *string, version int) (Escrow, error) {
	const query = `
		UPDATE escrows
		SET status=$1::escrow_status, dispute_id=$2, version=version+1, updated_at=now()
		WHERE id=$3 AND version=$4
		RETURNING ` + escrowColumns
	e, err := scanEscrow(tx.QueryRow(ctx, query, status, disputeID, id, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, fault.New(fault.Conflict, "escrow %s was modified concurrently", id)
		}
		return Escrow{}, fmt.Errorf("escrow: update status: %w", err)
	}
	return e, nil
}

// ApplyRelease pays out one milestone amount. Draining the balance to zero
// moves the escrow to its terminal released status.
func (s *PGStore) ApplyRelease(ctx context.Context, tx pgx.Tx, id string, amountCents int64, version int) (Escrow, error) {
	const query = `
		UPDATE escrows
		SET balance_cents=balance_cents-$1,
		    released_cents=released_cents+$1,
		    status=CASE WHEN balance_cents=$1 THEN 'released'::escrow_status ELSE status END,
		    reconcile_milestone_id=NULL,
		    version=version+1,
		    updated_at=now()
		WHERE id=$2 AND version=$3 AND balance_cents >= $1
		RETURNING ` + escrowColumns
	e, err := scanEscrow(tx.QueryRow(ctx, query, amountCents, id, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, fault.New(fault.Conflict, "escrow %s release lost a concurrent race", id)
		}
		return Escrow{}, fmt.Errorf("escrow: apply release: %w", err)
	}
	return e, nil
}

func (s *PGStore) ApplyRefund(ctx context.Context, tx pgx.Tx, id string, version int) (Escrow, error) {
	const query = `
		UPDATE escrows
		SET refunded_cents=balance_cents,
		    balance_cents=0,
		    status='refunded',
		    version=version+1,
		    updated_at=now()
		WHERE id=$1 AND version=$2
		RETURNING ` + escrowColumns
	e, err := scanEscrow(tx.QueryRow(ctx, query, id, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, fault.New(fault.Conflict, "escrow %s was modified concurrently", id)
		}
		return Escrow{}, fmt.Errorf("escrow: apply refund: %w", err)
	}
	return e, nil
}

// SetReconcileMilestone runs on its own connection: it must survive the
// rollback of the command whose adapter call timed out.
func (s *PGStore) SetReconcileMilestone(ctx context.Context, escrowID string, milestoneID *string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE escrows SET reconcile_milestone_id=$1, updated_at=now() WHERE id=$2
	`, milestoneID, escrowID); err != nil {
		return fmt.Errorf("escrow: set reconcile milestone: %w", err)
	}
	return nil
}

// ClearReconcileMilestone removes the reconcile flag inside the caller's
// transaction, so the clear commits together with the outcome it records.
func (s *PGStore) ClearReconcileMilestone(ctx context.Context, tx pgx.Tx, escrowID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE escrows SET reconcile_milestone_id=NULL, updated_at=now() WHERE id=$1
	`, escrowID); err != nil {
		return fmt.Errorf("escrow: clear reconcile milestone: %w", err)
	}
	return nil
}

func (s *PGStore) InsertMilestones(ctx context.Context, tx pgx.Tx, ms []Milestone) error {
	for _, m := range ms {
		if _, err := tx.Exec(ctx, `
			INSERT INTO milestones (id, escrow_id, notice_id, sequence, description, amount_cents, required_signatures)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, m.ID, m.EscrowID, m.NoticeID, m.Sequence, m.Description, m.AmountCents, m.RequiredSignatures); err != nil {
			return fmt.Errorf("escrow: insert milestone %d: %w", m.Sequence, err)
		}
	}
	return nil
}

func (s *PGStore) GetMilestoneForUpdate(ctx context.Context, tx pgx.Tx, milestoneID string) (Milestone, error) {
	row := tx.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=$1 FOR UPDATE`, milestoneID)
	m, err := scanMilestone(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrMilestoneNotFound
		}
		return Milestone{}, fmt.Errorf("escrow: lock milestone: %w", err)
	}
	return m, nil
}

func (s *PGStore) UpdateMilestoneStatus(ctx context.Context, tx pgx.Tx, milestoneID string, status MilestoneStatus) (Milestone, error) {
	const query = `
		UPDATE milestones SET status=$1::milestone_status WHERE id=$2
		RETURNING ` + milestoneColumns
	m, err := scanMilestone(tx.QueryRow(ctx, query, status, milestoneID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrMilestoneNotFound
		}
		return Milestone{}, fmt.Errorf("escrow: update milestone status: %w", err)
	}
	return m, nil
}

// AddSignature records one distinct signer and returns the new count.
func (s *PGStore) AddSignature(ctx context.Context, tx pgx.Tx, milestoneID, signerID string) (int, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO milestone_signatures (milestone_id, signer_id) VALUES ($1,$2)
	`, milestoneID, signerID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateSignature
		}
		return 0, fmt.Errorf("escrow: add signature: %w", err)
	}
	return s.SignatureCount(ctx, tx, milestoneID)
}

func (s *PGStore) SignatureCount(ctx context.Context, tx pgx.Tx, milestoneID string) (int, error) {
	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM milestone_signatures WHERE milestone_id=$1`, milestoneID).Scan(&n); err != nil {
		return 0, fmt.Errorf("escrow: signature count: %w", err)
	}
	return n, nil
}

func (s *PGStore) InsertEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_events (escrow_id, type, amount_cents, balance_cents, actor)
		VALUES ($1,$2,$3,$4,$5)
	`, ev.EscrowID, ev.Type, ev.AmountCents, ev.BalanceCents, ev.Actor); err != nil {
		return fmt.Errorf("escrow: insert event: %w", err)
	}
	return nil
}

// ListEvents reads the movement history for an escrow.
func (s *PGStore) ListEvents(ctx context.Context, escrowID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, escrow_id, type, amount_cents, balance_cents, actor, created_at
		FROM escrow_events WHERE escrow_id=$1 ORDER BY id
	`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &ev.Type, &ev.AmountCents, &ev.BalanceCents, &ev.Actor, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate events: %w", err)
	}
	return out, nil
}

func scanEscrow(row pgx.Row) (Escrow, error) {
	var e Escrow
	err := row.Scan(
		&e.ID, &e.TenderID, &e.NoticeID, &e.ProviderRef, &e.Status, &e.CommittedCents,
		&e.BalanceCents, &e.ReleasedCents, &e.RefundedCents, &e.Currency, &e.DisputeID,
		&e.ReconcileMilestoneID, &e.Version, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	err := row.Scan(
		&m.ID, &m.EscrowID, &m.NoticeID, &m.Sequence, &m.Description,
		&m.AmountCents, &m.RequiredSignatures, &m.Status,
	)
	return m, err
}
