package notice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals no notice exists for the tender.
var ErrNotFound = errors.New("notice: not found")

const noticeColumns = `id, tender_id, bid_id, award_date, standstill_end, frozen_at, remaining_at_freeze, resumed_end, voided_at, created_at`

// Store persists notices. All methods run inside the caller's transaction,
// under the tender row lock. GetByTender sees only the live notice; voided
// notices stay on record for the audit trail.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, n Notice) (Notice, error)
	GetByTender(ctx context.Context, tx pgx.Tx, tenderID string) (Notice, error)
	Freeze(ctx context.Context, tx pgx.Tx, noticeID string, at time.Time, remaining int) error
	Resume(ctx context.Context, tx pgx.Tx, noticeID string, newEnd time.Time) error
	Void(ctx context.Context, tx pgx.Tx, noticeID string, at time.Time) error
	PendingDisputeExists(ctx context.Context, tx pgx.Tx, tenderID string) (bool, error)
}

// PGStore is the pgx-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, n Notice) (Notice, error) {
	const query = `
		INSERT INTO notices (id, tender_id, bid_id, award_date, standstill_end)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING ` + noticeColumns
	out, err := scanNotice(tx.QueryRow(ctx, query, n.ID, n.TenderID, n.BidID, n.AwardDate, n.StandstillEnd))
	if err != nil {
		return Notice{}, fmt.Errorf("notice: insert: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetByTender(ctx context.Context, tx pgx.Tx, tenderID string) (Notice, error) {
	n, err := scanNotice(tx.QueryRow(ctx, `SELECT `+noticeColumns+` FROM notices WHERE tender_id=$1 AND voided_at IS NULL`, tenderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Notice{}, ErrNotFound
		}
		return Notice{}, fmt.Errorf("notice: get by tender: %w", err)
	}
	return n, nil
}

// Freeze stamps the dispute hold. The standstill end itself is immutable.
func (s *PGStore) Freeze(ctx context.Context, tx pgx.Tx, noticeID string, at time.Time, remaining int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE notices SET frozen_at=$1, remaining_at_freeze=$2
		WHERE id=$3 AND frozen_at IS NULL
	`, at, remaining, noticeID)
	if err != nil {
		return fmt.Errorf("notice: freeze: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notice: freeze: %w", ErrNotFound)
	}
	return nil
}

// Resume clears the hold and restarts the countdown from the banked remaining
// days by recording the extended effective end. standstill_end stays untouched.
func (s *PGStore) Resume(ctx context.Context, tx pgx.Tx, noticeID string, newEnd time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE notices SET frozen_at=NULL, remaining_at_freeze=NULL, resumed_end=$1
		WHERE id=$2 AND frozen_at IS NOT NULL
	`, newEnd, noticeID)
	if err != nil {
		return fmt.Errorf("notice: resume: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notice: resume: %w", ErrNotFound)
	}
	return nil
}

// Void retires a notice whose award was struck down. Voided notices never
// come back; a fresh selection issues a fresh notice.
func (s *PGStore) Void(ctx context.Context, tx pgx.Tx, noticeID string, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE notices SET voided_at=$1 WHERE id=$2 AND voided_at IS NULL
	`, at, noticeID)
	if err != nil {
		return fmt.Errorf("notice: void: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notice: void: %w", ErrNotFound)
	}
	return nil
}

func (s *PGStore) PendingDisputeExists(ctx context.Context, tx pgx.Tx, tenderID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM disputes
			WHERE tender_id=$1 AND status IN ('pending','under_review')
		)
	`, tenderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("notice: pending dispute exists: %w", err)
	}
	return exists, nil
}

func scanNotice(row pgx.Row) (Notice, error) {
	var n Notice
	err := row.Scan(&n.ID, &n.TenderID, &n.BidID, &n.AwardDate, &n.StandstillEnd, &n.FrozenAt, &n.RemainingAtFreeze, &n.ResumedEnd, &n.VoidedAt, &n.CreatedAt)
	return n, err
}
