package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists audit chains in the audit_log and audit_chains tables.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Head(ctx context.Context, tx pgx.Tx, tenderID string) (Head, error) {
	var frozen bool
	err := tx.QueryRow(ctx, `SELECT frozen FROM audit_chains WHERE tender_id=$1 FOR UPDATE`, tenderID).Scan(&frozen)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx, `INSERT INTO audit_chains (tender_id) VALUES ($1)`, tenderID); err != nil {
			return Head{}, fmt.Errorf("audit: init chain: %w", err)
		}
	case err != nil:
		return Head{}, fmt.Errorf("audit: lock chain: %w", err)
	}

	var h Head
	h.Frozen = frozen
	err = tx.QueryRow(ctx, `
		SELECT seq, hash FROM audit_log
		WHERE tender_id=$1
		ORDER BY seq DESC LIMIT 1
	`, tenderID).Scan(&h.Seq, &h.Hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return h, nil
	}
	if err != nil {
		return Head{}, fmt.Errorf("audit: read head: %w", err)
	}
	h.HasEntry = true
	return h, nil
}

func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, e Entry) (Entry, error) {
	const query = `
		INSERT INTO audit_log (tender_id, seq, ts, actor, event, ref_type, ref, hash, prev_hash, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id
	`
	if err := tx.QueryRow(ctx, query,
		e.TenderID, e.Seq, e.Timestamp, e.Actor, e.Event, e.RefType, e.Ref, e.Hash, e.PrevHash, e.Payload,
	).Scan(&e.ID); err != nil {
		return Entry{}, fmt.Errorf("audit: insert: %w", err)
	}
	return e, nil
}

func (s *PGStore) Freeze(ctx context.Context, tenderID string) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO audit_chains (tender_id, frozen) VALUES ($1, true)
		ON CONFLICT (tender_id) DO UPDATE SET frozen = true
	`, tenderID); err != nil {
		return fmt.Errorf("audit: freeze chain: %w", err)
	}
	return nil
}

func (s *PGStore) Range(ctx context.Context, tenderID string, fromSeq, toSeq int) ([]Entry, error) {
	query := `
		SELECT id, tender_id, seq, ts, actor, event, ref_type, ref, hash, prev_hash, payload
		FROM audit_log
		WHERE tender_id=$1 AND seq >= $2
	`
	args := []any{tenderID, fromSeq}
	if toSeq > 0 {
		query += ` AND seq <= $3`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: range: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 16)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TenderID, &e.Seq, &e.Timestamp, &e.Actor, &e.Event, &e.RefType, &e.Ref, &e.Hash, &e.PrevHash, &e.Payload); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}
	return out, nil
}
