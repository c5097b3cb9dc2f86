package bid

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested bid does not exist.
	ErrNotFound = errors.New("bid: not found")
)

const bidColumns = `id, tender_id, provider_id, version, technical_hash, technical_url,
	financial_hash, financial_url, withdrawn, technical_score, financial_score, preferred, submitted_at`

// Store is the persistence surface of the bid subsystem. Mutating methods run
// inside the caller's transaction, under the tender row lock.
type Store interface {
	LiveVersion(ctx context.Context, tx pgx.Tx, tenderID, providerID string) (Bid, bool, error)
	LastVersion(ctx context.Context, tx pgx.Tx, tenderID, providerID string) (int, error)
	Insert(ctx context.Context, tx pgx.Tx, b Bid) (Bid, error)
	Withdraw(ctx context.Context, tx pgx.Tx, bidID string) (Bid, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, bidID string) (Bid, error)
	SetScores(ctx context.Context, tx pgx.Tx, bidID string, technical, financial *float64) (Bid, error)
	MarkPreferred(ctx context.Context, tx pgx.Tx, bidID string) (Bid, error)
	ClearPreferred(ctx context.Context, tx pgx.Tx, tenderID string) error
	PreferredExists(ctx context.Context, tx pgx.Tx, tenderID string) (bool, error)
}

// PGStore is the pgx-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// LiveVersion returns the latest non-withdrawn bid for the (tender, provider)
// pair, preserving the at-most-one-live invariant.
func (s *PGStore) LiveVersion(ctx context.Context, tx pgx.Tx, tenderID, providerID string) (Bid, bool, error) {
	const query = `
		SELECT ` + bidColumns + `
		FROM bids
		WHERE tender_id=$1 AND provider_id=$2 AND NOT withdrawn
		ORDER BY version DESC LIMIT 1
	`
	b, err := scanBid(tx.QueryRow(ctx, query, tenderID, providerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Bid{}, false, nil
	}
	if err != nil {
		return Bid{}, false, fmt.Errorf("bid: live version: %w", err)
	}
	return b, true, nil
}

// LastVersion returns the highest version ever submitted by the provider,
// withdrawn versions included. Replacements never reuse a version number.
func (s *PGStore) LastVersion(ctx context.Context, tx pgx.Tx, tenderID, providerID string) (int, error) {
	var v int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM bids WHERE tender_id=$1 AND provider_id=$2
	`, tenderID, providerID).Scan(&v); err != nil {
		return 0, fmt.Errorf("bid: last version: %w", err)
	}
	return v, nil
}

func (s *PGStore) Insert(ctx context.Context, tx pgx.Tx, b Bid) (Bid, error) {
	const query = `
		INSERT INTO bids (id, tender_id, provider_id, version, technical_hash, technical_url, financial_hash, financial_url)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING ` + bidColumns
	out, err := scanBid(tx.QueryRow(ctx, query,
		b.ID, b.TenderID, b.ProviderID, b.Version, b.TechnicalHash, b.TechnicalURL, b.FinancialHash, b.FinancialURL,
	))
	if err != nil {
		return Bid{}, fmt.Errorf("bid: insert: %w", err)
	}
	return out, nil
}

func (s *PGStore) Withdraw(ctx context.Context, tx pgx.Tx, bidID string) (Bid, error) {
	const query = `
		UPDATE bids SET withdrawn=true WHERE id=$1
		RETURNING ` + bidColumns
	b, err := scanBid(tx.QueryRow(ctx, query, bidID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotFound
		}
		return Bid{}, fmt.Errorf("bid: withdraw: %w", err)
	}
	return b, nil
}

func (s *PGStore) GetForUpdate(ctx context.Context, tx pgx.Tx, bidID string) (Bid, error) {
	b, err := scanBid(tx.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id=$1 FOR UPDATE`, bidID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotFound
		}
		return Bid{}, fmt.Errorf("bid: lock row: %w", err)
	}
	return b, nil
}

func (s *PGStore) SetScores(ctx context.Context, tx pgx.Tx, bidID string, technical, financial *float64) (Bid, error) {
	const query = `
		UPDATE bids
		SET technical_score=COALESCE($1, technical_score),
		    financial_score=COALESCE($2, financial_score)
		WHERE id=$3
		RETURNING ` + bidColumns
	b, err := scanBid(tx.QueryRow(ctx, query, technical, financial, bidID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotFound
		}
		return Bid{}, fmt.Errorf("bid: set scores: %w", err)
	}
	return b, nil
}

func (s *PGStore) MarkPreferred(ctx context.Context, tx pgx.Tx, bidID string) (Bid, error) {
	const query = `
		UPDATE bids SET preferred=true WHERE id=$1
		RETURNING ` + bidColumns
	b, err := scanBid(tx.QueryRow(ctx, query, bidID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotFound
		}
		return Bid{}, fmt.Errorf("bid: mark preferred: %w", err)
	}
	return b, nil
}

// ClearPreferred strips the preferred flag from the tender's bids, reopening
// scoring and selection after an upheld dispute voids the award.
func (s *PGStore) ClearPreferred(ctx context.Context, tx pgx.Tx, tenderID string) error {
	if _, err := tx.Exec(ctx, `UPDATE bids SET preferred=false WHERE tender_id=$1 AND preferred`, tenderID); err != nil {
		return fmt.Errorf("bid: clear preferred: %w", err)
	}
	return nil
}

func (s *PGStore) PreferredExists(ctx context.Context, tx pgx.Tx, tenderID string) (bool, error) {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bids WHERE tender_id=$1 AND preferred)`, tenderID).Scan(&exists); err != nil {
		return false, fmt.Errorf("bid: preferred exists: %w", err)
	}
	return exists, nil
}

// ListByTender reads committed bid history outside any command transaction.
func (s *PGStore) ListByTender(ctx context.Context, tenderID string) ([]Bid, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+bidColumns+` FROM bids WHERE tender_id=$1 ORDER BY provider_id, version`, tenderID)
	if err != nil {
		return nil, fmt.Errorf("bid: list: %w", err)
	}
	defer rows.Close()

	out := make([]Bid, 0, 8)
	for rows.Next() {
		var b Bid
		if err := rows.Scan(
			&b.ID, &b.TenderID, &b.ProviderID, &b.Version, &b.TechnicalHash, &b.TechnicalURL,
			&b.FinancialHash, &b.FinancialURL, &b.Withdrawn, &b.TechnicalScore, &b.FinancialScore, &b.Preferred, &b.SubmittedAt,
		); err != nil {
			return nil, fmt.Errorf("bid: scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bid: iterate: %w", err)
	}
	return out, nil
}

func scanBid(row pgx.Row) (Bid, error) {
	var b Bid
	err := row.Scan(
		&b.ID, &b.TenderID, &b.ProviderID, &b.Version, &b.TechnicalHash, &b.TechnicalURL,
		&b.FinancialHash, &b.FinancialURL, &b.Withdrawn, &b.TechnicalScore, &b.FinancialScore, &b.Preferred, &b.SubmittedAt,
	)
	return b, err
}
