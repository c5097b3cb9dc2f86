// Package audit implements the append-only, hash-chained event log backing
// every state mutation in the engine. Chains are scoped per tender and
// extended inside the same transaction as the mutation they document, under
// the tender row lock, so chain order matches mutation order.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/jackc/pgx/v5"

	"tenderflow/fault"
)

// Head describes the current tip of a tender's chain.
type Head struct {
	Seq      int
	Hash     string
	Frozen   bool
	HasEntry bool
}

// Store persists chain entries. Append-path methods run inside the caller's
// transaction; Range reads committed history.
type Store interface {
	Head(ctx context.Context, tx pgx.Tx, tenderID string) (Head, error)
	Insert(ctx context.Context, tx pgx.Tx, e Entry) (Entry, error)
	Freeze(ctx context.Context, tenderID string) error
	Range(ctx context.Context, tenderID string, fromSeq, toSeq int) ([]Entry, error)
}

// Ledger appends and verifies hash-chained audit entries.
type Ledger struct {
	store Store
	now   func() time.Time
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Append extends the tender's chain with one entry. The caller must hold the
// tender row lock in tx. A frozen chain rejects the append: the mutation it
// would document must not commit either.
func (l *Ledger) Append(ctx context.Context, tx pgx.Tx, p AppendParams) (Entry, error) {
	if p.TenderID == "" || p.Event == "" {
		return Entry{}, fault.New(fault.Validation, "audit append requires tender id and event")
	}

	head, err := l.store.Head(ctx, tx, p.TenderID)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: read chain head: %w", err)
	}
	if head.Frozen {
		return Entry{}, fault.New(fault.IntegrityViolation, "audit chain for tender %s is frozen", p.TenderID)
	}

	payload := p.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: canonicalize payload: %w", err)
	}

	// Postgres stores timestamps at microsecond precision; hash what will be
	// read back so verification recomputes the same bytes.
	ts := l.now().UTC().Truncate(time.Microsecond)
	e := Entry{
		TenderID:  p.TenderID,
		Seq:       head.Seq + 1,
		Timestamp: ts,
		Actor:     p.Actor,
		Event:     p.Event,
		RefType:   p.RefType,
		Ref:       p.Ref,
		PrevHash:  head.Hash,
		Payload:   canonical,
	}
	e.Hash = chainHash(head.Hash, canonical, ts)

	stored, err := l.store.Insert(ctx, tx, e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: insert entry: %w", err)
	}
	return stored, nil
}

// VerifyChain recomputes every hash on the tender's chain and compares it to
// the stored values. On a mismatch the chain is frozen and an
// integrity_violation fault is returned alongside ok=false.
func (l *Ledger) VerifyChain(ctx context.Context, tenderID string, fromSeq, toSeq int) (bool, error) {
	entries, err := l.store.Range(ctx, tenderID, fromSeq, toSeq)
	if err != nil {
		return false, fmt.Errorf("audit: load chain: %w", err)
	}

	prev := ""
	for i, e := range entries {
		if fromSeq > 1 && i == 0 {
			// Partial verification anchors on the stored prev hash.
			prev = e.PrevHash
		}
		if e.PrevHash != prev {
			return l.fail(ctx, tenderID, e.Seq, "prev hash mismatch")
		}
		if chainHash(e.PrevHash, e.Payload, e.Timestamp) != e.Hash {
			return l.fail(ctx, tenderID, e.Seq, "hash mismatch")
		}
		prev = e.Hash
	}
	return true, nil
}

func (l *Ledger) fail(ctx context.Context, tenderID string, seq int, why string) (bool, error) {
	if err := l.store.Freeze(ctx, tenderID); err != nil {
		return false, fmt.Errorf("audit: freeze tampered chain: %w", err)
	}
	return false, fault.New(fault.IntegrityViolation, "audit chain for tender %s broken at seq %d: %s", tenderID, seq, why)
}

func chainHash(prevHash string, canonicalPayload []byte, ts time.Time) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}
