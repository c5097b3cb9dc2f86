package audit

import (
	"context"
	"testing"
	"time"

	"tenderflow/fault"
)

func newTestLedger() (*Ledger, *MemStore) {
	store := NewMemStore()
	l := NewLedger(store)
	base := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	n := 0
	l.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return l, store
}

func appendN(t *testing.T, l *Ledger, tenderID string, n int) []Entry {
	t.Helper()
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), nil, AppendParams{
			TenderID: tenderID,
			Actor:    "operator-1",
			Event:    "tender_published",
			RefType:  "tender",
			Ref:      tenderID,
			Payload:  map[string]any{"n": i, "b": "two", "a": 1},
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestAppend_ChainsEntries(t *testing.T) {
	l, _ := newTestLedger()
	entries := appendN(t, l, "t1", 3)

	if entries[0].PrevHash != "" {
		t.Errorf("genesis entry must have empty prev hash")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			t.Errorf("entry %d prev hash does not link to entry %d", i, i-1)
		}
		if entries[i].Seq != entries[i-1].Seq+1 {
			t.Errorf("entry %d seq not monotonic", i)
		}
	}
}

func TestAppend_CanonicalizesPayload(t *testing.T) {
	l, _ := newTestLedger()
	e, err := l.Append(context.Background(), nil, AppendParams{
		TenderID: "t1",
		Event:    "tender_published",
		Payload:  map[string]any{"zeta": 1, "alpha": "x"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := string(e.Payload); got != `{"alpha":"x","zeta":1}` {
		t.Fatalf("payload not in canonical key order: %s", got)
	}
}

func TestVerifyChain_CleanLog(t *testing.T) {
	l, _ := newTestLedger()
	appendN(t, l, "t1", 5)

	ok, err := l.VerifyChain(context.Background(), "t1", 1, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected clean chain to verify")
	}
}

func TestVerifyChain_DetectsTamperedPayload(t *testing.T) {
	l, store := newTestLedger()
	appendN(t, l, "t1", 5)

	// Flip a single byte of a historical payload.
	entries := store.Entries("t1")
	tampered := append([]byte(nil), entries[2].Payload...)
	tampered[0] ^= 0x01
	store.Tamper("t1", 3, tampered)

	ok, err := l.VerifyChain(context.Background(), "t1", 1, 0)
	if ok {
		t.Fatalf("expected tampered chain to fail verification")
	}
	if !fault.IsKind(err, fault.IntegrityViolation) {
		t.Fatalf("expected integrity_violation, got %v", err)
	}

	// The chain is frozen: no further appends.
	if _, err := l.Append(context.Background(), nil, AppendParams{TenderID: "t1", Event: "tender_cancelled"}); !fault.IsKind(err, fault.IntegrityViolation) {
		t.Fatalf("expected frozen chain to reject appends, got %v", err)
	}

	// Other tenders are unaffected.
	if _, err := l.Append(context.Background(), nil, AppendParams{TenderID: "t2", Event: "tender_published"}); err != nil {
		t.Fatalf("unrelated chain should accept appends: %v", err)
	}
}

func TestVerifyChain_PartialRange(t *testing.T) {
	l, _ := newTestLedger()
	appendN(t, l, "t1", 6)

	ok, err := l.VerifyChain(context.Background(), "t1", 3, 5)
	if err != nil {
		t.Fatalf("verify range: %v", err)
	}
	if !ok {
		t.Fatalf("expected partial range to verify")
	}
}

func TestAppend_RequiresTenderAndEvent(t *testing.T) {
	l, _ := newTestLedger()
	if _, err := l.Append(context.Background(), nil, AppendParams{TenderID: "t1"}); !fault.IsKind(err, fault.Validation) {
		t.Fatalf("expected validation fault, got %v", err)
	}
}
