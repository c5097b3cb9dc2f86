package notice

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"tenderflow/audit"
	"tenderflow/calendar"
	"tenderflow/fault"
	"tenderflow/tender"
	"tenderflow/test/fakes"
)

type memStore struct {
	notices map[string]*Notice // keyed by tender id
	pending bool
}

func (m *memStore) Insert(_ context.Context, _ pgx.Tx, n Notice) (Notice, error) {
	cp := n
	m.notices[n.TenderID] = &cp
	return n, nil
}

func (m *memStore) GetByTender(_ context.Context, _ pgx.Tx, tenderID string) (Notice, error) {
	n, ok := m.notices[tenderID]
	if !ok || n.VoidedAt != nil {
		return Notice{}, ErrNotFound
	}
	return *n, nil
}

func (m *memStore) Freeze(_ context.Context, _ pgx.Tx, noticeID string, at time.Time, remaining int) error {
	for _, n := range m.notices {
		if n.ID == noticeID {
			n.FrozenAt = &at
			n.RemainingAtFreeze = &remaining
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) Resume(_ context.Context, _ pgx.Tx, noticeID string, newEnd time.Time) error {
	for _, n := range m.notices {
		if n.ID == noticeID {
			n.FrozenAt = nil
			n.RemainingAtFreeze = nil
			n.ResumedEnd = &newEnd
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) Void(_ context.Context, _ pgx.Tx, noticeID string, at time.Time) error {
	for _, n := range m.notices {
		if n.ID == noticeID && n.VoidedAt == nil {
			n.VoidedAt = &at
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) PendingDisputeExists(_ context.Context, _ pgx.Tx, _ string) (bool, error) {
	return m.pending, nil
}

type memTenders struct {
	tenders map[string]tender.Tender
}

func (m *memTenders) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (tender.Tender, error) {
	t, ok := m.tenders[id]
	if !ok {
		return tender.Tender{}, tender.ErrNotFound
	}
	return t, nil
}

func (m *memTenders) Insert(_ context.Context, _ pgx.Tx, t tender.Tender) (tender.Tender, error) {
	m.tenders[t.ID] = t
	return t, nil
}

func (m *memTenders) UpdateStage(_ context.Context, _ pgx.Tx, id string, next tender.Stage, sealed bool, version int) (tender.Tender, error) {
	t, ok := m.tenders[id]
	if !ok || t.Version != version {
		return tender.Tender{}, fault.New(fault.Conflict, "tender %s was modified concurrently", id)
	}
	t.Stage = next
	t.Sealed = sealed
	t.Version++
	m.tenders[id] = t
	return t, nil
}

type fixture struct {
	ctl     *Controller
	store   *memStore
	tenders *memTenders
	audit   *audit.MemStore
	cal     *calendar.Calendar
	now     time.Time
}

// newFixture seeds a tender in evaluation with a notice issued today and a
// ten business-day standstill window.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC) // a Monday
	cal := calendar.New(nil, nil)
	store := &memStore{notices: map[string]*Notice{
		"t1": {ID: "n1", TenderID: "t1", BidID: "b1", AwardDate: now, StandstillEnd: cal.AddBusinessDays(now, 10)},
	}}
	tenders := &memTenders{tenders: map[string]tender.Tender{
		"t1": {ID: "t1", Stage: tender.StageEvaluation, Sealed: true, Version: 2},
	}}
	auditStore := audit.NewMemStore()
	ctl := NewController(&fakes.Pool{}, store, tender.NewMachine(tenders), audit.NewLedger(auditStore), cal, 10)
	ctl.now = func() time.Time { return now }
	return &fixture{ctl: ctl, store: store, tenders: tenders, audit: auditStore, cal: cal, now: now}
}

func TestCreate_SingleNoticePerTender(t *testing.T) {
	f := newFixture(t)

	n, err := f.ctl.Create(context.Background(), nil, "t2", "b9")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if want := f.cal.AddBusinessDays(f.now.UTC(), 10); !n.StandstillEnd.Equal(want) {
		t.Fatalf("standstill end = %v, want %v", n.StandstillEnd, want)
	}

	if _, err := f.ctl.Create(context.Background(), nil, "t2", "b10"); !fault.IsKind(err, fault.AlreadyResolved) {
		t.Fatalf("second create: got %v, want already_resolved", err)
	}
}

func TestCreate_ReissueAfterVoid(t *testing.T) {
	f := newFixture(t)

	if err := f.store.Void(context.Background(), nil, "n1", f.now); err != nil {
		t.Fatalf("void: %v", err)
	}
	n, err := f.ctl.Create(context.Background(), nil, "t1", "b2")
	if err != nil {
		t.Fatalf("create after void: %v", err)
	}
	if n.ID == "n1" || n.VoidedAt != nil {
		t.Fatalf("reissued notice = %+v, want a fresh live notice", n)
	}
}

func TestTryAdvance_WindowStillOpen(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.ctl.TryAdvance(context.Background(), "t1", "officer")
	if !fault.IsKind(err, fault.WindowClosed) {
		t.Fatalf("got %v, want window_closed", err)
	}
	if got := f.tenders.tenders["t1"].Stage; got != tender.StageEvaluation {
		t.Fatalf("stage = %s, want evaluation untouched", got)
	}
}

func TestTryAdvance_AwardsAfterWindow(t *testing.T) {
	f := newFixture(t)
	f.ctl.now = func() time.Time { return f.cal.AddBusinessDays(f.now, 11) }

	awarded, entry, err := f.ctl.TryAdvance(context.Background(), "t1", "officer")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if awarded.Stage != tender.StageAwarded {
		t.Fatalf("stage = %s, want awarded", awarded.Stage)
	}
	if awarded.Version != 3 {
		t.Fatalf("version = %d, want 3", awarded.Version)
	}
	if entry.Event != "tender_awarded" {
		t.Fatalf("event = %s, want tender_awarded", entry.Event)
	}
}

func TestTryAdvance_FrozenWindowRefused(t *testing.T) {
	f := newFixture(t)
	frozenAt := f.now
	banked := 4
	f.store.notices["t1"].FrozenAt = &frozenAt
	f.store.notices["t1"].RemainingAtFreeze = &banked
	f.ctl.now = func() time.Time { return f.now.AddDate(0, 0, 30) }

	if _, _, err := f.ctl.TryAdvance(context.Background(), "t1", "officer"); !fault.IsKind(err, fault.WindowFrozen) {
		t.Fatalf("got %v, want window_frozen", err)
	}
}

func TestTryAdvance_PendingDisputeBlocks(t *testing.T) {
	f := newFixture(t)
	f.store.pending = true
	f.ctl.now = func() time.Time { return f.now.AddDate(0, 0, 30) }

	if _, _, err := f.ctl.TryAdvance(context.Background(), "t1", "officer"); !fault.IsKind(err, fault.WindowFrozen) {
		t.Fatalf("got %v, want window_frozen", err)
	}
}

func TestTryAdvance_ResumedEndGoverns(t *testing.T) {
	f := newFixture(t)
	// a rejected dispute resumed the countdown with a nearer end
	resumed := f.cal.AddBusinessDays(f.now, 3)
	f.store.notices["t1"].ResumedEnd = &resumed
	f.ctl.now = func() time.Time { return f.cal.AddBusinessDays(f.now, 4) }

	awarded, _, err := f.ctl.TryAdvance(context.Background(), "t1", "officer")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if awarded.Stage != tender.StageAwarded {
		t.Fatalf("stage = %s, want awarded", awarded.Stage)
	}
}

func TestRemaining(t *testing.T) {
	f := newFixture(t)

	rem, err := f.ctl.Remaining(context.Background(), "t1")
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if rem != 10 {
		t.Fatalf("remaining = %d, want 10", rem)
	}

	frozenAt := f.now
	banked := 6
	f.store.notices["t1"].FrozenAt = &frozenAt
	f.store.notices["t1"].RemainingAtFreeze = &banked
	rem, err = f.ctl.Remaining(context.Background(), "t1")
	if err != nil {
		t.Fatalf("remaining frozen: %v", err)
	}
	if rem != 6 {
		t.Fatalf("frozen remaining = %d, want banked 6", rem)
	}
}
