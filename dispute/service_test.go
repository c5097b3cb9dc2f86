package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"tenderflow/audit"
	"tenderflow/calendar"
	"tenderflow/escrow"
	"tenderflow/fault"
	"tenderflow/notice"
	"tenderflow/tender"
	"tenderflow/test/fakes"
)

type memDisputeStore struct {
	disputes map[string]*Dispute
}

func (m *memDisputeStore) Insert(_ context.Context, _ pgx.Tx, d Dispute) (Dispute, error) {
	cp := d
	m.disputes[d.ID] = &cp
	return d, nil
}

func (m *memDisputeStore) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (Dispute, error) {
	d, ok := m.disputes[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return *d, nil
}

func (m *memDisputeStore) ActiveExists(_ context.Context, _ pgx.Tx, tenderID string) (bool, error) {
	for _, d := range m.disputes {
		if d.TenderID == tenderID && !d.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memDisputeStore) SetStatus(_ context.Context, _ pgx.Tx, id string, status Status) (Dispute, error) {
	d, ok := m.disputes[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	d.Status = status
	return *d, nil
}

func (m *memDisputeStore) Decide(_ context.Context, _ pgx.Tx, id string, status Status, outcome Outcome, summary string, at time.Time) (Dispute, error) {
	d, ok := m.disputes[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	if d.Status.Terminal() {
		return Dispute{}, fault.New(fault.AlreadyResolved, "dispute %s already has a decision", id)
	}
	d.Status = status
	d.Outcome = &outcome
	d.DecisionSummary = &summary
	d.ResolvedAt = &at
	return *d, nil
}

type memNoticeStore struct {
	notices map[string]*notice.Notice // keyed by tender id
}

func (m *memNoticeStore) Insert(_ context.Context, _ pgx.Tx, n notice.Notice) (notice.Notice, error) {
	cp := n
	m.notices[n.TenderID] = &cp
	return n, nil
}

func (m *memNoticeStore) GetByTender(_ context.Context, _ pgx.Tx, tenderID string) (notice.Notice, error) {
	n, ok := m.notices[tenderID]
	if !ok || n.VoidedAt != nil {
		return notice.Notice{}, notice.ErrNotFound
	}
	return *n, nil
}

func (m *memNoticeStore) Freeze(_ context.Context, _ pgx.Tx, noticeID string, at time.Time, remaining int) error {
	for _, n := range m.notices {
		if n.ID == noticeID {
			n.FrozenAt = &at
			n.RemainingAtFreeze = &remaining
			return nil
		}
	}
	return notice.ErrNotFound
}

func (m *memNoticeStore) Resume(_ context.Context, _ pgx.Tx, noticeID string, newEnd time.Time) error {
	for _, n := range m.notices {
		if n.ID == noticeID {
			n.FrozenAt = nil
			n.RemainingAtFreeze = nil
			n.ResumedEnd = &newEnd
			return nil
		}
	}
	return notice.ErrNotFound
}

func (m *memNoticeStore) Void(_ context.Context, _ pgx.Tx, noticeID string, at time.Time) error {
	for _, n := range m.notices {
		if n.ID == noticeID && n.VoidedAt == nil {
			n.VoidedAt = &at
			return nil
		}
	}
	return notice.ErrNotFound
}

func (m *memNoticeStore) PendingDisputeExists(_ context.Context, _ pgx.Tx, _ string) (bool, error) {
	return false, nil
}

type memTenderStore struct {
	tenders map[string]tender.Tender
}

func (m *memTenderStore) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (tender.Tender, error) {
	t, ok := m.tenders[id]
	if !ok {
		return tender.Tender{}, tender.ErrNotFound
	}
	return t, nil
}

func (m *memTenderStore) Insert(_ context.Context, _ pgx.Tx, t tender.Tender) (tender.Tender, error) {
	m.tenders[t.ID] = t
	return t, nil
}

func (m *memTenderStore) UpdateStage(_ context.Context, _ pgx.Tx, id string, next tender.Stage, sealed bool, version int) (tender.Tender, error) {
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

// stubSettlement records freeze/release calls without a real escrow.
type stubSettlement struct {
	exists   bool
	frozen   bool
	resolved *escrow.Status
}

func (s *stubSettlement) FreezeForDispute(_ context.Context, _ pgx.Tx, _, _, _ string) (bool, error) {
	if s.exists {
		s.frozen = true
	}
	return s.exists, nil
}

func (s *stubSettlement) ReleaseFromDispute(_ context.Context, _ pgx.Tx, _, _, _ string, to escrow.Status) (bool, error) {
	if s.exists {
		s.resolved = &to
		s.frozen = false
	}
	return s.exists, nil
}

// stubSelections records preferred-flag clears.
type stubSelections struct {
	cleared []string
}

func (s *stubSelections) ClearPreferred(_ context.Context, _ pgx.Tx, tenderID string) error {
	s.cleared = append(s.cleared, tenderID)
	return nil
}

type fixture struct {
	ctl        *Controller
	disputes   *memDisputeStore
	notices    *memNoticeStore
	tenders    *memTenderStore
	settlement *stubSettlement
	selections *stubSelections
	audit      *audit.MemStore
	cal        *calendar.Calendar
	now        time.Time
}

// newFixture seeds a tender in evaluation whose notice was issued today with
// a ten business-day standstill window.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC) // a Monday
	cal := calendar.New(nil, nil)
	disputes := &memDisputeStore{disputes: map[string]*Dispute{}}
	notices := &memNoticeStore{notices: map[string]*notice.Notice{
		"t1": {ID: "n1", TenderID: "t1", BidID: "b1", AwardDate: now, StandstillEnd: cal.AddBusinessDays(now, 10)},
	}}
	tenders := &memTenderStore{tenders: map[string]tender.Tender{
		"t1": {ID: "t1", Stage: tender.StageEvaluation, Sealed: true, Version: 3},
	}}
	settlement := &stubSettlement{exists: true}
	selections := &stubSelections{}
	auditStore := audit.NewMemStore()
	ctl := NewController(&fakes.Pool{}, disputes, notices, settlement, selections, tender.NewMachine(tenders), audit.NewLedger(auditStore), cal)
	ctl.now = func() time.Time { return now }
	return &fixture{
		ctl: ctl, disputes: disputes, notices: notices, tenders: tenders,
		settlement: settlement, selections: selections, audit: auditStore, cal: cal, now: now,
	}
}

func (f *fixture) file(t *testing.T) Dispute {
	t.Helper()
	d, _, err := f.ctl.File(context.Background(), FileParams{
		TenderID: "t1", ChallengerID: "vendor-2", Grounds: "scoring deviated from published criteria",
	})
	if err != nil {
		t.Fatalf("file dispute: %v", err)
	}
	return d
}

func TestFile_FreezesWindowAndEscrow(t *testing.T) {
	f := newFixture(t)
	d := f.file(t)

	if d.Status != StatusPending {
		t.Fatalf("status = %s, want pending", d.Status)
	}
	if got := f.tenders.tenders["t1"].Stage; got != tender.StageDisputed {
		t.Fatalf("tender stage = %s, want disputed", got)
	}
	n := f.notices.notices["t1"]
	if !n.Frozen() {
		t.Fatal("notice must be frozen after filing")
	}
	if *n.RemainingAtFreeze != 10 {
		t.Fatalf("banked remaining = %d, want 10", *n.RemainingAtFreeze)
	}
	if !f.settlement.frozen {
		t.Fatal("escrow must be frozen after filing")
	}

	entries := f.audit.Entries("t1")
	if len(entries) != 1 || entries[0].Event != "dispute_filed" {
		t.Fatalf("audit entries = %+v, want single dispute_filed", entries)
	}
}

func TestFile_AfterWindowElapsed(t *testing.T) {
	f := newFixture(t)
	f.ctl.now = func() time.Time { return f.cal.AddBusinessDays(f.now, 11) }

	_, _, err := f.ctl.File(context.Background(), FileParams{
		TenderID: "t1", ChallengerID: "vendor-2", Grounds: "late objection",
	})
	if !fault.IsKind(err, fault.WindowClosed) {
		t.Fatalf("want window_closed after the standstill elapsed, got %v", err)
	}
	if f.notices.notices["t1"].Frozen() {
		t.Fatal("rejected filing must not freeze the notice")
	}
	if got := f.tenders.tenders["t1"].Stage; got != tender.StageEvaluation {
		t.Fatalf("tender stage = %s, want evaluation untouched", got)
	}
}

func TestFile_SecondOpenDisputeRejected(t *testing.T) {
	f := newFixture(t)
	f.file(t)

	_, _, err := f.ctl.File(context.Background(), FileParams{
		TenderID: "t1", ChallengerID: "vendor-3", Grounds: "me too",
	})
	if !fault.IsKind(err, fault.InvalidTransition) {
		t.Fatalf("want invalid_transition for a second open dispute, got %v", err)
	}
}

func TestFile_NoNotice(t *testing.T) {
	f := newFixture(t)
	f.tenders.tenders["t2"] = tender.Tender{ID: "t2", Stage: tender.StageEvaluation, Version: 1}

	_, _, err := f.ctl.File(context.Background(), FileParams{
		TenderID: "t2", ChallengerID: "vendor-2", Grounds: "premature",
	})
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("want validation fault without a notice, got %v", err)
	}
}

func TestRecordDecision_RejectedResumesCountdown(t *testing.T) {
	f := newFixture(t)
	d := f.file(t)

	// The fixture freezes on day zero, so the full ten days stay banked no
	// matter when the decision lands.
	decideAt := f.cal.AddBusinessDays(f.now, 4)
	f.ctl.now = func() time.Time { return decideAt }

	out, entry, err := f.ctl.RecordDecision(context.Background(), DecisionParams{
		TenderID: "t1", DisputeID: d.ID, Outcome: OutcomeRejected,
		Summary: "challenge unfounded", Actor: "panel-1",
	})
	if err != nil {
		t.Fatalf("record decision: %v", err)
	}
	if out.Status != StatusRejected || out.Outcome == nil || *out.Outcome != OutcomeRejected {
		t.Fatalf("decided dispute = %+v", out)
	}

	n := f.notices.notices["t1"]
	if n.Frozen() {
		t.Fatal("rejected decision must unfreeze the notice")
	}
	wantEnd := f.cal.AddBusinessDays(decideAt.UTC(), 10)
	if n.ResumedEnd == nil || !n.ResumedEnd.Equal(wantEnd) {
		t.Fatalf("resumed end = %v, want %v", n.ResumedEnd, wantEnd)
	}
	if got := f.tenders.tenders["t1"].Stage; got != tender.StageEvaluation {
		t.Fatalf("tender stage = %s, want evaluation", got)
	}
	if f.settlement.resolved == nil || *f.settlement.resolved != escrow.StatusResolved {
		t.Fatal("rejected decision must make the escrow release-eligible")
	}
	if entry.Event != "dispute_decided" {
		t.Fatalf("audit event = %s, want dispute_decided", entry.Event)
	}
}

func TestRecordDecision_UpheldVoidsAward(t *testing.T) {
	f := newFixture(t)
	d := f.file(t)

	out, _, err := f.ctl.RecordDecision(context.Background(), DecisionParams{
		TenderID: "t1", DisputeID: d.ID, Outcome: OutcomeUpheld,
		Summary: "criteria misapplied; selection voided", Actor: "panel-1",
	})
	if err != nil {
		t.Fatalf("record decision: %v", err)
	}
	if out.Status != StatusResolved {
		t.Fatalf("status = %s, want resolved", out.Status)
	}
	if got := f.tenders.tenders["t1"].Stage; got != tender.StageEvaluation {
		t.Fatalf("tender stage = %s, want evaluation", got)
	}
	if f.notices.notices["t1"].VoidedAt == nil {
		t.Fatal("upheld decision must void the notice")
	}
	if len(f.selections.cleared) != 1 || f.selections.cleared[0] != "t1" {
		t.Fatalf("cleared tenders = %v, want [t1]", f.selections.cleared)
	}
	if f.settlement.resolved == nil || *f.settlement.resolved != escrow.StatusHeld {
		t.Fatal("upheld decision must return escrow funds to held")
	}

	// The voided notice is retired: a new challenge has nothing to target
	// until a fresh selection issues a fresh notice.
	_, _, err = f.ctl.File(context.Background(), FileParams{
		TenderID: "t1", ChallengerID: "vendor-3", Grounds: "challenge the void",
	})
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("want validation fault filing against a voided notice, got %v", err)
	}
}

func TestRecordDecision_TerminalIsAlreadyResolved(t *testing.T) {
	f := newFixture(t)
	d := f.file(t)

	if _, _, err := f.ctl.RecordDecision(context.Background(), DecisionParams{
		TenderID: "t1", DisputeID: d.ID, Outcome: OutcomeRejected, Summary: "unfounded", Actor: "panel-1",
	}); err != nil {
		t.Fatalf("first decision: %v", err)
	}
	_, _, err := f.ctl.RecordDecision(context.Background(), DecisionParams{
		TenderID: "t1", DisputeID: d.ID, Outcome: OutcomeUpheld, Summary: "changed our minds", Actor: "panel-1",
	})
	if !fault.IsKind(err, fault.AlreadyResolved) {
		t.Fatalf("want already_resolved on a second decision, got %v", err)
	}
}

func TestBeginReview(t *testing.T) {
	f := newFixture(t)
	d := f.file(t)

	out, _, err := f.ctl.BeginReview(context.Background(), "t1", d.ID, "panel-1")
	if err != nil {
		t.Fatalf("begin review: %v", err)
	}
	if out.Status != StatusUnderReview {
		t.Fatalf("status = %s, want under_review", out.Status)
	}
	if _, _, err := f.ctl.BeginReview(context.Background(), "t1", d.ID, "panel-1"); !fault.IsKind(err, fault.InvalidTransition) {
		t.Fatalf("want invalid_transition reviewing twice, got %v", err)
	}
}
