package bid

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tenderflow/audit"
	"tenderflow/calendar"
	"tenderflow/fault"
	"tenderflow/notice"
	"tenderflow/tender"
	"tenderflow/test/fakes"
)

type memBidStore struct {
	bids map[string]Bid
}

func newMemBidStore() *memBidStore { return &memBidStore{bids: map[string]Bid{}} }

func (m *memBidStore) LiveVersion(_ context.Context, _ pgx.Tx, tenderID, providerID string) (Bid, bool, error) {
	var best Bid
	found := false
	for _, b := range m.bids {
		if b.TenderID == tenderID && b.ProviderID == providerID && !b.Withdrawn {
			if !found || b.Version > best.Version {
				best = b
				found = true
			}
		}
	}
	return best, found, nil
}

func (m *memBidStore) LastVersion(_ context.Context, _ pgx.Tx, tenderID, providerID string) (int, error) {
	last := 0
	for _, b := range m.bids {
		if b.TenderID == tenderID && b.ProviderID == providerID && b.Version > last {
			last = b.Version
		}
	}
	return last, nil
}

func (m *memBidStore) Insert(_ context.Context, _ pgx.Tx, b Bid) (Bid, error) {
	b.SubmittedAt = time.Now()
	m.bids[b.ID] = b
	return b, nil
}

func (m *memBidStore) Withdraw(_ context.Context, _ pgx.Tx, bidID string) (Bid, error) {
	b, ok := m.bids[bidID]
	if !ok {
		return Bid{}, ErrNotFound
	}
	b.Withdrawn = true
	m.bids[bidID] = b
	return b, nil
}

func (m *memBidStore) GetForUpdate(_ context.Context, _ pgx.Tx, bidID string) (Bid, error) {
	b, ok := m.bids[bidID]
	if !ok {
		return Bid{}, ErrNotFound
	}
	return b, nil
}

func (m *memBidStore) SetScores(_ context.Context, _ pgx.Tx, bidID string, technical, financial *float64) (Bid, error) {
	b, ok := m.bids[bidID]
	if !ok {
		return Bid{}, ErrNotFound
	}
	if technical != nil {
		b.TechnicalScore = technical
	}
	if financial != nil {
		b.FinancialScore = financial
	}
	m.bids[bidID] = b
	return b, nil
}

func (m *memBidStore) MarkPreferred(_ context.Context, _ pgx.Tx, bidID string) (Bid, error) {
	b, ok := m.bids[bidID]
	if !ok {
		return Bid{}, ErrNotFound
	}
	b.Preferred = true
	m.bids[bidID] = b
	return b, nil
}

func (m *memBidStore) ClearPreferred(_ context.Context, _ pgx.Tx, tenderID string) error {
	for id, b := range m.bids {
		if b.TenderID == tenderID && b.Preferred {
			b.Preferred = false
			m.bids[id] = b
		}
	}
	return nil
}

func (m *memBidStore) PreferredExists(_ context.Context, _ pgx.Tx, tenderID string) (bool, error) {
	for _, b := range m.bids {
		if b.TenderID == tenderID && b.Preferred {
			return true, nil
		}
	}
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

type stubNotices struct {
	created []string
	err     error
}

func (s *stubNotices) Create(_ context.Context, _ pgx.Tx, tenderID, bidID string) (notice.Notice, error) {
	if s.err != nil {
		return notice.Notice{}, s.err
	}
	s.created = append(s.created, bidID)
	now := time.Date(2026, time.March, 16, 10, 0, 0, 0, time.UTC)
	return notice.Notice{
		ID:            uuid.NewString(),
		TenderID:      tenderID,
		BidID:         bidID,
		AwardDate:     now,
		StandstillEnd: now.AddDate(0, 0, 14),
	}, nil
}

type fixture struct {
	svc     *Service
	bids    *memBidStore
	tenders *memTenderStore
	notices *stubNotices
	audit   *audit.MemStore
	pool    *fakes.Pool
}

func newFixture(now time.Time, stage tender.Stage, deadline time.Time) *fixture {
	bids := newMemBidStore()
	tenders := &memTenderStore{tenders: map[string]tender.Tender{
		"t1": {ID: "t1", Stage: stage, SubmissionDeadline: &deadline, Sealed: stage == tender.StageEvaluation, Version: 1},
	}}
	notices := &stubNotices{}
	auditStore := audit.NewMemStore()
	pool := &fakes.Pool{}
	svc := NewService(pool, bids, tender.NewMachine(tenders), notices, audit.NewLedger(auditStore), calendar.New(nil, nil))
	svc.now = func() time.Time { return now }
	return &fixture{svc: svc, bids: bids, tenders: tenders, notices: notices, audit: auditStore, pool: pool}
}

func submit(t *testing.T, f *fixture, provider string, replace bool) Bid {
	t.Helper()
	b, _, err := f.svc.Submit(context.Background(), SubmitParams{
		TenderID:      "t1",
		ProviderID:    provider,
		TechnicalHash: "th",
		FinancialHash: "fh",
		Replace:       replace,
		Actor:         provider,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return b
}

func TestSubmit_VersionsAndHistory(t *testing.T) {
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	f := newFixture(now, tender.StageSubmission, now.AddDate(0, 0, 10))

	v1 := submit(t, f, "prov-1", false)
	if v1.Version != 1 {
		t.Fatalf("expected version 1, got %d", v1.Version)
	}

	// A second submission without explicit replacement is a silent overwrite.
	_, _, err := f.svc.Submit(context.Background(), SubmitParams{
		TenderID: "t1", ProviderID: "prov-1", TechnicalHash: "th2", FinancialHash: "fh2",
	})
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("expected validation fault, got %v", err)
	}

	v2 := submit(t, f, "prov-1", true)
	if v2.Version != 2 {
		t.Fatalf("expected version 2, got %d", v2.Version)
	}

	// Both versions remain in history, only one live.
	if got := f.bids.bids[v1.ID]; !got.Withdrawn {
		t.Errorf("replaced version must be withdrawn, not deleted")
	}
	live, ok, _ := f.bids.LiveVersion(context.Background(), nil, "t1", "prov-1")
	if !ok || live.ID != v2.ID {
		t.Errorf("expected v2 to be the live version")
	}
}

func TestSubmit_RejectedAfterDeadline(t *testing.T) {
	now := time.Date(2026, time.March, 20, 9, 0, 0, 0, time.UTC)
	f := newFixture(now, tender.StageSubmission, now.AddDate(0, 0, -2))

	_, _, err := f.svc.Submit(context.Background(), SubmitParams{
		TenderID: "t1", ProviderID: "prov-1", TechnicalHash: "th", FinancialHash: "fh",
	})
	if !fault.IsKind(err, fault.WindowClosed) {
		t.Fatalf("expected window_closed fault, got %v", err)
	}
	if len(f.bids.bids) != 0 {
		t.Errorf("rejected submission must not persist a bid")
	}
}

func TestSubmit_RejectedOnceSealed(t *testing.T) {
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	f := newFixture(now, tender.StageEvaluation, now.AddDate(0, 0, -2))

	_, _, err := f.svc.Submit(context.Background(), SubmitParams{
		TenderID: "t1", ProviderID: "prov-1", TechnicalHash: "th", FinancialHash: "fh",
	})
	if !fault.IsKind(err, fault.InvalidTransition) {
		t.Fatalf("expected invalid_transition fault, got %v", err)
	}
}

func TestScore_TechnicalThenFinancialSeal(t *testing.T) {
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	f := newFixture(now, tender.StageSubmission, now.AddDate(0, 0, 10))
	b := submit(t, f, "prov-1", false)
	f.tenders.tenders["t1"] = tender.Tender{ID: "t1", Stage: tender.StageEvaluation, Sealed: true, Version: 2}

	// Financial scoring is sealed until technical evaluation locks.
	_, _, err := f.svc.Score(context.Background(), ScoreParams{
		TenderID: "t1", BidID: b.ID, Axis: AxisFinancial,
		Criteria: []Criterion{{Name: "price", Score: 90, Weight: 1}},
	})
	if !fault.IsKind(err, fault.InvalidTransition) {
		t.Fatalf("expected financial seal rejection, got %v", err)
	}

	scored, _, err := f.svc.Score(context.Background(), ScoreParams{
		TenderID: "t1", BidID: b.ID, Axis: AxisTechnical,
		Criteria: []Criterion{
			{Name: "methodology", Score: 80, Weight: 2},
			{Name: "team", Score: 60, Weight: 1},
		},
	})
	if err != nil {
		t.Fatalf("score technical: %v", err)
	}
	if want := (80.0*2 + 60.0*1) / 3; *scored.TechnicalScore != want {
		t.Fatalf("expected weighted score %.2f, got %.2f", want, *scored.TechnicalScore)
	}

	// Selection locks technical scores and unseals financial ones.
	if _, _, _, err := f.svc.SelectPreferred(context.Background(), "t1", b.ID, "officer-1"); err != nil {
		t.Fatalf("select preferred: %v", err)
	}

	_, _, err = f.svc.Score(context.Background(), ScoreParams{
		TenderID: "t1", BidID: b.ID, Axis: AxisTechnical,
		Criteria: []Criterion{{Name: "methodology", Score: 99, Weight: 1}},
	})
	if !fault.IsKind(err, fault.InvalidTransition) {
		t.Fatalf("expected technical lock rejection, got %v", err)
	}

	if _, _, err := f.svc.Score(context.Background(), ScoreParams{
		TenderID: "t1", BidID: b.ID, Axis: AxisFinancial,
		Criteria: []Criterion{{Name: "price", Score: 70, Weight: 1}},
	}); err != nil {
		t.Fatalf("financial scoring after unseal: %v", err)
	}
}

func TestScore_ClampsCriteria(t *testing.T) {
	got := WeightedScore([]Criterion{
		{Name: "a", Score: 150, Weight: 1},
		{Name: "b", Score: -20, Weight: 1},
	})
	if got != 50 {
		t.Fatalf("expected clamp to [0,100] per axis, got %.2f", got)
	}
}

func TestSelectPreferred_OncePerTender(t *testing.T) {
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	f := newFixture(now, tender.StageSubmission, now.AddDate(0, 0, 10))
	b1 := submit(t, f, "prov-1", false)
	b2 := submit(t, f, "prov-2", false)
	f.tenders.tenders["t1"] = tender.Tender{ID: "t1", Stage: tender.StageEvaluation, Sealed: true, Version: 2}

	score := func(id string) {
		if _, _, err := f.svc.Score(context.Background(), ScoreParams{
			TenderID: "t1", BidID: id, Axis: AxisTechnical,
			Criteria: []Criterion{{Name: "m", Score: 80, Weight: 1}},
		}); err != nil {
			t.Fatalf("score: %v", err)
		}
	}
	score(b1.ID)
	score(b2.ID)

	if _, _, _, err := f.svc.SelectPreferred(context.Background(), "t1", b1.ID, "officer-1"); err != nil {
		t.Fatalf("first selection: %v", err)
	}
	_, _, _, err := f.svc.SelectPreferred(context.Background(), "t1", b2.ID, "officer-1")
	if !fault.IsKind(err, fault.AlreadyResolved) {
		t.Fatalf("expected already_resolved on second selection, got %v", err)
	}
	if len(f.notices.created) != 1 {
		t.Fatalf("expected exactly one notice, got %d", len(f.notices.created))
	}
}

func TestSelectPreferred_ReopensAfterPreferredCleared(t *testing.T) {
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	f := newFixture(now, tender.StageSubmission, now.AddDate(0, 0, 10))
	b1 := submit(t, f, "prov-1", false)
	b2 := submit(t, f, "prov-2", false)
	f.tenders.tenders["t1"] = tender.Tender{ID: "t1", Stage: tender.StageEvaluation, Sealed: true, Version: 2}

	score := func(id string, v float64) {
		if _, _, err := f.svc.Score(context.Background(), ScoreParams{
			TenderID: "t1", BidID: id, Axis: AxisTechnical,
			Criteria: []Criterion{{Name: "m", Score: v, Weight: 1}},
		}); err != nil {
			t.Fatalf("score: %v", err)
		}
	}
	score(b1.ID, 80)
	score(b2.ID, 70)
	if _, _, _, err := f.svc.SelectPreferred(context.Background(), "t1", b1.ID, "officer-1"); err != nil {
		t.Fatalf("first selection: %v", err)
	}

	// An upheld dispute strips the winner; scoring and selection reopen.
	if err := f.bids.ClearPreferred(context.Background(), nil, "t1"); err != nil {
		t.Fatalf("clear preferred: %v", err)
	}
	score(b2.ID, 95)
	if _, _, _, err := f.svc.SelectPreferred(context.Background(), "t1", b2.ID, "officer-1"); err != nil {
		t.Fatalf("fresh selection after clear: %v", err)
	}
	if !f.bids.bids[b2.ID].Preferred {
		t.Fatal("second winner must carry the preferred flag")
	}
	if len(f.notices.created) != 2 || f.notices.created[1] != b2.ID {
		t.Fatalf("notices created = %v, want a fresh notice for the new winner", f.notices.created)
	}
}

func TestSelectPreferred_NeedsTechnicalScore(t *testing.T) {
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	f := newFixture(now, tender.StageSubmission, now.AddDate(0, 0, 10))
	b := submit(t, f, "prov-1", false)
	f.tenders.tenders["t1"] = tender.Tender{ID: "t1", Stage: tender.StageEvaluation, Sealed: true, Version: 2}

	_, _, _, err := f.svc.SelectPreferred(context.Background(), "t1", b.ID, "officer-1")
	if !fault.IsKind(err, fault.InvalidTransition) {
		t.Fatalf("expected invalid_transition for unscored bid, got %v", err)
	}
}
