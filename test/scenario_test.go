package test

import (
	"context"
	"os"
	"testing"
	"time"

	"tenderflow/bid"
	"tenderflow/dispute"
	"tenderflow/escrow"
	"tenderflow/fault"
	"tenderflow/tender"
	"tenderflow/test/infra"
)

// TestAwardLifecycleScenario walks one tender from publication to a paid
// milestone against a real database: publish, bid, evaluate, select a
// preferred bidder, survive a rejected challenge, award after the standstill
// and settle the first milestone. Requires DATABASE_URL.
func TestAwardLifecycleScenario(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping lifecycle scenario")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, true)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	svcs := buildServices(pool)

	deadline := time.Now().AddDate(0, 1, 0)
	tn, _, err := svcs.stages.Publish(ctx, tender.PublishParams{
		EntityID:           "ent-ministry",
		Title:              "Regional fiber rollout",
		BudgetCents:        500_000,
		Currency:           "EUR",
		SubmissionDeadline: &deadline,
		Actor:              "officer-1",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, _, err := svcs.stages.OpenSubmission(ctx, tn.ID, "officer-1"); err != nil {
		t.Fatalf("open submission: %v", err)
	}

	b, _, err := svcs.bids.Submit(ctx, bid.SubmitParams{
		TenderID:      tn.ID,
		ProviderID:    "prov-north",
		TechnicalHash: "sha256:tech-1",
		FinancialHash: "sha256:fin-1",
		Actor:         "prov-north",
	})
	if err != nil {
		t.Fatalf("submit bid: %v", err)
	}
	if _, _, err := svcs.stages.BeginEvaluation(ctx, tn.ID, "officer-1"); err != nil {
		t.Fatalf("begin evaluation: %v", err)
	}
	if _, _, err := svcs.bids.Score(ctx, bid.ScoreParams{
		TenderID: tn.ID,
		BidID:    b.ID,
		Axis:     bid.AxisTechnical,
		Criteria: []bid.Criterion{{Name: "coverage", Score: 90, Weight: 0.6}, {Name: "timeline", Score: 70, Weight: 0.4}},
		Actor:    "evaluator-1",
	}); err != nil {
		t.Fatalf("score: %v", err)
	}
	_, n, _, err := svcs.bids.SelectPreferred(ctx, tn.ID, b.ID, "officer-1")
	if err != nil {
		t.Fatalf("select preferred: %v", err)
	}

	// a losing provider challenges, the panel reviews and rejects
	d, _, err := svcs.disputes.File(ctx, dispute.FileParams{
		TenderID:     tn.ID,
		ChallengerID: "prov-south",
		Grounds:      "scoring weights differ from the published criteria",
	})
	if err != nil {
		t.Fatalf("file dispute: %v", err)
	}
	if _, _, err := svcs.disputes.BeginReview(ctx, tn.ID, d.ID, "panel-1"); err != nil {
		t.Fatalf("begin review: %v", err)
	}
	if _, _, err := svcs.disputes.RecordDecision(ctx, dispute.DecisionParams{
		TenderID:  tn.ID,
		DisputeID: d.ID,
		Outcome:   dispute.OutcomeRejected,
		Summary:   "weights match the published criteria",
		Actor:     "panel-1",
	}); err != nil {
		t.Fatalf("record decision: %v", err)
	}

	// the countdown resumed with the banked days, so the award must wait
	if _, _, err := svcs.notices.TryAdvance(ctx, tn.ID, "officer-1"); !fault.IsKind(err, fault.WindowClosed) {
		t.Fatalf("advance during standstill: got %v, want window_closed", err)
	}

	// age the resumed window out instead of waiting ten business days
	if _, err := pool.Exec(ctx, `UPDATE notices SET resumed_end = now() - interval '20 days' WHERE tender_id = $1`, tn.ID); err != nil {
		t.Fatalf("age standstill: %v", err)
	}
	awarded, _, err := svcs.notices.TryAdvance(ctx, tn.ID, "officer-1")
	if err != nil {
		t.Fatalf("advance after standstill: %v", err)
	}
	if awarded.Stage != tender.StageAwarded {
		t.Fatalf("stage after advance = %s, want %s", awarded.Stage, tender.StageAwarded)
	}

	// fund the escrow and settle the first milestone
	e, _, err := svcs.escrows.Create(ctx, escrow.CreateParams{
		TenderID:    tn.ID,
		NoticeID:    n.ID,
		AmountCents: 100_000,
		Currency:    "EUR",
		Milestones: []escrow.MilestoneSpec{
			{Sequence: 1, Description: "site survey", AmountCents: 40_000, RequiredSignatures: 2},
			{Sequence: 2, Description: "fiber laid", AmountCents: 60_000, RequiredSignatures: 2},
		},
		Actor: "officer-1",
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	var mID string
	if err := pool.QueryRow(ctx, `SELECT id FROM milestones WHERE escrow_id = $1 AND sequence = 1`, e.ID).Scan(&mID); err != nil {
		t.Fatalf("lookup milestone: %v", err)
	}
	if _, _, _, err := svcs.escrows.HoldMilestone(ctx, tn.ID, mID, "officer-1"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, _, err := svcs.escrows.SubmitMilestone(ctx, tn.ID, mID, "prov-north"); err != nil {
		t.Fatalf("submit milestone: %v", err)
	}
	if _, _, err := svcs.escrows.ApproveMilestone(ctx, tn.ID, mID, "officer-1"); err != nil {
		t.Fatalf("approve milestone: %v", err)
	}
	for _, signer := range []string{"officer-1", "auditor-1"} {
		if _, _, _, err := svcs.escrows.SignMilestone(ctx, tn.ID, mID, signer); err != nil {
			t.Fatalf("sign %s: %v", signer, err)
		}
	}
	settled, m, _, err := svcs.escrows.ReleaseMilestone(ctx, tn.ID, mID, "officer-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if m.Status != escrow.MilestonePaid {
		t.Fatalf("milestone status = %s, want %s", m.Status, escrow.MilestonePaid)
	}
	if settled.ReleasedCents != 40_000 || settled.BalanceCents != 60_000 {
		t.Fatalf("escrow after release: released=%d balance=%d", settled.ReleasedCents, settled.BalanceCents)
	}

	wantEvents := []string{
		"tender_published",
		"submission_opened",
		"bid_submitted",
		"evaluation_started",
		"bid_scored",
		"preferred_selected",
		"dispute_filed",
		"dispute_review_started",
		"dispute_decided",
		"tender_awarded",
		"escrow_created",
		"milestone_held",
		"milestone_submitted",
		"milestone_approved",
		"milestone_signed",
		"milestone_signed",
		"milestone_released",
	}
	rows, err := pool.Query(ctx, `SELECT event FROM audit_log WHERE tender_id = $1 ORDER BY seq`, tn.ID)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	defer rows.Close()
	var got []string
	for rows.Next() {
		var ev string
		if err := rows.Scan(&ev); err != nil {
			t.Fatalf("scan event: %v", err)
		}
		got = append(got, ev)
	}
	if len(got) != len(wantEvents) {
		t.Fatalf("audit log has %d entries, want %d: %v", len(got), len(wantEvents), got)
	}
	for i, ev := range wantEvents {
		if got[i] != ev {
			t.Fatalf("audit seq %d = %s, want %s", i+1, got[i], ev)
		}
	}

	ok, err := svcs.ledger.VerifyChain(ctx, tn.ID, 1, 0)
	if err != nil || !ok {
		t.Fatalf("verify chain: ok=%v err=%v", ok, err)
	}

	// tampering with a stored payload must break verification and freeze the chain
	if _, err := pool.Exec(ctx, `UPDATE audit_log SET payload = '{"forged":true}'::jsonb WHERE tender_id = $1 AND seq = 3`, tn.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	ok, err = svcs.ledger.VerifyChain(ctx, tn.ID, 1, 0)
	if ok || !fault.IsKind(err, fault.IntegrityViolation) {
		t.Fatalf("verify tampered chain: ok=%v err=%v", ok, err)
	}
	var frozen bool
	if err := pool.QueryRow(ctx, `SELECT frozen FROM audit_chains WHERE tender_id = $1`, tn.ID).Scan(&frozen); err != nil {
		t.Fatalf("read chain head: %v", err)
	}
	if !frozen {
		t.Fatal("chain not frozen after tamper")
	}
}
