// Package actors contains the concurrent workloads of the stress test. Each
// actor loops a single command against the live services until stopped,
// tolerating the fault kinds contention is expected to produce.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"tenderflow/bid"
	"tenderflow/dispute"
	"tenderflow/escrow"
	"tenderflow/fault"
	"tenderflow/notice"
)

// expected filters out the faults a correctly serialized engine hands to
// losers of a race or to commands whose window is simply not open.
func expected(err error) bool {
	if err == nil {
		return true
	}
	switch fault.KindOf(err) {
	case fault.Conflict, fault.InvalidTransition, fault.WindowClosed,
		fault.WindowFrozen, fault.AlreadyResolved, fault.Validation:
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// Submitter races bid replacements for one provider on one tender.
func Submitter(ctx context.Context, bids *bid.Service, tenderID, providerID string, stop <-chan struct{}) error {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		n++
		_, _, err := bids.Submit(ctx, bid.SubmitParams{
			TenderID:      tenderID,
			ProviderID:    providerID,
			TechnicalHash: fmt.Sprintf("th-%s-%d", providerID, n),
			TechnicalURL:  "s3://bids/tech",
			FinancialHash: fmt.Sprintf("fh-%s-%d", providerID, n),
			FinancialURL:  "s3://bids/fin",
			Replace:       true,
			Actor:         providerID,
		})
		if !expected(err) {
			return fmt.Errorf("submitter %s: %w", providerID, err)
		}
		pause(10, 20)
	}
}

// Signer keeps signing one milestone with its own identity; only the first
// signature may land, every retry must be refused as a duplicate.
func Signer(ctx context.Context, escrows *escrow.Service, tenderID, milestoneID, signerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _, _, err := escrows.SignMilestone(ctx, tenderID, milestoneID, signerID)
		if !expected(err) {
			return fmt.Errorf("signer %s: %w", signerID, err)
		}
		pause(20, 40)
	}
}

// Releaser hammers ReleaseMilestone; the oracles verify at most one payout
// ever lands no matter how many releasers race.
func Releaser(ctx context.Context, escrows *escrow.Service, tenderID, milestoneID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _, _, err := escrows.ReleaseMilestone(ctx, tenderID, milestoneID, "releaser")
		if !expected(err) && fault.KindOf(err) != fault.ProviderUnavailable {
			return fmt.Errorf("releaser: %w", err)
		}
		pause(15, 35)
	}
}

// Approver walks the milestone toward approved so releasers have work.
func Approver(ctx context.Context, escrows *escrow.Service, tenderID, milestoneID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, _, _, err := escrows.HoldMilestone(ctx, tenderID, milestoneID, "approver"); !expected(err) {
			return fmt.Errorf("approver hold: %w", err)
		}
		if _, _, err := escrows.SubmitMilestone(ctx, tenderID, milestoneID, "approver"); !expected(err) {
			return fmt.Errorf("approver submit: %w", err)
		}
		if _, _, err := escrows.ApproveMilestone(ctx, tenderID, milestoneID, "approver"); !expected(err) {
			return fmt.Errorf("approver approve: %w", err)
		}
		pause(30, 50)
	}
}

// Advancer hammers the standstill auto-award; it must keep losing with
// window_closed or window_frozen until the window genuinely elapses.
func Advancer(ctx context.Context, notices *notice.Controller, tenderID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _, err := notices.TryAdvance(ctx, tenderID, "advancer")
		if !expected(err) {
			return fmt.Errorf("advancer: %w", err)
		}
		pause(40, 60)
	}
}

// Disputer repeatedly tries to open a challenge; at most one may be live.
func Disputer(ctx context.Context, disputes *dispute.Controller, tenderID, challengerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		d, _, err := disputes.File(ctx, dispute.FileParams{
			TenderID:     tenderID,
			ChallengerID: challengerID,
			Grounds:      "stress challenge",
		})
		if !expected(err) {
			return fmt.Errorf("disputer file: %w", err)
		}
		if err == nil {
			// Close our own dispute so the window can resume.
			pause(50, 50)
			_, _, err = disputes.RecordDecision(ctx, dispute.DecisionParams{
				TenderID:  tenderID,
				DisputeID: d.ID,
				Outcome:   dispute.OutcomeRejected,
				Summary:   "stress challenge withdrawn",
				Actor:     challengerID,
			})
			if !expected(err) {
				return fmt.Errorf("disputer decide: %w", err)
			}
		}
		pause(100, 100)
	}
}
