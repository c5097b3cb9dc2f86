// Package dispute implements challenges against a notice to award. Filing a
// dispute freezes the standstill countdown and any escrowed funds; the
// decision either voids the award or resumes the countdown where it stopped.
package dispute

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tenderflow/audit"
	"tenderflow/calendar"
	"tenderflow/escrow"
	"tenderflow/fault"
	"tenderflow/notice"
	"tenderflow/tender"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Settlement is the slice of the escrow engine the controller drives. Both
// methods run inside the controller's transaction.
type Settlement interface {
	FreezeForDispute(ctx context.Context, tx pgx.Tx, tenderID, disputeID, actor string) (bool, error)
	ReleaseFromDispute(ctx context.Context, tx pgx.Tx, tenderID, resolution, actor string, to escrow.Status) (bool, error)
}

// Selections is the slice of the bid store an upheld decision needs to strip
// the voided winner, reopening scoring and selection.
type Selections interface {
	ClearPreferred(ctx context.Context, tx pgx.Tx, tenderID string) error
}

// Controller files and decides disputes.
type Controller struct {
	pool       TxBeginner
	store      Store
	notices    notice.Store
	settlement Settlement
	selections Selections
	machine    *tender.Machine
	ledger     *audit.Ledger
	cal        *calendar.Calendar
	now        func() time.Time
}

func NewController(pool TxBeginner, store Store, notices notice.Store, settlement Settlement, selections Selections, machine *tender.Machine, ledger *audit.Ledger, cal *calendar.Calendar) *Controller {
	return &Controller{
		pool:       pool,
		store:      store,
		notices:    notices,
		settlement: settlement,
		selections: selections,
		machine:    machine,
		ledger:     ledger,
		cal:        cal,
		now:        time.Now,
	}
}

// FileParams describes a new challenge.
type FileParams struct {
	TenderID     string
	ChallengerID string
	Grounds      string
}

// File opens a dispute while the standstill window is still running. It moves
// the tender to disputed, banks the remaining business days on the notice and
// freezes the escrow when one exists, all in one transaction with one audit
// append.
func (c *Controller) File(ctx context.Context, p FileParams) (Dispute, audit.Entry, error) {
	if p.TenderID == "" || p.ChallengerID == "" {
		return Dispute{}, audit.Entry{}, fault.New(fault.Validation, "tender id and challenger id are required")
	}
	if p.Grounds == "" {
		return Dispute{}, audit.Entry{}, fault.New(fault.Validation, "grounds for the challenge are required")
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, audit.Entry{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := c.machine.Lock(ctx, tx, p.TenderID)
	if err != nil {
		return Dispute{}, audit.Entry{}, err
	}

	active, err := c.store.ActiveExists(ctx, tx, p.TenderID)
	if err != nil {
		return Dispute{}, audit.Entry{}, err
	}
	if active {
		return Dispute{}, audit.Entry{}, fault.New(fault.InvalidTransition, "tender %s already has an open dispute", p.TenderID)
	}

	n, err := c.notices.GetByTender(ctx, tx, p.TenderID)
	if err != nil {
		return Dispute{}, audit.Entry{}, fault.New(fault.Validation, "tender %s has no notice to challenge", p.TenderID)
	}
	remaining := c.cal.BusinessDaysRemaining(n.EffectiveEnd(), c.now())
	if remaining <= 0 {
		return Dispute{}, audit.Entry{}, fault.New(fault.WindowClosed, "standstill window for tender %s has closed", p.TenderID)
	}

	d := Dispute{
		ID:           uuid.NewString(),
		TenderID:     p.TenderID,
		NoticeID:     n.ID,
		ChallengerID: p.ChallengerID,
		Grounds:      p.Grounds,
		Status:       StatusPending,
		FiledAt:      c.now().UTC(),
	}
	if d, err = c.store.Insert(ctx, tx, d); err != nil {
		return Dispute{}, audit.Entry{}, err
	}

	if _, err := c.machine.StepFrom(ctx, tx, t, tender.StageDisputed); err != nil {
		return Dispute{}, audit.Entry{}, err
	}
	if err := c.notices.Freeze(ctx, tx, n.ID, d.FiledAt, remaining); err != nil {
		return Dispute{}, audit.Entry{}, err
	}
	if _, err := c.settlement.FreezeForDispute(ctx, tx, p.TenderID, d.ID, p.ChallengerID); err != nil {
		return Dispute{}, audit.Entry{}, err
	}

	entry, err := c.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: p.TenderID,
		Actor:    p.ChallengerID,
		Event:    "dispute_filed",
		RefType:  "dispute",
		Ref:      d.ID,
		Payload: map[string]any{
			"grounds":        p.Grounds,
			"remaining_days": remaining,
		},
	})
	if err != nil {
		return Dispute{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, audit.Entry{}, fmt.Errorf("dispute: commit file: %w", err)
	}
	return d, entry, nil
}

// BeginReview moves a pending dispute under review.
func (c *Controller) BeginReview(ctx context.Context, tenderID, disputeID, actor string) (Dispute, audit.Entry, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, audit.Entry{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := c.machine.Lock(ctx, tx, tenderID); err != nil {
		return Dispute{}, audit.Entry{}, err
	}
	d, err := c.store.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, audit.Entry{}, err
	}
	if d.Status.Terminal() {
		return Dispute{}, audit.Entry{}, fault.New(fault.AlreadyResolved, "dispute %s already has a decision", disputeID)
	}
	if d.Status != StatusPending {
		return Dispute{}, audit.Entry{}, fault.New(fault.InvalidTransition, "dispute %s is %s, not pending", disputeID, d.Status)
	}

	if d, err = c.store.SetStatus(ctx, tx, disputeID, StatusUnderReview); err != nil {
		return Dispute{}, audit.Entry{}, err
	}

	entry, err := c.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: tenderID,
		Actor:    actor,
		Event:    "dispute_review_started",
		RefType:  "dispute",
		Ref:      disputeID,
		Payload:  map[string]any{"challenger_id": d.ChallengerID},
	})
	if err != nil {
		return Dispute{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, audit.Entry{}, fmt.Errorf("dispute: commit review: %w", err)
	}
	return d, entry, nil
}

// DecisionParams carries the panel's ruling.
type DecisionParams struct {
	TenderID  string
	DisputeID string
	Outcome   Outcome
	Summary   string
	Actor     string
}

// RecordDecision closes a dispute. Upheld voids the award: the notice is
// retired, the winner loses the preferred flag, the tender returns to
// evaluation for a fresh scoring round and escrowed funds move back to held.
// Rejected dismisses the challenge: the countdown resumes with the banked
// remaining days and the escrow becomes release-eligible.
func (c *Controller) RecordDecision(ctx context.Context, p DecisionParams) (Dispute, audit.Entry, error) {
	if !p.Outcome.valid() {
		return Dispute{}, audit.Entry{}, fault.New(fault.Validation, "outcome must be upheld or rejected, not %q", p.Outcome)
	}
	if p.Summary == "" {
		return Dispute{}, audit.Entry{}, fault.New(fault.Validation, "a decision summary is required")
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, audit.Entry{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := c.machine.Lock(ctx, tx, p.TenderID)
	if err != nil {
		return Dispute{}, audit.Entry{}, err
	}
	d, err := c.store.GetForUpdate(ctx, tx, p.DisputeID)
	if err != nil {
		return Dispute{}, audit.Entry{}, err
	}
	if d.Status.Terminal() {
		return Dispute{}, audit.Entry{}, fault.New(fault.AlreadyResolved, "dispute %s already has a decision", p.DisputeID)
	}

	now := c.now().UTC()
	switch p.Outcome {
	case OutcomeUpheld:
		if d, err = c.store.Decide(ctx, tx, p.DisputeID, StatusResolved, OutcomeUpheld, p.Summary, now); err != nil {
			return Dispute{}, audit.Entry{}, err
		}
		if err := c.notices.Void(ctx, tx, d.NoticeID, now); err != nil {
			return Dispute{}, audit.Entry{}, err
		}
		if err := c.selections.ClearPreferred(ctx, tx, p.TenderID); err != nil {
			return Dispute{}, audit.Entry{}, err
		}
		if _, err := c.machine.StepFrom(ctx, tx, t, tender.StageEvaluation); err != nil {
			return Dispute{}, audit.Entry{}, err
		}
		if _, err := c.settlement.ReleaseFromDispute(ctx, tx, p.TenderID, string(OutcomeUpheld), p.Actor, escrow.StatusHeld); err != nil {
			return Dispute{}, audit.Entry{}, err
		}
	case OutcomeRejected:
		if d, err = c.store.Decide(ctx, tx, p.DisputeID, StatusRejected, OutcomeRejected, p.Summary, now); err != nil {
			return Dispute{}, audit.Entry{}, err
		}
		n, err := c.notices.GetByTender(ctx, tx, p.TenderID)
		if err != nil {
			return Dispute{}, audit.Entry{}, err
		}
		if !n.Frozen() {
			return Dispute{}, audit.Entry{}, fault.New(fault.IntegrityViolation, "notice %s is not frozen while its dispute is open", n.ID)
		}
		newEnd := c.cal.AddBusinessDays(now, *n.RemainingAtFreeze)
		if err := c.notices.Resume(ctx, tx, n.ID, newEnd); err != nil {
			return Dispute{}, audit.Entry{}, err
		}
		if _, err := c.machine.StepFrom(ctx, tx, t, tender.StageEvaluation); err != nil {
			return Dispute{}, audit.Entry{}, err
		}
		if _, err := c.settlement.ReleaseFromDispute(ctx, tx, p.TenderID, string(OutcomeRejected), p.Actor, escrow.StatusResolved); err != nil {
			return Dispute{}, audit.Entry{}, err
		}
	}

	entry, err := c.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: p.TenderID,
		Actor:    p.Actor,
		Event:    "dispute_decided",
		RefType:  "dispute",
		Ref:      p.DisputeID,
		Payload: map[string]any{
			"outcome":          string(p.Outcome),
			"decision_summary": p.Summary,
		},
	})
	if err != nil {
		return Dispute{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, audit.Entry{}, fmt.Errorf("dispute: commit decision: %w", err)
	}
	return d, entry, nil
}
