// Package notice implements the notice-to-award and the business-day
// standstill window that gates the awarded stage.
package notice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tenderflow/audit"
	"tenderflow/calendar"
	"tenderflow/fault"
	"tenderflow/tender"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Controller issues notices and drives the standstill countdown.
type Controller struct {
	pool           TxBeginner
	store          Store
	machine        *tender.Machine
	ledger         *audit.Ledger
	cal            *calendar.Calendar
	standstillDays int
	now            func() time.Time
}

func NewController(pool TxBeginner, store Store, machine *tender.Machine, ledger *audit.Ledger, cal *calendar.Calendar, standstillDays int) *Controller {
	return &Controller{
		pool:           pool,
		store:          store,
		machine:        machine,
		ledger:         ledger,
		cal:            cal,
		standstillDays: standstillDays,
		now:            time.Now,
	}
}

// Create issues the tender's single notice inside the caller's transaction.
// The bid subsystem calls this from selectPreferredBidder.
func (c *Controller) Create(ctx context.Context, tx pgx.Tx, tenderID, bidID string) (Notice, error) {
	if _, err := c.store.GetByTender(ctx, tx, tenderID); err == nil {
		return Notice{}, fault.New(fault.AlreadyResolved, "tender %s already has a notice to award", tenderID)
	} else if !errors.Is(err, ErrNotFound) {
		return Notice{}, err
	}

	awardDate := c.now().UTC()
	n := Notice{
		ID:            uuid.NewString(),
		TenderID:      tenderID,
		BidID:         bidID,
		AwardDate:     awardDate,
		StandstillEnd: c.cal.AddBusinessDays(awardDate, c.standstillDays),
	}
	return c.store.Insert(ctx, tx, n)
}

// TryAdvance moves the tender to awarded once the standstill window elapsed
// and no dispute is pending. Called periodically or after a dispute decision.
func (c *Controller) TryAdvance(ctx context.Context, tenderID, actor string) (tender.Tender, audit.Entry, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return tender.Tender{}, audit.Entry{}, fmt.Errorf("notice: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	n, t, err := c.windowState(ctx, tx, tenderID)
	if err != nil {
		return tender.Tender{}, audit.Entry{}, err
	}
	if rem := c.cal.BusinessDaysRemaining(n.EffectiveEnd(), c.now()); rem > 0 {
		return tender.Tender{}, audit.Entry{}, fault.New(fault.WindowClosed, "standstill window open for %d more business days", rem)
	}

	awarded, err := c.machine.StepFrom(ctx, tx, t, tender.StageAwarded)
	if err != nil {
		return tender.Tender{}, audit.Entry{}, err
	}

	entry, err := c.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: tenderID,
		Actor:    actor,
		Event:    "tender_awarded",
		RefType:  "notice",
		Ref:      n.ID,
		Payload: map[string]any{
			"bid_id":         n.BidID,
			"standstill_end": n.EffectiveEnd().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return tender.Tender{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return tender.Tender{}, audit.Entry{}, fmt.Errorf("notice: commit award: %w", err)
	}
	return awarded, entry, nil
}

// Remaining reports the business days left on the standstill window without
// mutating anything.
func (c *Controller) Remaining(ctx context.Context, tenderID string) (int, error) {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notice: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	n, err := c.store.GetByTender(ctx, tx, tenderID)
	if err != nil {
		return 0, err
	}
	if n.Frozen() {
		return *n.RemainingAtFreeze, nil
	}
	return c.cal.BusinessDaysRemaining(n.EffectiveEnd(), c.now()), nil
}

func (c *Controller) windowState(ctx context.Context, tx pgx.Tx, tenderID string) (Notice, tender.Tender, error) {
	t, err := c.machine.Lock(ctx, tx, tenderID)
	if err != nil {
		return Notice{}, tender.Tender{}, err
	}
	n, err := c.store.GetByTender(ctx, tx, tenderID)
	if err != nil {
		return Notice{}, tender.Tender{}, err
	}
	if n.Frozen() {
		return Notice{}, tender.Tender{}, fault.New(fault.WindowFrozen, "standstill countdown for tender %s is frozen by a dispute", tenderID)
	}
	pending, err := c.store.PendingDisputeExists(ctx, tx, tenderID)
	if err != nil {
		return Notice{}, tender.Tender{}, err
	}
	if pending {
		return Notice{}, tender.Tender{}, fault.New(fault.WindowFrozen, "tender %s has a pending dispute", tenderID)
	}
	return n, t, nil
}
