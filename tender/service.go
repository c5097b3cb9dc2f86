package tender

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tenderflow/audit"
	"tenderflow/calendar"
	"tenderflow/fault"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// StageService owns the deadline-gated lifecycle commands. Every command runs
// one transaction: lock tender row, validate, write stage, append exactly one
// audit record, commit.
type StageService struct {
	pool    TxBeginner
	store   Store
	machine *Machine
	ledger  *audit.Ledger
	cal     *calendar.Calendar
	now     func() time.Time
}

func NewStageService(pool TxBeginner, store Store, ledger *audit.Ledger, cal *calendar.Calendar) *StageService {
	return &StageService{
		pool:    pool,
		store:   store,
		machine: NewMachine(store),
		ledger:  ledger,
		cal:     cal,
		now:     time.Now,
	}
}

// PublishParams enumerates the mandatory fields of a new tender.
type PublishParams struct {
	EntityID              string
	Title                 string
	BudgetCents           int64
	Currency              string
	ClarificationDeadline *time.Time
	SubmissionDeadline    *time.Time
	EvaluationDeadline    *time.Time
	AwardDeadline         *time.Time
	Actor                 string
}

// Publish creates the tender in stage published. Tenders never exist in
// storage before publication; drafts live with the caller.
func (s *StageService) Publish(ctx context.Context, p PublishParams) (Tender, audit.Entry, error) {
	if p.EntityID == "" || p.Title == "" {
		return Tender{}, audit.Entry{}, fault.New(fault.Validation, "entity id and title are required")
	}
	if p.BudgetCents <= 0 {
		return Tender{}, audit.Entry{}, fault.New(fault.Validation, "budget must be positive")
	}
	if p.Currency == "" {
		return Tender{}, audit.Entry{}, fault.New(fault.Validation, "currency is required")
	}
	if p.SubmissionDeadline == nil {
		return Tender{}, audit.Entry{}, fault.New(fault.Validation, "submission deadline is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Tender{}, audit.Entry{}, fmt.Errorf("tender: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.store.Insert(ctx, tx, Tender{
		ID:                    uuid.NewString(),
		EntityID:              p.EntityID,
		Title:                 p.Title,
		BudgetCents:           p.BudgetCents,
		Currency:              p.Currency,
		Stage:                 StagePublished,
		ClarificationDeadline: p.ClarificationDeadline,
		SubmissionDeadline:    p.SubmissionDeadline,
		EvaluationDeadline:    p.EvaluationDeadline,
		AwardDeadline:         p.AwardDeadline,
	})
	if err != nil {
		return Tender{}, audit.Entry{}, err
	}

	entry, err := s.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: t.ID,
		Actor:    p.Actor,
		Event:    "tender_published",
		RefType:  "tender",
		Ref:      t.ID,
		Payload: map[string]any{
			"entity_id":    t.EntityID,
			"title":        t.Title,
			"budget_cents": t.BudgetCents,
			"currency":     t.Currency,
		},
	})
	if err != nil {
		return Tender{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Tender{}, audit.Entry{}, fmt.Errorf("tender: commit publish: %w", err)
	}
	return t, entry, nil
}

// OpenClarification moves published -> clarification while the clarification
// window is still open.
func (s *StageService) OpenClarification(ctx context.Context, tenderID, actor string) (Tender, audit.Entry, error) {
	return s.transition(ctx, tenderID, actor, StageClarification, "clarification_opened", func(t Tender) error {
		if t.ClarificationDeadline == nil {
			return fault.New(fault.Validation, "tender %s has no clarification deadline", t.ID)
		}
		if rem := s.cal.BusinessDaysRemaining(*t.ClarificationDeadline, s.now()); rem < 0 {
			return fault.New(fault.WindowClosed, "clarification window closed %d days ago", -rem)
		}
		return nil
	}, false)
}

// OpenSubmission moves into the submission stage while the submission cutoff
// has not passed.
func (s *StageService) OpenSubmission(ctx context.Context, tenderID, actor string) (Tender, audit.Entry, error) {
	return s.transition(ctx, tenderID, actor, StageSubmission, "submission_opened", func(t Tender) error {
		if t.SubmissionDeadline == nil {
			return fault.New(fault.Validation, "tender %s has no submission deadline", t.ID)
		}
		if rem := s.cal.BusinessDaysRemaining(*t.SubmissionDeadline, s.now()); rem < 0 {
			return fault.New(fault.WindowClosed, "submission window closed %d days ago", -rem)
		}
		return nil
	}, false)
}

// BeginEvaluation moves submission -> evaluation once the submission deadline
// has passed, sealing further bid submission.
func (s *StageService) BeginEvaluation(ctx context.Context, tenderID, actor string) (Tender, audit.Entry, error) {
	return s.transition(ctx, tenderID, actor, StageEvaluation, "evaluation_started", func(t Tender) error {
		if t.SubmissionDeadline == nil {
			return fault.New(fault.Validation, "tender %s has no submission deadline", t.ID)
		}
		if rem := s.cal.BusinessDaysRemaining(*t.SubmissionDeadline, s.now()); rem > 0 {
			return fault.New(fault.WindowClosed, "submission window still open for %d business days", rem)
		}
		return nil
	}, true)
}

// Complete moves awarded -> completed once all milestones settle.
func (s *StageService) Complete(ctx context.Context, tenderID, actor string) (Tender, audit.Entry, error) {
	return s.transition(ctx, tenderID, actor, StageCompleted, "tender_completed", nil, false)
}

// Cancel is the explicit administrative terminal action, permitted from any
// non-terminal stage.
func (s *StageService) Cancel(ctx context.Context, tenderID, actor, reason string) (Tender, audit.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Tender{}, audit.Entry{}, fmt.Errorf("tender: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.machine.Step(ctx, tx, tenderID, StageCancelled)
	if err != nil {
		return Tender{}, audit.Entry{}, err
	}

	entry, err := s.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: t.ID,
		Actor:    actor,
		Event:    "tender_cancelled",
		RefType:  "tender",
		Ref:      t.ID,
		Payload:  map[string]any{"reason": reason},
	})
	if err != nil {
		return Tender{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Tender{}, audit.Entry{}, fmt.Errorf("tender: commit cancel: %w", err)
	}
	return t, entry, nil
}

// Machine exposes the tx-scoped stage machine to the notice and dispute
// controllers so their moves share the same guard table.
func (s *StageService) Machine() *Machine { return s.machine }

func (s *StageService) transition(ctx context.Context, tenderID, actor string, next Stage, event string, guard func(Tender) error, seal bool) (Tender, audit.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Tender{}, audit.Entry{}, fmt.Errorf("tender: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cur, err := s.store.GetForUpdate(ctx, tx, tenderID)
	if err != nil {
		return Tender{}, audit.Entry{}, err
	}
	if guard != nil {
		if err := guard(cur); err != nil {
			return Tender{}, audit.Entry{}, err
		}
	}

	var t Tender
	if seal {
		t, err = s.machine.advance(ctx, tx, cur, next, true)
	} else {
		t, err = s.machine.StepFrom(ctx, tx, cur, next)
	}
	if err != nil {
		return Tender{}, audit.Entry{}, err
	}

	entry, err := s.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: t.ID,
		Actor:    actor,
		Event:    event,
		RefType:  "tender",
		Ref:      t.ID,
		Payload:  map[string]any{"previous_stage": string(cur.Stage), "next_stage": string(next)},
	})
	if err != nil {
		return Tender{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Tender{}, audit.Entry{}, fmt.Errorf("tender: commit %s: %w", event, err)
	}
	return t, entry, nil
}
