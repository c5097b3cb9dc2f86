// Package bid manages sealed bid submission, versioned replacement, scoring
// and preferred-bidder selection.
package bid

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tenderflow/audit"
	"tenderflow/calendar"
	"tenderflow/fault"
	"tenderflow/notice"
	"tenderflow/tender"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// NoticeIssuer creates the notice-to-award inside the selection transaction.
type NoticeIssuer interface {
	Create(ctx context.Context, tx pgx.Tx, tenderID, bidID string) (notice.Notice, error)
}

// Service implements the bid/evaluation commands. Every command serializes on
// the tender row lock and appends exactly one audit record.
type Service struct {
	pool    TxBeginner
	store   Store
	machine *tender.Machine
	notices NoticeIssuer
	ledger  *audit.Ledger
	cal     *calendar.Calendar
	now     func() time.Time
}

func NewService(pool TxBeginner, store Store, machine *tender.Machine, notices NoticeIssuer, ledger *audit.Ledger, cal *calendar.Calendar) *Service {
	return &Service{
		pool:    pool,
		store:   store,
		machine: machine,
		notices: notices,
		ledger:  ledger,
		cal:     cal,
		now:     time.Now,
	}
}

// SubmitParams carries a new bid version. Replace must be set to supersede a
// live prior version; both versions remain in history.
type SubmitParams struct {
	TenderID      string
	ProviderID    string
	TechnicalHash string
	TechnicalURL  string
	FinancialHash string
	FinancialURL  string
	Replace       bool
	Actor         string
}

func (s *Service) Submit(ctx context.Context, p SubmitParams) (Bid, audit.Entry, error) {
	if p.TenderID == "" || p.ProviderID == "" {
		return Bid{}, audit.Entry{}, fault.New(fault.Validation, "tender id and provider id are required")
	}
	if p.TechnicalHash == "" || p.FinancialHash == "" {
		return Bid{}, audit.Entry{}, fault.New(fault.Validation, "technical and financial proposal hashes are required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bid{}, audit.Entry{}, fmt.Errorf("bid: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.lockOpenTender(ctx, tx, p.TenderID)
	if err != nil {
		return Bid{}, audit.Entry{}, err
	}

	live, hasLive, err := s.store.LiveVersion(ctx, tx, p.TenderID, p.ProviderID)
	if err != nil {
		return Bid{}, audit.Entry{}, err
	}
	if hasLive && !p.Replace {
		return Bid{}, audit.Entry{}, fault.New(fault.Validation, "provider %s already has a live bid; submit as an explicit replacement", p.ProviderID)
	}
	if hasLive {
		if _, err := s.store.Withdraw(ctx, tx, live.ID); err != nil {
			return Bid{}, audit.Entry{}, err
		}
	}

	last, err := s.store.LastVersion(ctx, tx, p.TenderID, p.ProviderID)
	if err != nil {
		return Bid{}, audit.Entry{}, err
	}

	b, err := s.store.Insert(ctx, tx, Bid{
		ID:            uuid.NewString(),
		TenderID:      p.TenderID,
		ProviderID:    p.ProviderID,
		Version:       last + 1,
		TechnicalHash: p.TechnicalHash,
		TechnicalURL:  p.TechnicalURL,
		FinancialHash: p.FinancialHash,
		FinancialURL:  p.FinancialURL,
	})
	if err != nil {
		return Bid{}, audit.Entry{}, err
	}

	payload := map[string]any{
		"provider_id":    p.ProviderID,
		"version":        b.Version,
		"technical_hash": p.TechnicalHash,
		"financial_hash": p.FinancialHash,
	}
	if hasLive {
		payload["replaces"] = live.ID
	}
	entry, err := s.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: t.ID,
		Actor:    p.Actor,
		Event:    "bid_submitted",
		RefType:  "bid",
		Ref:      b.ID,
		Payload:  payload,
	})
	if err != nil {
		return Bid{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Bid{}, audit.Entry{}, fmt.Errorf("bid: commit submit: %w", err)
	}
	return b, entry, nil
}

// Withdraw pulls the provider's live bid before the submission window closes.
func (s *Service) Withdraw(ctx context.Context, tenderID, providerID, actor string) (Bid, audit.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bid{}, audit.Entry{}, fmt.Errorf("bid: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.lockOpenTender(ctx, tx, tenderID)
	if err != nil {
		return Bid{}, audit.Entry{}, err
	}

	live, hasLive, err := s.store.LiveVersion(ctx, tx, tenderID, providerID)
	if err != nil {
		return Bid{}, audit.Entry{}, err
	}
	if !hasLive {
		return Bid{}, audit.Entry{}, fault.New(fault.Validation, "provider %s has no live bid on tender %s", providerID, tenderID)
	}

	b, err := s.store.Withdraw(ctx, tx, live.ID)
	if err != nil {
		return Bid{}, audit.Entry{}, err
	}

	entry, err := s.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: t.ID,
		Actor:    actor,
		Event:    "bid_withdrawn",
		RefType:  "bid",
		Ref:      b.ID,
		Payload:  map[string]any{"provider_id": providerID, "version": b.Version},
	})
	if err != nil {
		return Bid{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Bid{}, audit.Entry{}, fmt.Errorf("bid: commit withdraw: %w", err)
	}
	return b, entry, nil
}

// Axis selects which proposal a score applies to.
type Axis string

const (
	AxisTechnical Axis = "technical"
	AxisFinancial Axis = "financial"
)

// ScoreParams carries one evaluation of one bid on one axis.
type ScoreParams struct {
	TenderID string
	BidID    string
	Axis     Axis
	Criteria []Criterion
	Actor    string
}

// Score records a weighted score during evaluation. Technical scores lock
// once a preferred bidder is selected; financial scores stay sealed until
// that same moment.
func (s *Service) Score(ctx context.Context, p ScoreParams) (Bid, audit.Entry, error) {
	if p.Axis != AxisTechnical && p.Axis != AxisFinancial {
		return Bid{}, audit.Entry{}, fault.New(fault.Validation, "unknown scoring axis %q", p.Axis)
	}
	if len(p.Criteria) == 0 {
		return Bid{}, audit.Entry{}, fault.New(fault.Validation, "at least one criterion is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bid{}, audit.Entry{}, fmt.Errorf("bid: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.machine.Lock(ctx, tx, p.TenderID)
	if err != nil {
		return Bid{}, audit.Entry{}, err
	}
	if t.Stage != tender.StageEvaluation {
		return Bid{}, audit.Entry{}, fault.New(fault.InvalidTransition, "scores are writable only during evaluation, tender is %s", t.Stage)
	}

	b, err := s.store.GetForUpdate(ctx, tx, p.BidID)
	if err != nil {
		return Bid{}, audit.Entry{}, err
	}
	if b.TenderID != p.TenderID {
		return Bid{}, audit.Entry{}, fault.New(fault.Validation, "bid %s does not belong to tender %s", p.BidID, p.TenderID)
	}
	if b.Withdrawn {
		return Bid{}, audit.Entry{}, fault.New(fault.InvalidTransition, "bid %s is withdrawn", p.BidID)
	}

	locked, err := s.store.PreferredExists(ctx, tx, p.TenderID)
	if err != nil {
		return Bid{}, audit.Entry{}, err
	}
	if p.Axis == AxisTechnical && locked {
		return Bid{}, audit.Entry{}, fault.New(fault.InvalidTransition, "technical scores are locked after preferred-bidder selection")
	}
	if p.Axis == AxisFinancial && !locked {
		return Bid{}, audit.Entry{}, fault.New(fault.InvalidTransition, "financial proposals are sealed until technical evaluation is locked")
	}

	score := WeightedScore(p.Criteria)
	var technical, financial *float64
	if p.Axis == AxisTechnical {
		technical = &score
	} else {
		financial = &score
	}
	b, err = s.store.SetScores(ctx, tx, p.BidID, technical, financial)
	if err != nil {
		return Bid{}, audit.Entry{}, err
	}

	entry, err := s.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: p.TenderID,
		Actor:    p.Actor,
		Event:    "bid_scored",
		RefType:  "bid",
		Ref:      b.ID,
		Payload:  map[string]any{"axis": string(p.Axis), "score": score},
	})
	if err != nil {
		return Bid{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Bid{}, audit.Entry{}, fmt.Errorf("bid: commit score: %w", err)
	}
	return b, entry, nil
}

// SelectPreferred picks the winning bid, locks technical scoring, unseals
// financial scoring and issues the notice-to-award, all in one transaction.
func (s *Service) SelectPreferred(ctx context.Context, tenderID, bidID, actor string) (Bid, notice.Notice, audit.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bid{}, notice.Notice{}, audit.Entry{}, fmt.Errorf("bid: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.machine.Lock(ctx, tx, tenderID)
	if err != nil {
		return Bid{}, notice.Notice{}, audit.Entry{}, err
	}
	if t.Stage != tender.StageEvaluation {
		return Bid{}, notice.Notice{}, audit.Entry{}, fault.New(fault.InvalidTransition, "preferred bidder can only be selected during evaluation, tender is %s", t.Stage)
	}

	exists, err := s.store.PreferredExists(ctx, tx, tenderID)
	if err != nil {
		return Bid{}, notice.Notice{}, audit.Entry{}, err
	}
	if exists {
		return Bid{}, notice.Notice{}, audit.Entry{}, fault.New(fault.AlreadyResolved, "tender %s already has a preferred bidder", tenderID)
	}

	b, err := s.store.GetForUpdate(ctx, tx, bidID)
	if err != nil {
		return Bid{}, notice.Notice{}, audit.Entry{}, err
	}
	if b.TenderID != tenderID {
		return Bid{}, notice.Notice{}, audit.Entry{}, fault.New(fault.Validation, "bid %s does not belong to tender %s", bidID, tenderID)
	}
	if b.Withdrawn {
		return Bid{}, notice.Notice{}, audit.Entry{}, fault.New(fault.InvalidTransition, "bid %s is withdrawn", bidID)
	}
	if b.TechnicalScore == nil {
		return Bid{}, notice.Notice{}, audit.Entry{}, fault.New(fault.InvalidTransition, "bid %s has no technical score", bidID)
	}

	b, err = s.store.MarkPreferred(ctx, tx, bidID)
	if err != nil {
		return Bid{}, notice.Notice{}, audit.Entry{}, err
	}

	n, err := s.notices.Create(ctx, tx, tenderID, bidID)
	if err != nil {
		return Bid{}, notice.Notice{}, audit.Entry{}, err
	}

	entry, err := s.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: tenderID,
		Actor:    actor,
		Event:    "preferred_selected",
		RefType:  "notice",
		Ref:      n.ID,
		Payload: map[string]any{
			"bid_id":         bidID,
			"provider_id":    b.ProviderID,
			"award_date":     n.AwardDate.UTC().Format(time.RFC3339),
			"standstill_end": n.StandstillEnd.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return Bid{}, notice.Notice{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Bid{}, notice.Notice{}, audit.Entry{}, fmt.Errorf("bid: commit selection: %w", err)
	}
	return b, n, entry, nil
}

// lockOpenTender locks the tender row and checks that bids are still mutable.
func (s *Service) lockOpenTender(ctx context.Context, tx pgx.Tx, tenderID string) (tender.Tender, error) {
	t, err := s.machine.Lock(ctx, tx, tenderID)
	if err != nil {
		return tender.Tender{}, err
	}
	switch t.Stage {
	case tender.StagePublished, tender.StageClarification, tender.StageSubmission:
	default:
		return tender.Tender{}, fault.New(fault.InvalidTransition, "bids are closed once tender reaches %s", t.Stage)
	}
	if t.Sealed {
		return tender.Tender{}, fault.New(fault.InvalidTransition, "bids on tender %s are sealed", tenderID)
	}
	if t.SubmissionDeadline != nil {
		if rem := s.cal.BusinessDaysRemaining(*t.SubmissionDeadline, s.now()); rem < 0 {
			return tender.Tender{}, fault.New(fault.WindowClosed, "submission window closed %d days ago", -rem)
		}
	}
	return t, nil
}
