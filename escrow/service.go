// Package escrow owns the per-tender escrow record, milestone-gated payouts
// behind a signature quorum, and the adapter boundary to the external funds
// custodian. Funds only ever move through this package, and never without
// adapter confirmation.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"tenderflow/audit"
	"tenderflow/fault"
	"tenderflow/tender"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service implements the settlement commands. Every command locks the tender
// row first, so escrow mutations serialize with stage and dispute commands on
// the same tender.
type Service struct {
	pool            TxBeginner
	store           Store
	provider        Provider
	ledger          *audit.Ledger
	providerTimeout time.Duration
}

func NewService(pool TxBeginner, store Store, provider Provider, ledger *audit.Ledger, providerTimeout time.Duration) *Service {
	if providerTimeout <= 0 {
		providerTimeout = ProviderTimeout
	}
	return &Service{
		pool:            pool,
		store:           store,
		provider:        provider,
		ledger:          ledger,
		providerTimeout: providerTimeout,
	}
}

// MilestoneSpec describes one milestone at escrow creation.
type MilestoneSpec struct {
	Sequence           int
	Description        string
	AmountCents        int64
	RequiredSignatures int
}

// CreateParams funds a new escrow for an awarded tender.
type CreateParams struct {
	TenderID    string
	NoticeID    string
	AmountCents int64
	Currency    string
	Milestones  []MilestoneSpec
	Actor       string
}

// Create commits funds with the provider and records the escrow and its
// milestones. Milestone amounts may not exceed the committed total.
func (s *Service) Create(ctx context.Context, p CreateParams) (Escrow, audit.Entry, error) {
	if p.TenderID == "" || p.NoticeID == "" {
		return Escrow{}, audit.Entry{}, fault.New(fault.Validation, "tender id and notice id are required")
	}
	if p.AmountCents <= 0 {
		return Escrow{}, audit.Entry{}, fault.New(fault.Validation, "escrow amount must be positive")
	}
	var sum int64
	for _, m := range p.Milestones {
		if m.AmountCents <= 0 {
			return Escrow{}, audit.Entry{}, fault.New(fault.Validation, "milestone %d amount must be positive", m.Sequence)
		}
		if m.RequiredSignatures <= 0 {
			return Escrow{}, audit.Entry{}, fault.New(fault.Validation, "milestone %d requires at least one signature", m.Sequence)
		}
		sum += m.AmountCents
	}
	if sum > p.AmountCents {
		return Escrow{}, audit.Entry{}, fault.New(fault.Validation, "milestone amounts exceed escrowed total")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, audit.Entry{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stage, err := s.store.LockTender(ctx, tx, p.TenderID)
	if err != nil {
		return Escrow{}, audit.Entry{}, err
	}
	if stage != string(tender.StageAwarded) {
		return Escrow{}, audit.Entry{}, fault.New(fault.InvalidTransition, "tender is %s; escrow requires an awarded tender", stage)
	}
	ok, err := s.store.NoticeBelongs(ctx, tx, p.NoticeID, p.TenderID)
	if err != nil {
		return Escrow{}, audit.Entry{}, err
	}
	if !ok {
		return Escrow{}, audit.Entry{}, fault.New(fault.Validation, "notice %s is not the live award notice of tender %s", p.NoticeID, p.TenderID)
	}

	id := uuid.NewString()
	ref, err := s.callCreate(ctx, p, "create-"+id)
	if err != nil {
		return Escrow{}, audit.Entry{}, err
	}

	e, err := s.store.Insert(ctx, tx, Escrow{
		ID:             id,
		TenderID:       p.TenderID,
		NoticeID:       p.NoticeID,
		ProviderRef:    ref,
		Status:         StatusCreated,
		CommittedCents: p.AmountCents,
		BalanceCents:   p.AmountCents,
		Currency:       p.Currency,
	})
	if err != nil {
		return Escrow{}, audit.Entry{}, err
	}

	ms := make([]Milestone, 0, len(p.Milestones))
	for _, spec := range p.Milestones {
		ms = append(ms, Milestone{
			ID:                 uuid.NewString(),
			EscrowID:           e.ID,
			NoticeID:           p.NoticeID,
			Sequence:           spec.Sequence,
			Description:        spec.Description,
			AmountCents:        spec.AmountCents,
			RequiredSignatures: spec.RequiredSignatures,
		})
	}
	if err := s.store.InsertMilestones(ctx, tx, ms); err != nil {
		return Escrow{}, audit.Entry{}, err
	}

	if err := s.store.InsertEvent(ctx, tx, Event{
		EscrowID: e.ID, Type: "created", AmountCents: p.AmountCents, BalanceCents: e.BalanceCents, Actor: p.Actor,
	}); err != nil {
		return Escrow{}, audit.Entry{}, err
	}

	entry, err := s.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: p.TenderID,
		Actor:    p.Actor,
		Event:    "escrow_created",
		RefType:  "escrow",
		Ref:      e.ID,
		Payload: map[string]any{
			"amount_cents": p.AmountCents,
			"currency":     p.Currency,
			"milestones":   len(p.Milestones),
			"provider_ref": ref,
		},
	})
	if err != nil {
		return Escrow{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, audit.Entry{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return e, entry, nil
}

// HoldMilestone reserves funds against a milestone without releasing them.
// The escrow moves created -> held on the first hold.
func (s *Service) HoldMilestone(ctx context.Context, tenderID, milestoneID, actor string) (Escrow, Milestone, audit.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, m, err := s.lockPair(ctx, tx, tenderID, milestoneID)
	if err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, err
	}
	if e.Status != StatusCreated && e.Status != StatusHeld {
		return Escrow{}, Milestone{}, audit.Entry{}, fault.New(fault.InvalidTransition, "escrow is %s; holds require created or held", e.Status)
	}
	if !milestoneCanMove(m.Status, MilestoneInProgress) {
		return Escrow{}, Milestone{}, audit.Entry{}, fault.New(fault.InvalidTransition, "milestone %d is %s and cannot enter in_progress", m.Sequence, m.Status)
	}

	if err := s.callProvider(ctx, func(cctx context.Context) error {
		return s.provider.Hold(cctx, e.ProviderRef, m.ID, "hold-"+m.ID)
	}); err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, err
	}

	if e.Status == StatusCreated {
		if e, err = s.store.UpdateStatus(ctx, tx, e.ID, StatusHeld, nil, e.Version); err != nil {
			return Escrow{}, Milestone{}, audit.Entry{}, err
		}
	}
	if m, err = s.store.UpdateMilestoneStatus(ctx, tx, m.ID, MilestoneInProgress); err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, err
	}
	if err := s.store.InsertEvent(ctx, tx, Event{
		EscrowID: e.ID, Type: "held", AmountCents: m.AmountCents, BalanceCents: e.BalanceCents, Actor: actor,
	}); err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, err
	}

	entry, err := s.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: tenderID,
		Actor:    actor,
		Event:    "milestone_held",
		RefType:  "milestone",
		Ref:      m.ID,
		Payload:  map[string]any{"sequence": m.Sequence, "amount_cents": m.AmountCents},
	})
	if err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, fmt.Errorf("escrow: commit hold: %w", err)
	}
	return e, m, entry, nil
}

// SubmitMilestone records the contractor's deliverable submission.
func (s *Service) SubmitMilestone(ctx context.Context, tenderID, milestoneID, actor string) (Milestone, audit.Entry, error) {
	return s.moveMilestone(ctx, tenderID, milestoneID, actor, MilestoneSubmitted, "milestone_submitted")
}

// ApproveMilestone accepts a submitted deliverable, making the milestone
// eligible for signature collection and payout.
func (s *Service) ApproveMilestone(ctx context.Context, tenderID, milestoneID, actor string) (Milestone, audit.Entry, error) {
	return s.moveMilestone(ctx, tenderID, milestoneID, actor, MilestoneApproved, "milestone_approved")
}

// SignMilestone records one distinct signatory toward the release quorum.
func (s *Service) SignMilestone(ctx context.Context, tenderID, milestoneID, signerID string) (Milestone, int, audit.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, 0, audit.Entry{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, m, err := s.lockPair(ctx, tx, tenderID, milestoneID)
	if err != nil {
		return Milestone{}, 0, audit.Entry{}, err
	}
	if m.Status != MilestoneSubmitted && m.Status != MilestoneApproved {
		return Milestone{}, 0, audit.Entry{}, fault.New(fault.InvalidTransition, "milestone %d is %s; signatures require submitted or approved", m.Sequence, m.Status)
	}

	count, err := s.store.AddSignature(ctx, tx, m.ID, signerID)
	if err != nil {
		if errors.Is(err, ErrDuplicateSignature) {
			return Milestone{}, 0, audit.Entry{}, fault.New(fault.Validation, "signer %s already signed milestone %d", signerID, m.Sequence)
		}
		return Milestone{}, 0, audit.Entry{}, err
	}

	entry, err := s.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: tenderID,
		Actor:    signerID,
		Event:    "milestone_signed",
		RefType:  "milestone",
		Ref:      m.ID,
		Payload:  map[string]any{"sequence": m.Sequence, "signatures": count, "required": m.RequiredSignatures},
	})
	if err != nil {
		return Milestone{}, 0, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, 0, audit.Entry{}, fmt.Errorf("escrow: commit sign: %w", err)
	}
	return m, count, entry, nil
}

// ReleaseMilestone pays out an approved milestone once the signature quorum
// is met. Local state changes only after the adapter confirms; a timed-out
// adapter call leaves the milestone unpaid and flags the escrow for
// reconciliation.
func (s *Service) ReleaseMilestone(ctx context.Context, tenderID, milestoneID, actor string) (Escrow, Milestone, audit.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, m, err := s.lockPair(ctx, tx, tenderID, milestoneID)
	if err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, err
	}
	if e.Status == StatusDisputed {
		return Escrow{}, Milestone{}, audit.Entry{}, fault.New(fault.InvalidTransition, "escrow is disputed; funds are frozen until resolution")
	}
	if m.Status == MilestonePaid {
		return Escrow{}, Milestone{}, audit.Entry{}, fault.New(fault.AlreadyResolved, "milestone %d is already paid", m.Sequence)
	}
	if e.Status != StatusHeld && e.Status != StatusResolved {
		return Escrow{}, Milestone{}, audit.Entry{}, fault.New(fault.InvalidTransition, "escrow is %s; releases require held funds", e.Status)
	}
	if e.ReconcileMilestoneID != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, fault.New(fault.ProviderUnavailable, "a prior release has an unknown outcome; reconcile before retrying")
	}
	if m.Status != MilestoneApproved {
		return Escrow{}, Milestone{}, audit.Entry{}, fault.New(fault.InvalidTransition, "milestone %d is %s; releases require approval", m.Sequence, m.Status)
	}
	count, err := s.store.SignatureCount(ctx, tx, m.ID)
	if err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, err
	}
	if count < m.RequiredSignatures {
		return Escrow{}, Milestone{}, audit.Entry{}, fault.New(fault.InvalidTransition, "milestone %d has %d of %d required signatures", m.Sequence, count, m.RequiredSignatures)
	}
	if m.AmountCents > e.BalanceCents {
		return Escrow{}, Milestone{}, audit.Entry{}, fault.New(fault.Validation, "milestone amount exceeds escrow balance")
	}

	err = s.callProvider(ctx, func(cctx context.Context) error {
		return s.provider.Release(cctx, e.ProviderRef, m.AmountCents, "release-"+m.ID)
	})
	if err != nil {
		if fault.IsKind(err, fault.ProviderUnavailable) && errors.Is(err, context.DeadlineExceeded) {
			// Outcome unknown: the provider may or may not have moved funds.
			// The flag survives this transaction's rollback and forces a
			// reconciliation query before any retry.
			mid := m.ID
			if ferr := s.store.SetReconcileMilestone(ctx, e.ID, &mid); ferr != nil {
				return Escrow{}, Milestone{}, audit.Entry{}, ferr
			}
		}
		return Escrow{}, Milestone{}, audit.Entry{}, err
	}

	return s.finishRelease(ctx, tx, e, m, actor, "milestone_released")
}

// Reconcile resolves an unknown release outcome by consulting the provider's
// ledger, then either finalizing the payout locally or clearing the flag.
func (s *Service) Reconcile(ctx context.Context, tenderID, actor string) (Escrow, audit.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, audit.Entry{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.store.LockTender(ctx, tx, tenderID); err != nil {
		return Escrow{}, audit.Entry{}, err
	}
	e, err := s.store.GetByTenderForUpdate(ctx, tx, tenderID)
	if err != nil {
		return Escrow{}, audit.Entry{}, err
	}
	if e.ReconcileMilestoneID == nil {
		return e, audit.Entry{}, nil
	}
	m, err := s.store.GetMilestoneForUpdate(ctx, tx, *e.ReconcileMilestoneID)
	if err != nil {
		return Escrow{}, audit.Entry{}, err
	}

	var details Details
	err = s.callProvider(ctx, func(cctx context.Context) error {
		var derr error
		details, derr = s.provider.GetDetails(cctx, e.ProviderRef)
		return derr
	})
	if err != nil {
		return Escrow{}, audit.Entry{}, err
	}

	if details.ReleasedCents >= e.ReleasedCents+m.AmountCents {
		// The timed-out release did reach the provider: finalize locally.
		e2, _, entry, err := s.finishRelease(ctx, tx, e, m, actor, "release_reconciled")
		return e2, entry, err
	}

	// The release never happened. Clear the flag inside the transaction so the
	// clear and its audit entry commit together.
	if err := s.store.ClearReconcileMilestone(ctx, tx, e.ID); err != nil {
		return Escrow{}, audit.Entry{}, err
	}
	entry, err := s.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: tenderID,
		Actor:    actor,
		Event:    "release_unconfirmed",
		RefType:  "milestone",
		Ref:      m.ID,
		Payload:  map[string]any{"sequence": m.Sequence},
	})
	if err != nil {
		return Escrow{}, audit.Entry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, audit.Entry{}, fmt.Errorf("escrow: commit reconcile: %w", err)
	}
	e.ReconcileMilestoneID = nil
	return e, entry, nil
}

// Refund returns the remaining balance to the contracting entity. Only
// permitted before funds enter the release path; irreversible.
func (s *Service) Refund(ctx context.Context, tenderID, reason, actor string) (Escrow, audit.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, audit.Entry{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.store.LockTender(ctx, tx, tenderID); err != nil {
		return Escrow{}, audit.Entry{}, err
	}
	e, err := s.store.GetByTenderForUpdate(ctx, tx, tenderID)
	if err != nil {
		return Escrow{}, audit.Entry{}, err
	}
	if e.Status != StatusCreated && e.Status != StatusHeld {
		return Escrow{}, audit.Entry{}, fault.New(fault.InvalidTransition, "escrow is %s; refunds require created or held", e.Status)
	}

	if err := s.callProvider(ctx, func(cctx context.Context) error {
		return s.provider.Refund(cctx, e.ProviderRef, reason, "refund-"+e.ID)
	}); err != nil {
		return Escrow{}, audit.Entry{}, err
	}

	refunded := e.BalanceCents
	if e, err = s.store.ApplyRefund(ctx, tx, e.ID, e.Version); err != nil {
		return Escrow{}, audit.Entry{}, err
	}
	if err := s.store.InsertEvent(ctx, tx, Event{
		EscrowID: e.ID, Type: "refunded", AmountCents: refunded, BalanceCents: e.BalanceCents, Actor: actor,
	}); err != nil {
		return Escrow{}, audit.Entry{}, err
	}

	entry, err := s.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: tenderID,
		Actor:    actor,
		Event:    "escrow_refunded",
		RefType:  "escrow",
		Ref:      e.ID,
		Payload:  map[string]any{"amount_cents": refunded, "reason": reason},
	})
	if err != nil {
		return Escrow{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, audit.Entry{}, fmt.Errorf("escrow: commit refund: %w", err)
	}
	return e, entry, nil
}

// FreezeForDispute runs inside the dispute controller's transaction. It
// reports whether an escrow existed to freeze.
func (s *Service) FreezeForDispute(ctx context.Context, tx pgx.Tx, tenderID, disputeID, actor string) (bool, error) {
	e, err := s.store.GetByTenderForUpdate(ctx, tx, tenderID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if e.Status != StatusCreated && e.Status != StatusHeld && e.Status != StatusResolved {
		return false, fault.New(fault.InvalidTransition, "escrow is %s and cannot be disputed", e.Status)
	}

	if err := s.callProvider(ctx, func(cctx context.Context) error {
		return s.provider.Dispute(cctx, e.ProviderRef, disputeID, "dispute-"+disputeID)
	}); err != nil {
		return false, err
	}

	if e, err = s.store.UpdateStatus(ctx, tx, e.ID, StatusDisputed, &disputeID, e.Version); err != nil {
		return false, err
	}
	if err := s.store.InsertEvent(ctx, tx, Event{
		EscrowID: e.ID, Type: "disputed", BalanceCents: e.BalanceCents, Actor: actor,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseFromDispute runs inside the dispute controller's transaction and is
// the only path out of a disputed escrow. An upheld challenge returns funds
// to held; a rejected one marks the escrow resolved and release-eligible.
func (s *Service) ReleaseFromDispute(ctx context.Context, tx pgx.Tx, tenderID, resolution, actor string, to Status) (bool, error) {
	if to != StatusHeld && to != StatusResolved {
		return false, fault.New(fault.Validation, "disputed escrow may only move to held or resolved, not %s", to)
	}
	e, err := s.store.GetByTenderForUpdate(ctx, tx, tenderID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if e.Status != StatusDisputed {
		return false, fault.New(fault.InvalidTransition, "escrow is %s, not disputed", e.Status)
	}

	if err := s.callProvider(ctx, func(cctx context.Context) error {
		return s.provider.Resolve(cctx, e.ProviderRef, resolution, "resolve-"+e.ID+"-"+resolution)
	}); err != nil {
		return false, err
	}

	if e, err = s.store.UpdateStatus(ctx, tx, e.ID, to, nil, e.Version); err != nil {
		return false, err
	}
	if err := s.store.InsertEvent(ctx, tx, Event{
		EscrowID: e.ID, Type: "resolved", BalanceCents: e.BalanceCents, Actor: actor,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) finishRelease(ctx context.Context, tx pgx.Tx, e Escrow, m Milestone, actor, event string) (Escrow, Milestone, audit.Entry, error) {
	m, err := s.store.UpdateMilestoneStatus(ctx, tx, m.ID, MilestonePaid)
	if err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, err
	}
	e, err = s.store.ApplyRelease(ctx, tx, e.ID, m.AmountCents, e.Version)
	if err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, err
	}
	if err := s.store.InsertEvent(ctx, tx, Event{
		EscrowID: e.ID, Type: "released", AmountCents: m.AmountCents, BalanceCents: e.BalanceCents, Actor: actor,
	}); err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, err
	}

	entry, err := s.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: e.TenderID,
		Actor:    actor,
		Event:    event,
		RefType:  "milestone",
		Ref:      m.ID,
		Payload: map[string]any{
			"sequence":      m.Sequence,
			"amount_cents":  m.AmountCents,
			"balance_cents": e.BalanceCents,
		},
	})
	if err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, Milestone{}, audit.Entry{}, fmt.Errorf("escrow: commit release: %w", err)
	}
	return e, m, entry, nil
}

func (s *Service) moveMilestone(ctx context.Context, tenderID, milestoneID, actor string, to MilestoneStatus, event string) (Milestone, audit.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, audit.Entry{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, m, err := s.lockPair(ctx, tx, tenderID, milestoneID)
	if err != nil {
		return Milestone{}, audit.Entry{}, err
	}
	if e.Status == StatusDisputed {
		return Milestone{}, audit.Entry{}, fault.New(fault.InvalidTransition, "escrow is disputed; milestones are frozen until resolution")
	}
	if !milestoneCanMove(m.Status, to) {
		return Milestone{}, audit.Entry{}, fault.New(fault.InvalidTransition, "milestone %d cannot move from %s to %s", m.Sequence, m.Status, to)
	}

	if m, err = s.store.UpdateMilestoneStatus(ctx, tx, m.ID, to); err != nil {
		return Milestone{}, audit.Entry{}, err
	}

	entry, err := s.ledger.Append(ctx, tx, audit.AppendParams{
		TenderID: tenderID,
		Actor:    actor,
		Event:    event,
		RefType:  "milestone",
		Ref:      m.ID,
		Payload:  map[string]any{"sequence": m.Sequence, "status": string(to)},
	})
	if err != nil {
		return Milestone{}, audit.Entry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, audit.Entry{}, fmt.Errorf("escrow: commit %s: %w", event, err)
	}
	return m, entry, nil
}

func (s *Service) lockPair(ctx context.Context, tx pgx.Tx, tenderID, milestoneID string) (Escrow, Milestone, error) {
	if _, err := s.store.LockTender(ctx, tx, tenderID); err != nil {
		return Escrow{}, Milestone{}, err
	}
	e, err := s.store.GetByTenderForUpdate(ctx, tx, tenderID)
	if err != nil {
		return Escrow{}, Milestone{}, err
	}
	m, err := s.store.GetMilestoneForUpdate(ctx, tx, milestoneID)
	if err != nil {
		return Escrow{}, Milestone{}, err
	}
	if m.EscrowID != e.ID {
		return Escrow{}, Milestone{}, fault.New(fault.Validation, "milestone %s does not belong to tender %s", milestoneID, tenderID)
	}
	return e, m, nil
}

func (s *Service) callCreate(ctx context.Context, p CreateParams, key string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	ref, err := s.provider.Create(cctx, p.TenderID, p.AmountCents, p.Currency, key)
	if err != nil {
		return "", fault.Wrap(fault.ProviderUnavailable, err, "escrow provider create failed")
	}
	return ref, nil
}

// callProvider wraps an adapter call with the configured timeout. Failures
// never mutate local state: the caller retries with the same idempotency key.
func (s *Service) callProvider(ctx context.Context, call func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	if err := call(cctx); err != nil {
		return fault.Wrap(fault.ProviderUnavailable, err, "escrow provider call failed")
	}
	return nil
}
