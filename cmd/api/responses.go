package main

import (
	"encoding/json"
	"time"

	"tenderflow/audit"
	"tenderflow/bid"
	"tenderflow/dispute"
	"tenderflow/escrow"
	"tenderflow/notice"
	"tenderflow/tender"
)

// commandResponse is the uniform command reply: whichever entities the
// command touched, plus the audit entry it appended.
type commandResponse struct {
	Tender    *tenderResponse    `json:"tender,omitempty"`
	Bid       *bidResponse       `json:"bid,omitempty"`
	Notice    *noticeResponse    `json:"notice,omitempty"`
	Dispute   *disputeResponse   `json:"dispute,omitempty"`
	Escrow    *escrowResponse    `json:"escrow,omitempty"`
	Milestone *milestoneResponse `json:"milestone,omitempty"`
	Audit     *entryResponse     `json:"audit,omitempty"`
}

type tenderResponse struct {
	ID                 string `json:"id"`
	EntityID           string `json:"entityId"`
	Title              string `json:"title"`
	BudgetCents        int64  `json:"budgetCents"`
	Currency           string `json:"currency"`
	Stage              string `json:"stage"`
	SubmissionDeadline string `json:"submissionDeadline,omitempty"`
	Sealed             bool   `json:"sealed"`
	Version            int    `json:"version"`
}

func tenderJSON(t tender.Tender) *tenderResponse {
	resp := &tenderResponse{
		ID:          t.ID,
		EntityID:    t.EntityID,
		Title:       t.Title,
		BudgetCents: t.BudgetCents,
		Currency:    t.Currency,
		Stage:       string(t.Stage),
		Sealed:      t.Sealed,
		Version:     t.Version,
	}
	if t.SubmissionDeadline != nil {
		resp.SubmissionDeadline = t.SubmissionDeadline.UTC().Format(time.RFC3339)
	}
	return resp
}

type bidResponse struct {
	ID             string   `json:"id"`
	TenderID       string   `json:"tenderId"`
	ProviderID     string   `json:"providerId"`
	Version        int      `json:"version"`
	Withdrawn      bool     `json:"withdrawn"`
	TechnicalScore *float64 `json:"technicalScore,omitempty"`
	FinancialScore *float64 `json:"financialScore,omitempty"`
	Preferred      bool     `json:"preferred"`
}

func bidJSON(b bid.Bid) *bidResponse {
	return &bidResponse{
		ID:             b.ID,
		TenderID:       b.TenderID,
		ProviderID:     b.ProviderID,
		Version:        b.Version,
		Withdrawn:      b.Withdrawn,
		TechnicalScore: b.TechnicalScore,
		FinancialScore: b.FinancialScore,
		Preferred:      b.Preferred,
	}
}

type noticeResponse struct {
	ID            string `json:"id"`
	TenderID      string `json:"tenderId"`
	BidID         string `json:"bidId"`
	AwardDate     string `json:"awardDate"`
	StandstillEnd string `json:"standstillEnd"`
	Frozen        bool   `json:"frozen"`
}

func noticeJSON(n notice.Notice) *noticeResponse {
	return &noticeResponse{
		ID:            n.ID,
		TenderID:      n.TenderID,
		BidID:         n.BidID,
		AwardDate:     n.AwardDate.UTC().Format(time.RFC3339),
		StandstillEnd: n.EffectiveEnd().UTC().Format(time.RFC3339),
		Frozen:        n.Frozen(),
	}
}

type disputeResponse struct {
	ID              string `json:"id"`
	TenderID        string `json:"tenderId"`
	ChallengerID    string `json:"challengerId"`
	Status          string `json:"status"`
	Outcome         string `json:"outcome,omitempty"`
	DecisionSummary string `json:"decisionSummary,omitempty"`
	FiledAt         string `json:"filedAt"`
}

func disputeJSON(d dispute.Dispute) *disputeResponse {
	resp := &disputeResponse{
		ID:           d.ID,
		TenderID:     d.TenderID,
		ChallengerID: d.ChallengerID,
		Status:       string(d.Status),
		FiledAt:      d.FiledAt.UTC().Format(time.RFC3339),
	}
	if d.Outcome != nil {
		resp.Outcome = string(*d.Outcome)
	}
	if d.DecisionSummary != nil {
		resp.DecisionSummary = *d.DecisionSummary
	}
	return resp
}

type escrowResponse struct {
	ID             string `json:"id"`
	TenderID       string `json:"tenderId"`
	Status         string `json:"status"`
	CommittedCents int64  `json:"committedCents"`
	BalanceCents   int64  `json:"balanceCents"`
	ReleasedCents  int64  `json:"releasedCents"`
	RefundedCents  int64  `json:"refundedCents"`
	Currency       string `json:"currency"`
	NeedsReconcile bool   `json:"needsReconcile"`
}

func escrowJSON(e escrow.Escrow) *escrowResponse {
	return &escrowResponse{
		ID:             e.ID,
		TenderID:       e.TenderID,
		Status:         string(e.Status),
		CommittedCents: e.CommittedCents,
		BalanceCents:   e.BalanceCents,
		ReleasedCents:  e.ReleasedCents,
		RefundedCents:  e.RefundedCents,
		Currency:       e.Currency,
		NeedsReconcile: e.ReconcileMilestoneID != nil,
	}
}

type milestoneResponse struct {
	ID                 string `json:"id"`
	Sequence           int    `json:"sequence"`
	Description        string `json:"description,omitempty"`
	AmountCents        int64  `json:"amountCents"`
	RequiredSignatures int    `json:"requiredSignatures"`
	Signatures         int    `json:"signatures,omitempty"`
	Status             string `json:"status"`
}

func milestoneJSON(m escrow.Milestone) *milestoneResponse {
	return &milestoneResponse{
		ID:                 m.ID,
		Sequence:           m.Sequence,
		Description:        m.Description,
		AmountCents:        m.AmountCents,
		RequiredSignatures: m.RequiredSignatures,
		Status:             string(m.Status),
	}
}

type entryResponse struct {
	Seq       int             `json:"seq"`
	Timestamp string          `json:"timestamp"`
	Actor     string          `json:"actor"`
	Event     string          `json:"event"`
	RefType   string          `json:"refType"`
	Ref       string          `json:"ref"`
	Hash      string          `json:"hash"`
	PrevHash  string          `json:"prevHash,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func entryJSON(e audit.Entry) *entryResponse {
	return &entryResponse{
		Seq:       e.Seq,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:     e.Actor,
		Event:     e.Event,
		RefType:   e.RefType,
		Ref:       e.Ref,
		Hash:      e.Hash,
		PrevHash:  e.PrevHash,
		Payload:   json.RawMessage(e.Payload),
	}
}
