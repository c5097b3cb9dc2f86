package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"tenderflow/audit"
	"tenderflow/bid"
	"tenderflow/dispute"
	"tenderflow/escrow"
	"tenderflow/fault"
	"tenderflow/notice"
	"tenderflow/tender"
)

type stageService interface {
	Publish(ctx context.Context, p tender.PublishParams) (tender.Tender, audit.Entry, error)
	OpenClarification(ctx context.Context, tenderID, actor string) (tender.Tender, audit.Entry, error)
	OpenSubmission(ctx context.Context, tenderID, actor string) (tender.Tender, audit.Entry, error)
	BeginEvaluation(ctx context.Context, tenderID, actor string) (tender.Tender, audit.Entry, error)
	Complete(ctx context.Context, tenderID, actor string) (tender.Tender, audit.Entry, error)
	Cancel(ctx context.Context, tenderID, actor, reason string) (tender.Tender, audit.Entry, error)
}

type bidService interface {
	Submit(ctx context.Context, p bid.SubmitParams) (bid.Bid, audit.Entry, error)
	Withdraw(ctx context.Context, tenderID, providerID, actor string) (bid.Bid, audit.Entry, error)
	Score(ctx context.Context, p bid.ScoreParams) (bid.Bid, audit.Entry, error)
	SelectPreferred(ctx context.Context, tenderID, bidID, actor string) (bid.Bid, notice.Notice, audit.Entry, error)
}

type noticeService interface {
	TryAdvance(ctx context.Context, tenderID, actor string) (tender.Tender, audit.Entry, error)
	Remaining(ctx context.Context, tenderID string) (int, error)
}

type disputeService interface {
	File(ctx context.Context, p dispute.FileParams) (dispute.Dispute, audit.Entry, error)
	BeginReview(ctx context.Context, tenderID, disputeID, actor string) (dispute.Dispute, audit.Entry, error)
	RecordDecision(ctx context.Context, p dispute.DecisionParams) (dispute.Dispute, audit.Entry, error)
}

type escrowService interface {
	Create(ctx context.Context, p escrow.CreateParams) (escrow.Escrow, audit.Entry, error)
	HoldMilestone(ctx context.Context, tenderID, milestoneID, actor string) (escrow.Escrow, escrow.Milestone, audit.Entry, error)
	SubmitMilestone(ctx context.Context, tenderID, milestoneID, actor string) (escrow.Milestone, audit.Entry, error)
	ApproveMilestone(ctx context.Context, tenderID, milestoneID, actor string) (escrow.Milestone, audit.Entry, error)
	SignMilestone(ctx context.Context, tenderID, milestoneID, signerID string) (escrow.Milestone, int, audit.Entry, error)
	ReleaseMilestone(ctx context.Context, tenderID, milestoneID, actor string) (escrow.Escrow, escrow.Milestone, audit.Entry, error)
	Refund(ctx context.Context, tenderID, reason, actor string) (escrow.Escrow, audit.Entry, error)
	Reconcile(ctx context.Context, tenderID, actor string) (escrow.Escrow, audit.Entry, error)
}

type auditService interface {
	Entries(ctx context.Context, tenderID string, fromSeq, toSeq int) ([]audit.Entry, error)
	VerifyChain(ctx context.Context, tenderID string, fromSeq, toSeq int) (bool, error)
}

// Server routes the command surface. Every command handler answers with the
// updated entity plus the audit entry the command appended, or a typed error.
type Server struct {
	stages   stageService
	bids     bidService
	notices  noticeService
	disputes disputeService
	escrows  escrowService
	audits   auditService
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tenders", s.handlePublish)
	mux.HandleFunc("POST /api/tenders/{id}/clarification", s.stageHandler(func(ctx context.Context, id, actor string) (tender.Tender, audit.Entry, error) {
		return s.stages.OpenClarification(ctx, id, actor)
	}))
	mux.HandleFunc("POST /api/tenders/{id}/submission", s.stageHandler(func(ctx context.Context, id, actor string) (tender.Tender, audit.Entry, error) {
		return s.stages.OpenSubmission(ctx, id, actor)
	}))
	mux.HandleFunc("POST /api/tenders/{id}/evaluation", s.stageHandler(func(ctx context.Context, id, actor string) (tender.Tender, audit.Entry, error) {
		return s.stages.BeginEvaluation(ctx, id, actor)
	}))
	mux.HandleFunc("POST /api/tenders/{id}/complete", s.stageHandler(func(ctx context.Context, id, actor string) (tender.Tender, audit.Entry, error) {
		return s.stages.Complete(ctx, id, actor)
	}))
	mux.HandleFunc("POST /api/tenders/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/tenders/{id}/award", s.handleAward)
	mux.HandleFunc("GET /api/tenders/{id}/standstill", s.handleStandstill)

	mux.HandleFunc("POST /api/tenders/{id}/bids", s.handleSubmitBid)
	mux.HandleFunc("POST /api/tenders/{id}/bids/{bidID}/withdraw", s.handleWithdrawBid)
	mux.HandleFunc("POST /api/tenders/{id}/bids/{bidID}/score", s.handleScoreBid)
	mux.HandleFunc("POST /api/tenders/{id}/preferred", s.handleSelectPreferred)

	mux.HandleFunc("POST /api/tenders/{id}/disputes", s.handleFileDispute)
	mux.HandleFunc("POST /api/tenders/{id}/disputes/{disputeID}/review", s.handleBeginReview)
	mux.HandleFunc("POST /api/tenders/{id}/disputes/{disputeID}/decision", s.handleDecision)

	mux.HandleFunc("POST /api/tenders/{id}/escrow", s.handleCreateEscrow)
	mux.HandleFunc("POST /api/tenders/{id}/escrow/refund", s.handleRefund)
	mux.HandleFunc("POST /api/tenders/{id}/escrow/reconcile", s.handleReconcile)
	mux.HandleFunc("POST /api/tenders/{id}/milestones/{milestoneID}/hold", s.milestoneHandler("hold"))
	mux.HandleFunc("POST /api/tenders/{id}/milestones/{milestoneID}/submit", s.milestoneHandler("submit"))
	mux.HandleFunc("POST /api/tenders/{id}/milestones/{milestoneID}/approve", s.milestoneHandler("approve"))
	mux.HandleFunc("POST /api/tenders/{id}/milestones/{milestoneID}/sign", s.handleSignMilestone)
	mux.HandleFunc("POST /api/tenders/{id}/milestones/{milestoneID}/release", s.handleReleaseMilestone)

	mux.HandleFunc("GET /api/tenders/{id}/audit", s.handleAuditLog)
	return mux
}

type actorBody struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type publishRequest struct {
	EntityID              string     `json:"entityId"`
	Title                 string     `json:"title"`
	BudgetCents           int64      `json:"budgetCents"`
	Currency              string     `json:"currency"`
	ClarificationDeadline *time.Time `json:"clarificationDeadline"`
	SubmissionDeadline    *time.Time `json:"submissionDeadline"`
	EvaluationDeadline    *time.Time `json:"evaluationDeadline"`
	AwardDeadline         *time.Time `json:"awardDeadline"`
	Actor                 string     `json:"actor"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, entry, err := s.stages.Publish(r.Context(), tender.PublishParams{
		EntityID:              req.EntityID,
		Title:                 req.Title,
		BudgetCents:           req.BudgetCents,
		Currency:              req.Currency,
		ClarificationDeadline: req.ClarificationDeadline,
		SubmissionDeadline:    req.SubmissionDeadline,
		EvaluationDeadline:    req.EvaluationDeadline,
		AwardDeadline:         req.AwardDeadline,
		Actor:                 req.Actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, commandResponse{Tender: tenderJSON(t), Audit: entryJSON(entry)})
}

func (s *Server) stageHandler(step func(ctx context.Context, id, actor string) (tender.Tender, audit.Entry, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body actorBody
		if !decodeBody(w, r, &body) {
			return
		}
		t, entry, err := step(r.Context(), r.PathValue("id"), body.Actor)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, commandResponse{Tender: tenderJSON(t), Audit: entryJSON(entry)})
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}
	t, entry, err := s.stages.Cancel(r.Context(), r.PathValue("id"), body.Actor, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Tender: tenderJSON(t), Audit: entryJSON(entry)})
}

func (s *Server) handleAward(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}
	t, entry, err := s.notices.TryAdvance(r.Context(), r.PathValue("id"), body.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Tender: tenderJSON(t), Audit: entryJSON(entry)})
}

func (s *Server) handleStandstill(w http.ResponseWriter, r *http.Request) {
	remaining, err := s.notices.Remaining(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"remainingBusinessDays": remaining})
}

type submitBidRequest struct {
	ProviderID    string `json:"providerId"`
	TechnicalHash string `json:"technicalHash"`
	TechnicalURL  string `json:"technicalUrl"`
	FinancialHash string `json:"financialHash"`
	FinancialURL  string `json:"financialUrl"`
	Replace       bool   `json:"replace"`
	Actor         string `json:"actor"`
}

func (s *Server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	var req submitBidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	b, entry, err := s.bids.Submit(r.Context(), bid.SubmitParams{
		TenderID:      r.PathValue("id"),
		ProviderID:    req.ProviderID,
		TechnicalHash: req.TechnicalHash,
		TechnicalURL:  req.TechnicalURL,
		FinancialHash: req.FinancialHash,
		FinancialURL:  req.FinancialURL,
		Replace:       req.Replace,
		Actor:         req.Actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, commandResponse{Bid: bidJSON(b), Audit: entryJSON(entry)})
}

func (s *Server) handleWithdrawBid(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}
	// bidID here is the submitting provider: withdrawal always targets the
	// live version.
	b, entry, err := s.bids.Withdraw(r.Context(), r.PathValue("id"), r.PathValue("bidID"), body.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Bid: bidJSON(b), Audit: entryJSON(entry)})
}

type scoreRequest struct {
	Axis     string `json:"axis"`
	Criteria []struct {
		Name   string  `json:"name"`
		Score  float64 `json:"score"`
		Weight float64 `json:"weight"`
	} `json:"criteria"`
	Actor string `json:"actor"`
}

func (s *Server) handleScoreBid(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if !decodeBody(w, r, &req) {
		return
	}
	criteria := make([]bid.Criterion, 0, len(req.Criteria))
	for _, c := range req.Criteria {
		criteria = append(criteria, bid.Criterion{Name: c.Name, Score: c.Score, Weight: c.Weight})
	}
	b, entry, err := s.bids.Score(r.Context(), bid.ScoreParams{
		TenderID: r.PathValue("id"),
		BidID:    r.PathValue("bidID"),
		Axis:     bid.Axis(req.Axis),
		Criteria: criteria,
		Actor:    req.Actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Bid: bidJSON(b), Audit: entryJSON(entry)})
}

type preferredRequest struct {
	BidID string `json:"bidId"`
	Actor string `json:"actor"`
}

func (s *Server) handleSelectPreferred(w http.ResponseWriter, r *http.Request) {
	var req preferredRequest
	if !decodeBody(w, r, &req) {
		return
	}
	b, n, entry, err := s.bids.SelectPreferred(r.Context(), r.PathValue("id"), req.BidID, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Bid: bidJSON(b), Notice: noticeJSON(n), Audit: entryJSON(entry)})
}

type fileDisputeRequest struct {
	ChallengerID string `json:"challengerId"`
	Grounds      string `json:"grounds"`
}

func (s *Server) handleFileDispute(w http.ResponseWriter, r *http.Request) {
	var req fileDisputeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, entry, err := s.disputes.File(r.Context(), dispute.FileParams{
		TenderID:     r.PathValue("id"),
		ChallengerID: req.ChallengerID,
		Grounds:      req.Grounds,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, commandResponse{Dispute: disputeJSON(d), Audit: entryJSON(entry)})
}

func (s *Server) handleBeginReview(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}
	d, entry, err := s.disputes.BeginReview(r.Context(), r.PathValue("id"), r.PathValue("disputeID"), body.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Dispute: disputeJSON(d), Audit: entryJSON(entry)})
}

type decisionRequest struct {
	Outcome string `json:"outcome"`
	Summary string `json:"summary"`
	Actor   string `json:"actor"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, entry, err := s.disputes.RecordDecision(r.Context(), dispute.DecisionParams{
		TenderID:  r.PathValue("id"),
		DisputeID: r.PathValue("disputeID"),
		Outcome:   dispute.Outcome(req.Outcome),
		Summary:   req.Summary,
		Actor:     req.Actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Dispute: disputeJSON(d), Audit: entryJSON(entry)})
}

type createEscrowRequest struct {
	NoticeID    string `json:"noticeId"`
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Milestones  []struct {
		Sequence           int    `json:"sequence"`
		Description        string `json:"description"`
		AmountCents        int64  `json:"amountCents"`
		RequiredSignatures int    `json:"requiredSignatures"`
	} `json:"milestones"`
	Actor string `json:"actor"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	specs := make([]escrow.MilestoneSpec, 0, len(req.Milestones))
	for _, m := range req.Milestones {
		specs = append(specs, escrow.MilestoneSpec{
			Sequence:           m.Sequence,
			Description:        m.Description,
			AmountCents:        m.AmountCents,
			RequiredSignatures: m.RequiredSignatures,
		})
	}
	e, entry, err := s.escrows.Create(r.Context(), escrow.CreateParams{
		TenderID:    r.PathValue("id"),
		NoticeID:    req.NoticeID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Milestones:  specs,
		Actor:       req.Actor,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, commandResponse{Escrow: escrowJSON(e), Audit: entryJSON(entry)})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}
	e, entry, err := s.escrows.Refund(r.Context(), r.PathValue("id"), body.Reason, body.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Escrow: escrowJSON(e), Audit: entryJSON(entry)})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}
	e, entry, err := s.escrows.Reconcile(r.Context(), r.PathValue("id"), body.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := commandResponse{Escrow: escrowJSON(e)}
	if entry.Event != "" {
		resp.Audit = entryJSON(entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) milestoneHandler(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body actorBody
		if !decodeBody(w, r, &body) {
			return
		}
		tenderID, mid := r.PathValue("id"), r.PathValue("milestoneID")
		var (
			m     escrow.Milestone
			entry audit.Entry
			err   error
		)
		switch op {
		case "hold":
			_, m, entry, err = s.escrows.HoldMilestone(r.Context(), tenderID, mid, body.Actor)
		case "submit":
			m, entry, err = s.escrows.SubmitMilestone(r.Context(), tenderID, mid, body.Actor)
		case "approve":
			m, entry, err = s.escrows.ApproveMilestone(r.Context(), tenderID, mid, body.Actor)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, commandResponse{Milestone: milestoneJSON(m), Audit: entryJSON(entry)})
	}
}

type signRequest struct {
	SignerID string `json:"signerId"`
}

func (s *Server) handleSignMilestone(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, count, entry, err := s.escrows.SignMilestone(r.Context(), r.PathValue("id"), r.PathValue("milestoneID"), req.SignerID)
	if err != nil {
		writeError(w, err)
		return
	}
	mj := milestoneJSON(m)
	mj.Signatures = count
	writeJSON(w, http.StatusOK, commandResponse{Milestone: mj, Audit: entryJSON(entry)})
}

func (s *Server) handleReleaseMilestone(w http.ResponseWriter, r *http.Request) {
	var body actorBody
	if !decodeBody(w, r, &body) {
		return
	}
	e, m, entry, err := s.escrows.ReleaseMilestone(r.Context(), r.PathValue("id"), r.PathValue("milestoneID"), body.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{Escrow: escrowJSON(e), Milestone: milestoneJSON(m), Audit: entryJSON(entry)})
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	tenderID := r.PathValue("id")
	entries, err := s.audits.Entries(r.Context(), tenderID, 1, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := s.audits.VerifyChain(r.Context(), tenderID, 1, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, *entryJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "chainVerified": ok})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{Kind: "validation", Reason: "malformed JSON body"}})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

type errorBody struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tender.ErrNotFound), errors.Is(err, bid.ErrNotFound),
		errors.Is(err, notice.ErrNotFound), errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, escrow.ErrNotFound), errors.Is(err, escrow.ErrMilestoneNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: errorBody{Kind: "not_found", Reason: err.Error()}})
		return
	}

	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.Validation:
		status = http.StatusBadRequest
	case fault.InvalidTransition, fault.WindowClosed, fault.AlreadyResolved, fault.Conflict:
		status = http.StatusConflict
	case fault.WindowFrozen:
		status = http.StatusLocked
	case fault.ProviderUnavailable:
		status = http.StatusBadGateway
	case fault.IntegrityViolation:
		status = http.StatusInternalServerError
	default:
		log.Printf("unhandled error: %v", err)
		writeJSON(w, status, errorResponse{Error: errorBody{Kind: "internal", Reason: "internal error"}})
		return
	}
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: string(kind), Reason: err.Error()}})
}
