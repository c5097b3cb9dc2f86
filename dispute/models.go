package dispute

import "time"

// Status represents the lifecycle of a challenge against a notice to award.
// resolved (upheld) and rejected are terminal.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusRejected    Status = "rejected"
)

// Terminal reports whether a decision has been recorded.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusRejected
}

// Outcome is the review panel's decision on a challenge.
type Outcome string

const (
	// OutcomeUpheld voids the award; the tender returns to evaluation.
	OutcomeUpheld Outcome = "upheld"
	// OutcomeRejected dismisses the challenge; the standstill countdown
	// resumes with its banked remaining days.
	OutcomeRejected Outcome = "rejected"
)

func (o Outcome) valid() bool {
	return o == OutcomeUpheld || o == OutcomeRejected
}

// Dispute mirrors the disputes table.
type Dispute struct {
	ID              string
	TenderID        string
	NoticeID        string
	ChallengerID    string
	Grounds         string
	Status          Status
	Outcome         *Outcome
	DecisionSummary *string
	FiledAt         time.Time
	ResolvedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
