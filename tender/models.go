package tender

import "time"

// Stage enumerates the tender lifecycle.
type Stage string

const (
	StageDraft         Stage = "draft"
	StagePublished     Stage = "published"
	StageClarification Stage = "clarification"
	StageSubmission    Stage = "submission"
	StageEvaluation    Stage = "evaluation"
	StageAwarded       Stage = "awarded"
	StageDisputed      Stage = "disputed"
	StageCompleted     Stage = "completed"
	StageCancelled     Stage = "cancelled"
)

// Terminal reports whether no transition may leave the stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageCancelled
}

// Tender mirrors the tenders table columns touched by the engine.
type Tender struct {
	ID                    string
	EntityID              string
	Title                 string
	BudgetCents           int64
	Currency              string
	Stage                 Stage
	ClarificationDeadline *time.Time
	SubmissionDeadline    *time.Time
	EvaluationDeadline    *time.Time
	AwardDeadline         *time.Time
	Sealed                bool
	Version               int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// transitions is the fixed forward order of the lifecycle plus the single
// permitted evaluation/awarded <-> disputed cycle. Cancellation from any
// non-terminal stage is handled separately in canTransition.
var transitions = map[Stage][]Stage{
	StageDraft:         {StagePublished},
	StagePublished:     {StageClarification, StageSubmission},
	StageClarification: {StageSubmission},
	StageSubmission:    {StageEvaluation},
	StageEvaluation:    {StageAwarded, StageDisputed},
	StageAwarded:       {StageDisputed, StageCompleted},
	StageDisputed:      {StageEvaluation, StageAwarded},
}

func canTransition(from, to Stage) bool {
	if to == StageCancelled {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
