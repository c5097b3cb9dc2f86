package escrow

import "time"

// Status enumerates the escrow lifecycle.
type Status string

const (
	StatusCreated  Status = "created"
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
	StatusResolved Status = "resolved"
)

// MilestoneStatus enumerates milestone progress. paid is terminal and only
// reachable from approved.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneSubmitted  MilestoneStatus = "submitted"
	MilestoneApproved   MilestoneStatus = "approved"
	MilestonePaid       MilestoneStatus = "paid"
	MilestoneDisputed   MilestoneStatus = "disputed"
)

// Escrow is the single funds-custody record per tender.
type Escrow struct {
	ID             string
	TenderID       string
	NoticeID       string
	ProviderRef    string
	Status         Status
	CommittedCents int64
	BalanceCents   int64
	ReleasedCents  int64
	RefundedCents  int64
	Currency       string
	DisputeID      *string
	// ReconcileMilestoneID is set when a release call against the provider
	// timed out with an unknown outcome; the milestone stays unpaid until
	// Reconcile consults the provider.
	ReconcileMilestoneID *string
	Version              int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Milestone is one deliverable gating a slice of the escrowed funds.
type Milestone struct {
	ID                 string
	EscrowID           string
	NoticeID           string
	Sequence           int
	Description        string
	AmountCents        int64
	RequiredSignatures int
	Status             MilestoneStatus
	Signatures         []string
}

// Event is one immutable movement on an escrow.
type Event struct {
	ID           int64
	EscrowID     string
	Type         string
	AmountCents  int64
	BalanceCents int64
	Actor        string
	CreatedAt    time.Time
}

var milestoneTransitions = map[MilestoneStatus][]MilestoneStatus{
	MilestonePending:    {MilestoneInProgress, MilestoneDisputed},
	MilestoneInProgress: {MilestoneSubmitted, MilestoneDisputed},
	MilestoneSubmitted:  {MilestoneApproved, MilestoneInProgress, MilestoneDisputed},
	MilestoneApproved:   {MilestonePaid, MilestoneDisputed},
	MilestoneDisputed:   {MilestonePending, MilestoneInProgress, MilestoneSubmitted, MilestoneApproved},
}

func milestoneCanMove(from, to MilestoneStatus) bool {
	for _, next := range milestoneTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
