package notice

import "time"

// Notice is the notice-to-award issued on preferred-bidder selection. The
// standstill end is fixed at creation; a filed dispute freezes the countdown
// by stamping FrozenAt and banking the remaining business days.
type Notice struct {
	ID                string
	TenderID          string
	BidID             string
	AwardDate         time.Time
	StandstillEnd     time.Time
	FrozenAt          *time.Time
	RemainingAtFreeze *int
	ResumedEnd        *time.Time
	VoidedAt          *time.Time
	CreatedAt         time.Time
}

// Frozen reports whether a dispute currently holds the countdown.
func (n Notice) Frozen() bool { return n.FrozenAt != nil }

// EffectiveEnd is the countdown target: the original standstill end, or the
// extended end set when a rejected dispute unfroze the window. StandstillEnd
// itself never changes after creation.
func (n Notice) EffectiveEnd() time.Time {
	if n.ResumedEnd != nil {
		return *n.ResumedEnd
	}
	return n.StandstillEnd
}
