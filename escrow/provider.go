package escrow

import (
	"context"
	"time"
)

// Details is the provider's view of an escrow, used for reconciliation after
// an adapter call with an unknown outcome.
type Details struct {
	Ref            string
	CommittedCents int64
	ReleasedCents  int64
	RefundedCents  int64
	Disputed       bool
}

// Provider is the funds-custody backend. The engine treats it as an
// untrusted, possibly slow remote: every call carries a deadline and an
// idempotency key so a retry with the same key is safe.
type Provider interface {
	Create(ctx context.Context, tenderID string, amountCents int64, currency, key string) (ref string, err error)
	Hold(ctx context.Context, ref, milestoneID, key string) error
	Release(ctx context.Context, ref string, amountCents int64, key string) error
	Refund(ctx context.Context, ref, reason, key string) error
	Dispute(ctx context.Context, ref, disputeID, key string) error
	Resolve(ctx context.Context, ref, resolution, key string) error
	GetDetails(ctx context.Context, ref string) (Details, error)
}

// ProviderTimeout bounds every adapter call issued by the engine.
const ProviderTimeout = 5 * time.Second
