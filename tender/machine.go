package tender

import (
	"context"

	"github.com/jackc/pgx/v5"

	"tenderflow/fault"
)

// Machine applies guarded stage transitions inside a caller-owned
// transaction. It is the only writer of Tender.Stage; the notice and dispute
// controllers drive their moves through it.
type Machine struct {
	store Store
}

func NewMachine(store Store) *Machine {
	return &Machine{store: store}
}

// Step locks the tender, validates the transition against the fixed lifecycle
// and writes the new stage with a version compare-and-swap. sealed carries the
// bid-seal flag forward; StepSealing flips it.
func (m *Machine) Step(ctx context.Context, tx pgx.Tx, id string, next Stage) (Tender, error) {
	cur, err := m.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Tender{}, err
	}
	return m.advance(ctx, tx, cur, next, cur.Sealed)
}

// StepSealing is Step plus setting the sealed flag, used when evaluation
// begins and further bid submission must be refused.
func (m *Machine) StepSealing(ctx context.Context, tx pgx.Tx, id string, next Stage) (Tender, error) {
	cur, err := m.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Tender{}, err
	}
	return m.advance(ctx, tx, cur, next, true)
}

// Lock takes the per-tender serialization lock and returns the current
// snapshot without mutating it.
func (m *Machine) Lock(ctx context.Context, tx pgx.Tx, id string) (Tender, error) {
	return m.store.GetForUpdate(ctx, tx, id)
}

// StepFrom validates against an already-locked snapshot, for callers that
// locked the row earlier in the same transaction.
func (m *Machine) StepFrom(ctx context.Context, tx pgx.Tx, cur Tender, next Stage) (Tender, error) {
	return m.advance(ctx, tx, cur, next, cur.Sealed)
}

func (m *Machine) advance(ctx context.Context, tx pgx.Tx, cur Tender, next Stage, sealed bool) (Tender, error) {
	if !canTransition(cur.Stage, next) {
		return Tender{}, fault.New(fault.InvalidTransition, "tender %s cannot move from %s to %s", cur.ID, cur.Stage, next)
	}
	return m.store.UpdateStage(ctx, tx, cur.ID, next, sealed, cur.Version)
}
