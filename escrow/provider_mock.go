package escrow

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockProvider is the in-memory Provider used by tests and local runs,
// selected by configuration. Calls are idempotent per key, and failures can
// be injected per operation to exercise the adapter error paths.
type MockProvider struct {
	mu       sync.Mutex
	accounts map[string]*mockAccount
	seen     map[string]bool
	// FailNext maps an operation name (create, hold, release, refund,
	// dispute, resolve) to an error returned on its next invocation.
	FailNext map[string]error
}

type mockAccount struct {
	tenderID  string
	committed int64
	released  int64
	refunded  int64
	disputed  bool
	currency  string
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		accounts: map[string]*mockAccount{},
		seen:     map[string]bool{},
		FailNext: map[string]error{},
	}
}

func (m *MockProvider) fail(op string) error {
	if err, ok := m.FailNext[op]; ok && err != nil {
		delete(m.FailNext, op)
		return err
	}
	return nil
}

// replayed marks the key as seen and reports whether it already was.
func (m *MockProvider) replayed(key string) bool {
	if m.seen[key] {
		return true
	}
	m.seen[key] = true
	return false
}

func (m *MockProvider) Create(_ context.Context, tenderID string, amountCents int64, currency, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("create"); err != nil {
		return "", err
	}
	for ref, acc := range m.accounts {
		if acc.tenderID == tenderID {
			return ref, nil
		}
	}
	if m.replayed(key) {
		return "", fmt.Errorf("mock provider: replayed create key %s without account", key)
	}
	ref := "esc-" + uuid.NewString()
	m.accounts[ref] = &mockAccount{tenderID: tenderID, committed: amountCents, currency: currency}
	return ref, nil
}

func (m *MockProvider) Hold(_ context.Context, ref, milestoneID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("hold"); err != nil {
		return err
	}
	if _, ok := m.accounts[ref]; !ok {
		return fmt.Errorf("mock provider: unknown ref %s", ref)
	}
	m.replayed(key)
	return nil
}

func (m *MockProvider) Release(_ context.Context, ref string, amountCents int64, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("release"); err != nil {
		return err
	}
	acc, ok := m.accounts[ref]
	if !ok {
		return fmt.Errorf("mock provider: unknown ref %s", ref)
	}
	if m.replayed(key) {
		return nil
	}
	if acc.disputed {
		return fmt.Errorf("mock provider: escrow %s is disputed", ref)
	}
	if acc.released+acc.refunded+amountCents > acc.committed {
		return fmt.Errorf("mock provider: release exceeds committed funds")
	}
	acc.released += amountCents
	return nil
}

func (m *MockProvider) Refund(_ context.Context, ref, reason, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("refund"); err != nil {
		return err
	}
	acc, ok := m.accounts[ref]
	if !ok {
		return fmt.Errorf("mock provider: unknown ref %s", ref)
	}
	if m.replayed(key) {
		return nil
	}
	acc.refunded = acc.committed - acc.released
	return nil
}

func (m *MockProvider) Dispute(_ context.Context, ref, disputeID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("dispute"); err != nil {
		return err
	}
	acc, ok := m.accounts[ref]
	if !ok {
		return fmt.Errorf("mock provider: unknown ref %s", ref)
	}
	m.replayed(key)
	acc.disputed = true
	return nil
}

func (m *MockProvider) Resolve(_ context.Context, ref, resolution, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("resolve"); err != nil {
		return err
	}
	acc, ok := m.accounts[ref]
	if !ok {
		return fmt.Errorf("mock provider: unknown ref %s", ref)
	}
	m.replayed(key)
	acc.disputed = false
	return nil
}

func (m *MockProvider) GetDetails(_ context.Context, ref string) (Details, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[ref]
	if !ok {
		return Details{}, fmt.Errorf("mock provider: unknown ref %s", ref)
	}
	return Details{
		Ref:            ref,
		CommittedCents: acc.committed,
		ReleasedCents:  acc.released,
		RefundedCents:  acc.refunded,
		Disputed:       acc.disputed,
	}, nil
}
