package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(WindowClosed, "standstill window closed %d days ago", 2)

	if got := KindOf(err); got != WindowClosed {
		t.Fatalf("expected kind %q, got %q", WindowClosed, got)
	}
	if err.Reason != "standstill window closed 2 days ago" {
		t.Fatalf("unexpected reason: %q", err.Reason)
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("escrow: release milestone: %w", Wrap(ProviderUnavailable, cause, "adapter call failed"))

	if !IsKind(err, ProviderUnavailable) {
		t.Fatalf("expected provider_unavailable through wrapping, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to survive unwrapping")
	}
}

func TestKindOf_PlainError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty kind for plain error, got %q", got)
	}
}

func TestRecoverable(t *testing.T) {
	if !Recoverable(New(Conflict, "version mismatch")) {
		t.Errorf("conflict should be recoverable")
	}
	if Recoverable(New(IntegrityViolation, "chain broken")) {
		t.Errorf("integrity violation must not be recoverable")
	}
	if Recoverable(errors.New("plain")) {
		t.Errorf("plain errors carry no kind and are not classified recoverable")
	}
}
