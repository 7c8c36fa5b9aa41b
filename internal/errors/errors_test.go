package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewClassifiesCodes(t *testing.T) {
	tests := []struct {
		code      error
		kind      Kind
		retryable bool
	}{
		{ErrNotDue, KindTiming, true},
		{ErrPastGrace, KindTiming, false},
		{ErrUnauthorized, KindAuthorization, false},
		{ErrBadDerivation, KindAuthorization, false},
		{ErrInsufficientAllowance, KindAllowance, true},
		{ErrInsufficientFunds, KindFunds, true},
		{ErrArithmetic, KindArithmetic, false},
		{ErrInvalidConfiguration, KindConfiguration, false},
		{ErrInvalidPlan, KindConfiguration, false},
		{ErrAlreadyActive, KindLifecycle, false},
		{ErrTrialAlreadyUsed, KindLifecycle, false},
		{ErrNoPendingTransfer, KindAuthority, false},
		{ErrInactive, KindOperational, true},
		{errors.New("something else"), KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.code.Error(), func(t *testing.T) {
			err := New("renew", tt.code)
			if err.Kind != tt.kind {
				t.Fatalf("expected kind %s, got %s", tt.kind, err.Kind)
			}
			if err.Retryable != tt.retryable {
				t.Fatalf("expected retryable %v, got %v", tt.retryable, err.Retryable)
			}
			if !errors.Is(err, tt.code) {
				t.Fatalf("expected errors.Is to match code")
			}
		})
	}
}

func TestHelpersSeeThroughWrapping(t *testing.T) {
	base := Newf("validate_timing", ErrNotDue, "due at %d", 100)
	wrapped := fmt.Errorf("keeper: %w", WithOp(base, "renew"))

	if KindOf(wrapped) != KindTiming {
		t.Fatalf("expected timing kind, got %s", KindOf(wrapped))
	}
	if CodeOf(wrapped) != ErrNotDue {
		t.Fatalf("expected ErrNotDue, got %v", CodeOf(wrapped))
	}
	if !IsRetryableError(wrapped) {
		t.Fatal("expected NotDue to be retryable")
	}
	if IsAuthError(wrapped) {
		t.Fatal("did not expect an auth error")
	}
	if got := WithOp(base, "renew").Error(); got != "renew failed: not due: due at 100" {
		t.Fatalf("unexpected message %q", got)
	}
	if base.Op != "validate_timing" {
		t.Fatalf("WithOp must not mutate the original, got op %q", base.Op)
	}
}

func TestPlainErrorsAreInternal(t *testing.T) {
	err := errors.New("disk full")
	if KindOf(err) != KindInternal || IsRetryableError(err) || CodeOf(err) != nil {
		t.Fatal("expected plain errors to be internal, non-retryable and without code")
	}
}
