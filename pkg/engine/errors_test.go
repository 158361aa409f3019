package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestEngineError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		class     ErrorClass
		code      string
	}{
		{"provisioning", NewProvisioningError("boom", nil), true, ErrorClassTransient, ErrCodeProvisioningFailed},
		{"throttled", NewThrottledError("slow down", nil), true, ErrorClassThrottled, ErrCodeInternal},
		{"not enough", NewNotEnoughResourcesError("physical:host", 1, 2), false, ErrorClassPermanent, ErrCodeNotEnoughResources},
		{"timeout", NewTimeoutError("late", nil), false, ErrorClassPermanent, ErrCodeTimeout},
		{"invalid status", NewInvalidStatusError("l1", LeaseStatusPending, LeaseStatusTerminated), false, ErrorClassPermanent, ErrCodeInvalidStatus},
		{"plain", errors.New("plain"), false, ErrorClassPermanent, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := ClassOf(tt.err); got != tt.class {
				t.Errorf("ClassOf() = %s, want %s", got, tt.class)
			}
			if got := ErrorCode(tt.err); got != tt.code {
				t.Errorf("ErrorCode() = %s, want %s", got, tt.code)
			}
		})
	}
}

func TestEngineError_WrappingAndIs(t *testing.T) {
	inner := NewNotFoundError("lease", "l1")
	wrapped := fmt.Errorf("failed to load: %w", inner)

	if !IsNotFound(wrapped) {
		t.Error("IsNotFound should see through fmt wrapping")
	}
	if !errors.Is(wrapped, &EngineError{Code: ErrCodeNotFound}) {
		t.Error("errors.Is should match on code")
	}
	if !errors.Is(wrapped, &EngineError{Class: ErrorClassPermanent}) {
		t.Error("errors.Is should match on class when code is empty")
	}

	outer := NewProvisioningError("start failed", inner)
	if !HasCode(outer, ErrCodeNotFound) {
		t.Error("HasCode should walk nested engine errors")
	}
	if ErrorCode(outer) != ErrCodeProvisioningFailed {
		t.Errorf("ErrorCode should report the outermost code, got %s", ErrorCode(outer))
	}
}

func TestEngineError_Message(t *testing.T) {
	err := NewProvisioningError("cannot add units", errors.New("pool gone")).
		WithResource("r1").
		WithOperation("on_start")

	want := "[transient] PROVISIONING_FAILED: cannot add units (resource=r1, operation=on_start): pool gone"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRetryWithBackoff(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := RetryWithBackoff(ctx, time.Millisecond, 3, func() error {
		calls++
		if calls < 2 {
			return NewTransientError("again", nil)
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("expected success on second call, got %v after %d calls", err, calls)
	}

	calls = 0
	err = RetryWithBackoff(ctx, time.Millisecond, 3, func() error {
		calls++
		return NewInvalidDateError("bad")
	})
	if calls != 1 || !HasCode(err, ErrCodeInvalidDate) {
		t.Errorf("permanent errors stop immediately, got %v after %d calls", err, calls)
	}

	err = RetryWithBackoff(ctx, time.Millisecond, 2, func() error {
		return NewTransientError("again", nil)
	})
	if !HasCode(err, ErrCodeTimeout) {
		t.Errorf("expected TIMEOUT after exhaustion, got %v", err)
	}
}
