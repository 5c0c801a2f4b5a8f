package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "message only",
			err:  NewPermanentError("bad config", nil),
			want: "[permanent] bad config",
		},
		{
			name: "with resource and cause",
			err:  NewTransientError("wait failed", errors.New("boom")).WithResource("bot-prod"),
			want: "[transient] wait failed (resource=bot-prod): boom",
		},
		{
			name: "with resource and operation",
			err:  NewConflictError("exists", nil).WithResource("s").WithOperation("create"),
			want: "[conflict] exists (resource=s, operation=create)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngineErrorClassification(t *testing.T) {
	base := NewThrottledError("slow down", nil).WithCode(ErrCodeRateLimited)
	wrapped := fmt.Errorf("describe: %w", base)

	if !IsThrottled(wrapped) {
		t.Error("expected wrapped error to be throttled")
	}
	if !IsRetryable(wrapped) {
		t.Error("expected throttled error to be retryable")
	}
	if IsPermanent(wrapped) {
		t.Error("throttled error must not be permanent")
	}
	if CodeOf(wrapped) != ErrCodeRateLimited {
		t.Errorf("CodeOf = %q", CodeOf(wrapped))
	}
	if !errors.Is(wrapped, &EngineError{Class: ErrorClassThrottled, Code: ErrCodeRateLimited}) {
		t.Error("errors.Is should match on class and code")
	}
}

func TestHasCodeWalksNestedEngineErrors(t *testing.T) {
	inner := NewConflictError("stack exists", nil).WithCode(ErrCodeAlreadyExists)
	outer := NewTransientError("create failed", inner).WithCode(ErrCodeProviderFailed)

	if !HasCode(outer, ErrCodeAlreadyExists) {
		t.Error("expected nested code to be found")
	}
	if !HasCode(outer, ErrCodeProviderFailed) {
		t.Error("expected outer code to be found")
	}
	if HasCode(outer, ErrCodeTimeout) {
		t.Error("unexpected code match")
	}
	if HasCode(errors.New("plain"), ErrCodeTimeout) {
		t.Error("plain errors carry no code")
	}
}

func TestWithDetail(t *testing.T) {
	err := NewPermanentError("shrink", nil).WithDetail("current", 50).WithDetail("requested", 20)
	if len(err.Details) != 2 {
		t.Fatalf("expected 2 details, got %d", len(err.Details))
	}
	if !strings.Contains(err.Error(), "shrink") {
		t.Errorf("unexpected message %q", err.Error())
	}
}
