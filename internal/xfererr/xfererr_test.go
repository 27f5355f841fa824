package xfererr

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"
)

func TestSeverityAndRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		severity  Severity
		retryable bool
	}{
		{KindIntegrity, SeverityHigh, true},
		{KindProtocol, SeverityHigh, true},
		{KindNetwork, SeverityMedium, true},
		{KindTimeout, SeverityMedium, true},
		{KindUserCancelled, SeverityLow, false},
		{KindPermission, SeverityCritical, false},
		{KindStorage, SeverityCritical, true},
		{KindValidation, SeverityMedium, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e := New("xfer-1", tt.kind, "boom", nil)
			if e.Severity != tt.severity {
				t.Errorf("severity = %s, want %s", e.Severity, tt.severity)
			}
			if e.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", e.Retryable, tt.retryable)
			}
			if e.CorrelationID == "" {
				t.Errorf("missing correlation ID")
			}
		})
	}
}

func TestRecoveryStrategy(t *testing.T) {
	tests := []struct {
		kind   Kind
		action Action
	}{
		{KindNetwork, ActionRetry},
		{KindIntegrity, ActionRetry},
		{KindTimeout, ActionReconnect},
		{KindProtocol, ActionReconnect},
		{KindUserCancelled, ActionNone},
		{KindPermission, ActionNone},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			s := RecoveryStrategy(New("xfer-1", tt.kind, "boom", nil))
			if s.Action != tt.action {
				t.Errorf("action = %s, want %s", s.Action, tt.action)
			}
			if tt.action != ActionNone && s.MaxAttempts == 0 {
				t.Errorf("recoverable strategy has no attempt cap")
			}
		})
	}
}

func TestBackOffStopsAtAttemptCap(t *testing.T) {
	s := Strategy{Action: ActionRetry, MaxAttempts: 2}
	b := s.NewBackOff()

	attempts := 0
	for b.NextBackOff() != backoff.Stop {
		attempts++
		if attempts > 10 {
			t.Fatalf("backoff never stopped")
		}
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestNoneActionYieldsStopBackOff(t *testing.T) {
	s := RecoveryStrategy(New("xfer-1", KindUserCancelled, "cancelled", nil))
	if s.NewBackOff().NextBackOff() != backoff.Stop {
		t.Fatalf("expected immediate stop for non-recoverable error")
	}
}

func TestRetryRecoversAfterTransientFailures(t *testing.T) {
	attempts := 0
	op := func() error {
		attempts++
		if attempts < 3 {
			return New("xfer-1", KindNetwork, "connection reset", nil)
		}
		return nil
	}

	err := retryWith(context.Background(), op, &backoff.ZeroBackOff{})
	if err != nil {
		t.Fatalf("retryWith: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestRetryStopsWhenScheduleExhausts(t *testing.T) {
	attempts := 0
	op := func() error {
		attempts++
		return New("xfer-1", KindNetwork, "still down", nil)
	}

	bo := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	err := retryWith(context.Background(), op, bo)
	if err == nil {
		t.Fatal("expected the last error back")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (initial + 2 retries)", attempts)
	}
}

func TestRetryReturnsNonRetryableImmediately(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), func() error {
		attempts++
		return New("xfer-1", KindPermission, "denied", nil)
	})
	if err == nil || attempts != 1 {
		t.Fatalf("err = %v, attempts = %d; want one failed attempt", err, attempts)
	}
}

func TestRetryPassesUnclassifiedErrorsThrough(t *testing.T) {
	attempts := 0
	plain := errors.New("not a transfer error")
	err := Retry(context.Background(), func() error {
		attempts++
		return plain
	})
	if !errors.Is(err, plain) || attempts != 1 {
		t.Fatalf("err = %v, attempts = %d; want the plain error after one attempt", err, attempts)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	e := Wrap("xfer-1", KindNetwork, "send failed", cause)
	if !errors.Is(e, cause) {
		t.Fatalf("wrapped cause not reachable via errors.Is")
	}
}
