// Package xfererr classifies transfer failures and maps them to
// recovery policy. Every error carries a correlation ID so both sides
// of a transfer can match log lines.
package xfererr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Kind categorizes a transfer failure.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindIntegrity     Kind = "integrity"
	KindStorage       Kind = "storage"
	KindProtocol      Kind = "protocol"
	KindNetwork       Kind = "network"
	KindTimeout       Kind = "timeout"
	KindUserCancelled Kind = "user_cancelled"
	KindPermission    Kind = "permission"
)

// Severity grades how bad a failure is for the transfer.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// TransferError is a classified transfer failure.
type TransferError struct {
	CorrelationID string
	TransferID    string
	Kind          Kind
	Severity      Severity
	Message       string
	Retryable     bool
	Context       map[string]any
	cause         error
}

// New creates a classified error. Severity and retryability are derived
// from the kind.
func New(transferID string, kind Kind, message string, context map[string]any) *TransferError {
	return &TransferError{
		CorrelationID: uuid.NewString(),
		TransferID:    transferID,
		Kind:          kind,
		Severity:      severityFor(kind),
		Message:       message,
		Retryable:     retryableFor(kind),
		Context:       context,
	}
}

// Wrap classifies an underlying error.
func Wrap(transferID string, kind Kind, message string, cause error) *TransferError {
	e := New(transferID, kind, message, nil)
	e.cause = cause
	return e
}

func (e *TransferError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (transfer %s): %v", e.Kind, e.Message, e.TransferID, e.cause)
	}
	return fmt.Sprintf("%s: %s (transfer %s)", e.Kind, e.Message, e.TransferID)
}

func (e *TransferError) Unwrap() error { return e.cause }

func severityFor(kind Kind) Severity {
	switch kind {
	case KindIntegrity, KindProtocol:
		return SeverityHigh
	case KindNetwork, KindTimeout:
		return SeverityMedium
	case KindUserCancelled:
		return SeverityLow
	case KindPermission, KindStorage:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

func retryableFor(kind Kind) bool {
	switch kind {
	case KindUserCancelled, KindPermission:
		return false
	default:
		return true
	}
}

// Action is the recovery approach for a classified error.
type Action string

const (
	// ActionRetry resends the failed unit with backoff.
	ActionRetry Action = "retry"
	// ActionReconnect re-establishes the channel or restarts the transfer.
	ActionReconnect Action = "reconnect"
	// ActionNone performs no automatic recovery.
	ActionNone Action = "none"
)

// Strategy describes how a failure should be recovered from.
type Strategy struct {
	Action      Action
	MaxAttempts uint64
}

// RecoveryStrategy looks up the policy for a classified error.
func RecoveryStrategy(e *TransferError) Strategy {
	switch e.Kind {
	case KindNetwork, KindIntegrity:
		return Strategy{Action: ActionRetry, MaxAttempts: 5}
	case KindTimeout, KindProtocol:
		return Strategy{Action: ActionReconnect, MaxAttempts: 3}
	case KindUserCancelled, KindPermission:
		return Strategy{Action: ActionNone}
	default:
		return Strategy{Action: ActionRetry, MaxAttempts: 3}
	}
}

// NewBackOff builds the backoff schedule for the strategy: exponential
// from 500ms capped at 10s, bounded by MaxAttempts.
func (s Strategy) NewBackOff() backoff.BackOff {
	if s.Action == ActionNone {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, s.MaxAttempts)
}

// Retry runs op, re-running it on the schedule its classified errors
// call for. A nil result, a non-retryable or unclassified error, or an
// exhausted schedule ends the loop; the last error is returned as-is.
func Retry(ctx context.Context, op func() error) error {
	return retryWith(ctx, op, nil)
}

func retryWith(ctx context.Context, op func() error, bo backoff.BackOff) error {
	for {
		err := op()
		if err == nil {
			return nil
		}
		var te *TransferError
		if !errors.As(err, &te) || !te.Retryable {
			return err
		}
		s := RecoveryStrategy(te)
		if s.Action == ActionNone {
			return err
		}
		if bo == nil {
			bo = s.NewBackOff()
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
