package model

import (
	"errors"
	"fmt"
)

// Kind is a closed taxonomy of error conditions raised by the core
// subsystems. Callers should use errors.Is against the sentinel Kind
// values below rather than comparing error strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidParams
	KindInsufficientBalance
	KindNonMonotonicBlock
	KindChannelPaused
	KindChannelClosed
	KindUnknownChannel
	KindDuplicateChannel
	KindInsufficientFunds
	KindQueueFull
	KindRateLimited
	KindCircuitOpen
	KindTimeout
	KindNetworkTransient
	KindAuthFailure
	KindOverflow
	KindShuttingDown
)

func (k Kind) String() string {
	switch k {
	case KindInvalidParams:
		return "InvalidParams"
	case KindInsufficientBalance:
		return "InsufficientBalance"
	case KindNonMonotonicBlock:
		return "NonMonotonicBlock"
	case KindChannelPaused:
		return "ChannelPaused"
	case KindChannelClosed:
		return "ChannelClosed"
	case KindUnknownChannel:
		return "UnknownChannel"
	case KindDuplicateChannel:
		return "DuplicateChannel"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindQueueFull:
		return "QueueFull"
	case KindRateLimited:
		return "RateLimited"
	case KindCircuitOpen:
		return "CircuitOpen"
	case KindTimeout:
		return "Timeout"
	case KindNetworkTransient:
		return "NetworkTransient"
	case KindAuthFailure:
		return "AuthFailure"
	case KindOverflow:
		return "Overflow"
	case KindShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// Error is the single error type surfaced across the core. Op names the
// failing operation ("channel.AdmitPayment", "dispatcher.Broadcast", ...)
// so that logs and audit records can attribute failures without string
// parsing.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, SomeKind) by comparing against a sentinel
// wrapping kind. See the Kind* sentinel errors below.
func (e *Error) Is(target error) bool {
	var ke *kindSentinel
	if errors.As(target, &ke) {
		return e.Kind == ke.kind
	}
	return false
}

type kindSentinel struct{ kind Kind }

func (k *kindSentinel) Error() string { return k.kind.String() }

// Sentinel values usable with errors.Is(err, model.ErrInsufficientBalance).
var (
	ErrInvalidParams        = &kindSentinel{KindInvalidParams}
	ErrInsufficientBalance  = &kindSentinel{KindInsufficientBalance}
	ErrNonMonotonicBlock    = &kindSentinel{KindNonMonotonicBlock}
	ErrChannelPaused        = &kindSentinel{KindChannelPaused}
	ErrChannelClosed        = &kindSentinel{KindChannelClosed}
	ErrUnknownChannel       = &kindSentinel{KindUnknownChannel}
	ErrDuplicateChannel     = &kindSentinel{KindDuplicateChannel}
	ErrInsufficientFunds    = &kindSentinel{KindInsufficientFunds}
	ErrQueueFull            = &kindSentinel{KindQueueFull}
	ErrRateLimited          = &kindSentinel{KindRateLimited}
	ErrCircuitOpen          = &kindSentinel{KindCircuitOpen}
	ErrTimeout              = &kindSentinel{KindTimeout}
	ErrNetworkTransient     = &kindSentinel{KindNetworkTransient}
	ErrAuthFailure          = &kindSentinel{KindAuthFailure}
	ErrOverflow             = &kindSentinel{KindOverflow}
	ErrShuttingDown         = &kindSentinel{KindShuttingDown}
)

// New builds an *Error for op failing with kind, optionally wrapping a
// lower-level cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Retryable reports whether a Kind is one the Dispatcher's retry loop
// should re-attempt, per spec §7's propagation policy.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetworkTransient:
		return true
	default:
		return false
	}
}
