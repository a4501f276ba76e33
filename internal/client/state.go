package client

import (
	"fmt"
	"math"
	"time"
)

// StateKind enumerates the connection states.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String implements fmt.Stringer.
func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// State is one point in the connection state machine. Attempt is meaningful
// in StateReconnecting, Err in StateFailed.
type State struct {
	Kind    StateKind
	Attempt int
	Err     error
}

// CanConnect reports whether an explicit Connect is permitted.
func (s State) CanConnect() bool {
	return s.Kind == StateDisconnected || s.Kind == StateFailed
}

// IsTransitioning reports whether a connection attempt is in flight.
func (s State) IsTransitioning() bool {
	return s.Kind == StateConnecting || s.Kind == StateReconnecting
}

// IsConnected reports whether the session is established.
func (s State) IsConnected() bool {
	return s.Kind == StateConnected
}

// String implements fmt.Stringer.
func (s State) String() string {
	switch s.Kind {
	case StateReconnecting:
		return fmt.Sprintf("reconnecting(%d)", s.Attempt)
	case StateFailed:
		return fmt.Sprintf("failed(%v)", s.Err)
	default:
		return s.Kind.String()
	}
}

// ReconnectPolicy governs automatic reconnection after session loss.
// MaxAttempts of zero disables reconnection entirely.
type ReconnectPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultReconnectPolicy returns the stock exponential backoff policy.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:       5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}
}

// DelayFor computes the backoff before attempt n (1-based):
// min(maxDelay, initialDelay * multiplier^(n-1)).
func (p ReconnectPolicy) DelayFor(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(mult, float64(n-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}

	return time.Duration(delay)
}
