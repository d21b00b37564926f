// Package connection tracks the lifecycle of links to remote peers and
// decides when a failed link may be retried. Transports consult a Manager
// before dialing and report every outcome back to it, so retry policy lives
// here and transports stay stateless about it.
package connection

import (
	"errors"
	"time"
)

// ErrInvalidTransition is returned by Manager.SetState for a state change
// the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid connection state transition")

// State is the lifecycle state of one peer link.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	ConnectionFailed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case ConnectionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name in JSON reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the allowed moves. Any state may also move to
// Disconnected on a graceful close.
var transitions = map[State][]State{
	Disconnected:     {Connecting},
	Connecting:       {Connected, ConnectionFailed},
	Connected:        {Reconnecting},
	Reconnecting:     {Connected, ConnectionFailed},
	ConnectionFailed: {Connecting},
}

func canTransition(from, to State) bool {
	if to == Disconnected || from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Info is a snapshot of one peer's connection bookkeeping. Zero times mean
// the event has not happened yet.
type Info struct {
	State           State         `json:"state"`
	LastAttempt     time.Time     `json:"last_attempt"`
	RetryCount      int           `json:"retry_count"`
	BackoffDuration time.Duration `json:"backoff_duration"`
	ConnectedAt     time.Time     `json:"connected_at"`
}
