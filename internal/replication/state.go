package replication

import (
	"fmt"
	"time"

	"github.com/roach88/docsync/internal/doc"
)

// State is the engine's session state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is an observability event from an engine.
type Status struct {
	Endpoint string `json:"endpoint"`
	State    State  `json:"state"`

	// Err is set for surfaced failures: TRANSIENT_NETWORK past the ceiling,
	// CORRUPT_CHECKPOINT (warning, a full resync follows) or CONFLICT.
	Err error `json:"-"`

	// Conflict is set when a divergent remote revision was recorded as an
	// open conflict.
	Conflict *doc.Conflict `json:"conflict,omitempty"`

	// Delay and Attempt describe the scheduled reconnect.
	Delay   time.Duration `json:"delay,omitempty"`
	Attempt int           `json:"attempt,omitempty"`
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
