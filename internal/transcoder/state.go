package transcoder

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a job is moved along an edge the
// state table does not allow.
var ErrInvalidTransition = errors.New("invalid job state transition")

// State is a job's position in the transfer lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarted
	StateTransferringVideo
	StateTransferringAudio
	StateFinalizing
	StateSucceeded
	StateFailed
	StateCancelled
	StateSkipped
)

var stateNames = map[State]string{
	StateIdle:              "idle",
	StateStarted:           "started",
	StateTransferringVideo: "transferring_video",
	StateTransferringAudio: "transferring_audio",
	StateFinalizing:        "finalizing",
	StateSucceeded:         "succeeded",
	StateFailed:            "failed",
	StateCancelled:         "cancelled",
	StateSkipped:           "skipped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsTerminal reports whether s has no outgoing transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateSkipped:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateIdle:              {StateStarted, StateSkipped, StateFailed, StateCancelled},
	StateStarted:           {StateTransferringVideo, StateFailed, StateCancelled},
	StateTransferringVideo: {StateTransferringAudio, StateFinalizing, StateFailed, StateCancelled},
	StateTransferringAudio: {StateFinalizing, StateFailed, StateCancelled},
	StateFinalizing:        {StateSucceeded, StateFailed, StateCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
