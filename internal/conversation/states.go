// Package conversation implements the per-session dialog state machine for
// the IVR assistant: greeting, listening, clarification, response, and
// termination, parameterized by an ASR confidence router and backed by a
// Redis hash per session.
package conversation

import "fmt"

// State is the dialog state of a conversation. States are stored as strings
// in the session hash; unknown strings are refused rather than defaulted.
type State string

const (
	StateInit       State = "INIT"
	StateGreeting   State = "GREETING"
	StateListening  State = "LISTENING"
	StateProcessing State = "PROCESSING"
	StateResponding State = "RESPONDING"
	StateClarifying State = "CLARIFYING"
	StateError      State = "ERROR"
	StateEnd        State = "END"
)

// ParseState validates a stored state string.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateInit, StateGreeting, StateListening, StateProcessing,
		StateResponding, StateClarifying, StateError, StateEnd:
		return State(s), nil
	default:
		return "", fmt.Errorf("conversation: unknown state %q", s)
	}
}

// Terminal reports whether the state ends the conversation.
func (s State) Terminal() bool {
	return s == StateError || s == StateEnd
}

// InputQuality is the coarse classification of a user utterance.
type InputQuality string

const (
	QualityEmpty   InputQuality = "EMPTY"
	QualityUnclear InputQuality = "UNCLEAR"
	QualityClear   InputQuality = "CLEAR"
)
