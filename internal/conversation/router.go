package conversation

import "github.com/voicelinehq/voiceline/pkg/provider/asr"

// Action is the routing decision for an ASR result.
type Action string

const (
	// ActionAccept means the transcription is trusted as-is.
	ActionAccept Action = "ACCEPT"

	// ActionClarify means the transcription is usable but should be
	// confirmed with the caller.
	ActionClarify Action = "CLARIFY"

	// ActionReject means the transcription is too unreliable to use.
	ActionReject Action = "REJECT"
)

// Default router thresholds.
const (
	DefaultHighThreshold = 0.8
	DefaultLowThreshold  = 0.2
)

// Router maps ASR confidence scores to routing actions.
type Router struct {
	// High is the confidence at or above which results are accepted.
	High float64

	// Low is the confidence below which results are rejected.
	Low float64
}

// NewRouter returns a Router with the default thresholds.
func NewRouter() *Router {
	return &Router{High: DefaultHighThreshold, Low: DefaultLowThreshold}
}

// Route maps an ASR result to an action and the text to carry forward.
// Rejected results carry no text.
func (r *Router) Route(res *asr.Result) (Action, string) {
	switch {
	case res.Confidence >= r.High:
		return ActionAccept, res.Text
	case res.Confidence >= r.Low:
		return ActionClarify, res.Text
	default:
		return ActionReject, ""
	}
}

// ClarificationMessage returns a confidence-tiered repair prompt.
func (r *Router) ClarificationMessage(confidence float64) string {
	if confidence >= 0.7 {
		return "I think I heard you, but could you confirm that?"
	}
	return "I didn't catch that clearly. Could you please repeat?"
}
