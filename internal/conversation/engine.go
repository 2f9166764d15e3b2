package conversation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voicelinehq/voiceline/internal/transcript"
	"github.com/voicelinehq/voiceline/pkg/provider/asr"
	"github.com/voicelinehq/voiceline/pkg/provider/llm"
)

// Default counter limits.
const (
	DefaultMaxClarifications = 2
	DefaultMaxSilencePrompts = 2
	DefaultMaxTurns          = 20
)

// acceptableClarifyConfidence is the confidence at or above which a CLARIFY
// routing is still processed as an accept. Repair prompts for every
// mid-confidence result make the dialog feel broken; only the 0.2-0.3 band
// triggers an actual clarification.
const acceptableClarifyConfidence = 0.3

// StepResult is the outcome of one state-machine step.
type StepResult struct {
	// State is the dialog state after the step.
	State State

	// Response is the scripted text to speak, empty when the orchestrator
	// should generate a free-form reply (RESPONDING) or say nothing.
	Response string

	// ShouldEnd reports that the conversation is over and the stream should
	// close after the final response.
	ShouldEnd bool
}

// Metadata describes how an ASR result was routed.
type Metadata struct {
	Confidence float64
	Action     Action
	Language   string

	// Text is set when a CLARIFY stored the tentative transcript.
	Text string
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLimits overrides the counter limits. Zero values keep the defaults.
func WithLimits(maxClarifications, maxSilencePrompts, maxTurns int) Option {
	return func(e *Engine) {
		if maxClarifications > 0 {
			e.maxClarifications = maxClarifications
		}
		if maxSilencePrompts > 0 {
			e.maxSilencePrompts = maxSilencePrompts
		}
		if maxTurns > 0 {
			e.maxTurns = maxTurns
		}
	}
}

// WithRouter replaces the default confidence router.
func WithRouter(r *Router) Option {
	return func(e *Engine) { e.router = r }
}

// Engine drives the per-session dialog state machine. Conversation rows live
// in a Redis hash per session; all counter updates are single-writer (the
// owning session task), so plain HSET round-trips are sufficient.
type Engine struct {
	rdb     *redis.Client
	llm     llm.Provider
	router  *Router
	checker *CompletenessChecker

	maxClarifications int
	maxSilencePrompts int
	maxTurns          int
}

// NewEngine builds a conversation engine. provider may be nil; linguistic
// checks then run rules-only.
func NewEngine(rdb *redis.Client, provider llm.Provider, opts ...Option) *Engine {
	e := &Engine{
		rdb:               rdb,
		llm:               provider,
		router:            NewRouter(),
		maxClarifications: DefaultMaxClarifications,
		maxSilencePrompts: DefaultMaxSilencePrompts,
		maxTurns:          DefaultMaxTurns,
	}
	for _, o := range opts {
		o(e)
	}
	e.checker = NewCompletenessChecker(provider, transcript.NewKeywordMatcher(nil))
	return e
}

// MaxTurns returns the configured turn cap.
func (e *Engine) MaxTurns() int { return e.maxTurns }

func convKey(sessionID string) string { return "conversation:" + sessionID }

// Initialize creates a fresh conversation row in state INIT.
func (e *Engine) Initialize(ctx context.Context, sessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := e.rdb.HSet(ctx, convKey(sessionID), map[string]any{
		"state":               string(StateInit),
		"turn_count":          "0",
		"clarification_count": "0",
		"silence_prompts":     "0",
		"last_user_input":     "",
		"last_intent":         "",
		"created_at":          now,
		"updated_at":          now,
	}).Err()
	if err != nil {
		return fmt.Errorf("conversation: initialize %s: %w", sessionID, err)
	}
	return nil
}

// State returns the current dialog state. ok is false when no conversation
// row exists for the session.
func (e *Engine) State(ctx context.Context, sessionID string) (state State, ok bool, err error) {
	s, err := e.rdb.HGet(ctx, convKey(sessionID), "state").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("conversation: get state %s: %w", sessionID, err)
	}
	parsed, err := ParseState(s)
	if err != nil {
		return "", false, err
	}
	return parsed, true, nil
}

// Data returns the full conversation hash for a session.
func (e *Engine) Data(ctx context.Context, sessionID string) (map[string]string, error) {
	data, err := e.rdb.HGetAll(ctx, convKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("conversation: get data %s: %w", sessionID, err)
	}
	return data, nil
}

// SilencePromptCount returns the stored silence-prompt counter.
func (e *Engine) SilencePromptCount(ctx context.Context, sessionID string) (int, error) {
	return e.counter(ctx, sessionID, "silence_prompts")
}

// IncrementSilencePrompt bumps the silence-prompt counter. Used by the
// orchestrator when a transport-level nudge is sent.
func (e *Engine) IncrementSilencePrompt(ctx context.Context, sessionID string) error {
	if err := e.rdb.HIncrBy(ctx, convKey(sessionID), "silence_prompts", 1).Err(); err != nil {
		return fmt.Errorf("conversation: increment silence_prompts %s: %w", sessionID, err)
	}
	return nil
}

// CheckLinguisticCompleteness reports whether text is a finished thought
// and, if not, a continuation cue to play.
func (e *Engine) CheckLinguisticCompleteness(ctx context.Context, text string) (bool, string) {
	return e.checker.Check(ctx, text)
}

// ProcessStateTransition steps the dialog state machine. userText is the
// recognised utterance, empty when the caller was silent.
func (e *Engine) ProcessStateTransition(ctx context.Context, sessionID, userText string) (StepResult, error) {
	state, ok, err := e.State(ctx, sessionID)
	if err != nil {
		return StepResult{}, err
	}
	if !ok {
		if err := e.Initialize(ctx, sessionID); err != nil {
			return StepResult{}, err
		}
		state = StateInit
	}

	switch state {
	case StateInit:
		if err := e.setState(ctx, sessionID, StateGreeting); err != nil {
			return StepResult{}, err
		}
		return StepResult{State: StateGreeting, Response: Greeting}, nil

	case StateGreeting:
		if err := e.setState(ctx, sessionID, StateListening); err != nil {
			return StepResult{}, err
		}
		return StepResult{State: StateListening}, nil

	case StateListening:
		if isBlank(userText) {
			return e.handleSilence(ctx, sessionID, true)
		}
		return e.toProcessing(ctx, sessionID, userText)

	case StateProcessing:
		return e.stepProcessing(ctx, sessionID, userText)

	case StateClarifying:
		if isBlank(userText) {
			return e.handleSilence(ctx, sessionID, false)
		}
		return e.toProcessing(ctx, sessionID, userText)

	case StateResponding:
		return e.stepResponding(ctx, sessionID)

	case StateError:
		if err := e.setState(ctx, sessionID, StateEnd); err != nil {
			return StepResult{}, err
		}
		return StepResult{State: StateEnd, ShouldEnd: true}, nil

	case StateEnd:
		return StepResult{State: StateEnd, ShouldEnd: true}, nil
	}

	return StepResult{}, fmt.Errorf("conversation: unhandled state %q", state)
}

// handleSilence applies the tiered silence-prompt logic. preCheck selects
// the LISTENING variant, which compares the counter before incrementing.
func (e *Engine) handleSilence(ctx context.Context, sessionID string, preCheck bool) (StepResult, error) {
	var count int
	var err error

	if preCheck {
		count, err = e.counter(ctx, sessionID, "silence_prompts")
		if err != nil {
			return StepResult{}, err
		}
		if err := e.IncrementSilencePrompt(ctx, sessionID); err != nil {
			return StepResult{}, err
		}
	} else {
		if err := e.IncrementSilencePrompt(ctx, sessionID); err != nil {
			return StepResult{}, err
		}
		count, err = e.counter(ctx, sessionID, "silence_prompts")
		if err != nil {
			return StepResult{}, err
		}
	}

	if count >= e.maxSilencePrompts {
		if err := e.setState(ctx, sessionID, StateEnd); err != nil {
			return StepResult{}, err
		}
		return StepResult{State: StateEnd, Response: ClosingMessage, ShouldEnd: true}, nil
	}

	prompt, err := e.silencePrompt(ctx, sessionID)
	if err != nil {
		return StepResult{}, err
	}
	if !preCheck {
		if err := e.setState(ctx, sessionID, StateListening); err != nil {
			return StepResult{}, err
		}
	}
	return StepResult{State: StateListening, Response: prompt}, nil
}

func (e *Engine) toProcessing(ctx context.Context, sessionID, userText string) (StepResult, error) {
	if err := e.rdb.HSet(ctx, convKey(sessionID), "last_user_input", userText).Err(); err != nil {
		return StepResult{}, fmt.Errorf("conversation: store input %s: %w", sessionID, err)
	}
	if err := e.setState(ctx, sessionID, StateProcessing); err != nil {
		return StepResult{}, err
	}
	return StepResult{State: StateProcessing}, nil
}

func (e *Engine) stepProcessing(ctx context.Context, sessionID, userText string) (StepResult, error) {
	switch e.analyzeInputQuality(ctx, userText) {
	case QualityEmpty:
		res, err := e.handleSilence(ctx, sessionID, false)
		if err != nil {
			return StepResult{}, err
		}
		return res, nil

	case QualityUnclear:
		count, err := e.counter(ctx, sessionID, "clarification_count")
		if err != nil {
			return StepResult{}, err
		}
		if err := e.incrementClarification(ctx, sessionID); err != nil {
			return StepResult{}, err
		}
		if count >= e.maxClarifications {
			if err := e.setState(ctx, sessionID, StateError); err != nil {
				return StepResult{}, err
			}
			return StepResult{State: StateError, Response: EscalationMessage, ShouldEnd: true}, nil
		}
		if err := e.setState(ctx, sessionID, StateClarifying); err != nil {
			return StepResult{}, err
		}
		msg, err := e.clarificationMessage(ctx, sessionID)
		if err != nil {
			return StepResult{}, err
		}
		return StepResult{State: StateClarifying, Response: msg}, nil

	default: // CLEAR
		if err := e.setState(ctx, sessionID, StateResponding); err != nil {
			return StepResult{}, err
		}
		return StepResult{State: StateResponding}, nil
	}
}

func (e *Engine) stepResponding(ctx context.Context, sessionID string) (StepResult, error) {
	if err := e.rdb.HIncrBy(ctx, convKey(sessionID), "turn_count", 1).Err(); err != nil {
		return StepResult{}, fmt.Errorf("conversation: increment turn_count %s: %w", sessionID, err)
	}
	turns, err := e.counter(ctx, sessionID, "turn_count")
	if err != nil {
		return StepResult{}, err
	}
	if turns >= e.maxTurns {
		if err := e.setState(ctx, sessionID, StateEnd); err != nil {
			return StepResult{}, err
		}
		return StepResult{State: StateEnd, Response: MaxTurnsClosingMessage, ShouldEnd: true}, nil
	}
	if err := e.setState(ctx, sessionID, StateListening); err != nil {
		return StepResult{}, err
	}
	return StepResult{State: StateListening}, nil
}

// ProcessASRResult routes an ASR result through confidence thresholds and
// steps the state machine accordingly.
func (e *Engine) ProcessASRResult(ctx context.Context, sessionID string, res *asr.Result) (StepResult, Metadata, error) {
	action, text := e.router.Route(res)
	meta := Metadata{Confidence: res.Confidence, Action: action, Language: res.Language}

	switch action {
	case ActionReject:
		if err := e.incrementClarification(ctx, sessionID); err != nil {
			return StepResult{}, meta, err
		}
		count, err := e.counter(ctx, sessionID, "clarification_count")
		if err != nil {
			return StepResult{}, meta, err
		}
		if count >= e.maxClarifications {
			if err := e.setState(ctx, sessionID, StateError); err != nil {
				return StepResult{}, meta, err
			}
			return StepResult{State: StateError, Response: EscalationMessage, ShouldEnd: true}, meta, nil
		}
		if err := e.setState(ctx, sessionID, StateClarifying); err != nil {
			return StepResult{}, meta, err
		}
		return StepResult{State: StateClarifying, Response: e.router.ClarificationMessage(res.Confidence)}, meta, nil

	case ActionClarify:
		if res.Confidence >= acceptableClarifyConfidence {
			meta.Action = ActionAccept
			step, err := e.ProcessStateTransition(ctx, sessionID, text)
			return step, meta, err
		}

		if err := e.incrementClarification(ctx, sessionID); err != nil {
			return StepResult{}, meta, err
		}
		count, err := e.counter(ctx, sessionID, "clarification_count")
		if err != nil {
			return StepResult{}, meta, err
		}
		if count >= e.maxClarifications {
			if err := e.setState(ctx, sessionID, StateError); err != nil {
				return StepResult{}, meta, err
			}
			return StepResult{State: StateError, Response: EscalationMessage, ShouldEnd: true}, meta, nil
		}
		// Store the tentative transcript but ask for confirmation.
		if err := e.rdb.HSet(ctx, convKey(sessionID), "last_user_input", text).Err(); err != nil {
			return StepResult{}, meta, fmt.Errorf("conversation: store input %s: %w", sessionID, err)
		}
		if err := e.setState(ctx, sessionID, StateClarifying); err != nil {
			return StepResult{}, meta, err
		}
		meta.Text = text
		return StepResult{State: StateClarifying, Response: e.router.ClarificationMessage(res.Confidence)}, meta, nil

	default: // ACCEPT
		step, err := e.ProcessStateTransition(ctx, sessionID, text)
		return step, meta, err
	}
}

// ─── store helpers ───────────────────────────────────────────────────────────

func (e *Engine) setState(ctx context.Context, sessionID string, state State) error {
	err := e.rdb.HSet(ctx, convKey(sessionID),
		"state", string(state),
		"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return fmt.Errorf("conversation: set state %s: %w", sessionID, err)
	}
	return nil
}

func (e *Engine) counter(ctx context.Context, sessionID, field string) (int, error) {
	s, err := e.rdb.HGet(ctx, convKey(sessionID), field).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("conversation: get %s %s: %w", field, sessionID, err)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (e *Engine) incrementClarification(ctx context.Context, sessionID string) error {
	if err := e.rdb.HIncrBy(ctx, convKey(sessionID), "clarification_count", 1).Err(); err != nil {
		return fmt.Errorf("conversation: increment clarification_count %s: %w", sessionID, err)
	}
	return nil
}

func (e *Engine) silencePrompt(ctx context.Context, sessionID string) (string, error) {
	count, err := e.counter(ctx, sessionID, "silence_prompts")
	if err != nil {
		return "", err
	}
	return SilencePromptForCount(count), nil
}

func (e *Engine) clarificationMessage(ctx context.Context, sessionID string) (string, error) {
	count, err := e.counter(ctx, sessionID, "clarification_count")
	if err != nil {
		return "", err
	}
	return ClarificationForCount(count), nil
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
