package conversation

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelinehq/voiceline/pkg/provider/asr"
	"github.com/voicelinehq/voiceline/pkg/provider/llm"
	llmmock "github.com/voicelinehq/voiceline/pkg/provider/llm/mock"
)

func newTestEngine(t *testing.T, provider llm.Provider, opts ...Option) (*Engine, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewEngine(rdb, provider, opts...), rdb
}

// stepTo advances a fresh conversation to the wanted state by replaying the
// greeting flow.
func stepTo(t *testing.T, e *Engine, sessionID string, want State) {
	t.Helper()
	ctx := context.Background()

	res, err := e.ProcessStateTransition(ctx, sessionID, "")
	require.NoError(t, err)
	require.Equal(t, StateGreeting, res.State)

	res, err = e.ProcessStateTransition(ctx, sessionID, "")
	require.NoError(t, err)
	require.Equal(t, StateListening, res.State)

	if want == StateListening {
		return
	}
	t.Fatalf("stepTo: unsupported target state %v", want)
}

func TestGreetingFlow(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	// A fresh session auto-initialises and greets.
	res, err := e.ProcessStateTransition(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, StateGreeting, res.State)
	assert.Equal(t, Greeting, res.Response)
	assert.False(t, res.ShouldEnd)

	// The next step silently moves to LISTENING.
	res, err = e.ProcessStateTransition(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, StateListening, res.State)
	assert.Empty(t, res.Response)
}

func TestHappyPathBooking(t *testing.T) {
	e, rdb := newTestEngine(t, nil)
	ctx := context.Background()
	stepTo(t, e, "s1", StateListening)

	// User text moves LISTENING -> PROCESSING.
	res, err := e.ProcessStateTransition(ctx, "s1", "I want to book an appointment")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, res.State)

	// CLEAR input moves PROCESSING -> RESPONDING with an empty response:
	// the orchestrator generates the reply.
	res, err = e.ProcessStateTransition(ctx, "s1", "I want to book an appointment")
	require.NoError(t, err)
	assert.Equal(t, StateResponding, res.State)
	assert.Empty(t, res.Response)

	// RESPONDING -> LISTENING with the turn counted.
	res, err = e.ProcessStateTransition(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, StateListening, res.State)
	assert.Equal(t, "1", rdb.HGet(ctx, "conversation:s1", "turn_count").Val())
	assert.Equal(t, "I want to book an appointment",
		rdb.HGet(ctx, "conversation:s1", "last_user_input").Val())
}

func TestSilentCallerEndsOnThirdPrompt(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	stepTo(t, e, "s1", StateListening)

	res, err := e.ProcessStateTransition(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, StateListening, res.State)
	assert.Equal(t, SilencePromptForCount(1), res.Response)

	res, err = e.ProcessStateTransition(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, StateListening, res.State)
	assert.Equal(t, SilencePromptForCount(2), res.Response)

	res, err = e.ProcessStateTransition(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, StateEnd, res.State)
	assert.Equal(t, ClosingMessage, res.Response)
	assert.True(t, res.ShouldEnd)
}

func TestLowConfidenceRejection(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	stepTo(t, e, "s1", StateListening)

	res, meta, err := e.ProcessASRResult(ctx, "s1", &asr.Result{
		Text: "mumble", Confidence: 0.1, Language: "en",
	})
	require.NoError(t, err)
	assert.Equal(t, StateClarifying, res.State)
	assert.Equal(t, "I didn't catch that clearly. Could you please repeat?", res.Response)
	assert.False(t, res.ShouldEnd)
	assert.Equal(t, ActionReject, meta.Action)
	assert.Equal(t, 0.1, meta.Confidence)
	assert.Equal(t, "en", meta.Language)
}

func TestClarificationEscalation(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	stepTo(t, e, "s1", StateListening)

	low := &asr.Result{Text: "mumble", Confidence: 0.1, Language: "en"}

	res, _, err := e.ProcessASRResult(ctx, "s1", low)
	require.NoError(t, err)
	assert.Equal(t, StateClarifying, res.State)

	// Second consecutive reject escalates.
	res, _, err = e.ProcessASRResult(ctx, "s1", low)
	require.NoError(t, err)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, EscalationMessage, res.Response)
	assert.True(t, res.ShouldEnd)
}

func TestClarifyMidBandTreatedAsAccept(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	stepTo(t, e, "s1", StateListening)

	res, meta, err := e.ProcessASRResult(ctx, "s1", &asr.Result{
		Text: "book an appointment please", Confidence: 0.5, Language: "en",
	})
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, res.State)
	assert.Equal(t, ActionAccept, meta.Action)
}

func TestClarifyLowBandAsksForConfirmation(t *testing.T) {
	e, rdb := newTestEngine(t, nil)
	ctx := context.Background()
	stepTo(t, e, "s1", StateListening)

	res, meta, err := e.ProcessASRResult(ctx, "s1", &asr.Result{
		Text: "book something", Confidence: 0.25, Language: "en",
	})
	require.NoError(t, err)
	assert.Equal(t, StateClarifying, res.State)
	assert.Equal(t, ActionClarify, meta.Action)
	assert.Equal(t, "book something", meta.Text)
	assert.Equal(t, "book something", rdb.HGet(ctx, "conversation:s1", "last_user_input").Val())
}

func TestHighConfidenceAccepted(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()
	stepTo(t, e, "s1", StateListening)

	res, meta, err := e.ProcessASRResult(ctx, "s1", &asr.Result{
		Text: "I want to book an appointment", Confidence: 0.9, Language: "en",
	})
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, res.State)
	assert.Equal(t, ActionAccept, meta.Action)
}

func TestMaxTurnsForcesEnd(t *testing.T) {
	e, rdb := newTestEngine(t, nil, WithLimits(0, 0, 1))
	ctx := context.Background()
	stepTo(t, e, "s1", StateListening)

	require.NoError(t, rdb.HSet(ctx, "conversation:s1", "state", string(StateResponding)).Err())

	res, err := e.ProcessStateTransition(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, StateEnd, res.State)
	assert.Equal(t, MaxTurnsClosingMessage, res.Response)
	assert.True(t, res.ShouldEnd)
}

func TestErrorStateDrainsToEnd(t *testing.T) {
	e, rdb := newTestEngine(t, nil)
	ctx := context.Background()
	stepTo(t, e, "s1", StateListening)
	require.NoError(t, rdb.HSet(ctx, "conversation:s1", "state", string(StateError)).Err())

	res, err := e.ProcessStateTransition(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, StateEnd, res.State)
	assert.True(t, res.ShouldEnd)

	// END is absorbing.
	res, err = e.ProcessStateTransition(ctx, "s1", "anything")
	require.NoError(t, err)
	assert.Equal(t, StateEnd, res.State)
	assert.True(t, res.ShouldEnd)
}

func TestUnknownStoredStateRefused(t *testing.T) {
	e, rdb := newTestEngine(t, nil)
	ctx := context.Background()
	stepTo(t, e, "s1", StateListening)
	require.NoError(t, rdb.HSet(ctx, "conversation:s1", "state", "BOGUS").Err())

	_, err := e.ProcessStateTransition(ctx, "s1", "hello")
	assert.Error(t, err)
}

func TestUnclearInputEscalatesViaLLM(t *testing.T) {
	provider := &llmmock.Provider{
		Responses: []*llm.CompletionResponse{{Content: "UNCLEAR"}},
	}
	e, _ := newTestEngine(t, provider)
	ctx := context.Background()
	stepTo(t, e, "s1", StateListening)

	// Move to PROCESSING with gibberish, then classify it.
	res, err := e.ProcessStateTransition(ctx, "s1", "zzz gharble")
	require.NoError(t, err)
	require.Equal(t, StateProcessing, res.State)

	res, err = e.ProcessStateTransition(ctx, "s1", "zzz gharble")
	require.NoError(t, err)
	assert.Equal(t, StateClarifying, res.State)
	assert.Equal(t, ClarificationForCount(1), res.Response)
}

func TestInputQuality(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		e, _ := newTestEngine(t, nil)
		assert.Equal(t, QualityEmpty, e.analyzeInputQuality(context.Background(), "   "))
	})
	t.Run("too short", func(t *testing.T) {
		e, _ := newTestEngine(t, nil)
		assert.Equal(t, QualityUnclear, e.analyzeInputQuality(context.Background(), "hm"))
	})
	t.Run("no llm defaults clear", func(t *testing.T) {
		e, _ := newTestEngine(t, nil)
		assert.Equal(t, QualityClear, e.analyzeInputQuality(context.Background(), "book me in"))
	})
	t.Run("llm clear", func(t *testing.T) {
		provider := &llmmock.Provider{Responses: []*llm.CompletionResponse{{Content: "CLEAR"}}}
		e, _ := newTestEngine(t, provider)
		assert.Equal(t, QualityClear, e.analyzeInputQuality(context.Background(), "book me in"))
	})
	t.Run("llm unclear", func(t *testing.T) {
		provider := &llmmock.Provider{Responses: []*llm.CompletionResponse{{Content: "UNCLEAR"}}}
		e, _ := newTestEngine(t, provider)
		assert.Equal(t, QualityUnclear, e.analyzeInputQuality(context.Background(), "book me in"))
	})
	t.Run("llm failure degrades by length", func(t *testing.T) {
		provider := &llmmock.Provider{Err: assert.AnError}
		e, _ := newTestEngine(t, provider)
		assert.Equal(t, QualityClear, e.analyzeInputQuality(context.Background(), "book me in"))
	})
}
