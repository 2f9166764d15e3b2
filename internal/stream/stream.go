// Package stream orchestrates one live voice call over a WebSocket: frame
// extraction, voice activity classification, turn-taking, barge-in, and the
// ASR → conversation → LLM → TTS pipeline that turns a finished caller turn
// into a spoken reply.
package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voicelinehq/voiceline/internal/conversation"
	"github.com/voicelinehq/voiceline/internal/observe"
	"github.com/voicelinehq/voiceline/internal/session"
	"github.com/voicelinehq/voiceline/internal/turntaking"
	"github.com/voicelinehq/voiceline/internal/vad"
	"github.com/voicelinehq/voiceline/pkg/audio"
	"github.com/voicelinehq/voiceline/pkg/provider/asr"
	"github.com/voicelinehq/voiceline/pkg/provider/llm"
	"github.com/voicelinehq/voiceline/pkg/provider/tts"
)

// MessageKind distinguishes WebSocket frame types.
type MessageKind int

const (
	KindText MessageKind = iota
	KindBinary
)

// Conn is the transport a call runs over. The WebSocket adapter in the
// server package implements it; tests use an in-memory fake.
type Conn interface {
	// ReadMessage blocks until the next frame arrives.
	ReadMessage(ctx context.Context) (MessageKind, []byte, error)

	// WriteJSON sends one JSON control message.
	WriteJSON(ctx context.Context, v any) error
}

const (
	// bargeInFrames is how many consecutive speech frames interrupt bot
	// playback. One 20ms frame is too twitchy against breath noise.
	bargeInFrames = 2

	// minTurnBytes is the smallest utterance worth transcribing (100ms of
	// 16kHz 16-bit mono).
	minTurnBytes = 3200

	// minASRConfidence discards transcripts below this confidence before
	// they reach the dialog engine.
	minASRConfidence = 0.1

	// containerBatch is how many container-format chunks are batched before
	// a legacy-path transcription.
	containerBatch = 50

	// maxNudges stops repeating "are you still there?" after this many
	// unanswered prompts; the call then waits silently for the caller.
	maxNudges = 3

	// historyTurns bounds how many past exchanges are replayed to the LLM.
	historyTurns = 12
)

// ErrCallEnded reports that the dialog reached a terminal state and the
// stream closed normally.
var ErrCallEnded = errors.New("stream: call ended")

// Config tunes per-call behaviour.
type Config struct {
	// Turn holds the turn-taking timing thresholds. ChunkMS is forced to
	// the PCM frame duration regardless of what is set here.
	Turn turntaking.Config

	// Voice is the TTS voice id used for all bot speech.
	Voice string
}

// Deps bundles the collaborators a call needs.
type Deps struct {
	Sessions     *session.Manager
	Conversation *conversation.Engine
	ASR          asr.Provider
	LLM          llm.Provider
	TTS          tts.Provider
	VAD          *vad.Classifier
	Metrics      *observe.Metrics
}

// Orchestrator builds and runs calls. It is safe for concurrent use; each
// call keeps its own state.
type Orchestrator struct {
	deps Deps
	cfg  Config
	now  func() time.Time
}

// NewOrchestrator creates an orchestrator. Metrics defaults to
// [observe.DefaultMetrics] when unset.
func NewOrchestrator(deps Deps, cfg Config) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	cfg.Turn.ChunkMS = audio.FrameMS
	return &Orchestrator{
		deps: deps,
		cfg:  cfg,
		now:  time.Now,
	}
}

// HandleConn runs one call until the client ends it, the dialog reaches a
// terminal state, or the transport fails. The returned error is nil for a
// normal end of call.
func (o *Orchestrator) HandleConn(ctx context.Context, conn Conn, sessionID string) error {
	if _, err := o.deps.Sessions.Get(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			conn.WriteJSON(ctx, newError("Invalid session"))
			return fmt.Errorf("stream: %w", err)
		}
		return fmt.Errorf("stream: look up session %s: %w", sessionID, err)
	}

	c := &call{
		o:         o,
		conn:      conn,
		sessionID: sessionID,
		log:       slog.With("session_id", sessionID),
		engine:    turntaking.NewEngine(o.cfg.Turn),
		turnDone:  make(chan error, 1),
	}

	o.deps.Metrics.ActiveStreams.Add(ctx, 1)
	defer o.deps.Metrics.ActiveStreams.Add(ctx, -1)

	if err := c.greet(ctx); err != nil {
		return err
	}

	err := c.loop(ctx)
	if errors.Is(err, ErrCallEnded) {
		c.log.Info("call ended")
		return nil
	}
	return err
}

// call is the per-connection state. The read loop owns the turn engine and
// the frame buffers; a finished turn is resolved (ASR, dialog step, reply) on
// a separate goroutine so frame ingestion and barge-in detection keep running
// while providers are in flight. Frames that would feed the turn engine
// during resolution are held back and replayed afterwards, so the engine only
// ever sees a sequential stream.
type call struct {
	o         *Orchestrator
	conn      Conn
	sessionID string
	log       *slog.Logger
	engine    *turntaking.Engine

	pcm           []byte
	containerBuf  []byte
	containerSeen int
	containerMode bool

	// mu guards the playback-echo state shared with the turn resolver.
	mu               sync.Mutex
	botSpeaking      bool
	botSpeakingUntil time.Time
	bargeFrames      int

	// writeMu serializes outbound messages from the read loop and the
	// resolver.
	writeMu sync.Mutex

	// Turn resolution state, owned by the read loop.
	resolving  bool
	cancelTurn context.CancelFunc
	turnDone   chan error
	held       [][]byte

	turnEndedAt time.Time
}

// send writes one control message, keeping per-connection FIFO order across
// the read loop and the turn resolver.
func (c *call) send(ctx context.Context, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(ctx, v)
}

// greet speaks the opening line on a fresh conversation. Reconnects to an
// established conversation skip it.
func (c *call) greet(ctx context.Context) error {
	state, ok, err := c.o.deps.Conversation.State(ctx, c.sessionID)
	if err != nil {
		return fmt.Errorf("stream: read dialog state: %w", err)
	}
	if ok && state != conversation.StateInit {
		return nil
	}

	res, err := c.o.deps.Conversation.ProcessStateTransition(ctx, c.sessionID, "")
	if err != nil {
		return fmt.Errorf("stream: greeting transition: %w", err)
	}
	if res.Response == "" {
		return nil
	}
	return c.sendSpoken(ctx, res.Response, string(res.State), false)
}

// loop reads frames until the call is over.
func (c *call) loop(ctx context.Context) error {
	for {
		kind, data, err := c.conn.ReadMessage(ctx)
		if err != nil {
			if derr := c.drainTurn(ctx, true); derr != nil {
				return derr
			}
			return fmt.Errorf("stream: read: %w", err)
		}
		if err := c.drainTurn(ctx, false); err != nil {
			return err
		}
		if err := c.o.deps.Sessions.Touch(ctx, c.sessionID); err != nil {
			c.log.Warn("session touch failed", "error", err)
		}

		switch kind {
		case KindText:
			done, err := c.handleControl(ctx, data)
			if err != nil {
				return err
			}
			if done {
				if err := c.drainTurn(ctx, true); err != nil {
					return err
				}
				return ErrCallEnded
			}

		case KindBinary:
			if err := c.handleAudio(ctx, data); err != nil {
				return err
			}
		}
	}
}

// handleControl processes one JSON control message. Malformed JSON is
// ignored. done reports a client-initiated end of call.
func (c *call) handleControl(ctx context.Context, data []byte) (done bool, err error) {
	var msg clientMessage
	if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil {
		return false, nil
	}
	switch msg.Type {
	case "ping":
		return false, c.send(ctx, newPong())
	case "end":
		return true, nil
	}
	return false, nil
}

// handleAudio routes one binary chunk: container-format audio takes the
// legacy batch path, raw PCM is cut into fixed frames for the turn engine.
func (c *call) handleAudio(ctx context.Context, chunk []byte) error {
	if audio.IsContainer(chunk) {
		c.containerMode = true
	}
	if c.containerMode {
		return c.handleContainerChunk(ctx, chunk)
	}

	c.pcm = append(c.pcm, chunk...)
	for len(c.pcm) >= audio.FrameBytes {
		frame := c.pcm[:audio.FrameBytes]
		c.pcm = c.pcm[audio.FrameBytes:]
		if err := c.handleFrame(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// handleFrame feeds one 20ms frame through barge-in detection and the
// turn-taking engine. While a prior turn is being resolved the frame is held
// back instead of reaching the engine; barge-in detection still runs and
// cancels the in-flight resolution.
func (c *call) handleFrame(ctx context.Context, frame []byte) error {
	prob := c.o.deps.VAD.Probability(frame)

	barged, echo, err := c.checkBargeIn(ctx, prob)
	if err != nil {
		return err
	}
	if barged && c.resolving && c.cancelTurn != nil {
		// The caller interrupted before the previous turn's reply went
		// out; drop it.
		c.cancelTurn()
	}
	if echo {
		return nil
	}

	if c.resolving {
		c.held = append(c.held, append([]byte(nil), frame...))
		return nil
	}

	ev := c.engine.ProcessChunk(frame, prob)
	if ev == nil {
		return nil
	}
	c.o.deps.Metrics.RecordTurnEvent(ctx, ev.Type.String())

	switch ev.Type {
	case turntaking.Nudge:
		return c.handleNudge(ctx)
	case turntaking.Comfort:
		return c.sendSpoken(ctx, conversation.ComfortMessage, string(conversation.StateListening), false)
	case turntaking.ContinuationCue:
		if err := c.sendSpoken(ctx, conversation.ContinuationCueMessage, string(conversation.StateListening), false); err != nil {
			return err
		}
		c.engine.FinalizeTurn()
		return nil
	case turntaking.TurnEnd:
		return c.beginTurn(ctx, ev.Buffer)
	}
	return nil
}

// checkBargeIn updates the playback-echo state for one frame. barged reports
// a fresh interruption of bot speech, echo that the frame is our own playback
// bleeding back in and must not reach the turn engine.
func (c *call) checkBargeIn(ctx context.Context, prob float64) (barged, echo bool, err error) {
	c.mu.Lock()
	if !c.botSpeaking {
		c.mu.Unlock()
		return false, false, nil
	}
	if prob >= vad.SpeechMin {
		c.bargeFrames++
		if c.bargeFrames >= bargeInFrames {
			c.botSpeaking = false
			c.bargeFrames = 0
			c.mu.Unlock()
			c.o.deps.Metrics.BargeIns.Add(ctx, 1)
			c.log.Info("barge-in detected")
			if err := c.send(ctx, newBargeIn()); err != nil {
				return false, false, fmt.Errorf("stream: send barge_in: %w", err)
			}
			return true, false, nil
		}
		c.mu.Unlock()
		return false, false, nil
	}
	c.bargeFrames = 0
	if !c.o.now().After(c.botSpeakingUntil) {
		c.mu.Unlock()
		return false, true, nil
	}
	c.botSpeaking = false
	c.mu.Unlock()
	return false, false, nil
}

// handleNudge prompts a silent caller, capped so the bot eventually waits
// quietly instead of nagging.
func (c *call) handleNudge(ctx context.Context) error {
	count, err := c.o.deps.Conversation.SilencePromptCount(ctx, c.sessionID)
	if err != nil {
		c.log.Warn("silence prompt count unavailable", "error", err)
	}
	if count >= maxNudges {
		c.log.Debug("nudge suppressed", "silence_prompts", count)
		return nil
	}
	if err := c.o.deps.Conversation.IncrementSilencePrompt(ctx, c.sessionID); err != nil {
		c.log.Warn("silence prompt increment failed", "error", err)
	}
	return c.sendSpoken(ctx, conversation.NudgeMessage, string(conversation.StateListening), false)
}

// beginTurn starts resolving a finished utterance on its own goroutine so the
// read loop keeps ingesting frames while ASR and the reply pipeline run.
func (c *call) beginTurn(ctx context.Context, buffer []byte) error {
	if len(buffer) < minTurnBytes {
		c.log.Debug("utterance too short, skipping transcription", "bytes", len(buffer))
		c.engine.FinalizeTurn()
		return nil
	}
	c.turnEndedAt = c.o.now()

	turnCtx, cancel := context.WithCancel(ctx)
	c.cancelTurn = cancel
	c.resolving = true
	go func() {
		defer cancel()
		err := c.resolveTurn(turnCtx, buffer)
		if turnCtx.Err() != nil && ctx.Err() == nil {
			c.log.Info("in-flight reply discarded after barge-in")
			err = nil
		}
		c.turnDone <- err
	}()
	return nil
}

// drainTurn collects the result of an in-flight turn resolution and replays
// the frames held back while it ran. Replaying can start the next turn; with
// block set it waits each resolution out, which the read loop does once the
// client stops sending.
func (c *call) drainTurn(ctx context.Context, block bool) error {
	for c.resolving {
		var err error
		if block {
			err = <-c.turnDone
		} else {
			select {
			case err = <-c.turnDone:
			default:
				return nil
			}
		}
		c.resolving = false
		c.cancelTurn = nil
		if err != nil {
			return err
		}

		held := c.held
		c.held = nil
		for i, frame := range held {
			if err := c.handleFrame(ctx, frame); err != nil {
				return err
			}
			if c.resolving {
				c.held = append(c.held, held[i+1:]...)
				break
			}
		}
	}
	return nil
}

// resolveTurn runs the finished utterance through ASR and the dialog engine.
// It is the only goroutine touching the turn engine while c.resolving is set;
// the read loop holds frames back until it finishes.
func (c *call) resolveTurn(ctx context.Context, buffer []byte) error {
	res := c.transcribe(ctx, audio.WrapWAV(buffer, audio.SampleRate))
	text := strings.TrimSpace(res.Text)

	// An incomplete utterance keeps the turn open: the engine waits for the
	// caller to continue and later emits a continuation cue.
	incomplete := false
	if text != "" {
		if complete, _ := c.o.deps.Conversation.CheckLinguisticCompleteness(ctx, text); !complete {
			c.engine.TurnEndIncomplete()
			incomplete = true
		}
	}
	if !incomplete {
		c.engine.FinalizeTurn()
	}

	if text == "" || res.Confidence < minASRConfidence {
		c.log.Debug("transcript discarded", "text", text, "confidence", res.Confidence)
		return nil
	}
	if incomplete {
		c.log.Debug("incomplete utterance, waiting for continuation", "text", text)
		return nil
	}

	res.Text = text
	return c.deliver(ctx, res)
}

// handleContainerChunk accumulates container-format audio and transcribes
// complete batches. The legacy path has no turn-taking: the client decides
// when to stop recording.
func (c *call) handleContainerChunk(ctx context.Context, chunk []byte) error {
	c.containerBuf = append(c.containerBuf, chunk...)
	c.containerSeen++
	if c.containerSeen < containerBatch {
		return nil
	}

	blob := c.containerBuf
	c.containerBuf = nil
	c.containerSeen = 0

	res := c.transcribe(ctx, blob)
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return nil
	}
	res.Text = text
	return c.deliver(ctx, res)
}

// transcribe calls the ASR provider; failures degrade to an empty result so
// a flaky provider cannot take the call down.
func (c *call) transcribe(ctx context.Context, audioData []byte) *asr.Result {
	start := c.o.now()
	res, err := c.o.deps.ASR.Transcribe(ctx, audioData, asr.Options{VADFilter: false})
	c.o.deps.Metrics.ASRDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		c.o.deps.Metrics.RecordProviderError(ctx, "asr", "transcribe")
		c.log.Warn("transcription failed", "error", err)
		return &asr.Result{Language: "en"}
	}
	c.o.deps.Metrics.RecordProviderRequest(ctx, "asr", "transcribe", "ok")
	if res.Language == "" {
		res.Language = "en"
	}
	return res
}

// deliver pushes a usable transcript through the dialog engine and sends the
// transcription and response messages.
func (c *call) deliver(ctx context.Context, res *asr.Result) error {
	step, meta, err := c.o.deps.Conversation.ProcessASRResult(ctx, c.sessionID, res)
	if err != nil {
		return fmt.Errorf("stream: dialog step: %w", err)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := c.send(ctx, transcriptionMessage{
		Type:       "transcription",
		Text:       res.Text,
		Confidence: res.Confidence,
		Language:   res.Language,
		Action:     string(meta.Action),
	}); err != nil {
		return fmt.Errorf("stream: send transcription: %w", err)
	}

	// An accepted utterance steps through the silent intermediate states
	// (GREETING settling into LISTENING, LISTENING into PROCESSING) until the
	// machine produces a response or hands off to the LLM.
	for i := 0; i < 3 && step.Response == "" && !step.ShouldEnd &&
		(step.State == conversation.StateListening || step.State == conversation.StateProcessing); i++ {
		step, err = c.o.deps.Conversation.ProcessStateTransition(ctx, c.sessionID, res.Text)
		if err != nil {
			return fmt.Errorf("stream: dialog step: %w", err)
		}
	}

	switch {
	case step.Response != "":
		if err := c.sendSpoken(ctx, step.Response, string(step.State), step.ShouldEnd); err != nil {
			return err
		}
		c.recordTurnLatency(ctx)
		if step.ShouldEnd {
			// Terminal dialog state: release the session right away instead
			// of waiting for the housekeeping sweep.
			if err := c.o.deps.Sessions.Close(ctx, c.sessionID); err != nil {
				c.log.Warn("session close failed", "error", err)
			}
			return ErrCallEnded
		}

	case step.State == conversation.StateResponding:
		reply := c.generateReply(ctx, res.Text)
		c.appendHistory(ctx, "user", res.Text)
		c.appendHistory(ctx, "assistant", reply)
		if err := c.sendSpoken(ctx, reply, string(step.State), false); err != nil {
			return err
		}
		c.recordTurnLatency(ctx)
		if _, err := c.o.deps.Conversation.ProcessStateTransition(ctx, c.sessionID, ""); err != nil {
			return fmt.Errorf("stream: advance after reply: %w", err)
		}
	}
	return nil
}

// generateReply asks the LLM for the next line.
func (c *call) generateReply(ctx context.Context, userText string) string {
	return c.o.GenerateReply(ctx, c.sessionID, userText)
}

// GenerateReply asks the LLM for the assistant's next line, replaying recent
// session history for context. Failures degrade to a scripted repair prompt
// so the caller always hears something. Shared by the streaming path and the
// HTTP voice endpoint.
func (o *Orchestrator) GenerateReply(ctx context.Context, sessionID, userText string) string {
	if o.deps.LLM == nil {
		return conversation.ClarificationForCount(1)
	}

	history, err := o.deps.Sessions.History(ctx, sessionID, historyTurns*2)
	if err != nil {
		slog.Warn("history unavailable", "session_id", sessionID, "error", err)
	}
	messages := make([]llm.Message, 0, len(history)+1)
	for _, h := range history {
		messages = append(messages, llm.Message{Role: h.Role, Content: h.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userText})

	start := o.now()
	resp, err := o.deps.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: conversation.SystemPrompt,
		Messages:     messages,
		Temperature:  0.4,
		MaxTokens:    150,
	})
	o.deps.Metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		o.deps.Metrics.RecordProviderError(ctx, "llm", "complete")
		slog.Warn("reply generation failed", "session_id", sessionID, "error", err)
		return conversation.ClarificationForCount(1)
	}
	o.deps.Metrics.RecordProviderRequest(ctx, "llm", "complete", "ok")
	return strings.TrimSpace(resp.Content)
}

// sendSpoken synthesises text and sends it as a response message. While the
// synthesised audio plays on the client, the call treats low-probability
// frames as playback echo.
func (c *call) sendSpoken(ctx context.Context, text, state string, shouldEnd bool) error {
	encoded, duration := c.synthesize(ctx, text)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := c.send(ctx, responseMessage{
		Type:              "response",
		Text:              text,
		Audio:             encoded,
		ConversationState: state,
		ShouldEnd:         shouldEnd,
	}); err != nil {
		return fmt.Errorf("stream: send response: %w", err)
	}

	if encoded != "" {
		c.mu.Lock()
		c.botSpeaking = true
		c.botSpeakingUntil = c.o.now().Add(duration)
		c.mu.Unlock()
	}
	return nil
}

// synthesize renders text to speech, returning base64 audio and its
// duration. Failures degrade to a text-only response.
func (c *call) synthesize(ctx context.Context, text string) (string, time.Duration) {
	if c.o.deps.TTS == nil {
		return "", 0
	}
	start := c.o.now()
	a, err := c.o.deps.TTS.Synthesize(ctx, text, c.o.cfg.Voice)
	c.o.deps.Metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		c.o.deps.Metrics.RecordProviderError(ctx, "tts", "synthesize")
		c.log.Warn("speech synthesis failed", "error", err)
		return "", 0
	}
	c.o.deps.Metrics.RecordProviderRequest(ctx, "tts", "synthesize", "ok")
	return base64.StdEncoding.EncodeToString(a.Data), a.Duration
}

// recordTurnLatency tracks end-of-speech to response-sent latency.
func (c *call) recordTurnLatency(ctx context.Context) {
	if c.turnEndedAt.IsZero() {
		return
	}
	c.o.deps.Metrics.TurnDuration.Record(ctx, c.o.now().Sub(c.turnEndedAt).Seconds())
	c.turnEndedAt = time.Time{}
}

// appendHistory records one chat message, logging instead of failing the
// call on store errors.
func (c *call) appendHistory(ctx context.Context, role, content string) {
	if err := c.o.deps.Sessions.AddToHistory(ctx, c.sessionID, role, content); err != nil {
		c.log.Warn("history append failed", "role", role, "error", err)
	}
}
