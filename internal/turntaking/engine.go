// Package turntaking implements human-like turn-end detection for streaming
// voice sessions: probabilistic VAD input, a silence grace window, a
// confirmation window, and a minimum-speech gate.
//
// The two-stage LISTENING → CANDIDATE_END → TURN_END design prevents cutting
// callers off during brief natural pauses, which are common in telephone
// speech. The minimum-speech gate keeps short background noises from being
// sent to ASR.
package turntaking

import (
	"math"

	"github.com/voicelinehq/voiceline/internal/vad"
	"github.com/voicelinehq/voiceline/pkg/audio"
)

// Default timings in milliseconds.
const (
	DefaultSilenceGraceMS   = 1000 // silence before a turn end becomes a candidate
	DefaultConfirmationMS   = 400  // additional silence to confirm the end
	DefaultMinSpeechMS      = 300  // minimum speech before a buffer is worth ASR
	DefaultNudgeMS          = 1500 // idle silence before "Are you still there?"
	DefaultIncompleteWaitMS = 300  // wait before the continuation cue
	DefaultComfortWaitMS    = 1500 // wait before the comfort message
	DefaultChunkMS          = 200
)

// EventType identifies a turn event emitted by the engine.
type EventType int

const (
	// TurnEnd signals a completed utterance; Event.Buffer holds the PCM.
	TurnEnd EventType = iota

	// ContinuationCue signals that an incomplete utterance went quiet and a
	// short verbal cue ("Mm-hmm… go on.") should be played.
	ContinuationCue

	// Nudge signals prolonged idle silence with no speech at all.
	Nudge

	// Comfort signals a long pause inside an incomplete utterance.
	Comfort
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case TurnEnd:
		return "TURN_END"
	case ContinuationCue:
		return "CONTINUATION_CUE"
	case Nudge:
		return "NUDGE"
	case Comfort:
		return "COMFORT"
	default:
		return "UNKNOWN"
	}
}

// Event is a single turn event. Buffer is only set for TurnEnd and is a copy
// owned by the caller.
type Event struct {
	Type   EventType
	Buffer []byte
}

// State is the internal turn-taking state.
type State int

const (
	// Idle means no speech has been detected yet.
	Idle State = iota

	// Listening means speech is being accumulated.
	Listening

	// CandidateEnd means silence exceeded the grace window; the engine is
	// waiting out the confirmation window.
	CandidateEnd

	// WaitingIncomplete means a turn ended but the utterance was judged
	// linguistically incomplete; the engine waits for the caller to resume.
	WaitingIncomplete
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Listening:
		return "LISTENING"
	case CandidateEnd:
		return "CANDIDATE_END"
	case WaitingIncomplete:
		return "WAITING_INCOMPLETE"
	default:
		return "UNKNOWN"
	}
}

// Config holds per-session timing thresholds in milliseconds. Zero values
// take the package defaults. ChunkMS must match the real duration of the
// chunks fed to ProcessChunk; all thresholds are converted to whole chunks
// with a minimum of one.
type Config struct {
	ChunkMS          int
	SilenceGraceMS   int
	ConfirmationMS   int
	MinSpeechMS      int
	NudgeMS          int
	IncompleteWaitMS int
	ComfortWaitMS    int
}

func (c Config) withDefaults() Config {
	if c.ChunkMS <= 0 {
		c.ChunkMS = DefaultChunkMS
	}
	if c.SilenceGraceMS <= 0 {
		c.SilenceGraceMS = DefaultSilenceGraceMS
	}
	if c.ConfirmationMS <= 0 {
		c.ConfirmationMS = DefaultConfirmationMS
	}
	if c.MinSpeechMS <= 0 {
		c.MinSpeechMS = DefaultMinSpeechMS
	}
	if c.NudgeMS <= 0 {
		c.NudgeMS = DefaultNudgeMS
	}
	if c.IncompleteWaitMS <= 0 {
		c.IncompleteWaitMS = DefaultIncompleteWaitMS
	}
	if c.ComfortWaitMS <= 0 {
		c.ComfortWaitMS = DefaultComfortWaitMS
	}
	return c
}

// chunks converts a millisecond threshold to whole chunks, minimum one.
func chunks(ms, chunkMS int) int {
	n := int(math.Round(float64(ms) / float64(chunkMS)))
	if n < 1 {
		return 1
	}
	return n
}

// Engine consumes a stream of PCM chunks with VAD probabilities and emits
// turn events. It is single-owner state: exactly one goroutine (the session
// worker) may call its methods.
type Engine struct {
	state  State
	buffer []byte

	silenceChunks     int
	speechChunks      int
	idleSilenceChunks int

	// turnEmitted suppresses duplicate TurnEnd events while the orchestrator
	// is still processing the previous one.
	turnEmitted bool

	silenceGraceChunks   int
	confirmationChunks   int
	minSpeechChunks      int
	nudgeChunks          int
	incompleteWaitChunks int
	comfortWaitChunks    int
}

// NewEngine creates a turn-taking engine with the given thresholds.
func NewEngine(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		state:                Idle,
		silenceGraceChunks:   chunks(cfg.SilenceGraceMS, cfg.ChunkMS),
		confirmationChunks:   chunks(cfg.ConfirmationMS, cfg.ChunkMS),
		minSpeechChunks:      chunks(cfg.MinSpeechMS, cfg.ChunkMS),
		nudgeChunks:          chunks(cfg.NudgeMS, cfg.ChunkMS),
		incompleteWaitChunks: chunks(cfg.IncompleteWaitMS, cfg.ChunkMS),
		comfortWaitChunks:    chunks(cfg.ComfortWaitMS, cfg.ChunkMS),
	}
}

// State returns the current turn-taking state.
func (e *Engine) State() State { return e.state }

// ProcessChunk consumes one PCM chunk with its VAD probability and returns
// an event when one fires, nil otherwise.
//
// Probabilities at or above vad.SpeechMin count as speech and below
// vad.SilenceMax as silence. Uncertain chunks accumulate into the buffer
// when a turn is in progress; in the idle state a probability of at least
// vad.WeakSpeechMin opens a turn so quiet talkers are not ignored.
func (e *Engine) ProcessChunk(chunk []byte, prob float64) *Event {
	if len(chunk) == 0 {
		return nil
	}

	// Sub-frame fragments accumulate without driving timing.
	if len(chunk) < audio.FrameBytes {
		if e.state == Listening || e.state == CandidateEnd {
			e.buffer = append(e.buffer, chunk...)
		}
		return nil
	}

	switch vad.Classify(prob) {
	case vad.Speech:
		return e.onSpeech(chunk)
	case vad.Silence:
		return e.onSilence(chunk)
	default:
		return e.onUncertain(chunk, prob)
	}
}

func (e *Engine) onSpeech(chunk []byte) *Event {
	switch e.state {
	case Idle:
		e.startListening(chunk)

	case Listening:
		e.buffer = append(e.buffer, chunk...)
		e.speechChunks++
		e.silenceChunks = 0

	case CandidateEnd:
		// The caller resumed; their pause was not the end.
		e.state = Listening
		e.buffer = append(e.buffer, chunk...)
		e.speechChunks++
		e.silenceChunks = 0
		e.turnEmitted = false

	case WaitingIncomplete:
		// Same utterance continues.
		e.state = Listening
		e.buffer = append(e.buffer, chunk...)
		e.speechChunks++
		e.silenceChunks = 0
	}
	return nil
}

func (e *Engine) onSilence(chunk []byte) *Event {
	switch e.state {
	case Idle:
		e.idleSilenceChunks++
		if e.idleSilenceChunks >= e.nudgeChunks {
			e.idleSilenceChunks = 0
			return &Event{Type: Nudge}
		}

	case Listening:
		e.buffer = append(e.buffer, chunk...)
		e.silenceChunks++
		if e.silenceChunks >= e.silenceGraceChunks {
			if e.speechChunks >= e.minSpeechChunks {
				e.state = CandidateEnd
				e.silenceChunks = 0
			} else {
				// Not enough speech; treat the span as noise.
				e.reset()
			}
		}

	case CandidateEnd:
		e.buffer = append(e.buffer, chunk...)
		e.silenceChunks++
		if e.silenceChunks >= e.confirmationChunks && !e.turnEmitted {
			e.turnEmitted = true
			buf := make([]byte, len(e.buffer))
			copy(buf, e.buffer)
			return &Event{Type: TurnEnd, Buffer: buf}
		}

	case WaitingIncomplete:
		e.silenceChunks++
		if e.silenceChunks >= e.comfortWaitChunks {
			e.reset()
			return &Event{Type: Comfort}
		}
		if e.silenceChunks >= e.incompleteWaitChunks {
			e.reset()
			return &Event{Type: ContinuationCue}
		}
	}
	return nil
}

func (e *Engine) onUncertain(chunk []byte, prob float64) *Event {
	switch e.state {
	case Listening, CandidateEnd:
		e.buffer = append(e.buffer, chunk...)
	case Idle:
		if prob >= vad.WeakSpeechMin {
			e.startListening(chunk)
		}
	}
	return nil
}

func (e *Engine) startListening(chunk []byte) {
	e.state = Listening
	e.buffer = append(e.buffer[:0], chunk...)
	e.speechChunks = 1
	e.silenceChunks = 0
	e.idleSilenceChunks = 0
	e.turnEmitted = false
}

// TurnEndIncomplete is called when the linguistic check judged the utterance
// incomplete. The buffer is kept and the engine waits for the caller to
// resume before emitting a cue.
func (e *Engine) TurnEndIncomplete() {
	e.state = WaitingIncomplete
	e.silenceChunks = 0
	e.turnEmitted = false
}

// FinalizeTurn is called when a turn has been fully processed. It resets the
// engine to idle with an empty buffer; calling it more than once is safe.
func (e *Engine) FinalizeTurn() {
	e.reset()
}

func (e *Engine) reset() {
	e.state = Idle
	e.buffer = e.buffer[:0]
	e.speechChunks = 0
	e.silenceChunks = 0
	e.idleSilenceChunks = 0
	e.turnEmitted = false
}
