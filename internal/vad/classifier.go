// Package vad classifies 20 ms PCM frames into coarse speech probabilities
// for the turn-taking engine.
//
// The probability scale is deliberately quantised to {0.0, 0.3, 0.5, 1.0}:
// downstream timing logic only distinguishes speech, silence, and two grades
// of uncertainty, and a coarse scale keeps the engine's behaviour identical
// whether the score comes from a model or from the energy fallback.
package vad

import (
	"encoding/binary"
	"sync"

	"github.com/voicelinehq/voiceline/pkg/audio"
	vadprovider "github.com/voicelinehq/voiceline/pkg/provider/vad"
)

// Probability bands used by the turn engine and the orchestrator.
const (
	// SpeechMin is the lowest probability treated as definite speech.
	SpeechMin = 0.6

	// SilenceMax is the highest probability treated as definite silence.
	SilenceMax = 0.05

	// WeakSpeechMin is the idle-state trigger threshold: a quiet talker
	// producing only uncertain frames must still be able to open a turn.
	WeakSpeechMin = 0.1
)

// Energy thresholds for the fallback path, applied to the mean absolute
// sample amplitude normalised to [0, 1].
const (
	energyHigh = 0.03
	energyMid  = 0.015
	energyLow  = 0.005
)

// Sub-frame speech-ratio thresholds for the model path.
const (
	ratioHigh = 0.5
	ratioMid  = 0.25
)

// Kind is the coarse classification of a frame.
type Kind int

const (
	// Silence means the frame carries no usable signal.
	Silence Kind = iota

	// Uncertain means the frame is neither clear speech nor clear silence.
	Uncertain

	// Speech means the frame is confidently voiced.
	Speech
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case Silence:
		return "silence"
	case Uncertain:
		return "uncertain"
	case Speech:
		return "speech"
	default:
		return "unknown"
	}
}

// Classify maps a quantised probability to its Kind.
func Classify(prob float64) Kind {
	switch {
	case prob >= SpeechMin:
		return Speech
	case prob < SilenceMax:
		return Silence
	default:
		return Uncertain
	}
}

// Classifier scores PCM frames. When constructed with a VAD session it
// classifies 20 ms sub-frames through the model and maps the speech ratio to
// the quantised scale; without one, or whenever the model path cannot run,
// it falls back to energy detection.
//
// Probability is safe for concurrent use.
type Classifier struct {
	mu      sync.Mutex
	session vadprovider.SessionHandle
}

// NewClassifier builds a Classifier backed by the given VAD engine. A nil
// engine yields an energy-only classifier. Errors from session creation are
// not fatal: the classifier silently degrades to the energy path.
func NewClassifier(engine vadprovider.Engine) *Classifier {
	c := &Classifier{}
	if engine == nil {
		return c
	}
	session, err := engine.NewSession(vadprovider.Config{
		SampleRate:      audio.SampleRate,
		FrameSizeMs:     audio.FrameMS,
		SpeechThreshold: 0.5,
	})
	if err == nil {
		c.session = session
	}
	return c
}

// Close releases the underlying VAD session, if any.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// Probability scores a chunk of 16-bit mono PCM and returns one of
// {0.0, 0.3, 0.5, 1.0}. Chunks larger than one frame are scored by the
// speech ratio of their 20 ms sub-frames; undersized or malformed input runs
// the energy fallback; zero samples score 0.0.
func (c *Classifier) Probability(chunk []byte) float64 {
	if len(chunk) < 2 {
		return 0.0
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session != nil && len(chunk) >= audio.FrameBytes {
		if prob, ok := c.modelProbability(session, chunk); ok {
			return prob
		}
	}
	return energyProbability(chunk)
}

// modelProbability classifies each full 20 ms sub-frame through the VAD
// session and maps the speech ratio to the quantised scale. Returns ok=false
// when the session errors, so the caller can fall back to energy detection.
func (c *Classifier) modelProbability(session vadprovider.SessionHandle, chunk []byte) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total, speech int
	for off := 0; off+audio.FrameBytes <= len(chunk); off += audio.FrameBytes {
		res, err := session.ProcessFrame(chunk[off : off+audio.FrameBytes])
		if err != nil {
			return 0, false
		}
		total++
		if res.Speech {
			speech++
		}
	}
	if total == 0 {
		return 0, false
	}

	ratio := float64(speech) / float64(total)
	switch {
	case ratio >= ratioHigh:
		return 1.0, true
	case ratio >= ratioMid:
		return 0.5, true
	case ratio > 0:
		return 0.3, true
	default:
		return 0.0, true
	}
}

// energyProbability maps the mean absolute sample amplitude to the quantised
// scale. A trailing odd byte is ignored.
func energyProbability(chunk []byte) float64 {
	n := len(chunk) / 2
	if n == 0 {
		return 0.0
	}

	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(chunk[i*2 : i*2+2]))
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	energy := sum / float64(n) / 32768.0

	switch {
	case energy > energyHigh:
		return 1.0
	case energy > energyMid:
		return 0.5
	case energy > energyLow:
		return 0.3
	default:
		return 0.0
	}
}
