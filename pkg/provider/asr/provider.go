// Package asr defines the Provider interface for Automatic Speech Recognition
// backends.
//
// Unlike a streaming STT service, an ASR provider transcribes a complete
// utterance in one call: the turn-taking engine decides where an utterance
// ends, hands the buffered audio over, and receives back the text together
// with a calibrated confidence score. That score is what the confidence
// router downstream uses to decide between accepting, clarifying, and
// rejecting the transcription.
//
// Implementations must be safe for concurrent use; the session orchestrator
// may transcribe turns from many callers at once.
package asr

import (
	"context"
	"time"
)

// Options carries per-request transcription hints.
type Options struct {
	// Language is the BCP-47 language tag for recognition (e.g., "en").
	// An empty string uses the provider default.
	Language string

	// VADFilter enables the backend's internal voice-activity filtering.
	// The dialog pipeline keeps this off: the turn engine has already
	// trimmed the buffer to a single utterance, and a second VAD pass can
	// eat short confirmations like "yes".
	VADFilter bool

	// InitialPrompt biases decoding towards the given vocabulary. Useful
	// for domain terms the base model rarely sees.
	InitialPrompt string
}

// Result is the outcome of transcribing one utterance.
type Result struct {
	// Text is the recognised transcript, whitespace-trimmed. May be empty
	// when the audio contained no intelligible speech.
	Text string

	// Confidence is the provider's overall confidence in Text, normalised
	// to [0.0, 1.0]. Backends that expose per-token probabilities report
	// the mean; backends without confidence report 0.
	Confidence float64

	// Language is the language the backend detected or was told to use.
	Language string

	// AudioDuration is the length of the audio that was transcribed.
	AudioDuration time.Duration
}

// Provider is the abstraction over any ASR backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must respect ctx cancellation: a cancelled context aborts the request
// and returns ctx.Err wrapped in a provider error.
type Provider interface {
	// Transcribe converts a complete audio buffer to text. The audio must
	// be a RIFF/WAVE container holding 16-bit mono PCM; use audio.WrapWAV
	// to produce one from a raw turn buffer.
	//
	// An empty or silent buffer is not an error: the Result simply carries
	// an empty Text.
	Transcribe(ctx context.Context, audio []byte, opts Options) (*Result, error)
}
