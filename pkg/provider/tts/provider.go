// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider converts a complete reply into a single audio payload. The
// session orchestrator needs the playback duration alongside the bytes: the
// bot-speaking window that arms barge-in detection is sized from it.
package tts

import (
	"context"
	"time"
)

// Audio is a synthesised speech payload.
type Audio struct {
	// Data is the encoded audio.
	Data []byte

	// MIME is the media type of Data (e.g., "audio/mpeg").
	MIME string

	// Duration is the estimated playback length. Providers that cannot
	// derive an exact value report a best-effort estimate; it is used for
	// timing windows, not sample-accurate scheduling.
	Duration time.Duration
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use and must respect ctx
// cancellation.
type Provider interface {
	// Synthesize converts text into speech audio using the given voice.
	// An empty voice selects the provider default.
	Synthesize(ctx context.Context, text, voice string) (*Audio, error)
}
