// Package vad defines the Engine interface for Voice Activity Detection
// backends.
//
// A VAD engine wraps a frame-level speech detector (e.g., Silero VAD, WebRTC
// VAD, or a custom model) and surfaces it as a stateful, per-stream session.
// Each session maintains its own internal state so that multiple concurrent
// caller streams can be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for the frame loop that gates the
// turn-taking engine. When no engine is configured the frame classifier in
// internal/vad falls back to energy-based detection.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame. The Voiceline pipeline runs at 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds. Most
	// VAD models operate on fixed frame sizes; the pipeline feeds 20 ms
	// sub-frames. ProcessFrame returns an error if the supplied frame does
	// not match this size.
	FrameSizeMs int

	// SpeechThreshold is the probability above which a frame is classified as
	// speech. Range: [0.0, 1.0]. Typical: 0.5.
	SpeechThreshold float64
}

// Result is the detection outcome for a single audio frame.
type Result struct {
	// Speech reports whether the frame was classified as speech.
	Speech bool

	// Probability is the raw speech probability score (0.0-1.0).
	Probability float64
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations
// without a live engine. Reset clears detection state without closing the
// session.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be raw little-endian 16-bit PCM at the
	// SampleRate and FrameSizeMs configured when the session was created.
	// Returns an error on wrong frame size or internal engine failure.
	//
	// Called synchronously in the frame loop; it must not block.
	ProcessFrame(frame []byte) (Result, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use when the audio stream is interrupted or restarted.
	Reset()

	// Close releases all resources associated with the session. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	NewSession(cfg Config) (SessionHandle, error)
}
