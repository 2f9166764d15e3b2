// Package mock provides a test double for the tts.Provider interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voicelinehq/voiceline/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Provider.Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice string
}

// Provider is a mock implementation of tts.Provider. By default every call
// returns a small MP3-typed payload with a 1 s duration; set Audio or Err to
// override.
type Provider struct {
	mu sync.Mutex

	// Audio, if non-nil, is returned by every Synthesize call.
	Audio *tts.Audio

	// Err, if non-nil, is returned as the error from every Synthesize call.
	Err error

	// Calls records every invocation.
	Calls []SynthesizeCall
}

// Compile-time assertion that Provider satisfies tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns Audio or Err.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) (*tts.Audio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice})
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Audio != nil {
		out := *p.Audio
		return &out, nil
	}
	return &tts.Audio{
		Data:     []byte{0xFF, 0xFB, 0x90, 0x00},
		MIME:     "audio/mpeg",
		Duration: time.Second,
	}, nil
}

// CallCount returns the number of Synthesize invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
