// Package mock provides a test double for the asr.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/voicelinehq/voiceline/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Audio is the audio buffer passed to Transcribe.
	Audio []byte

	// Opts are the options passed to Transcribe.
	Opts asr.Options
}

// Provider is a mock implementation of asr.Provider. Queue Results to script
// successive transcriptions; when the queue is exhausted the last Result is
// repeated.
type Provider struct {
	mu sync.Mutex

	// Results are returned by successive Transcribe calls.
	Results []*asr.Result

	// Err, if non-nil, is returned as the error from every Transcribe call.
	Err error

	// Calls records every invocation.
	Calls []TranscribeCall

	next int
}

// Compile-time assertion that Provider satisfies asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Transcribe records the call and returns the next queued Result.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, opts asr.Options) (*asr.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cp := make([]byte, len(audio))
	copy(cp, audio)
	p.Calls = append(p.Calls, TranscribeCall{Audio: cp, Opts: opts})

	if p.Err != nil {
		return nil, p.Err
	}
	if len(p.Results) == 0 {
		return &asr.Result{}, nil
	}
	r := p.Results[p.next]
	if p.next < len(p.Results)-1 {
		p.next++
	}
	out := *r
	return &out, nil
}

// CallCount returns the number of Transcribe invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
