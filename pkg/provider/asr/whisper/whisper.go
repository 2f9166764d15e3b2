// This file contains the Provider implementation backed by the whisper.cpp
// CGO bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/voicelinehq/voiceline/pkg/audio"
	"github.com/voicelinehq/voiceline/pkg/provider/asr"
)

const defaultLanguage = "en"

// Compile-time assertion that Provider satisfies asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Provider implements asr.Provider using the whisper.cpp Go bindings (CGO).
// The model is loaded once at startup and shared across all transcriptions;
// each Transcribe call creates its own whisper context, so concurrent calls
// do not interfere.
type Provider struct {
	model    whisperlib.Model
	language string
	threads  int

	// mu serialises inference. whisper.cpp contexts are cheap but the
	// underlying model evaluation saturates the CPU; running turns
	// back-to-back gives better tail latency than running them in parallel.
	mu sync.Mutex
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the default BCP-47 language code for transcription
// (e.g., "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithThreads sets the number of CPU threads whisper.cpp may use per
// inference. Zero lets the library pick.
func WithThreads(n int) Option {
	return func(p *Provider) { p.threads = n }
}

// New creates a Provider that loads the whisper.cpp model from the given
// file path. The caller must call Close when the provider is no longer
// needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over a complete WAV utterance and
// returns the text with a mean token-probability confidence.
func (p *Provider) Transcribe(ctx context.Context, wav []byte, opts asr.Options) (*asr.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	pcm, rate, err := audio.UnwrapWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("whisper: decode input: %w", err)
	}
	if rate != audio.SampleRate {
		return nil, fmt.Errorf("whisper: unsupported sample rate %d, want %d", rate, audio.SampleRate)
	}
	if len(pcm) == 0 {
		return &asr.Result{Language: p.resolveLanguage(opts)}, nil
	}

	samples := pcmToFloat32(pcm)
	lang := p.resolveLanguage(opts)

	p.mu.Lock()
	defer p.mu.Unlock()

	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return nil, fmt.Errorf("whisper: set language %q: %w", lang, err)
	}
	if p.threads > 0 {
		wctx.SetThreads(uint(p.threads))
	}
	if opts.InitialPrompt != "" {
		wctx.SetInitialPrompt(opts.InitialPrompt)
	}
	wctx.SetTokenTimestamps(false)

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	var (
		parts     []string
		probSum   float64
		probCount int
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
		for _, tok := range segment.Tokens {
			probSum += float64(tok.P)
			probCount++
		}
	}

	res := &asr.Result{
		Text:          strings.Join(parts, " "),
		Language:      lang,
		AudioDuration: audio.PCMDuration(pcm),
	}
	if probCount > 0 && res.Text != "" {
		res.Confidence = probSum / float64(probCount)
	}
	return res, nil
}

func (p *Provider) resolveLanguage(opts asr.Options) string {
	if opts.Language != "" {
		return opts.Language
	}
	return p.language
}

// pcmToFloat32 converts 16-bit little-endian mono PCM to the normalised
// float32 samples whisper.cpp expects.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(s) / 32768.0
	}
	return samples
}
