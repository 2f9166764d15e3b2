package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voicelinehq/voiceline/pkg/provider/asr"
	asrmock "github.com/voicelinehq/voiceline/pkg/provider/asr/mock"
	"github.com/voicelinehq/voiceline/pkg/provider/llm"
	llmmock "github.com/voicelinehq/voiceline/pkg/provider/llm/mock"
	"github.com/voicelinehq/voiceline/pkg/provider/tts"
	ttsmock "github.com/voicelinehq/voiceline/pkg/provider/tts/mock"
)

func testFallbackConfig() FallbackConfig {
	return FallbackConfig{Breaker: BreakerConfig{Threshold: 2, Cooldown: time.Hour}}
}

func TestFallbackGroupUsesPrimaryWhenHealthy(t *testing.T) {
	fg := NewFallbackGroup("primary", "a", testFallbackConfig())
	fg.AddFallback("b", "backup")

	got, err := execute(fg, func(v string) (string, error) { return v, nil })
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "primary" {
		t.Errorf("result = %q, want primary", got)
	}
}

func TestFallbackGroupFailsOver(t *testing.T) {
	fg := NewFallbackGroup("primary", "a", testFallbackConfig())
	fg.AddFallback("b", "backup")

	got, err := execute(fg, func(v string) (string, error) {
		if v == "primary" {
			return "", errBoom
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "backup" {
		t.Errorf("result = %q, want backup", got)
	}
}

func TestFallbackGroupAllFailed(t *testing.T) {
	fg := NewFallbackGroup("primary", "a", testFallbackConfig())

	_, err := execute(fg, func(string) (string, error) { return "", errBoom })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroupSkipsOpenBreaker(t *testing.T) {
	fg := NewFallbackGroup("primary", "a", testFallbackConfig())
	fg.AddFallback("b", "backup")

	// Trip the primary's breaker.
	for i := 0; i < 2; i++ {
		execute(fg, func(v string) (string, error) {
			if v == "primary" {
				return "", errBoom
			}
			return v, nil
		})
	}

	calls := 0
	got, err := execute(fg, func(v string) (string, error) {
		calls++
		return v, nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got != "backup" {
		t.Errorf("result = %q, want backup", got)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 (primary skipped)", calls)
	}
}

func TestASRFallbackFailsOver(t *testing.T) {
	primary := &asrmock.Provider{Err: errBoom}
	backup := &asrmock.Provider{Results: []*asr.Result{{Text: "hello", Confidence: 0.9}}}

	f := NewASRFallback(primary, "flaky", testFallbackConfig())
	f.AddFallback("steady", backup)

	res, err := f.Transcribe(context.Background(), []byte{0, 0}, asr.Options{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("text = %q, want hello", res.Text)
	}
	if primary.CallCount() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.CallCount())
	}
}

func TestLLMFallbackFailsOver(t *testing.T) {
	primary := &llmmock.Provider{Err: errBoom}
	backup := &llmmock.Provider{Responses: []*llm.CompletionResponse{{Content: "hi there"}}}

	f := NewLLMFallback(primary, "flaky", testFallbackConfig())
	f.AddFallback("steady", backup)

	res, err := f.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Content != "hi there" {
		t.Errorf("content = %q, want hi there", res.Content)
	}
}

func TestTTSFallbackFailsOver(t *testing.T) {
	primary := &ttsmock.Provider{Err: errBoom}
	backup := &ttsmock.Provider{Audio: &tts.Audio{Data: []byte{1}, MIME: "audio/mpeg", Duration: time.Second}}

	f := NewTTSFallback(primary, "flaky", testFallbackConfig())
	f.AddFallback("steady", backup)

	audio, err := f.Synthesize(context.Background(), "hello", "voice-1")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(audio.Data) != 1 {
		t.Errorf("audio bytes = %d, want 1", len(audio.Data))
	}
}
