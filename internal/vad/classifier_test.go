package vad

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/voicelinehq/voiceline/pkg/audio"
	vadprovider "github.com/voicelinehq/voiceline/pkg/provider/vad"
	vadmock "github.com/voicelinehq/voiceline/pkg/provider/vad/mock"
)

// pcmWithAmplitude builds n samples of constant-amplitude 16-bit PCM.
func pcmWithAmplitude(n int, amp int16) []byte {
	b := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(amp))
	}
	return b
}

func TestEnergyProbabilityQuantization(t *testing.T) {
	tests := []struct {
		name string
		amp  int16
		want float64
	}{
		{"silence", 0, 0.0},
		{"faint", 300, 0.3},    // mean amplitude ~0.009
		{"moderate", 600, 0.5}, // ~0.018
		{"loud", 2000, 1.0},    // ~0.061
	}

	c := NewClassifier(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk := pcmWithAmplitude(320, tt.amp)
			if got := c.Probability(chunk); got != tt.want {
				t.Errorf("Probability = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProbabilityDegenerateInput(t *testing.T) {
	c := NewClassifier(nil)
	if got := c.Probability(nil); got != 0.0 {
		t.Errorf("Probability(nil) = %v, want 0", got)
	}
	if got := c.Probability([]byte{0x01}); got != 0.0 {
		t.Errorf("Probability(1 byte) = %v, want 0", got)
	}
}

func TestModelProbabilityRatio(t *testing.T) {
	tests := []struct {
		name   string
		frames int
		speech int
		want   float64
	}{
		{"all speech", 4, 4, 1.0},
		{"half speech", 4, 2, 1.0},   // ratio 0.5 hits the high band
		{"quarter speech", 4, 1, 0.5},
		{"trace speech", 5, 1, 0.3},
		{"no speech", 4, 0, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := make([]vadprovider.Result, tt.frames)
			for i := 0; i < tt.speech; i++ {
				results[i] = vadprovider.Result{Speech: true, Probability: 0.9}
			}
			sess := &vadmock.Session{Results: results}
			c := NewClassifier(&vadmock.Engine{Session: sess})

			chunk := make([]byte, tt.frames*audio.FrameBytes)
			if got := c.Probability(chunk); got != tt.want {
				t.Errorf("Probability = %v, want %v", got, tt.want)
			}
			if len(sess.Frames) != tt.frames {
				t.Errorf("processed %d sub-frames, want %d", len(sess.Frames), tt.frames)
			}
		})
	}
}

func TestModelErrorFallsBackToEnergy(t *testing.T) {
	sess := &vadmock.Session{ProcessErr: errors.New("engine broken")}
	c := NewClassifier(&vadmock.Engine{Session: sess})

	// Loud chunk: the energy path should report 1.0 despite the model error.
	chunk := pcmWithAmplitude(2*audio.FrameBytes/2, 2000)
	if got := c.Probability(chunk); got != 1.0 {
		t.Errorf("Probability = %v, want 1.0 via energy fallback", got)
	}
}

func TestEngineCreationFailureDegrades(t *testing.T) {
	c := NewClassifier(&vadmock.Engine{NewSessionErr: errors.New("no model")})
	chunk := pcmWithAmplitude(320, 2000)
	if got := c.Probability(chunk); got != 1.0 {
		t.Errorf("Probability = %v, want 1.0 via energy fallback", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		prob float64
		want Kind
	}{
		{1.0, Speech},
		{0.6, Speech},
		{0.5, Uncertain},
		{0.3, Uncertain},
		{0.05, Uncertain},
		{0.0, Silence},
	}
	for _, tt := range tests {
		if got := Classify(tt.prob); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.prob, got, tt.want)
		}
	}
}
