package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/voicelinehq/voiceline/pkg/provider/llm"
	llmmock "github.com/voicelinehq/voiceline/pkg/provider/llm/mock"
)

func TestRuleBasedIncomplete(t *testing.T) {
	c := NewCompletenessChecker(nil, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		text string
	}{
		{"ellipsis", "I want to book…"},
		{"dots", "I want to..."},
		{"trailing and", "I have tooth pain and"},
		{"trailing so", "my tooth hurts so"},
		{"hanging phrase", "I was calling because I want to"},
		{"hanging i think", "it hurts a lot i think"},
		{"interrogative no mark", "can you tell me when"},
		{"short hanging starter", "i need an"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			complete, cue := c.Check(ctx, tt.text)
			if complete {
				t.Errorf("Check(%q) complete = true, want incomplete", tt.text)
			}
			if cue != ContinuationCueMessage {
				t.Errorf("cue = %q, want %q", cue, ContinuationCueMessage)
			}
		})
	}
}

func TestRuleBasedComplete(t *testing.T) {
	c := NewCompletenessChecker(nil, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		text string
	}{
		{"very short is never held back", "yes"},
		{"terminator", "I have tooth pain today."},
		{"five tokens", "my tooth really hurts badly"},
		{"domain keyword", "book an appointment tomorrow please"},
		{"question mark", "do you open on sunday today?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			complete, _ := c.Check(ctx, tt.text)
			if !complete {
				t.Errorf("Check(%q) complete = false, want complete", tt.text)
			}
		})
	}
}

func TestAmbiguousGoesToLLM(t *testing.T) {
	provider := &llmmock.Provider{
		Responses: []*llm.CompletionResponse{{Content: "INCOMPLETE (KEEP GOING.)"}},
	}
	c := NewCompletenessChecker(provider, nil)

	// Four tokens, no terminator, no keyword: ambiguous residue.
	complete, cue := c.Check(context.Background(), "please help me out")
	if complete {
		t.Error("complete = true, want incomplete per LLM verdict")
	}
	if cue != "KEEP GOING." {
		t.Errorf("cue = %q, want extracted cue", cue)
	}
	if provider.CallCount() != 1 {
		t.Errorf("LLM calls = %d, want 1", provider.CallCount())
	}
}

func TestLLMCompleteVerdict(t *testing.T) {
	provider := &llmmock.Provider{
		Responses: []*llm.CompletionResponse{{Content: "COMPLETE"}},
	}
	c := NewCompletenessChecker(provider, nil)

	complete, cue := c.Check(context.Background(), "please help me out")
	if !complete || cue != "" {
		t.Errorf("Check = (%v, %q), want (true, \"\")", complete, cue)
	}
}

func TestLLMFailureAssumesComplete(t *testing.T) {
	provider := &llmmock.Provider{Err: errors.New("upstream down")}
	c := NewCompletenessChecker(provider, nil)

	complete, _ := c.Check(context.Background(), "please help me out")
	if !complete {
		t.Error("complete = false, want complete on LLM failure")
	}
}

func TestLLMVerdictWithoutCueUsesDefault(t *testing.T) {
	provider := &llmmock.Provider{
		Responses: []*llm.CompletionResponse{{Content: "INCOMPLETE"}},
	}
	c := NewCompletenessChecker(provider, nil)

	complete, cue := c.Check(context.Background(), "please help me out")
	if complete {
		t.Error("complete = true, want incomplete")
	}
	if cue != ContinuationCueMessage {
		t.Errorf("cue = %q, want default continuation cue", cue)
	}
}

func TestClearIndicatorsSkipLLM(t *testing.T) {
	provider := &llmmock.Provider{}
	c := NewCompletenessChecker(provider, nil)

	c.Check(context.Background(), "I want to book an appointment")
	if provider.CallCount() != 0 {
		t.Errorf("LLM calls = %d, want 0 for clearly complete text", provider.CallCount())
	}
}
