package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/voicelinehq/voiceline/internal/transcript"
	"github.com/voicelinehq/voiceline/pkg/provider/llm"
)

// trailingWords end an utterance that is trailing off.
var trailingWords = []string{"...", "…", "and", "so", "but", "or", "then"}

// hangingPhrases are endings that promise more to come.
var hangingPhrases = []string{
	"i want to", "i need to", "i'd like to", "i'm trying to",
	"so basically", "and then", "but then", "or maybe",
	"i think", "i guess", "maybe", "perhaps",
}

// interrogatives without a question mark suggest an unfinished question.
var interrogatives = []string{"what", "where", "when", "who", "how", "why"}

// hangingStarters make very short utterances suspect.
var hangingStarters = []string{"i want", "i need", "can you", "could you", "would you"}

// cueParens extracts an optional continuation cue from the LLM verdict.
var cueParens = regexp.MustCompile(`\(([^)]+)\)`)

const completenessPrompt = `Does this utterance sound like a COMPLETE thought or sentence?
Consider: complete intent (e.g. "I want to book an appointment"), complete verb/object,
or trailing off ("I want to…", "So basically…", "And then…").
Reply with ONLY: COMPLETE or INCOMPLETE
If INCOMPLETE, add in parentheses one short continuation cue, e.g. (Mm-hmm… go on.)

User: "%s"
`

// CompletenessChecker judges whether an utterance is a finished thought.
// The check is rule-first: only ambiguous residue reaches the LLM, which
// keeps latency and cost down on the hot path.
type CompletenessChecker struct {
	llm      llm.Provider
	keywords *transcript.KeywordMatcher
}

// NewCompletenessChecker builds a checker. provider may be nil, in which
// case ambiguous utterances are assumed complete. matcher may be nil to use
// the default domain keywords.
func NewCompletenessChecker(provider llm.Provider, matcher *transcript.KeywordMatcher) *CompletenessChecker {
	if matcher == nil {
		matcher = transcript.NewKeywordMatcher(nil)
	}
	return &CompletenessChecker{llm: provider, keywords: matcher}
}

// Check returns whether text is a complete thought and, when it is not, a
// short continuation cue to play. Very short text is treated as complete so
// one-word answers ("yes") are never held back.
func (c *CompletenessChecker) Check(ctx context.Context, text string) (complete bool, cue string) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 3 {
		return true, ""
	}
	lower := strings.ToLower(trimmed)
	tokens := strings.Fields(trimmed)

	if c.ruleIncomplete(trimmed, lower, tokens) {
		return false, ContinuationCueMessage
	}

	// Clear completeness indicators skip the LLM entirely.
	if c.ruleComplete(trimmed, lower, tokens) {
		return true, ""
	}

	return c.llmCheck(ctx, trimmed)
}

// ruleIncomplete is the fast no-network incompleteness pass.
func (c *CompletenessChecker) ruleIncomplete(text, lower string, tokens []string) bool {
	for _, w := range trailingWords {
		if strings.HasSuffix(lower, w) {
			return true
		}
	}
	for _, p := range hangingPhrases {
		if strings.HasSuffix(lower, p) {
			return true
		}
	}
	if !strings.Contains(text, "?") {
		for _, q := range interrogatives {
			if strings.HasSuffix(lower, q) {
				return true
			}
		}
	}
	if len(tokens) <= 3 {
		for _, s := range hangingStarters {
			if strings.HasPrefix(lower, s) {
				return true
			}
		}
	}
	return false
}

// ruleComplete reports clear completeness indicators (sentence terminator,
// enough tokens, or a domain keyword) on inputs of at least four tokens.
func (c *CompletenessChecker) ruleComplete(text, lower string, tokens []string) bool {
	if len(tokens) < 4 {
		return false
	}
	if strings.HasSuffix(text, ".") || strings.HasSuffix(text, "!") || strings.HasSuffix(text, "?") {
		return true
	}
	if len(tokens) >= 5 {
		return true
	}
	return c.keywords.Contains(lower)
}

// llmCheck asks the model for a COMPLETE/INCOMPLETE verdict. On any failure
// the utterance is assumed complete.
func (c *CompletenessChecker) llmCheck(ctx context.Context, text string) (bool, string) {
	if c.llm == nil {
		return true, ""
	}

	safe := strings.ReplaceAll(text, `"`, "'")
	if len(safe) > 300 {
		safe = safe[:300]
	}

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf(completenessPrompt, safe)},
		},
		Temperature: 0.1,
		MaxTokens:   60,
	})
	if err != nil {
		slog.Warn("completeness check failed, assuming complete", "error", err)
		return true, ""
	}

	out := strings.ToUpper(strings.TrimSpace(resp.Content))
	if !strings.Contains(out, "INCOMPLETE") {
		return true, ""
	}
	cue := ContinuationCueMessage
	if m := cueParens.FindStringSubmatch(out); m != nil {
		if extracted := strings.TrimSpace(m[1]); extracted != "" {
			cue = extracted
		}
	}
	return false, cue
}
