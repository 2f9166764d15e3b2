package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voicelinehq/voiceline/pkg/provider/llm"
)

const qualityPrompt = `Analyze this user input and classify it as one of:
- CLEAR: Meaningful, understandable input
- UNCLEAR: Nonsensical, too short, or unintelligible

User input: "%s"

Respond with ONLY one word: CLEAR or UNCLEAR`

// analyzeInputQuality classifies a user utterance as EMPTY, UNCLEAR, or
// CLEAR. Short inputs short-circuit; the LLM refines the rest. LLM failure
// degrades to a length heuristic.
func (e *Engine) analyzeInputQuality(ctx context.Context, userText string) InputQuality {
	text := strings.TrimSpace(userText)
	if text == "" {
		return QualityEmpty
	}
	if len(text) < 3 {
		return QualityUnclear
	}

	if e.llm == nil {
		return QualityClear
	}

	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf(qualityPrompt, userText)},
		},
		Temperature: 0.1,
		MaxTokens:   10,
	})
	if err != nil {
		slog.Warn("input quality analysis failed, using length heuristic", "error", err)
		if len(text) > 3 {
			return QualityClear
		}
		return QualityUnclear
	}

	if strings.Contains(strings.ToUpper(strings.TrimSpace(resp.Content)), "CLEAR") &&
		!strings.Contains(strings.ToUpper(resp.Content), "UNCLEAR") {
		return QualityClear
	}
	return QualityUnclear
}
