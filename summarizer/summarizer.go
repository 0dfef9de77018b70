package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// Result holds the AI-generated title and summary for a narrative.
type Result struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

type openaiSummarizer struct {
	client openai.Client
	model  string
}

// New creates a summarizer backed by the OpenAI chat completions API.
func New(apiKey, model string) *openaiSummarizer {
	return &openaiSummarizer{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

const systemPrompt = `You title emerging narratives in market discussions.
Given a set of related headlines and the entities they mention, produce a
concise narrative title (under 12 words) and a 1-2 sentence summary of what
the discussion is about.
Return a JSON object with "title" and "summary" fields only. No markdown formatting.`

// Summarize asks the model for a title and summary covering the given
// headlines. Entities provide extra grounding for the model.
func (s *openaiSummarizer) Summarize(ctx context.Context, headlines []string, entities []string) (string, string, error) {
	prompt := buildPrompt(headlines, entities)

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0.2),
		MaxTokens:   openai.Int(300),
	})
	if err != nil {
		return "", "", fmt.Errorf("calling OpenAI API: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", "", fmt.Errorf("empty response from OpenAI API")
	}

	result, err := parseResult(resp.Choices[0].Message.Content)
	if err != nil {
		slog.Warn("failed to parse summarizer response", "error", err)
		return "", "", err
	}
	return result.Title, result.Summary, nil
}

func buildPrompt(headlines []string, entities []string) string {
	var b strings.Builder
	b.WriteString("Entities: ")
	b.WriteString(strings.Join(entities, ", "))
	b.WriteString("\n\nHeadlines:\n")
	for _, h := range headlines {
		b.WriteString("- ")
		b.WriteString(h)
		b.WriteString("\n")
	}
	return b.String()
}

func parseResult(text string) (*Result, error) {
	text = stripMarkdownCodeBlock(text)

	var result Result
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("parsing summary JSON: %w", err)
	}
	if result.Title == "" {
		return nil, fmt.Errorf("response missing title")
	}
	return &result, nil
}

// stripMarkdownCodeBlock removes markdown code block wrappers from text.
// Models may wrap JSON responses in ```json ... ``` blocks.
func stripMarkdownCodeBlock(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		// Remove opening fence (possibly with language tag)
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		// Remove closing fence
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
