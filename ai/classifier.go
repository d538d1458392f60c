package ai

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const systemPrompt = "You are a tool that attempts to guess where a person " +
	"is likely to be from based on their name and short bio. Respond with a " +
	"two-letter lowercase country code only; respond xx if unable to determine."

// Classifier wraps the chat-completions endpoint used to guess an author's
// country of living from their profile.
type Classifier struct {
	client *openai.Client
	model  string
}

func NewClassifier(apiKey string) *Classifier {
	return &Classifier{
		client: openai.NewClient(apiKey),
		model:  openai.GPT3Dot5Turbo,
	}
}

// NewClassifierWithBaseURL points the classifier at an alternate endpoint.
func NewClassifierWithBaseURL(apiKey, baseURL string) *Classifier {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &Classifier{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.GPT3Dot5Turbo,
	}
}

// InferCountryOfLiving asks the model for a two-letter lowercase country
// code. The reply is trimmed and lowercased but otherwise used verbatim.
func (c *Classifier) InferCountryOfLiving(ctx context.Context, displayName, description string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Name: %s\nBio:\n%s", displayName, description)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	return strings.ToLower(strings.TrimSpace(resp.Choices[0].Message.Content)), nil
}
