package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nmxmxh/answerflow/internal/config"
)

// ChatClient talks to an OpenAI-compatible chat completions endpoint.
type ChatClient struct {
	ep     *endpoint
	model  string
	weight float64
}

var _ LLM = (*ChatClient)(nil)

// NewChatClient builds a client from provider configuration.
func NewChatClient(cfg config.ProviderConfig, client *http.Client, log *zap.Logger) *ChatClient {
	weight := cfg.Weight
	if weight <= 0 {
		weight = 1
	}
	return &ChatClient{
		ep:     newEndpoint(cfg.Name, cfg.URL, cfg.APIKey, client, log),
		model:  cfg.Model,
		weight: weight,
	}
}

func (c *ChatClient) Name() string    { return c.ep.name }
func (c *ChatClient) Weight() float64 { return c.weight }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage map[string]interface{} `json:"usage,omitempty"`
}

func systemPrompt(subject string) string {
	if subject == "" {
		return "You are a careful tutor. Answer the student's question accurately and concisely."
	}
	return fmt.Sprintf("You are a careful %s tutor. Answer the student's question accurately and concisely.", subject)
}

// Query sends text to the model and returns the first choice.
func (c *ChatClient) Query(ctx context.Context, text, subject string) (*Response, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(subject)},
			{Role: "user", Content: text},
		},
		Temperature: 0.2,
	}
	var resp chatResponse
	if err := c.ep.post(ctx, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("provider %s: empty completion", c.ep.name)
	}
	return &Response{
		Provider: c.ep.name,
		Text:     strings.TrimSpace(resp.Choices[0].Message.Content),
		Usage:    resp.Usage,
	}, nil
}
