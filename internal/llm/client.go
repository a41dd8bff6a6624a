// Package llm wraps the model gateway behind the OpenAI chat-completions
// protocol: tool-calling completions for the agent and inline fixer, plus the
// allow-listed model catalog.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultBaseURL is the model gateway used when none is configured.
const DefaultBaseURL = "https://ai-gateway.vercel.sh/v1"

// FallbackModel is used when neither the request nor the environment selects
// a model.
const FallbackModel = "anthropic/claude-sonnet-4.5"

// AllowedModels is the static catalog exposed to the IDE. The live gateway
// list narrows it when reachable.
var AllowedModels = []string{
	"anthropic/claude-sonnet-4.5",
	"anthropic/claude-sonnet-4",
	"anthropic/claude-3.7-sonnet",
	"anthropic/claude-3.5-haiku",
	"xai/grok-4",
	"xai/grok-4-fast-non-reasoning",
	"openai/gpt-4.1",
	"openai/gpt-4.1-mini",
	"openai/gpt-5",
	"openai/gpt-5-mini",
}

// ChatClient is the slice of the go-openai client the service uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// Client talks to the gateway with a configured default model.
type Client struct {
	chat         ChatClient
	defaultModel string
}

// Options configure a gateway client.
type Options struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// New builds a gateway-backed client.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gateway api key is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	cfg.BaseURL = opts.BaseURL
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	model := opts.DefaultModel
	if model == "" {
		model = FallbackModel
	}
	return &Client{chat: openai.NewClientWithConfig(cfg), defaultModel: model}, nil
}

// NewWithChat wires a pre-built chat client, used by tests to substitute a
// scripted implementation.
func NewWithChat(chat ChatClient, defaultModel string) *Client {
	if defaultModel == "" {
		defaultModel = FallbackModel
	}
	return &Client{chat: chat, defaultModel: defaultModel}
}

// DefaultModel returns the model used when requests do not pick one.
func (c *Client) DefaultModel() string { return c.defaultModel }

// Complete issues one chat completion and returns the first choice's message
// and finish reason.
func (c *Client) Complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionMessage, string, error) {
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	resp, err := c.chat.CreateChatCompletion(ctx, req)
	if err != nil {
		return openai.ChatCompletionMessage{}, "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, "", errors.New("chat completion: no choices")
	}
	choice := resp.Choices[0]
	return choice.Message, string(choice.FinishReason), nil
}

// listTimeout bounds the live catalog fetch.
const listTimeout = 15 * time.Second

// Models returns the allow-list intersected with the gateway's live model
// list. Any gateway failure, or an empty intersection, falls back to the
// static allow-list.
func (c *Client) Models(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	list, err := c.chat.ListModels(ctx)
	if err != nil {
		return append([]string(nil), AllowedModels...)
	}
	available := make(map[string]bool, len(list.Models))
	for _, m := range list.Models {
		available[m.ID] = true
	}
	var intersected []string
	for _, id := range AllowedModels {
		if available[id] {
			intersected = append(intersected, id)
		}
	}
	if len(intersected) == 0 {
		return append([]string(nil), AllowedModels...)
	}
	return intersected
}
