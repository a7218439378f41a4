// Package openai provides a client for OpenAI-compatible API operations.
// It supports blocking chat completions and incremental streaming.
package openai

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hsn0918/bookrag/pkg/clients/base"
	"github.com/hsn0918/bookrag/pkg/config"
)

// Default configuration constants
const (
	DefaultTimeout     = 60 * time.Second
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.7
	DefaultTopP        = 0.7
	ServiceName        = "openai"
)

// Generator defines the interface for text generation operations.
// Call returns the full completion; Stream delivers it fragment by fragment
// through onFragment and stops early if onFragment returns an error.
type Generator interface {
	Call(ctx context.Context, messages []Message) (string, error)
	Stream(ctx context.Context, messages []Message, onFragment func(fragment string) error) error
}

// Client provides chat completion operations using the standardized base client.
type Client struct {
	httpClient *base.HTTPClient
	config     config.ServiceConfig
}

// Compile-time check to ensure Client implements Generator interface
var _ Generator = (*Client)(nil)

// NewClient creates a new OpenAI-compatible client.
func NewClient(cfg config.ServiceConfig) *Client {
	httpClient := base.NewHTTPClient(ServiceName, cfg, DefaultTimeout)

	return &Client{
		httpClient: httpClient,
		config:     cfg,
	}
}

// Message represents a single chat message with role and content.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	// Required fields
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	// Optional behavior settings
	Stream    bool `json:"stream,omitempty"`
	MaxTokens int  `json:"max_tokens,omitempty"`

	// Sampling parameters
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

// Choice represents a single completion choice from the model.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage information for the request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse represents the complete chat completion API response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// streamChoice mirrors the delta layout of streaming responses.
type streamChoice struct {
	Index int `json:"index"`
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

// streamChunk represents one server-sent event payload of a streaming response.
type streamChunk struct {
	ID      string         `json:"id"`
	Choices []streamChoice `json:"choices"`
}

// Call generates a chat completion and returns the assistant text.
func (c *Client) Call(ctx context.Context, messages []Message) (string, error) {
	req := ChatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
		TopP:        DefaultTopP,
	}

	var result ChatResponse
	if err := c.httpClient.Post(ctx, "/chat/completions", req, &result); err != nil {
		return "", err
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai: response contained no choices")
	}

	return result.Choices[0].Message.Content, nil
}

// Stream generates a chat completion and delivers fragments through onFragment
// as they arrive. It terminates when the stream completes, the context is
// cancelled, or onFragment returns an error.
func (c *Client) Stream(ctx context.Context, messages []Message, onFragment func(fragment string) error) error {
	req := ChatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Stream:      true,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
		TopP:        DefaultTopP,
	}

	body, err := c.httpClient.PostStream(ctx, "/chat/completions", req)
	if err != nil {
		return err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}

		var chunk streamChunk
		if err := sonic.UnmarshalString(payload, &chunk); err != nil {
			// Tolerate malformed keep-alive frames.
			continue
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := onFragment(choice.Delta.Content); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return base.NewClientError(ServiceName, "stream /chat/completions", err)
	}

	return nil
}
