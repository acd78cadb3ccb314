package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	ctxpkg "github.com/stupiduntilnot/chatrelay/internal/context"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
)

// Client is a chat completions client for OpenAI-compatible endpoints
// (OpenAI itself, OpenWebUI's /api, Ollama's /v1 and the like).
type Client struct {
	client *goopenai.Client
	model  string
}

// NewClient creates a client rooted at baseURL, e.g. "https://host/api".
// Deadlines come from the caller's context.
func NewClient(apiKey, baseURL, model string) *Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{}
	return &Client{
		client: goopenai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

func (c *Client) request(messages []ctxpkg.Message) goopenai.ChatCompletionRequest {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: 0.7,
	}
}

// ChatCompletion sends a buffered chat completion request. An upstream
// answer without choices yields an empty Content, not an error.
func (c *Client) ChatCompletion(ctx context.Context, messages []ctxpkg.Message) (modelpkg.CompletionResponse, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.request(messages))
	if err != nil {
		return modelpkg.CompletionResponse{}, modelpkg.Classify(ctx, fmt.Errorf("chat completion request failed: %w", err), statusCode(err))
	}

	result := modelpkg.CompletionResponse{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) > 0 {
		result.Content = resp.Choices[0].Message.Content
	}
	return result, nil
}

// ChatCompletionStream opens a streamed chat completion. A non-2xx status
// fails here, before any delta is delivered.
func (c *Client) ChatCompletionStream(ctx context.Context, messages []ctxpkg.Message) (modelpkg.Stream, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, c.request(messages))
	if err != nil {
		return nil, modelpkg.Classify(ctx, fmt.Errorf("chat completion stream request failed: %w", err), statusCode(err))
	}
	return &deltaStream{ctx: ctx, stream: stream}, nil
}

type deltaStream struct {
	ctx    context.Context
	stream *goopenai.ChatCompletionStream
}

// Recv returns the next non-empty content delta, or io.EOF when the stream ends.
func (s *deltaStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", modelpkg.Classify(s.ctx, fmt.Errorf("chat completion stream receive failed: %w", err), statusCode(err))
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *deltaStream) Close() error {
	return s.stream.Close()
}

func statusCode(err error) int {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
