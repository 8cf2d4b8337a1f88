// Package openai is an ai.Transport for OpenAI-compatible chat completion
// APIs (OpenAI, OpenRouter, local gateways).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/spigell/qcs-matcher/internal/ai"
)

const defaultTimeout = 60 * time.Second

// Transport sends requests with the go-openai client.
type Transport struct {
	client *goopenai.Client
}

// New creates a Transport. An empty baseURL keeps the OpenAI default.
func New(apiKey, baseURL string, timeout time.Duration) (*Transport, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	return &Transport{client: goopenai.NewClientWithConfig(cfg)}, nil
}

func (t *Transport) Name() string {
	return "openai"
}

// Complete maps provider errors that carry an HTTP status onto ai.Response so
// the caller can classify them. Only failures without a status are returned
// as errors.
func (t *Transport) Complete(ctx context.Context, req ai.Request) (*ai.Response, error) {
	if t == nil || t.client == nil {
		return nil, errors.New("openai transport is not initialized")
	}

	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	body := goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.TokenField == ai.TokenFieldMaxCompletionTokens {
		body.MaxCompletionTokens = req.MaxTokens
	} else {
		body.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		body.Temperature = float32(*req.Temperature)
	}

	resp, err := t.client.CreateChatCompletion(ctx, body)
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
			return &ai.Response{Status: apiErr.HTTPStatusCode, Body: apiErr.Message}, nil
		}
		var reqErr *goopenai.RequestError
		if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
			return &ai.Response{Status: reqErr.HTTPStatusCode, Body: reqErr.Error()}, nil
		}
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	out := &ai.Response{Status: http.StatusOK}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
	}
	return out, nil
}
