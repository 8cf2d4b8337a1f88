// Package gemini is an ai.Transport for the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spigell/qcs-matcher/internal/ai"
	"google.golang.org/genai"
)

const (
	// DefaultModel is used when a request names no model.
	DefaultModel = "gemini-2.5-flash"
)

type chatSession interface {
	SendMessage(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type chatCreator interface {
	Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error)
}

type genaiChats struct {
	chats *genai.Chats
}

func (g genaiChats) Create(ctx context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error) {
	return g.chats.Create(ctx, model, config, history)
}

// Transport wraps the Google GenAI client.
type Transport struct {
	chats chatCreator
}

// New creates a Transport configured for the Gemini API backend.
func New(ctx context.Context, apiKey string) (*Transport, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Transport{chats: genaiChats{chats: client.Chats}}, nil
}

func (t *Transport) Name() string {
	return "gemini"
}

// Complete turns system messages into the system instruction, earlier turns
// into chat history and sends the last user message. API errors are reported
// through ai.Response.Status.
func (t *Transport) Complete(ctx context.Context, req ai.Request) (*ai.Response, error) {
	if t == nil || t.chats == nil {
		return nil, errors.New("gemini transport is not initialized")
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = DefaultModel
	}

	system, history, last := splitMessages(req.Messages)
	if strings.TrimSpace(last) == "" {
		return &ai.Response{Status: http.StatusBadRequest, Body: "message must not be empty"}, nil
	}

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		temperature := float32(*req.Temperature)
		config.Temperature = &temperature
	}

	chat, err := t.chats.Create(ctx, model, config, history)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}

	resp, err := chat.SendMessage(ctx, genai.Part{Text: last})
	if err != nil {
		if status, body, ok := apiStatus(err); ok {
			return &ai.Response{Status: status, Body: body}, nil
		}
		return nil, fmt.Errorf("send message: %w", err)
	}

	return &ai.Response{Status: http.StatusOK, Content: responseText(resp)}, nil
}

func splitMessages(messages []ai.Message) (system string, history []*genai.Content, last string) {
	var systemParts []string
	var turns []ai.Message
	for _, m := range messages {
		if m.Role == ai.RoleSystem {
			if text := strings.TrimSpace(m.Content); text != "" {
				systemParts = append(systemParts, text)
			}
			continue
		}
		turns = append(turns, m)
	}
	if len(turns) == 0 {
		return strings.Join(systemParts, "\n\n"), nil, ""
	}

	for _, m := range turns[:len(turns)-1] {
		role := genai.Role(genai.RoleUser)
		if m.Role == ai.RoleAssistant {
			role = genai.RoleModel
		}
		history = append(history, genai.NewContentFromText(m.Content, role))
	}
	return strings.Join(systemParts, "\n\n"), history, turns[len(turns)-1].Content
}

func apiStatus(err error) (int, string, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return apiErr.Code, apiErr.Message, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil && apiErrPtr.Code != 0 {
		return apiErrPtr.Code, apiErrPtr.Message, true
	}
	return 0, "", false
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	return strings.TrimSpace(builder.String())
}
