package gemini

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/spigell/qcs-matcher/internal/ai"
	"google.golang.org/genai"
)

type fakeChatCreator struct {
	mu    sync.Mutex
	calls []chatCallRecord
	queue map[string][]fakeChatResponse
}

type chatCallRecord struct {
	model   string
	config  *genai.GenerateContentConfig
	history []*genai.Content
	chat    *fakeChat
}

type fakeChatResponse struct {
	resp *genai.GenerateContentResponse
	err  error
}

type fakeChat struct {
	mu       sync.Mutex
	response fakeChatResponse
	messages []string
}

func (f *fakeChat) SendMessage(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, part := range parts {
		f.messages = append(f.messages, part.Text)
	}
	return f.response.resp, f.response.err
}

func newFakeChatCreator() *fakeChatCreator {
	return &fakeChatCreator{queue: make(map[string][]fakeChatResponse)}
}

func (f *fakeChatCreator) enqueue(model string, resp *genai.GenerateContentResponse, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[model] = append(f.queue[model], fakeChatResponse{resp: resp, err: err})
}

func (f *fakeChatCreator) Create(_ context.Context, model string, config *genai.GenerateContentConfig, history []*genai.Content) (chatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	responses := f.queue[model]
	if len(responses) == 0 {
		return nil, errors.New("unexpected call")
	}
	res := responses[0]
	f.queue[model] = responses[1:]
	chat := &fakeChat{response: res}
	f.calls = append(f.calls, chatCallRecord{model: model, config: config, history: history, chat: chat})
	return chat, nil
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{}
	for _, p := range parts {
		content.Parts = append(content.Parts, &genai.Part{Text: p})
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{Content: content}}}
}

func TestCompleteSendsSystemInstructionAndLastMessage(t *testing.T) {
	chats := newFakeChatCreator()
	chats.enqueue("gemini-2.5-pro", textResponse(`{"score":`, ` 66}`), nil)

	transport := &Transport{chats: chats}
	temperature := 0.4

	resp, err := transport.Complete(context.Background(), ai.Request{
		Model: "gemini-2.5-pro",
		Messages: []ai.Message{
			{Role: ai.RoleSystem, Content: "system"},
			{Role: ai.RoleUser, Content: "earlier"},
			{Role: ai.RoleAssistant, Content: "reply"},
			{Role: ai.RoleUser, Content: "message"},
		},
		MaxTokens:   256,
		Temperature: &temperature,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Status != http.StatusOK || resp.Content != "{\"score\":\n66}" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	call := chats.calls[0]
	if call.config.SystemInstruction == nil || call.config.SystemInstruction.Parts[0].Text != "system" {
		t.Fatalf("expected system instruction to be set")
	}
	if call.config.MaxOutputTokens != 256 {
		t.Fatalf("expected max output tokens 256, got %d", call.config.MaxOutputTokens)
	}
	if call.config.Temperature == nil || *call.config.Temperature != float32(0.4) {
		t.Fatalf("unexpected temperature: %v", call.config.Temperature)
	}
	if len(call.history) != 2 || call.history[1].Role != string(genai.RoleModel) {
		t.Fatalf("unexpected history: %+v", call.history)
	}
	if len(call.chat.messages) != 1 || call.chat.messages[0] != "message" {
		t.Fatalf("unexpected chat message: %+v", call.chat.messages)
	}
}

func TestCompleteMapsAPIErrorToStatus(t *testing.T) {
	chats := newFakeChatCreator()
	chats.enqueue(DefaultModel, nil, genai.APIError{Code: http.StatusTooManyRequests, Status: "RESOURCE_EXHAUSTED", Message: "quota"})

	transport := &Transport{chats: chats}

	resp, err := transport.Complete(context.Background(), ai.Request{
		Messages: []ai.Message{{Role: ai.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("expected API error to be reported as status, got %v", err)
	}
	if resp.Status != http.StatusTooManyRequests || resp.Body != "quota" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCompleteReturnsNetworkErrors(t *testing.T) {
	chats := newFakeChatCreator()
	chats.enqueue(DefaultModel, nil, errors.New("dial tcp: connection refused"))

	transport := &Transport{chats: chats}

	if _, err := transport.Complete(context.Background(), ai.Request{
		Messages: []ai.Message{{Role: ai.RoleUser, Content: "hi"}},
	}); err == nil {
		t.Fatalf("expected network error")
	}
}

func TestCompleteEmptyCandidates(t *testing.T) {
	chats := newFakeChatCreator()
	chats.enqueue(DefaultModel, &genai.GenerateContentResponse{}, nil)

	transport := &Transport{chats: chats}

	resp, err := transport.Complete(context.Background(), ai.Request{
		Messages: []ai.Message{{Role: ai.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "" {
		t.Fatalf("expected empty content, got %q", resp.Content)
	}
}
