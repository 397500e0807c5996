package classifier

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/LFGQueue/internal/models"
)

// mockChatService returns a canned completion and records the request.
type mockChatService struct {
	content string
	err     error
	empty   bool
	params  openai.ChatCompletionNewParams
}

func (m *mockChatService) New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.params = body
	if m.err != nil {
		return nil, m.err
	}
	if m.empty {
		return &openai.ChatCompletion{}, nil
	}
	return &openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: m.content}}}}, nil
}

var testMessage = models.Message{
	MessageID:         7,
	GroupTitle:        "Raid Finders",
	SenderDisplayName: "Ana",
	Content:           "LF2M heroic raid tonight 8pm",
}

func TestClassifyParsesVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Classification
	}{
		{
			name:    "plain json",
			content: `{"is_valid": true, "is_lfg": true, "reason": "seeks raid members"}`,
			want:    Classification{IsValid: true, IsLFG: true, Reason: "seeks raid members"},
		},
		{
			name:    "fenced json",
			content: "```json\n{\"is_valid\": true, \"is_lfg\": false, \"reason\": \" selling gold \"}\n```",
			want:    Classification{IsValid: true, IsLFG: false, Reason: "selling gold"},
		},
		{
			name:    "invalid is never lfg",
			content: `{"is_valid": false, "is_lfg": true, "reason": "spam"}`,
			want:    Classification{IsValid: false, IsLFG: false, Reason: "spam"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockChatService{content: tt.content}
			c := &Client{chat: mock, model: "test-model"}
			got, err := c.Classify(context.Background(), testMessage)
			if err != nil {
				t.Fatalf("Classify failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Classify = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestClassifySendsMessageContent(t *testing.T) {
	mock := &mockChatService{content: `{"is_valid": true, "is_lfg": true}`}
	c := &Client{chat: mock, model: "test-model"}
	if _, err := c.Classify(context.Background(), testMessage); err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if mock.params.Model != "test-model" {
		t.Errorf("Expected test-model, got %q", mock.params.Model)
	}
	if len(mock.params.Messages) != 2 {
		t.Fatalf("Expected system and user messages, got %d", len(mock.params.Messages))
	}
	prompt := userPrompt(testMessage)
	for _, part := range []string{"Raid Finders", "Ana", testMessage.Content} {
		if !strings.Contains(prompt, part) {
			t.Errorf("user prompt missing %q: %s", part, prompt)
		}
	}
}

func TestClassifyErrors(t *testing.T) {
	apiErr := errors.New("rate limited")
	tests := []struct {
		name string
		mock *mockChatService
		want error
	}{
		{"api error", &mockChatService{err: apiErr}, apiErr},
		{"no choices", &mockChatService{empty: true}, ErrNoChoices},
		{"not json", &mockChatService{content: "Sure! This is an LFG post."}, ErrMalformedVerdict},
		{"missing fields", &mockChatService{content: `{"reason": "unsure"}`}, ErrMalformedVerdict},
		{"empty fence", &mockChatService{content: "```"}, ErrMalformedVerdict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{chat: tt.mock, model: "test-model"}
			_, err := c.Classify(context.Background(), testMessage)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := map[string]string{
		`{"a":1}`:                   `{"a":1}`,
		"  {\"a\":1}  ":             `{"a":1}`,
		"```\n{\"a\":1}\n```":       `{"a":1}`,
		"```json\n{\"a\":1}\n```\n": `{"a":1}`,
		"```json":                   "",
	}
	for in, want := range tests {
		if got := stripCodeFence(in); got != want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient("", ""); err == nil {
		t.Error("Expected error without API key")
	}
	c, err := NewClient("sk-test", "")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.model != DefaultModel {
		t.Errorf("Expected default model, got %q", c.model)
	}
}
