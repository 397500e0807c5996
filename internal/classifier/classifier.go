// Package classifier decides whether a chat message is a "looking for group"
// post by asking an OpenAI chat model for a JSON verdict.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/LFGQueue/internal/models"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4oMini

var (
	// ErrNoChoices is returned when the model response carries no message.
	ErrNoChoices = errors.New("no choices returned")
	// ErrMalformedVerdict is returned when the reply is not the expected JSON.
	ErrMalformedVerdict = errors.New("malformed classification verdict")
)

const systemPrompt = `You review messages posted in gaming group chats.
Decide whether the message is a "looking for group" (LFG) post: someone seeking
players, a party, a team or a raid group to play with.

A message is valid when it is a genuine, readable post written by a person
(not spam, not an advertisement, not gibberish). An invalid message is never LFG.

Reply with a single JSON object and nothing else:
{"is_valid": true|false, "is_lfg": true|false, "reason": "<one short sentence>"}`

// chatService is the subset of the OpenAI chat completions API used here.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Classification is a model verdict for one message.
type Classification struct {
	IsValid bool   `json:"is_valid"`
	IsLFG   bool   `json:"is_lfg"`
	Reason  string `json:"reason"`
}

// Client classifies messages with a chat model.
type Client struct {
	chat  chatService
	model string
}

// NewClient creates a classifier using the given API key. An empty model
// selects DefaultModel.
func NewClient(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if model == "" {
		model = DefaultModel
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{chat: &cli.Chat.Completions, model: model}, nil
}

// Classify asks the model for a verdict on m.
func (c *Client) Classify(ctx context.Context, m models.Message) (Classification, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt(m)),
		},
		Temperature: openai.Float(0),
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("Client.Classify: chat completion failed", "error", err, "message_id", m.MessageID)
		return Classification{}, fmt.Errorf("chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Classification{}, ErrNoChoices
	}

	verdict, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		slog.Warn("Client.Classify: unparseable verdict", "error", err, "message_id", m.MessageID)
		return Classification{}, err
	}
	slog.Debug("Client.Classify: verdict", "message_id", m.MessageID, "is_valid", verdict.IsValid, "is_lfg", verdict.IsLFG)
	return verdict, nil
}

func userPrompt(m models.Message) string {
	var b strings.Builder
	if m.GroupTitle != "" {
		fmt.Fprintf(&b, "Group: %s\n", m.GroupTitle)
	}
	if m.SenderDisplayName != "" {
		fmt.Fprintf(&b, "Sender: %s\n", m.SenderDisplayName)
	}
	fmt.Fprintf(&b, "Message:\n%s", m.Content)
	return b.String()
}

// parseVerdict decodes the model reply, tolerating a surrounding code fence.
func parseVerdict(raw string) (Classification, error) {
	body := stripCodeFence(raw)
	if body == "" {
		return Classification{}, fmt.Errorf("%w: empty reply", ErrMalformedVerdict)
	}
	var v struct {
		IsValid *bool  `json:"is_valid"`
		IsLFG   *bool  `json:"is_lfg"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	if v.IsValid == nil || v.IsLFG == nil {
		return Classification{}, fmt.Errorf("%w: is_valid and is_lfg are required", ErrMalformedVerdict)
	}
	c := Classification{
		IsValid: *v.IsValid,
		IsLFG:   *v.IsLFG && *v.IsValid,
		Reason:  strings.TrimSpace(v.Reason),
	}
	return c, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop an info string such as "json".
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
