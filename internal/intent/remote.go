package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"github.com/sirupsen/logrus"

	"storyvine/internal/domain/story"
	"storyvine/internal/resilience"
)

const systemPrompt = `You classify a young child's spoken reply to a story question.
You receive the story context, a numbered list of options, and the child's words.
Reply with ONLY a JSON object, no prose:
{"action":"SELECT_OPTION","selectedOptionIndex":<number>} when the reply clearly picks one option, or
{"action":"ASK_CLARIFICATION","replyText":"<one short, warm sentence in the story's language>"} when it does not.
Never invent options. Index is zero-based.`

// Classifier resolves ambiguous transcripts through a chat-completion model.
type Classifier struct {
	client oai.Client
	model  string
	retry  resilience.RetryConfig
}

// NewClassifier builds a remote resolver. The API key must be set; the model
// defaults to a small, fast one.
func NewClassifier(apiKey, model string, retry resilience.RetryConfig) (*Classifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("intent: api key must not be empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Classifier{
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		retry:  retry,
	}, nil
}

// classifyRequest is the JSON payload shown to the model as the user message.
type classifyRequest struct {
	StoryTitle string           `json:"storyTitle,omitempty"`
	NodeText   string           `json:"nodeText"`
	Question   string           `json:"question,omitempty"`
	Language   string           `json:"language,omitempty"`
	Options    []classifyOption `json:"options"`
	Transcript string           `json:"transcript"`
}

type classifyOption struct {
	Index    int      `json:"index"`
	Label    string   `json:"label"`
	Keywords []string `json:"keywords,omitempty"`
}

// classifyReply is the strict response contract.
type classifyReply struct {
	Action              string `json:"action"`
	SelectedOptionIndex *int   `json:"selectedOptionIndex"`
	ReplyText           string `json:"replyText"`
}

// Resolve classifies transcript against options. Transient failures are
// retried under the shared backoff policy; on exhaustion the error surfaces
// so the caller can fall back to tap-to-choose. A malformed model reply is
// not an error: it resolves to ActionUnknown.
func (c *Classifier) Resolve(ctx context.Context, ic Context, options []story.Option, transcript string) (Resolution, error) {
	payload := classifyRequest{
		StoryTitle: ic.StoryTitle,
		NodeText:   ic.NodeText,
		Question:   ic.Question,
		Language:   ic.Language,
		Transcript: transcript,
	}
	for i, opt := range options {
		payload.Options = append(payload.Options, classifyOption{Index: i, Label: opt.Label, Keywords: opt.Keywords})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Resolution{}, fmt.Errorf("intent: encode request: %w", err)
	}

	content, err := resilience.Retry(ctx, c.retry, "intent classify", func(ctx context.Context) (string, error) {
		resp, err := c.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
			Model: shared.ChatModel(c.model),
			Messages: []oai.ChatCompletionMessageParamUnion{
				oai.SystemMessage(systemPrompt),
				oai.UserMessage(string(body)),
			},
			Temperature:         param.NewOpt(0.0),
			MaxCompletionTokens: param.NewOpt(int64(200)),
		})
		if err != nil {
			return "", classifyAPIError(err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("intent: empty choices in response")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return parseResolution(content, len(options)), nil
}

// classifyAPIError maps HTTP-level failures onto the shared error taxonomy so
// the retry loop treats rate limits and server errors as transient and bad
// credentials as fatal.
func classifyAPIError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, err)
	}
	return fmt.Errorf("intent: %w", err)
}

func classifyStatus(code int, err error) error {
	switch {
	case code == 401 || code == 403:
		return fmt.Errorf("intent: %w: %v", resilience.ErrAuthFailed, err)
	case code == 429:
		return fmt.Errorf("intent: %w: %v", resilience.ErrRateLimited, err)
	case code == 408 || code >= 500:
		return fmt.Errorf("intent: %w: %v", resilience.ErrServiceUnavailable, err)
	default:
		return fmt.Errorf("intent: %w", err)
	}
}

// parseResolution decodes the model's JSON verdict. Anything malformed or out
// of bounds degrades to ActionUnknown.
func parseResolution(content string, optionCount int) Resolution {
	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var reply classifyReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		logrus.WithError(err).Debug("unparseable classification reply")
		return Resolution{Action: ActionUnknown}
	}
	switch reply.Action {
	case "SELECT_OPTION":
		if reply.SelectedOptionIndex == nil {
			return Resolution{Action: ActionUnknown}
		}
		idx := *reply.SelectedOptionIndex
		if idx < 0 || idx >= optionCount {
			return Resolution{Action: ActionUnknown}
		}
		return Resolution{Action: ActionSelect, OptionIndex: idx}
	case "ASK_CLARIFICATION":
		if strings.TrimSpace(reply.ReplyText) == "" {
			return Resolution{Action: ActionUnknown}
		}
		return Resolution{Action: ActionClarify, Reply: reply.ReplyText}
	default:
		return Resolution{Action: ActionUnknown}
	}
}
