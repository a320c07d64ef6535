package inbox

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/eraser-privacy/optout/internal/domain"
)

const (
	classifyFunction = "classify_broker_response"
	maxPromptBody    = 4000
)

// OpenAIClassifier asks a chat model to categorize a broker reply through a
// strict function call.
type OpenAIClassifier struct {
	client *openai.Client
	model  shared.ChatModel
}

// NewOpenAIClassifier returns nil when apiKey is empty so callers can treat the
// feature as disabled.
func NewOpenAIClassifier(apiKey, model string, opts ...option.RequestOption) *OpenAIClassifier {
	if apiKey == "" {
		return nil
	}
	if model == "" {
		model = string(shared.ChatModelGPT4oMini)
	}
	c := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &OpenAIClassifier{client: &c, model: shared.ChatModel(model)}
}

type aiResponse struct {
	ResponseType    string  `json:"response_type"`
	ConfidenceScore float64 `json:"confidence_score"`
	Rationale       string  `json:"rationale"`
}

func responseSchema() map[string]any {
	types := make([]string, 0, len(domain.ResponseTypes))
	for _, t := range domain.ResponseTypes {
		types = append(types, string(t))
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"response_type":    map[string]any{"type": "string", "enum": types},
			"confidence_score": map[string]any{"type": "number"},
			"rationale":        map[string]string{"type": "string"},
		},
		"required":             []string{"response_type", "confidence_score", "rationale"},
		"additionalProperties": false,
	}
}

func (c *OpenAIClassifier) ClassifyResponse(ctx context.Context, email *Email) (AIResult, error) {
	body := []rune(email.Text())
	if len(body) > maxPromptBody {
		body = body[:maxPromptBody]
	}

	fn := shared.FunctionDefinitionParam{
		Name:        classifyFunction,
		Description: openai.String("Classify a data broker's reply to a personal data deletion request."),
		Strict:      openai.Bool(true),
		Parameters:  responseSchema(),
	}

	req := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(`You review replies from data brokers to GDPR/CCPA deletion requests.
Call classify_broker_response(strict) with one response_type:
- confirmation: the data was deleted or the opt-out is complete
- rejection: the broker refuses, holds no data, or claims an exemption
- acknowledgment: receipt confirmed, still processing
- action_required: the user must fill a form or click a confirmation link
- request_info: the broker needs more identifying information
- unknown: none of the above
confidence_score is between 0 and 1.`),
			openai.UserMessage(fmt.Sprintf("From: %s\nSubject: %s\n\n%s", email.From, email.Subject, string(body))),
		},
		Tools: []openai.ChatCompletionToolParam{{
			Function: fn,
		}},
		ToolChoice: openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{
					Name: classifyFunction,
				},
			},
		},
	}

	resp, err := c.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return AIResult{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].Message.ToolCalls) == 0 {
		return AIResult{}, fmt.Errorf("openai: no function call returned")
	}

	var out aiResponse
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.ToolCalls[0].Function.Arguments), &out); err != nil {
		return AIResult{}, fmt.Errorf("unmarshal classification result: %w", err)
	}

	t := domain.ResponseType(out.ResponseType)
	if !t.Valid() {
		return AIResult{}, fmt.Errorf("openai: invalid response_type %q", out.ResponseType)
	}
	return AIResult{
		Type:       t,
		Confidence: clamp01(out.ConfidenceScore),
		Rationale:  out.Rationale,
	}, nil
}
