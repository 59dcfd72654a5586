package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/HanTheDev/orbit-gateway/internal/models"
)

const extractionPrompt = `You extract one parameter value from a user's request to a data API.
Today's date is %s.
Parameter: %s
Type: %s
Description: %s
Example value: %s
%sReply with a JSON object {"value": ...}. Use null when the request does not contain the value. Dates use YYYY-MM-DD. Lists are JSON arrays.`

// InferenceExtractor asks a chat model for each parameter value.
type InferenceExtractor struct {
	client *openai.Client
	model  string
	now    func() time.Time
}

func NewInferenceExtractor(client *openai.Client, model string) *InferenceExtractor {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &InferenceExtractor{client: client, model: model, now: time.Now}
}

func (x *InferenceExtractor) Extract(ctx context.Context, text string, spec models.ParameterSpec) (string, error) {
	var allowed string
	if len(spec.AllowedValues) > 0 {
		allowed = fmt.Sprintf("Allowed values: %s\n", strings.Join(spec.AllowedValues, ", "))
	}
	system := fmt.Sprintf(extractionPrompt,
		x.now().Format("2006-01-02"), spec.Name, spec.Type, spec.Description, spec.Example, allowed)

	resp, err := x.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: x.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return "", fmt.Errorf("inference extraction: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("inference extraction: empty response")
	}

	var out struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return "", fmt.Errorf("inference extraction: %w", err)
	}
	return stringify(out.Value)
}

func stringify(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", ErrNotFound
	case string:
		if strings.TrimSpace(t) == "" {
			return "", ErrNotFound
		}
		return t, nil
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t)), nil
		}
		return fmt.Sprintf("%g", t), nil
	case bool:
		return fmt.Sprintf("%t", t), nil
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			s, err := stringify(item)
			if err == nil {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return "", ErrNotFound
		}
		return strings.Join(parts, ","), nil
	}
	return "", fmt.Errorf("unsupported value %T", v)
}
