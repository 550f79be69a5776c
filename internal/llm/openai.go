package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// DefaultAPIKeyEnv is read when no other key variable is configured.
const DefaultAPIKeyEnv = "OPENAI_API_KEY"

// OpenAIClient talks to the OpenAI chat completions API or a compatible
// endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// OpenAIOptions configures NewOpenAIClient.
type OpenAIOptions struct {
	Model   string
	BaseURL string
	// APIKeyEnv names the environment variable holding the key.
	APIKeyEnv string
}

// NewOpenAIClient builds a client. The key is read from opts.APIKeyEnv, or
// OPENAI_API_KEY when unset. OPENAI_BASE_URL is honored when opts.BaseURL
// is empty.
func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	keyEnv := opts.APIKeyEnv
	if keyEnv == "" {
		keyEnv = DefaultAPIKeyEnv
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s environment variable not set", keyEnv)
	}

	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	c := openai.NewClient(options...)
	return &OpenAIClient{client: &c, model: opts.Model}, nil
}

// GenerateJSON sends the conversation with a JSON-object response format.
// The schema is described to the model in the system message.
func (o *OpenAIClient) GenerateJSON(ctx context.Context, req JSONRequest) (map[string]any, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	system := req.SystemInstruction
	if req.Schema != nil {
		schema, err := json.Marshal(req.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema: %w", err)
		}
		system += "\n\nRespond only with a JSON object matching this schema:\n" + string(schema)
	}

	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(strings.TrimSpace(system))}
	messages = append(messages, toOpenAIMessages(req.Contents)...)

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	return ParseJSONObject(resp.Choices[0].Message.Content)
}

// toOpenAIMessages flattens history into plain text messages. Tool calls
// and results are rendered as JSON so the model can still read them.
func toOpenAIMessages(contents []Content) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, c := range contents {
		var b strings.Builder
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				data, _ := json.Marshal(p.FunctionCall)
				b.WriteString("[function call] " + string(data))
			case p.FunctionResponse != nil:
				data, _ := json.Marshal(p.FunctionResponse)
				b.WriteString("[function response] " + string(data))
			default:
				b.WriteString(p.Text)
			}
		}
		text := b.String()
		if text == "" {
			continue
		}
		if c.Role == RoleModel {
			out = append(out, openai.AssistantMessage(text))
		} else {
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}

// ParseJSONObject decodes a model reply, tolerating a surrounding markdown
// code fence.
func ParseJSONObject(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	if strings.TrimSpace(s) == "" {
		return nil, ErrEmptyResponse
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, fmt.Errorf("model reply is not a JSON object: %w", err)
	}
	return obj, nil
}
