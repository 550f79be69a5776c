package hooks

import (
	"strings"

	"github.com/dgerlanc/warden/internal/llm"
)

// LLMRequest is the model request as hooks see it. It is a stable,
// provider-neutral shape: text messages plus generation and tool settings.
type LLMRequest struct {
	Model      string            `json:"model"`
	Messages   []LLMMessage      `json:"messages"`
	Config     *GenerationConfig `json:"config,omitempty"`
	ToolConfig *ToolConfig       `json:"toolConfig,omitempty"`
}

// LLMMessage is one text message in an LLMRequest.
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationConfig holds sampling settings hooks may change.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
}

// Function calling modes, most restrictive first.
const (
	ModeNone = "NONE"
	ModeAny  = "ANY"
	ModeAuto = "AUTO"
)

// ToolConfig restricts which functions the model may call.
type ToolConfig struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// LLMResponse is a model response as hooks see it.
type LLMResponse struct {
	Text          string         `json:"text,omitempty"`
	Candidates    []Candidate    `json:"candidates"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate is one response alternative.
type Candidate struct {
	Content      CandidateContent `json:"content"`
	FinishReason string           `json:"finishReason,omitempty"`
}

// CandidateContent holds a candidate's text parts.
type CandidateContent struct {
	Role  string   `json:"role"`
	Parts []string `json:"parts"`
}

// UsageMetadata reports token counts.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

// ToHookRequest flattens conversation history to text messages. Contents
// with no text, such as bare function calls, are left out.
func ToHookRequest(model string, contents []llm.Content, cfg *GenerationConfig) LLMRequest {
	req := LLMRequest{Model: model, Config: cfg, Messages: []LLMMessage{}}
	for _, c := range contents {
		text := c.Text()
		if text == "" {
			continue
		}
		req.Messages = append(req.Messages, LLMMessage{Role: c.Role, Content: text})
	}
	return req
}

// FromHookRequest rebuilds history from a (possibly modified) hook request.
// Non-text parts from the original are kept in place when the message
// count is unchanged; otherwise the text messages replace the history.
func FromHookRequest(req LLMRequest, original []llm.Content) []llm.Content {
	var textual []int
	for i, c := range original {
		if c.Text() != "" {
			textual = append(textual, i)
		}
	}
	if len(textual) == len(req.Messages) {
		out := make([]llm.Content, len(original))
		copy(out, original)
		for j, i := range textual {
			out[i] = replaceText(original[i], req.Messages[j])
		}
		return out
	}

	out := make([]llm.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		out = append(out, llm.Content{Role: normalizeRole(m.Role), Parts: []llm.Part{{Text: m.Content}}})
	}
	return out
}

func replaceText(c llm.Content, m LLMMessage) llm.Content {
	parts := []llm.Part{{Text: m.Content}}
	for _, p := range c.Parts {
		if p.Text == "" {
			parts = append(parts, p)
		}
	}
	return llm.Content{Role: normalizeRole(m.Role), Parts: parts}
}

func normalizeRole(role string) string {
	switch role {
	case llm.RoleModel, "assistant":
		return llm.RoleModel
	}
	return llm.RoleUser
}

// ToHookResponse converts a model reply to the hook shape.
func ToHookResponse(c llm.Content, finishReason string) LLMResponse {
	var parts []string
	for _, p := range c.Parts {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	return LLMResponse{
		Text: strings.Join(parts, ""),
		Candidates: []Candidate{{
			Content:      CandidateContent{Role: llm.RoleModel, Parts: parts},
			FinishReason: finishReason,
		}},
	}
}

// FromHookResponse converts a hook-supplied response to model content. The
// first candidate wins; Text is used when there are no candidates.
func FromHookResponse(r LLMResponse) llm.Content {
	c := llm.Content{Role: llm.RoleModel}
	if len(r.Candidates) > 0 {
		for _, p := range r.Candidates[0].Content.Parts {
			c.Parts = append(c.Parts, llm.Part{Text: p})
		}
		return c
	}
	if r.Text != "" {
		c.Parts = []llm.Part{{Text: r.Text}}
	}
	return c
}
