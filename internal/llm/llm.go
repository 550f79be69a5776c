// Package llm holds the model-facing conversation types and the narrow
// client interface the rest of warden needs from a model provider.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Roles used in Content.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// FunctionCall is a tool invocation requested by the model.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Part is one piece of a Content. Exactly one field is set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// Content is one turn of conversation history.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Text joins the text parts of c.
func (c Content) Text() string {
	var b strings.Builder
	for _, p := range c.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// HasFunctionCall reports whether c requests a tool call.
func (c Content) HasFunctionCall() bool {
	for _, p := range c.Parts {
		if p.FunctionCall != nil {
			return true
		}
	}
	return false
}

// HasFunctionResponse reports whether c answers a tool call.
func (c Content) HasFunctionResponse() bool {
	for _, p := range c.Parts {
		if p.FunctionResponse != nil {
			return true
		}
	}
	return false
}

// ErrEmptyResponse is returned when the model produced no content.
var ErrEmptyResponse = errors.New("empty model response")

// JSONGenerator asks a model for a JSON object matching schema.
type JSONGenerator interface {
	GenerateJSON(ctx context.Context, req JSONRequest) (map[string]any, error)
}

// JSONRequest is the input to GenerateJSON.
type JSONRequest struct {
	Model             string
	SystemInstruction string
	Contents          []Content
	// Schema is a JSON schema describing the expected object.
	Schema map[string]any
}

// GeneratorFunc adapts a function to JSONGenerator.
type GeneratorFunc func(ctx context.Context, req JSONRequest) (map[string]any, error)

func (f GeneratorFunc) GenerateJSON(ctx context.Context, req JSONRequest) (map[string]any, error) {
	return f(ctx, req)
}
