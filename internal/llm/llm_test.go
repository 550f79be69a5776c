package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContentHelpers(t *testing.T) {
	c := Content{Role: RoleModel, Parts: []Part{
		{Text: "hello "},
		{FunctionCall: &FunctionCall{Name: "read_file"}},
		{Text: "world"},
	}}
	require.Equal(t, "hello world", c.Text())
	require.True(t, c.HasFunctionCall())
	require.False(t, c.HasFunctionResponse())
}

func TestParseJSONObject(t *testing.T) {
	obj, err := ParseJSONObject("```json\n{\"a\": 1}\n```")
	require.NoError(t, err)
	require.Equal(t, float64(1), obj["a"])

	obj, err = ParseJSONObject(` {"b":"x"} `)
	require.NoError(t, err)
	require.Equal(t, "x", obj["b"])

	_, err = ParseJSONObject("")
	require.ErrorIs(t, err, ErrEmptyResponse)

	_, err = ParseJSONObject("not json")
	require.Error(t, err)
}

func TestGeneratorFunc(t *testing.T) {
	var g JSONGenerator = GeneratorFunc(func(_ context.Context, req JSONRequest) (map[string]any, error) {
		return map[string]any{"model": req.Model}, nil
	})
	out, err := g.GenerateJSON(context.Background(), JSONRequest{Model: "m"})
	require.NoError(t, err)
	require.Equal(t, "m", out["model"])
}

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	t.Setenv("WARDEN_TEST_KEY", "")
	_, err := NewOpenAIClient(OpenAIOptions{APIKeyEnv: "WARDEN_TEST_KEY"})
	require.ErrorContains(t, err, "WARDEN_TEST_KEY")

	t.Setenv("WARDEN_TEST_KEY", "sk-test")
	c, err := NewOpenAIClient(OpenAIOptions{APIKeyEnv: "WARDEN_TEST_KEY", Model: "gpt-test", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	require.Equal(t, "gpt-test", c.model)
}

func TestOpenAIGenerateJSON(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-test",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"confidence\": 0.9}"}}]}`)
	}))
	defer srv.Close()

	t.Setenv("WARDEN_TEST_KEY", "sk-test")
	c, err := NewOpenAIClient(OpenAIOptions{APIKeyEnv: "WARDEN_TEST_KEY", Model: "gpt-test", BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	out, err := c.GenerateJSON(context.Background(), JSONRequest{
		SystemInstruction: "judge",
		Contents: []Content{
			{Role: RoleUser, Parts: []Part{{Text: "hi"}}},
			{Role: RoleModel, Parts: []Part{{FunctionCall: &FunctionCall{Name: "glob"}}}},
		},
		Schema: map[string]any{"type": "object"},
	})
	require.NoError(t, err)
	require.Equal(t, 0.9, out["confidence"])

	require.Equal(t, "gpt-test", body["model"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 3)
	format, ok := body["response_format"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "json_object", format["type"])
}
