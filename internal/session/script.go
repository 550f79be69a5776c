package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dgerlanc/warden/internal/config"
	"github.com/dgerlanc/warden/internal/hooks"
	"github.com/dgerlanc/warden/internal/llm"
	"github.com/dgerlanc/warden/internal/loopdetect"
	"github.com/dgerlanc/warden/internal/scheduler"
)

// Script line types read by RunScript.
const (
	LinePrompt    = "prompt"
	LineTurn      = "turn"
	LineContent   = "content"
	LineToolCall  = "tool_call"
	LineToolCalls = "tool_calls"
	LineResponse  = "response"

	LineModelRequest  = "model_request"
	LineModelResponse = "model_response"
	LineCompress      = "compress"
	LineMode          = "mode"
)

// Record is one line written by RunScript.
type Record struct {
	Type      string `json:"type"`
	Line      int    `json:"line,omitempty"`
	CallID    string `json:"callId,omitempty"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
	LoopType  string `json:"loopType,omitempty"`
	Message   string `json:"message,omitempty"`

	Request   *hooks.LLMRequest `json:"request,omitempty"`
	Synthetic bool              `json:"synthetic,omitempty"`
}

// ScriptResult summarizes a RunScript pass.
type ScriptResult struct {
	Lines     int
	ToolCalls int
	Failed    int
	Halted    int
}

// RunScript drives the session from a JSON lines transcript of model
// activity and writes one Record per outcome to w. A detected loop, a
// blocked model request or a hook stop halts the current prompt: lines up
// to the next prompt are skipped. Malformed lines are reported and skipped.
func (s *Session) RunScript(ctx context.Context, r io.Reader, w io.Writer) (ScriptResult, error) {
	var res ScriptResult
	enc := json.NewEncoder(w)
	emit := func(rec Record) error { return enc.Encode(rec) }

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	halted := false
	for n := 1; sc.Scan(); n++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		res.Lines++
		if !gjson.Valid(line) {
			if err := emit(Record{Type: "error", Line: n, Message: "invalid JSON"}); err != nil {
				return res, err
			}
			continue
		}
		typ := gjson.Get(line, "type").String()
		if halted && typ != LinePrompt {
			continue
		}
		halted = false

		recs, err := s.scriptLine(ctx, typ, line, &res)
		for _, rec := range recs {
			if rec.Line == 0 {
				rec.Line = n
			}
			if err := emit(rec); err != nil {
				return res, err
			}
		}
		if err != nil {
			halted = true
			res.Halted++
		}
	}
	return res, sc.Err()
}

// scriptLine handles one line. A non-nil error halts the prompt; its
// records have already been produced.
func (s *Session) scriptLine(ctx context.Context, typ, line string, res *ScriptResult) ([]Record, error) {
	switch typ {
	case LinePrompt:
		prompt, err := s.Prompt(ctx, gjson.Get(line, "text").String())
		if err != nil {
			return []Record{{Type: "blocked", Message: strings.TrimPrefix(err.Error(), ErrBlocked.Error()+": ")}}, err
		}
		return []Record{{Type: "prompt", Message: prompt}}, nil

	case LineTurn:
		if err := s.NextTurn(ctx); err != nil {
			return s.loopRecords(), err
		}
		return nil, nil

	case LineContent:
		if err := s.AddContent(gjson.Get(line, "text").String()); err != nil {
			return s.loopRecords(), err
		}
		return nil, nil

	case LineToolCall, LineToolCalls:
		var calls []llm.FunctionCall
		if typ == LineToolCall {
			calls = append(calls, functionCall(gjson.Parse(line)))
		} else {
			for _, c := range gjson.Get(line, "calls").Array() {
				calls = append(calls, functionCall(c))
			}
		}
		resps, err := s.RunToolCalls(ctx, calls)
		if errors.Is(err, ErrLoopDetected) {
			return s.loopRecords(), err
		}
		var recs []Record
		for _, r := range resps {
			res.ToolCalls++
			if r.Status != scheduler.StatusSuccess {
				res.Failed++
			}
			recs = append(recs, responseRecord(r))
		}
		if errors.Is(err, scheduler.ErrStopRequested) {
			recs = append(recs, Record{Type: "stopped", Message: err.Error()})
		}
		return recs, err

	case LineResponse:
		s.FinishPrompt(ctx, gjson.Get(line, "text").String())
		return nil, nil

	case LineModelRequest:
		call, err := s.BeginModelCall(ctx)
		if err != nil {
			return []Record{{Type: "blocked", Message: strings.TrimPrefix(err.Error(), ErrBlocked.Error()+": ")}}, err
		}
		rec := Record{Type: "model_request", Request: &call.Request}
		if call.Synthetic != nil {
			rec.Synthetic = true
			rec.Output = hooks.FromHookResponse(*call.Synthetic).Text()
		}
		return []Record{rec}, nil

	case LineModelResponse:
		text, err := s.FinishModelCall(ctx, gjson.Get(line, "text").String())
		switch {
		case errors.Is(err, ErrLoopDetected):
			return append([]Record{{Type: "model_response", Output: text}}, s.loopRecords()...), err
		case err != nil:
			return []Record{{Type: "stopped", Message: err.Error()}}, err
		}
		return []Record{{Type: "model_response", Output: text}}, nil

	case LineCompress:
		trigger := hooks.PreCompressTrigger(gjson.Get(line, "trigger").String())
		if trigger == "" {
			trigger = hooks.PreCompressAuto
		}
		s.Compress(ctx, trigger)
		return []Record{{Type: "compressed", Message: string(trigger)}}, nil

	case LineMode:
		mode := gjson.Get(line, "mode").String()
		if err := s.SetApprovalMode(config.ApprovalMode(mode)); err != nil {
			return []Record{{Type: "error", Message: err.Error()}}, nil
		}
		return []Record{{Type: "mode", Message: mode}}, nil
	}
	return []Record{{Type: "error", Message: fmt.Sprintf("unknown line type %q", typ)}}, nil
}

func functionCall(v gjson.Result) llm.FunctionCall {
	args, _ := v.Get("args").Value().(map[string]any)
	return llm.FunctionCall{ID: v.Get("id").String(), Name: v.Get("name").String(), Args: args}
}

func (s *Session) loopRecords() []Record {
	typ, _ := s.Loop.Detected()
	return []Record{{Type: "loop_detected", LoopType: string(typ), Message: loopdetect.Message(typ)}}
}

func responseRecord(r scheduler.Response) Record {
	rec := Record{
		Type:     "tool_result",
		CallID:   r.CallID,
		Name:     r.Name,
		Status:   string(r.Status),
		Decision: string(r.Decision),
	}
	if r.Error != nil {
		rec.Error = r.Error.Message
		rec.ErrorType = string(r.Error.Type)
		return rec
	}
	for _, p := range r.Parts {
		if fr := p.FunctionResponse; fr != nil {
			if out, ok := fr.Response["output"].(string); ok {
				rec.Output = out
			}
		}
	}
	if rec.Output == "" {
		rec.Output = r.Display
	}
	return rec
}
