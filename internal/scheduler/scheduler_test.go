package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dgerlanc/warden/internal/bus"
	"github.com/dgerlanc/warden/internal/constants"
	"github.com/dgerlanc/warden/internal/events"
	"github.com/dgerlanc/warden/internal/policy"
	"github.com/dgerlanc/warden/internal/telemetry"
	"github.com/dgerlanc/warden/internal/tools"
)

func allow(tool string) policy.Rule {
	return policy.Rule{ToolName: tool, Decision: policy.Allow, Priority: policy.Priority{Tier: policy.TierUser, Sub: 100}}
}

func deny(tool string) policy.Rule {
	return policy.Rule{ToolName: tool, Decision: policy.Deny, Priority: policy.Priority{Tier: policy.TierUser, Sub: 950}}
}

type harness struct {
	s   *Scheduler
	rec *telemetry.Recorder

	mu      sync.Mutex
	updates map[string][]Status
}

func (h *harness) statuses(id string) []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Status(nil), h.updates[id]...)
}

func newHarness(opts Options, ts []tools.Tool, rules ...policy.Rule) *harness {
	h := &harness{rec: &telemetry.Recorder{}, updates: map[string][]Status{}}
	opts.Registry = tools.NewRegistry(ts...)
	if opts.Engine == nil {
		opts.Engine = policy.NewEngine(policy.EngineConfig{Rules: rules})
	}
	opts.Telemetry = h.rec
	opts.SessionID = "sess-1"
	opts.OnUpdate = func(u Update) {
		h.mu.Lock()
		h.updates[u.CallID] = append(h.updates[u.CallID], u.Status)
		h.mu.Unlock()
	}
	h.s = New(opts)
	return h
}

func schedule(t *testing.T, h *harness, reqs ...Request) []Response {
	t.Helper()
	resps, err := h.s.Schedule(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, resps, len(reqs))
	return resps
}

func TestScheduleAllowed(t *testing.T) {
	tool := &fakeTool{name: "echo"}
	h := newHarness(Options{}, []tools.Tool{tool}, allow("echo"))

	resps := schedule(t, h, Request{CallID: "c1", Name: "echo", Args: map[string]any{"x": 1}, PromptID: "p1"})
	r := resps[0]
	require.Equal(t, StatusSuccess, r.Status)
	require.Equal(t, policy.Allow, r.Decision)
	require.Nil(t, r.Error)
	require.Len(t, r.Parts, 1)
	fr := r.Parts[0].FunctionResponse
	require.Equal(t, "c1", fr.ID)
	require.Equal(t, "echo", fr.Name)
	require.Equal(t, "out", fr.Response["output"])
	require.Equal(t, int32(1), tool.runs.Load())

	require.Equal(t, []Status{StatusValidating, StatusScheduled, StatusExecuting, StatusSuccess}, h.statuses("c1"))

	calls := h.rec.Named(telemetry.EventToolCall)
	require.Len(t, calls, 1)
	tc := calls[0].ToolCall
	require.Equal(t, "c1", tc.CallID)
	require.Equal(t, "p1", tc.PromptID)
	require.True(t, tc.Success)
	require.Equal(t, "allow", tc.Decision)
	require.Equal(t, "sess-1", calls[0].SessionID)
}

func TestScheduleDeniedByPolicy(t *testing.T) {
	tool := &fakeTool{name: "glob"}
	b := bus.New(nil)
	var rejected []string
	b.Subscribe(bus.TypeToolPolicyRejection, func(_ context.Context, msg bus.Message) {
		rejected = append(rejected, msg.(bus.ToolPolicyRejection).ToolCall.Name)
	})
	h := newHarness(Options{Bus: b}, []tools.Tool{tool}, deny("glob"))

	r := schedule(t, h, Request{CallID: "c1", Name: "glob"})[0]
	require.Equal(t, StatusError, r.Status)
	require.Equal(t, tools.ErrorPolicyViolation, r.Error.Type)
	require.Equal(t, "Tool execution denied by policy.", r.Error.Message)
	require.Equal(t, "Tool execution denied by policy.", r.Parts[0].FunctionResponse.Response["error"])
	require.Zero(t, tool.runs.Load())
	require.Equal(t, []string{"glob"}, rejected)

	tc := h.rec.Named(telemetry.EventToolCall)[0].ToolCall
	require.False(t, tc.Success)
	require.Equal(t, string(tools.ErrorPolicyViolation), tc.ErrorType)
}

func TestScheduleUnknownTool(t *testing.T) {
	h := newHarness(Options{}, []tools.Tool{&fakeTool{name: "read_file"}})

	r := schedule(t, h, Request{CallID: "c1", Name: "read_files"})[0]
	require.Equal(t, StatusError, r.Status)
	require.Equal(t, tools.ErrorToolNotRegistered, r.Error.Type)
	require.Contains(t, r.Error.Message, `Tool "read_files" not found in registry.`)
	require.Contains(t, r.Error.Message, `"read_file"`)
}

func TestScheduleInvalidParams(t *testing.T) {
	tool := &fakeTool{name: "echo", buildFn: func(map[string]any) error { return errors.New("missing 'x'") }}
	h := newHarness(Options{}, []tools.Tool{tool}, allow("echo"))

	r := schedule(t, h, Request{CallID: "c1", Name: "echo"})[0]
	require.Equal(t, tools.ErrorInvalidParams, r.Error.Type)
	require.Equal(t, "missing 'x'", r.Error.Message)
}

func TestScheduleConfirmFallback(t *testing.T) {
	details := &tools.ConfirmationDetails{Type: tools.ConfirmEdit, Title: "Confirm Edit"}
	tests := []struct {
		name       string
		confirm    ConfirmFunc
		wantStatus Status
		wantRuns   int32
	}{
		{"no prompt available", nil, StatusCancelled, 0},
		{"proceed once", func(context.Context, Request, *tools.ConfirmationDetails) (bus.Outcome, error) {
			return bus.ProceedOnce, nil
		}, StatusSuccess, 1},
		{"cancel", func(context.Context, Request, *tools.ConfirmationDetails) (bus.Outcome, error) {
			return bus.Cancel, nil
		}, StatusCancelled, 0},
		{"prompt error", func(context.Context, Request, *tools.ConfirmationDetails) (bus.Outcome, error) {
			return "", errors.New("tty closed")
		}, StatusCancelled, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := &fakeTool{name: "write_file", confirm: details}
			h := newHarness(Options{Confirm: tt.confirm}, []tools.Tool{tool})

			r := schedule(t, h, Request{CallID: "c1", Name: "write_file"})[0]
			require.Equal(t, tt.wantStatus, r.Status)
			require.Equal(t, tt.wantRuns, tool.runs.Load())
			require.Equal(t, policy.AskUser, r.Decision)
			if tt.wantStatus == StatusCancelled {
				require.Equal(t, "[Operation Cancelled] Reason: User did not allow tool call", r.Display)
				require.Nil(t, r.Error)
			}
			require.Contains(t, h.statuses("c1"), StatusAwaitingApproval)
		})
	}
}

func TestScheduleAskWithoutDetailsRuns(t *testing.T) {
	tool := &fakeTool{name: "list_directory"}
	h := newHarness(Options{}, []tools.Tool{tool})

	r := schedule(t, h, Request{CallID: "c1", Name: "list_directory"})[0]
	require.Equal(t, StatusSuccess, r.Status)
	require.NotContains(t, h.statuses("c1"), StatusAwaitingApproval)
}

func TestScheduleConfirmOverBusProceedAlways(t *testing.T) {
	engine := policy.NewEngine(policy.EngineConfig{})
	b := bus.New(engine)
	defer bus.SubscribePolicyUpdates(b, engine)()

	var asked []bus.ToolConfirmationRequest
	b.Subscribe(bus.TypeToolConfirmationRequest, func(ctx context.Context, msg bus.Message) {
		req := msg.(bus.ToolConfirmationRequest)
		asked = append(asked, req)
		_ = b.Publish(ctx, bus.ToolConfirmationResponse{CorrelationID: req.CorrelationID, Confirmed: true, Outcome: bus.ProceedAlways})
	})

	var confirmed []string
	tool := &fakeTool{name: constants.ShellToolName, confirm: &tools.ConfirmationDetails{
		Type:        tools.ConfirmExec,
		Title:       "Confirm Shell Command",
		RootCommand: "git",
		OnConfirm:   func(_ context.Context, outcome string) { confirmed = append(confirmed, outcome) },
	}}
	h := newHarness(Options{Engine: engine, Bus: b}, []tools.Tool{tool})

	args := map[string]any{"command": "git status"}
	r := schedule(t, h, Request{CallID: "c1", Name: constants.ShellToolName, Args: args})[0]
	require.Equal(t, StatusSuccess, r.Status)
	require.Equal(t, bus.ProceedAlways, r.Outcome)
	require.Len(t, asked, 1)
	require.Equal(t, "Confirm Shell Command", asked[0].Title)
	require.Equal(t, []string{"proceed_always"}, confirmed)

	call := policy.ToolCall{Name: constants.ShellToolName, Args: map[string]any{"command": "git log"}}
	require.Equal(t, policy.Allow, engine.Check(call, ""))
	call.Args = map[string]any{"command": "rm -rf /"}
	require.Equal(t, policy.AskUser, engine.Check(call, ""))

	// The second call is answered by the new rule without asking.
	r = schedule(t, h, Request{CallID: "c2", Name: constants.ShellToolName, Args: args})[0]
	require.Equal(t, StatusSuccess, r.Status)
	require.Len(t, asked, 1)
}

func TestScheduleProceedAlwaysServer(t *testing.T) {
	engine := policy.NewEngine(policy.EngineConfig{})
	b := bus.New(engine)
	defer bus.SubscribePolicyUpdates(b, engine)()

	tool := fakeServerTool{&fakeTool{name: "srv__search", server: "srv", confirm: &tools.ConfirmationDetails{Type: tools.ConfirmMCP}}}
	h := newHarness(Options{Engine: engine, Bus: b, Confirm: func(context.Context, Request, *tools.ConfirmationDetails) (bus.Outcome, error) {
		return bus.ProceedAlwaysServer, nil
	}}, []tools.Tool{tool})

	r := schedule(t, h, Request{CallID: "c1", Name: "srv__search"})[0]
	require.Equal(t, StatusSuccess, r.Status)
	require.Equal(t, policy.Allow, engine.Check(policy.ToolCall{Name: "srv__other"}, "srv"))
	require.Equal(t, policy.AskUser, engine.Check(policy.ToolCall{Name: "other__x"}, "other"))
}

func TestScheduleNotificationHookBeforeConfirmation(t *testing.T) {
	b := bus.New(nil)
	r := respondHooks(t, b, func(string) string { return "" })
	tool := &fakeTool{name: "write_file", confirm: &tools.ConfirmationDetails{Type: tools.ConfirmEdit}}
	var hooksAtConfirm []string
	h := newHarness(Options{Bus: b, HooksEnabled: true, Confirm: func(context.Context, Request, *tools.ConfirmationDetails) (bus.Outcome, error) {
		hooksAtConfirm = r.seen()
		return bus.ProceedOnce, nil
	}}, []tools.Tool{tool})

	schedule(t, h, Request{CallID: "c1", Name: "write_file"})
	require.Equal(t, []string{"Notification"}, hooksAtConfirm)
	require.Equal(t, []string{"Notification", "BeforeTool", "AfterTool"}, r.seen())
}

func TestSchedulePanicBecomesUnhandledException(t *testing.T) {
	tool := &fakeTool{name: "echo", exec: func(context.Context, tools.ExecuteOptions) (tools.Result, error) {
		panic("boom")
	}}
	h := newHarness(Options{}, []tools.Tool{tool}, allow("echo"))

	r := schedule(t, h, Request{CallID: "c1", Name: "echo"})[0]
	require.Equal(t, StatusError, r.Status)
	require.Equal(t, tools.ErrorUnhandledException, r.Error.Type)
	require.Contains(t, r.Error.Message, "boom")
}

func TestScheduleExecuteError(t *testing.T) {
	tool := &fakeTool{name: "echo", exec: func(context.Context, tools.ExecuteOptions) (tools.Result, error) {
		return tools.Result{}, errors.New("disk full")
	}}
	h := newHarness(Options{}, []tools.Tool{tool}, allow("echo"))

	r := schedule(t, h, Request{CallID: "c1", Name: "echo"})[0]
	require.Equal(t, tools.ErrorExecutionFailed, r.Error.Type)
	require.Equal(t, "disk full", r.Error.Message)
}

func TestScheduleStopRequested(t *testing.T) {
	b := bus.New(nil)
	respondHooks(t, b, func(event string) string {
		if event == "BeforeTool" {
			return `{"continue":false,"stopReason":"budget exhausted"}`
		}
		return ""
	})
	tool := &fakeTool{name: "echo"}
	h := newHarness(Options{Bus: b, HooksEnabled: true}, []tools.Tool{tool}, allow("echo"))

	resps, err := h.s.Schedule(context.Background(), []Request{{CallID: "c1", Name: "echo"}})
	require.ErrorIs(t, err, ErrStopRequested)
	require.Contains(t, err.Error(), "budget exhausted")
	require.Equal(t, tools.ErrorStopExecution, resps[0].Error.Type)
	require.Zero(t, tool.runs.Load())
}

func TestScheduleRunsCallsConcurrently(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	tool := &fakeTool{name: "wait", exec: func(ctx context.Context, _ tools.ExecuteOptions) (tools.Result, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return tools.Result{}, ctx.Err()
		}
		return tools.Result{LLMContent: tools.TextContent("done")}, nil
	}}
	h := newHarness(Options{}, []tools.Tool{tool}, allow("wait"))

	overlapped := make(chan bool, 1)
	go func() {
		defer close(release)
		for range 2 {
			select {
			case <-started:
			case <-time.After(5 * time.Second):
				overlapped <- false
				return
			}
		}
		overlapped <- true
	}()

	resps := schedule(t, h, Request{CallID: "a", Name: "wait"}, Request{CallID: "b", Name: "wait"})
	require.True(t, <-overlapped, "calls did not run at the same time")
	require.Equal(t, "a", resps[0].CallID)
	require.Equal(t, "b", resps[1].CallID)
	for _, r := range resps {
		require.Equal(t, StatusSuccess, r.Status)
	}
}

func TestScheduleCancelledContext(t *testing.T) {
	tool := &fakeTool{name: "echo"}
	h := newHarness(Options{}, []tools.Tool{tool}, allow("echo"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resps, err := h.s.Schedule(ctx, []Request{{CallID: "c1", Name: "echo"}})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, resps[0].Status)
	require.Zero(t, tool.runs.Load())
}

func TestScheduleCancelDuringExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tool := &fakeTool{name: "echo", exec: func(ctx context.Context, _ tools.ExecuteOptions) (tools.Result, error) {
		cancel()
		<-ctx.Done()
		return tools.Result{}, ctx.Err()
	}}
	h := newHarness(Options{}, []tools.Tool{tool}, allow("echo"))

	resps, err := h.s.Schedule(ctx, []Request{{CallID: "c1", Name: "echo"}})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, resps[0].Status)
}

func TestScheduleLiveOutputAndEvents(t *testing.T) {
	tool := &fakeTool{name: "echo", exec: func(_ context.Context, opts tools.ExecuteOptions) (tools.Result, error) {
		opts.LiveOutput("line 1\n")
		opts.LiveOutput("line 2\n")
		return tools.Result{LLMContent: tools.TextContent("ok")}, nil
	}}
	em := events.NewEmitter(0)
	var mu sync.Mutex
	var chunks []string
	h := newHarness(Options{
		Emitter: em,
		OnOutput: func(id, chunk string) {
			mu.Lock()
			chunks = append(chunks, fmt.Sprintf("%s:%s", id, chunk))
			mu.Unlock()
		},
	}, []tools.Tool{tool}, allow("echo"))

	var states []string
	unsubscribe := em.On(func(ev events.Event) {
		if ev.Kind == events.KindToolCallState {
			mu.Lock()
			states = append(states, ev.Data["status"].(string))
			mu.Unlock()
		}
	})
	defer unsubscribe()

	schedule(t, h, Request{CallID: "c1", Name: "echo"})
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"c1:line 1\n", "c1:line 2\n"}, chunks)
	require.Equal(t, []string{"validating", "scheduled", "executing", "success"}, states)
}

func TestFunctionResponseKeepsNonTextParts(t *testing.T) {
	res := tools.Result{LLMContent: tools.TextContent("hello")}
	parts := functionResponse(Request{CallID: "x", Name: "t"}, res)
	require.Len(t, parts, 1)
	require.Equal(t, "hello", parts[0].FunctionResponse.Response["output"])

	res = tools.ErrorResult(tools.ErrorExecutionFailed, "bad")
	parts = functionResponse(Request{CallID: "x", Name: "t"}, res)
	require.Equal(t, "bad", parts[0].FunctionResponse.Response["error"])
	require.NotContains(t, parts[0].FunctionResponse.Response, "output")
}
