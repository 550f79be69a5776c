package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgerlanc/warden/internal/bus"
	"github.com/dgerlanc/warden/internal/constants"
	"github.com/dgerlanc/warden/internal/events"
	"github.com/dgerlanc/warden/internal/llm"
	"github.com/dgerlanc/warden/internal/logger"
	"github.com/dgerlanc/warden/internal/policy"
	"github.com/dgerlanc/warden/internal/telemetry"
	"github.com/dgerlanc/warden/internal/tools"
)

// Status is where a call is in its lifecycle.
type Status string

const (
	StatusValidating       Status = "validating"
	StatusScheduled        Status = "scheduled"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusExecuting        Status = "executing"
	StatusSuccess          Status = "success"
	StatusError            Status = "error"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError || s == StatusCancelled
}

const (
	deniedByPolicy  = "Tool execution denied by policy."
	userCancelled   = "User did not allow tool call"
	cancelledBefore = "Tool call cancelled before execution."
)

// ErrStopRequested is returned by Schedule when a call asked for the
// whole agent run to halt.
var ErrStopRequested = errors.New("agent execution stopped")

// Request is one model-requested tool call.
type Request struct {
	CallID   string
	Name     string
	Args     map[string]any
	PromptID string
}

// Response is the settled outcome of a call, handed to the model and UI
// by value.
type Response struct {
	CallID   string
	Name     string
	Status   Status
	Parts    []llm.Part
	Display  string
	Error    *tools.Error
	Decision policy.Decision
	Outcome  bus.Outcome
	Duration time.Duration
}

// Update is a snapshot of a call sent to the status callback.
type Update struct {
	CallID string
	Name   string
	Status Status
	// Confirmation is set while the call awaits approval.
	Confirmation *tools.ConfirmationDetails
	Description  string
	PID          int
}

// ConfirmFunc asks the user directly when nothing on the bus can.
type ConfirmFunc func(ctx context.Context, req Request, d *tools.ConfirmationDetails) (bus.Outcome, error)

// Options configures a Scheduler. Registry and Engine are required.
type Options struct {
	Registry *tools.Registry
	Engine   *policy.Engine
	Bus      *bus.Bus

	HooksEnabled bool
	Confirm      ConfirmFunc
	Shell        *tools.ShellConfig

	// MaxConcurrency bounds parallel executions; 0 means unbounded.
	MaxConcurrency int

	// OnUpdate and OnOutput are called from the goroutines running the
	// calls and must be safe for concurrent use.
	OnUpdate func(Update)
	OnOutput func(callID, chunk string)

	SessionID string
	Telemetry telemetry.Sink
	Emitter   *events.Emitter
}

// Scheduler runs batches of tool calls.
type Scheduler struct {
	opts Options
	now  func() time.Time
	// confirmMu serializes confirmation prompts across batches.
	confirmMu sync.Mutex
}

// New returns a scheduler.
func New(opts Options) *Scheduler {
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop{}
	}
	return &Scheduler{opts: opts, now: time.Now}
}

// call is the in-flight state of one request.
type call struct {
	req      Request
	tool     tools.Tool
	inv      tools.Invocation
	status   Status
	decision policy.Decision
	outcome  bus.Outcome
	details  *tools.ConfirmationDetails
	start    time.Time
	pid      int
	resp     *Response
}

// Schedule validates, approves and runs reqs. Confirmations are asked one
// at a time in request order, then approved calls run concurrently.
// Responses are returned in request order. When a call stops the agent,
// the error wraps ErrStopRequested with the hook's reason.
func (s *Scheduler) Schedule(ctx context.Context, reqs []Request) ([]Response, error) {
	calls := make([]*call, len(reqs))
	for i, r := range reqs {
		calls[i] = &call{req: r, start: s.now()}
		s.setStatus(calls[i], StatusValidating)
	}

	for _, c := range calls {
		s.prepare(ctx, c)
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.opts.MaxConcurrency > 0 {
		g.SetLimit(s.opts.MaxConcurrency)
	}
	for _, c := range calls {
		if c.status != StatusScheduled {
			continue
		}
		g.Go(func() error {
			s.execute(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Response, len(calls))
	var stop error
	for i, c := range calls {
		out[i] = *c.resp
		if stop == nil && c.resp.Error != nil && c.resp.Error.Type == tools.ErrorStopExecution {
			stop = fmt.Errorf("%w: %s", ErrStopRequested, c.resp.Error.Message)
		}
	}
	return out, stop
}

// prepare moves c to scheduled or settles it.
func (s *Scheduler) prepare(ctx context.Context, c *call) {
	if ctx.Err() != nil {
		s.cancel(c, cancelledBefore)
		return
	}
	tool, ok := s.opts.Registry.Get(c.req.Name)
	if !ok {
		s.fail(c, tools.ErrorToolNotRegistered, s.opts.Registry.NotFoundMessage(c.req.Name))
		return
	}
	c.tool = tool
	inv, err := tool.Build(c.req.Args)
	if err != nil {
		s.fail(c, tools.ErrorInvalidParams, err.Error())
		return
	}
	c.inv = inv

	server := tools.ServerName(tool)
	res := s.opts.Engine.Evaluate(policy.ToolCall{Name: c.req.Name, Args: c.req.Args}, server)
	c.decision = res.Decision
	logger.Debug("policy decision", "call", c.req.CallID, "tool", c.req.Name, "decision", string(res.Decision), "reason", res.Reason)

	switch res.Decision {
	case policy.Allow:
		s.setStatus(c, StatusScheduled)
	case policy.Deny:
		if s.opts.Bus != nil {
			_ = s.opts.Bus.Publish(ctx, bus.ToolPolicyRejection{ToolCall: policy.ToolCall{Name: c.req.Name, Args: c.req.Args}})
		}
		s.fail(c, tools.ErrorPolicyViolation, deniedByPolicy)
	default:
		s.confirm(ctx, c, server)
	}
}

func (s *Scheduler) confirm(ctx context.Context, c *call, server string) {
	details, err := c.inv.ShouldConfirmExecute(ctx)
	if err != nil {
		s.fail(c, tools.ErrorExecutionFailed, fmt.Sprintf("Error checking for confirmation: %v", err))
		return
	}
	if details == nil {
		s.setStatus(c, StatusScheduled)
		return
	}
	c.details = details

	s.confirmMu.Lock()
	defer s.confirmMu.Unlock()

	s.setStatus(c, StatusAwaitingApproval)
	if s.opts.HooksEnabled {
		FireToolNotificationHook(ctx, s.opts.Bus, c.req.Name, details)
	}

	outcome := s.askOutcome(ctx, c, server, details)
	c.outcome = outcome
	if details.OnConfirm != nil {
		details.OnConfirm(ctx, string(outcome))
	}
	if !outcome.Approved() {
		s.cancel(c, userCancelled)
		return
	}

	switch outcome {
	case bus.ProceedAlways:
		s.updatePolicy(ctx, bus.UpdatePolicy{ToolName: c.req.Name, CommandPrefix: alwaysPrefix(c.req.Name, details)})
	case bus.ProceedAlwaysServer:
		if server != "" {
			s.updatePolicy(ctx, bus.UpdatePolicy{ToolName: server + constants.MCPToolSeparator + "*"})
		}
	}
	s.setStatus(c, StatusScheduled)
}

// askOutcome asks the bus first and falls back to Confirm when nothing on
// the bus can answer. With neither, the call is cancelled.
func (s *Scheduler) askOutcome(ctx context.Context, c *call, server string, d *tools.ConfirmationDetails) bus.Outcome {
	if s.opts.Bus != nil {
		req := bus.ToolConfirmationRequest{
			CorrelationID: bus.NewCorrelationID(),
			ToolCall:      policy.ToolCall{Name: c.req.Name, Args: c.req.Args},
			ServerName:    server,
			Title:         d.Title,
			Prompt:        c.inv.Describe(),
		}
		resp, err := bus.Request[bus.ToolConfirmationResponse](ctx, s.opts.Bus, req, bus.TypeToolConfirmationResponse)
		switch {
		case err == nil && !resp.RequiresUserConfirmation:
			if resp.Outcome != "" {
				return resp.Outcome
			}
			if resp.Confirmed {
				return bus.ProceedOnce
			}
			return bus.Cancel
		case err != nil && !errors.Is(err, bus.ErrNoResponder):
			logger.Warn("confirmation request failed", "call", c.req.CallID, "error", err)
			return bus.Cancel
		}
	}
	if s.opts.Confirm == nil {
		return bus.Cancel
	}
	outcome, err := s.opts.Confirm(ctx, c.req, d)
	if err != nil {
		logger.Warn("confirmation prompt failed", "call", c.req.CallID, "error", err)
		return bus.Cancel
	}
	return outcome
}

// alwaysPrefix narrows "always allow" for the shell tool to the command's
// root when there is exactly one.
func alwaysPrefix(name string, d *tools.ConfirmationDetails) string {
	if name != constants.ShellToolName || d.RootCommand == "" || strings.Contains(d.RootCommand, ",") {
		return ""
	}
	return d.RootCommand
}

func (s *Scheduler) updatePolicy(ctx context.Context, up bus.UpdatePolicy) {
	if s.opts.Bus == nil {
		return
	}
	if err := s.opts.Bus.Publish(ctx, up); err != nil {
		logger.Warn("policy update failed", "tool", up.ToolName, "error", err)
	}
}

func (s *Scheduler) execute(ctx context.Context, c *call) {
	if ctx.Err() != nil {
		s.cancel(c, cancelledBefore)
		return
	}
	s.setStatus(c, StatusExecuting)

	opts := tools.ExecuteOptions{Shell: s.opts.Shell}
	if s.opts.OnOutput != nil {
		id := c.req.CallID
		opts.LiveOutput = func(chunk string) { s.opts.OnOutput(id, chunk) }
	}
	opts.SetPID = func(pid int) {
		c.pid = pid
		s.notify(c)
	}

	res, err := s.run(ctx, c, opts)
	switch {
	case err != nil && ctx.Err() != nil:
		s.cancel(c, "Tool call cancelled during execution.")
	case err != nil:
		s.fail(c, tools.ErrorExecutionFailed, err.Error())
	case res.Error != nil:
		s.settle(c, StatusError, res)
	default:
		s.settle(c, StatusSuccess, res)
	}
}

// run executes the call, turning a panic into an error result.
func (s *Scheduler) run(ctx context.Context, c *call, opts tools.ExecuteOptions) (res tools.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("tool panicked", "tool", c.req.Name, "panic", r, "stack", string(debug.Stack()))
			res = tools.ErrorResult(tools.ErrorUnhandledException, fmt.Sprintf("Unhandled exception in tool %s: %v", c.req.Name, r))
			err = nil
		}
	}()
	return ExecuteToolWithHooks(ctx, c.inv, c.req.Name, s.opts.Bus, s.opts.HooksEnabled, opts)
}

func (s *Scheduler) fail(c *call, typ tools.ErrorType, msg string) {
	s.settle(c, StatusError, tools.ErrorResult(typ, msg))
}

func (s *Scheduler) cancel(c *call, reason string) {
	msg := "[Operation Cancelled] Reason: " + reason
	c.resp = s.response(c, StatusCancelled, tools.Result{LLMContent: tools.TextContent(msg), Display: msg})
	s.finish(c, StatusCancelled)
}

func (s *Scheduler) settle(c *call, st Status, res tools.Result) {
	c.resp = s.response(c, st, res)
	s.finish(c, st)
}

func (s *Scheduler) finish(c *call, st Status) {
	s.setStatus(c, st)
	s.record(c)
}

func (s *Scheduler) response(c *call, st Status, res tools.Result) *Response {
	return &Response{
		CallID:   c.req.CallID,
		Name:     c.req.Name,
		Status:   st,
		Parts:    functionResponse(c.req, res),
		Display:  res.Display,
		Error:    res.Error,
		Decision: c.decision,
		Outcome:  c.outcome,
		Duration: s.now().Sub(c.start),
	}
}

// functionResponse wraps a result as the parts the model receives. Text
// goes into the function response; other parts follow it.
func functionResponse(req Request, res tools.Result) []llm.Part {
	body := map[string]any{}
	if res.Error != nil {
		body["error"] = res.Error.Message
	} else {
		body["output"] = tools.ContentText(res.LLMContent)
	}
	parts := []llm.Part{{FunctionResponse: &llm.FunctionResponse{ID: req.CallID, Name: req.Name, Response: body}}}
	for _, p := range tools.ContentParts(res.LLMContent) {
		if p.FunctionCall != nil || p.FunctionResponse != nil {
			parts = append(parts, p)
		}
	}
	return parts
}

func (s *Scheduler) setStatus(c *call, st Status) {
	c.status = st
	s.notify(c)
}

func (s *Scheduler) notify(c *call) {
	u := Update{CallID: c.req.CallID, Name: c.req.Name, Status: c.status, PID: c.pid}
	if c.status == StatusAwaitingApproval {
		u.Confirmation = c.details
	}
	if c.inv != nil {
		u.Description = c.inv.Describe()
	}
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate(u)
	}
	if s.opts.Emitter != nil {
		s.opts.Emitter.Emit(events.Event{
			Kind:   events.KindToolCallState,
			Source: "scheduler",
			Data:   map[string]any{"callId": u.CallID, "tool": u.Name, "status": string(u.Status)},
		})
	}
}

func (s *Scheduler) record(c *call) {
	tc := &telemetry.ToolCall{
		CallID:     c.req.CallID,
		PromptID:   c.req.PromptID,
		Tool:       c.req.Name,
		Decision:   string(c.decision),
		Outcome:    string(c.outcome),
		Status:     string(c.resp.Status),
		Success:    c.resp.Status == StatusSuccess,
		DurationMs: telemetry.Milliseconds(c.resp.Duration),
	}
	if e := c.resp.Error; e != nil {
		tc.ErrorType = string(e.Type)
		tc.Error = e.Message
	}
	ev := telemetry.Event{Name: telemetry.EventToolCall, SessionID: s.opts.SessionID, ToolCall: tc}
	if err := s.opts.Telemetry.Log(ev); err != nil {
		logger.Debug("failed to log tool call", "call", c.req.CallID, "error", err)
	}
}
