// Package agent runs one conversational turn: it asks the model for a plan,
// executes at most one validated search, asks the model to narrate the rows,
// and persists the turn.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/leadnova/leadnova/internal/llm"
	"github.com/leadnova/leadnova/internal/memory"
	"github.com/leadnova/leadnova/internal/observability"
	"github.com/leadnova/leadnova/internal/query"
	"github.com/leadnova/leadnova/internal/search"
)

const (
	defaultHistoryLimit   = 10
	defaultPersistTimeout = 5 * time.Second
	maxLoggedPayload      = 2048
)

type Turn struct {
	SessionID string
	UserID    string
	Message   string
}

// StreamSink receives narration deltas as the model produces them. An error
// stops forwarding; the turn still completes and persists what it has.
type StreamSink func(delta string) error

type Dependencies struct {
	Model    llm.Client
	Builder  *search.Builder
	Executor query.Executor
	Sessions memory.SessionStore
	Audit    memory.AuditLog
	Logger   *slog.Logger
}

type Options struct {
	HistoryLimit       int
	MaxConcurrentTurns int
	PersistTimeout     time.Duration
}

type Orchestrator struct {
	deps         Dependencies
	opts         Options
	tool         llm.Tool
	systemPrompt string
	locks        *sessionLocks
	slots        *semaphore.Weighted
	tracer       trace.Tracer
}

func New(deps Dependencies, opts Options) (*Orchestrator, error) {
	if deps.Model == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if deps.Builder == nil || deps.Builder.Policy() == nil {
		return nil, fmt.Errorf("%w: query builder is required", search.ErrPolicyMisconfigured)
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("query executor is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Audit == nil {
		deps.Audit = memory.NopAuditLog{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}

	tool, err := SearchTool(deps.Builder.Policy())
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		deps:         deps,
		opts:         opts,
		tool:         tool,
		systemPrompt: SystemPrompt(deps.Builder.Policy()),
		locks:        newSessionLocks(),
		tracer:       observability.Tracer(),
	}
	if opts.MaxConcurrentTurns > 0 {
		o.slots = semaphore.NewWeighted(int64(opts.MaxConcurrentTurns))
	}
	return o, nil
}

// Handle runs a turn and collects the narration synchronously.
func (o *Orchestrator) Handle(ctx context.Context, turn Turn) Response {
	return o.run(ctx, turn, nil)
}

// HandleStream runs a turn and forwards narration deltas to sink. Text
// replies are forwarded as a single delta.
func (o *Orchestrator) HandleStream(ctx context.Context, turn Turn, sink StreamSink) Response {
	return o.run(ctx, turn, sink)
}

type state string

const (
	stateAwaitingModel      state = "awaiting_model"
	stateDirectAnswer       state = "direct_answer"
	stateToolRequested      state = "tool_requested"
	stateExecutingTool      state = "executing_tool"
	stateAwaitingModelFinal state = "awaiting_model_final"
	stateDone               state = "done"
	stateFailed             state = "failed"
)

// turnRun carries the mutable state of a single turn.
type turnRun struct {
	o         *Orchestrator
	turn      Turn
	sink      StreamSink
	logger    *slog.Logger
	span      trace.Span
	state     state
	outcome   string
	persisted bool

	querySpec string
	summary   string
	action    memory.ActionType
}

func (o *Orchestrator) run(ctx context.Context, turn Turn, sink StreamSink) (resp Response) {
	started := time.Now()
	defer observability.TrackTurnInFlight()()

	turn.Message = strings.TrimSpace(turn.Message)
	if turn.Message == "" {
		observability.ObserveChatTurn("empty_input", time.Since(started))
		return ErrorResponse(MessageEmptyInput)
	}

	ctx, span := o.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("leadnova.session_id", turn.SessionID),
		attribute.String("leadnova.user_id", turn.UserID),
	))
	defer span.End()

	r := &turnRun{
		o:      o,
		turn:   turn,
		sink:   sink,
		span:   span,
		state:  stateAwaitingModel,
		action: memory.ActionTurnFailure,
		logger: o.deps.Logger.With(
			slog.String("session_id", turn.SessionID),
			slog.String("user_id", turn.UserID),
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		),
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("chat turn panicked", slog.Any("panic", recovered), slog.String("state", string(r.state)))
			r.outcome = "internal_error"
			r.action = memory.ActionTurnFailure
			r.transition(stateFailed)
			resp = ErrorResponse(MessageUnexpected)
			r.finish(ctx, resp)
		}
		span.SetAttributes(attribute.String("leadnova.outcome", r.outcome))
		observability.ObserveChatTurn(r.outcome, time.Since(started))
	}()

	release, err := o.acquire(ctx, turn.SessionID)
	if err != nil {
		r.fail(err, "internal_error")
		resp = ErrorResponse(MessageUnexpected)
		r.finish(ctx, resp)
		return resp
	}
	defer release()

	resp = r.execute(ctx)
	r.finish(ctx, resp)
	return resp
}

func (o *Orchestrator) acquire(ctx context.Context, sessionID string) (func(), error) {
	if o.slots != nil {
		if err := o.slots.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("wait for turn slot: %w", err)
		}
	}
	unlock, err := o.locks.Lock(ctx, sessionID)
	if err != nil {
		if o.slots != nil {
			o.slots.Release(1)
		}
		return nil, fmt.Errorf("wait for session %s: %w", sessionID, err)
	}
	return func() {
		unlock()
		if o.slots != nil {
			o.slots.Release(1)
		}
	}, nil
}

func (r *turnRun) execute(ctx context.Context) Response {
	messages := r.assemble(ctx)

	plan, err := r.callModel(ctx, "plan", llm.Request{Messages: messages, Tools: []llm.Tool{r.o.tool}}, nil)
	if err != nil {
		r.fail(err, "model_error")
		return ErrorResponse(MessageModelFailed)
	}

	call, ok := plan.FirstToolCall()
	if !ok {
		r.transition(stateDirectAnswer)
		content := strings.TrimSpace(plan.Content)
		if content == "" {
			r.fail(&ModelError{Stage: "plan", Err: errors.New("empty answer")}, "model_error")
			return ErrorResponse(MessageModelFailed)
		}
		r.action = memory.ActionDirectAnswer
		r.outcome = "text"
		r.forward(content)
		r.transition(stateDone)
		return TextResponse(content)
	}
	if len(plan.ToolCalls) > 1 {
		r.logger.Warn("model requested multiple tool calls; honoring the first", slog.Int("tool_calls", len(plan.ToolCalls)))
	}

	r.transition(stateToolRequested)
	args, err := parseSearchArguments(call)
	if err != nil {
		r.logger.Error("invalid tool call from model",
			slog.String("tool", call.Function.Name),
			slog.String("payload", truncate(call.Function.Arguments, maxLoggedPayload)),
			slog.String("error", err.Error()),
		)
		r.querySpec = truncate(call.Function.Arguments, maxLoggedPayload)
		r.summary = "invalid tool arguments"
		r.fail(err, "validation_error")
		return ErrorResponse(MessageInvalidToolCall)
	}

	spec, err := r.o.deps.Builder.BuildLimited(args.Filters, args.Columns, int(args.Limit))
	if err != nil {
		r.fail(err, "internal_error")
		return ErrorResponse(MessageUnexpected)
	}

	r.transition(stateExecutingTool)
	r.querySpec = spec.String()
	r.audit(ctx, memory.AuditRecord{ActionType: memory.ActionToolAttempt, QuerySpec: r.querySpec})

	result, err := r.executeSearch(ctx, spec)
	if err != nil {
		r.action = memory.ActionToolFailure
		r.summary = "error: " + observability.Mask(err.Error())
		r.fail(err, "execution_error")
		return ErrorResponse(MessageSearchFailed)
	}
	r.action = memory.ActionToolSuccess
	r.summary = fmt.Sprintf("rows=%d", len(result.Rows))

	if len(result.Rows) == 0 {
		r.outcome = "empty_result"
		text := relaxSuggestion(spec.Filters)
		r.forward(text)
		r.transition(stateDone)
		return TextResponse(text)
	}

	r.transition(stateAwaitingModelFinal)
	records := result.Records()
	toolMessage, err := toolResultMessage(call.ID, result.Columns, records)
	if err != nil {
		r.fail(err, "internal_error")
		return ErrorResponse(MessageUnexpected)
	}
	honored := call
	honored.Function.Name = searchToolName
	messages = append(messages,
		llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{honored}},
		toolMessage,
	)

	narration, err := r.callModel(ctx, "narrate", llm.Request{Messages: messages}, r.sink)
	summary := strings.TrimSpace(narration.Content)
	if err != nil {
		if errors.Is(err, errSinkClosed) || ctx.Err() != nil {
			// The caller went away mid-stream; keep what was produced.
			r.logger.Warn("narration stream interrupted", slog.Int("partial_bytes", len(summary)), slog.String("error", err.Error()))
			r.outcome = "cancelled"
			r.summary += " partial=true"
			r.transition(stateDone)
			return DataResponse(summary, result.Columns, records)
		}
		r.fail(err, "model_error")
		return ErrorResponse(MessageModelFailed)
	}
	if summary == "" {
		r.fail(&ModelError{Stage: "narrate", Err: errors.New("empty narration")}, "model_error")
		return ErrorResponse(MessageModelFailed)
	}
	r.outcome = "data"
	r.transition(stateDone)
	return DataResponse(summary, result.Columns, records)
}

// assemble reads session history exactly once. A failed read degrades to an
// empty history rather than failing the turn.
func (r *turnRun) assemble(ctx context.Context) []llm.Message {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: r.o.systemPrompt}}

	history, err := r.o.deps.Sessions.Recent(ctx, r.turn.SessionID, r.o.opts.HistoryLimit)
	if err != nil {
		r.logger.Warn("session history unavailable", slog.String("error", err.Error()))
		history = nil
	}
	for _, item := range history {
		content := strings.TrimSpace(item.Content)
		if content == "" || (item.Role != memory.RoleUser && item.Role != memory.RoleAssistant) {
			r.logger.Warn("skipping malformed history item", slog.String("role", string(item.Role)))
			continue
		}
		messages = append(messages, llm.Message{Role: string(item.Role), Content: content})
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: r.turn.Message})
}

var errSinkClosed = errors.New("stream sink closed")

func (r *turnRun) callModel(ctx context.Context, stage string, req llm.Request, sink StreamSink) (llm.Response, error) {
	ctx, span := r.o.tracer.Start(ctx, "llm."+stage, trace.WithAttributes(
		attribute.Int("leadnova.messages", len(req.Messages)),
		attribute.Bool("leadnova.streaming", sink != nil),
	))
	defer span.End()

	started := time.Now()
	var (
		resp llm.Response
		err  error
	)
	if sink != nil {
		resp, err = r.o.deps.Model.Stream(ctx, req, func(delta string) error {
			if sinkErr := sink(delta); sinkErr != nil {
				return fmt.Errorf("%w: %v", errSinkClosed, sinkErr)
			}
			return nil
		})
	} else {
		resp, err = r.o.deps.Model.Complete(ctx, req)
	}
	observability.ObserveLLMCall(stage, err, time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "model call failed")
		if errors.Is(err, errSinkClosed) {
			return resp, err
		}
		return resp, &ModelError{Stage: stage, Err: err}
	}
	span.SetAttributes(attribute.Int("leadnova.tool_calls", len(resp.ToolCalls)))
	return resp, nil
}

func (r *turnRun) executeSearch(ctx context.Context, spec search.QuerySpec) (query.Result, error) {
	ctx, span := r.o.tracer.Start(ctx, "search.execute", trace.WithAttributes(
		attribute.Int("leadnova.filters", len(spec.Filters)),
		attribute.Int("leadnova.rejected_filters", len(spec.Rejected)),
		attribute.Int("leadnova.limit", spec.Limit),
	))
	defer span.End()

	result, err := r.o.deps.Executor.Execute(ctx, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return query.Result{}, err
	}
	span.SetAttributes(attribute.Int("leadnova.rows", len(result.Rows)))
	return result, nil
}

func (r *turnRun) forward(text string) {
	if r.sink == nil {
		return
	}
	if err := r.sink(text); err != nil {
		r.logger.Debug("stream sink rejected reply", slog.String("error", err.Error()))
	}
}

func (r *turnRun) transition(next state) {
	r.logger.Debug("chat turn transition", slog.String("from", string(r.state)), slog.String("to", string(next)))
	r.span.AddEvent(string(next))
	r.state = next
}

func (r *turnRun) fail(err error, outcome string) {
	r.outcome = outcome
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, outcome)

	attrs := []any{slog.String("state", string(r.state)), slog.String("error", observability.Mask(err.Error()))}
	var execErr *query.ExecutionError
	if errors.As(err, &execErr) {
		attrs = append(attrs, slog.String("kind", string(execErr.Kind)))
	}
	var modelErr *ModelError
	if errors.As(err, &modelErr) {
		attrs = append(attrs, slog.String("stage", modelErr.Stage))
	}
	r.logger.Error("chat turn failed", attrs...)
	r.transition(stateFailed)
}

// finish writes the turn to session memory and the closing audit record.
// Both use a context detached from the caller so a disconnect does not lose
// the turn.
func (r *turnRun) finish(ctx context.Context, resp Response) {
	if r.persisted {
		return
	}
	r.persisted = true

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.opts.PersistTimeout)
	defer cancel()

	if err := r.o.deps.Sessions.Append(persistCtx, r.turn.SessionID, r.turn.Message, resp.Rendered()); err != nil {
		observability.IncrementMemoryWriteFailure()
		r.logger.Error("session memory write failed", slog.String("error", err.Error()))
	}
	r.audit(persistCtx, memory.AuditRecord{
		ActionType:    r.action,
		QuerySpec:     r.querySpec,
		ResultSummary: r.summary,
		FinalResponse: resp.Rendered(),
	})
}

func (r *turnRun) audit(ctx context.Context, record memory.AuditRecord) {
	record.UserID = r.turn.UserID
	record.SessionID = r.turn.SessionID
	record.UserQuery = r.turn.Message
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if err := r.o.deps.Audit.Log(context.WithoutCancel(ctx), record); err != nil {
		observability.IncrementAuditWriteFailure()
		r.logger.Error("audit write failed",
			slog.String("action", string(record.ActionType)),
			slog.String("error", err.Error()),
		)
	}
}

func toolResultMessage(callID string, columns []string, records []map[string]any) (llm.Message, error) {
	payload, err := json.Marshal(map[string]any{
		"row_count": len(records),
		"columns":   columns,
		"rows":      records,
	})
	if err != nil {
		return llm.Message{}, fmt.Errorf("marshal tool result: %w", err)
	}
	return llm.Message{
		Role:       llm.RoleTool,
		Name:       searchToolName,
		ToolCallID: callID,
		Content:    string(payload),
	}, nil
}

// relaxSuggestion names the last user-facing filter as the one to drop.
// Quality filters are skipped since the user did not ask for them.
func relaxSuggestion(filters []search.Filter) string {
	for i := len(filters) - 1; i >= 0; i-- {
		column := filters[i].Column
		if qualityColumns[column] {
			continue
		}
		return fmt.Sprintf("I couldn't find contacts for that specific request. Would you like to try searching without the %s filter?", humanize(column))
	}
	return "I couldn't find contacts for that specific request. Would you like to try a broader search?"
}

var qualityColumns = map[string]bool{
	"is_unsubscribed":           true,
	"confidence_score":          true,
	"organization_email_status": true,
}

func humanize(column string) string {
	name := strings.TrimPrefix(column, "person_")
	name = strings.TrimPrefix(name, "location_")
	return strings.ReplaceAll(name, "_", " ")
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	for max > 0 && !utf8.RuneStart(value[max]) {
		max--
	}
	return value[:max] + "..."
}
