package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadnova/leadnova/internal/llm"
	"github.com/leadnova/leadnova/internal/memory"
	"github.com/leadnova/leadnova/internal/query"
	"github.com/leadnova/leadnova/internal/search"
)

type scriptedReply struct {
	resp   llm.Response
	deltas []string
	err    error
}

type fakeModel struct {
	mu       sync.Mutex
	replies  []scriptedReply
	requests []llm.Request
	streamed int
	delay    time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (m *fakeModel) next(req llm.Request) scriptedReply {
	current := m.inflight.Add(1)
	defer m.inflight.Add(-1)
	for {
		seen := m.maxInflight.Load()
		if current <= seen || m.maxInflight.CompareAndSwap(seen, current) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.replies) == 0 {
		return scriptedReply{err: errors.New("no scripted reply")}
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return reply
}

func (m *fakeModel) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	reply := m.next(req)
	return reply.resp, reply.err
}

func (m *fakeModel) Stream(_ context.Context, req llm.Request, onDelta func(string) error) (llm.Response, error) {
	reply := m.next(req)
	m.mu.Lock()
	m.streamed++
	m.mu.Unlock()
	if reply.err != nil {
		return llm.Response{}, reply.err
	}
	var content string
	for _, delta := range reply.deltas {
		content += delta
		if err := onDelta(delta); err != nil {
			return llm.Response{Content: content}, err
		}
	}
	return llm.Response{Content: content, FinishReason: "stop"}, nil
}

func (m *fakeModel) calls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

type fakeExecutor struct {
	mu     sync.Mutex
	result query.Result
	err    error
	panic  any
	specs  []search.QuerySpec
}

func (e *fakeExecutor) Execute(_ context.Context, spec search.QuerySpec) (query.Result, error) {
	e.mu.Lock()
	e.specs = append(e.specs, spec)
	e.mu.Unlock()
	if e.panic != nil {
		panic(e.panic)
	}
	return e.result, e.err
}

type appended struct {
	sessionID string
	user      string
	assistant string
}

type fakeSessions struct {
	mu        sync.Mutex
	history   map[string][]memory.ConversationTurn
	recentErr error
	appendErr error
	reads     int
	writes    []appended
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{history: map[string][]memory.ConversationTurn{}}
}

func (s *fakeSessions) Recent(_ context.Context, sessionID string, limit int) ([]memory.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.recentErr != nil {
		return nil, s.recentErr
	}
	turns := s.history[sessionID]
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]memory.ConversationTurn(nil), turns...), nil
}

func (s *fakeSessions) Append(ctx context.Context, sessionID, user, assistant string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, appended{sessionID: sessionID, user: user, assistant: assistant})
	s.history[sessionID] = append(s.history[sessionID],
		memory.ConversationTurn{Role: memory.RoleUser, Content: user},
		memory.ConversationTurn{Role: memory.RoleAssistant, Content: assistant},
	)
	return s.appendErr
}

type fakeAudit struct {
	mu      sync.Mutex
	records []memory.AuditRecord
	err     error
}

func (a *fakeAudit) Log(_ context.Context, record memory.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, record)
	return a.err
}

func (a *fakeAudit) actions() []memory.ActionType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]memory.ActionType, 0, len(a.records))
	for _, record := range a.records {
		out = append(out, record.ActionType)
	}
	return out
}

func (a *fakeAudit) last() memory.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records[len(a.records)-1]
}

type harness struct {
	orchestrator *Orchestrator
	model        *fakeModel
	executor     *fakeExecutor
	sessions     *fakeSessions
	audit        *fakeAudit
}

func newHarness(t *testing.T, model *fakeModel, executor *fakeExecutor) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	builder, err := search.NewBuilder(search.DefaultPolicy(), logger)
	require.NoError(t, err)
	h := &harness{model: model, executor: executor, sessions: newFakeSessions(), audit: &fakeAudit{}}
	h.orchestrator, err = New(Dependencies{
		Model:    model,
		Builder:  builder,
		Executor: executor,
		Sessions: h.sessions,
		Audit:    h.audit,
		Logger:   logger,
	}, Options{HistoryLimit: 10, MaxConcurrentTurns: 8, PersistTimeout: time.Second})
	require.NoError(t, err)
	return h
}

func toolCall(id, name, arguments string) llm.Response {
	return llm.Response{
		FinishReason: "tool_calls",
		ToolCalls: []llm.ToolCall{{
			ID:       id,
			Type:     "function",
			Function: llm.FunctionCall{Name: name, Arguments: arguments},
		}},
	}
}

func textReply(content string) scriptedReply {
	return scriptedReply{resp: llm.Response{Content: content, FinishReason: "stop"}}
}

func developerRows() query.Result {
	return query.Result{
		Columns: []string{"person_full_name", "job_title"},
		Rows: [][]any{
			{"Ada Lovelace", "Senior Developer"},
			{"Linus Torvalds", "Kernel Developer"},
		},
	}
}
