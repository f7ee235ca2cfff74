package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadnova/leadnova/internal/llm"
	"github.com/leadnova/leadnova/internal/memory"
	"github.com/leadnova/leadnova/internal/query"
)

func TestHandleDirectAnswer(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		textReply("I am Leadnova Assistant, your AI marketing specialist."),
	}}
	h := newHarness(t, model, &fakeExecutor{})

	resp := h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", UserID: "u1", Message: "who are you?"})

	assert.Equal(t, TextResponse("I am Leadnova Assistant, your AI marketing specialist."), resp)
	assert.Empty(t, h.executor.specs)
	require.Len(t, model.calls(), 1)
	plan := model.calls()[0]
	require.Len(t, plan.Tools, 1)
	assert.Equal(t, searchToolName, plan.Tools[0].Function.Name)
	assert.Equal(t, llm.RoleSystem, plan.Messages[0].Role)
	assert.Equal(t, "who are you?", plan.Messages[len(plan.Messages)-1].Content)

	assert.Equal(t, 1, h.sessions.reads)
	assert.Equal(t, []appended{{sessionID: "s1", user: "who are you?", assistant: resp.Content}}, h.sessions.writes)
	assert.Equal(t, []memory.ActionType{memory.ActionDirectAnswer}, h.audit.actions())
	assert.Equal(t, "u1", h.audit.last().UserID)
}

func TestHandleToolCallNarratesRows(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		{resp: toolCall("call_1", searchToolName, `{"filters":[{"column":"job_title","operator":"LIKE","value":"developer"}],"columns":["person_full_name","job_title"]}`)},
		textReply("I found 2 developers in our network."),
	}}
	executor := &fakeExecutor{result: developerRows()}
	h := newHarness(t, model, executor)

	resp := h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", UserID: "u1", Message: "find developers"})

	require.Equal(t, ResponseData, resp.Type)
	assert.Equal(t, "I found 2 developers in our network.", resp.Summary)
	assert.Equal(t, []string{"person_full_name", "job_title"}, resp.Columns)
	require.Len(t, resp.Rows, 2)
	assert.Equal(t, "Ada Lovelace", resp.Rows[0]["person_full_name"])

	require.Len(t, executor.specs, 1)
	spec := executor.specs[0]
	assert.Equal(t, `SELECT "person_full_name", "job_title" FROM "profile_data" WHERE "job_title" ILIKE $1 ORDER BY "person_full_name" ASC, "profile_id" ASC LIMIT 10`, spec.SQL)
	assert.Equal(t, []any{"%developer%"}, spec.Args)

	calls := model.calls()
	require.Len(t, calls, 2)
	narrate := calls[1]
	assert.Empty(t, narrate.Tools)
	last := narrate.Messages[len(narrate.Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "call_1", last.ToolCallID)
	assert.Contains(t, last.Content, `"row_count":2`)
	assert.Equal(t, "call_1", narrate.Messages[len(narrate.Messages)-2].ToolCalls[0].ID)

	assert.Equal(t, []memory.ActionType{memory.ActionToolAttempt, memory.ActionToolSuccess}, h.audit.actions())
	assert.Equal(t, "rows=2", h.audit.last().ResultSummary)
	assert.Contains(t, h.audit.last().QuerySpec, "ILIKE $1")
	require.Len(t, h.sessions.writes, 1)
	assert.Equal(t, resp.Summary, h.sessions.writes[0].assistant)
}

func TestHandleSkipsGarbageFilterEntry(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		{resp: toolCall("call_1", searchToolName, `{"filters":[{"column":"job_title","operator":"LIKE","value":"developer"},{"column":"job_title","operator":"EQ","value":{"x":1}}]}`)},
		textReply("I found 2 developers in our network."),
	}}
	executor := &fakeExecutor{result: developerRows()}
	h := newHarness(t, model, executor)

	resp := h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", Message: "find developers"})

	require.Equal(t, ResponseData, resp.Type)
	require.Len(t, executor.specs, 1)
	spec := executor.specs[0]
	assert.Equal(t, []any{"%developer%"}, spec.Args)
	require.Len(t, spec.Rejected, 1)
	assert.Equal(t, []memory.ActionType{memory.ActionToolAttempt, memory.ActionToolSuccess}, h.audit.actions())
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	got := truncate("Zoë Müller", 3)
	assert.Equal(t, "Zo...", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "Zoë", truncate("Zoë", 4))
}

func TestHandleZeroRowsSuggestsRelaxedSearch(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		{resp: toolCall("call_1", searchToolName, `{"filters":[
			{"column":"person_location_country","operator":"EQ","value":"Atlantis"},
			{"column":"confidence_score","operator":"GT","value":50},
			{"column":"is_unsubscribed","operator":"EQ","value":false}
		]}`)},
	}}
	executor := &fakeExecutor{result: query.Result{Columns: []string{"person_full_name"}}}
	h := newHarness(t, model, executor)

	resp := h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", Message: "contacts in Atlantis"})

	require.Equal(t, ResponseText, resp.Type)
	assert.Contains(t, resp.Content, "without the country filter")
	assert.Len(t, model.calls(), 1)
	assert.Equal(t, []memory.ActionType{memory.ActionToolAttempt, memory.ActionToolSuccess}, h.audit.actions())
	assert.Equal(t, "rows=0", h.audit.last().ResultSummary)
}

func TestRelaxSuggestionWithoutUserFilters(t *testing.T) {
	assert.Equal(t,
		"I couldn't find contacts for that specific request. Would you like to try a broader search?",
		relaxSuggestion(nil),
	)
}

func TestHandleExecutorErrorIsSanitized(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		{resp: toolCall("call_1", searchToolName, `{"filters":[{"column":"job_title","operator":"EQ","value":"CTO"}]}`)},
	}}
	executor := &fakeExecutor{err: query.NewExecutionError(query.KindStatement, errors.New(`relation "profile_data" does not exist`))}
	h := newHarness(t, model, executor)

	resp := h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", UserID: "u1", Message: "find CTOs"})

	assert.Equal(t, ErrorResponse(MessageSearchFailed), resp)
	assert.NotContains(t, resp.Message, "profile_data")
	assert.Len(t, model.calls(), 1)
	assert.Equal(t, []memory.ActionType{memory.ActionToolAttempt, memory.ActionToolFailure}, h.audit.actions())
	assert.Contains(t, h.audit.last().ResultSummary, "does not exist")
	assert.Equal(t, MessageSearchFailed, h.audit.last().FinalResponse)
	assert.Equal(t, []appended{{sessionID: "s1", user: "find CTOs", assistant: MessageSearchFailed}}, h.sessions.writes)
}

func TestHandleMalformedToolArguments(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		{resp: toolCall("call_1", searchToolName, `{"filters": "everyone"`)},
	}}
	h := newHarness(t, model, &fakeExecutor{})

	resp := h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", Message: "find people"})

	assert.Equal(t, ErrorResponse(MessageInvalidToolCall), resp)
	assert.Empty(t, h.executor.specs)
	assert.Equal(t, []memory.ActionType{memory.ActionTurnFailure}, h.audit.actions())
	assert.Equal(t, `{"filters": "everyone"`, h.audit.last().QuerySpec)
	require.Len(t, h.sessions.writes, 1)
	assert.Equal(t, MessageInvalidToolCall, h.sessions.writes[0].assistant)
}

func TestHandleUnknownToolIsValidationFailure(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		{resp: toolCall("call_1", "drop_tables", `{}`)},
	}}
	h := newHarness(t, model, &fakeExecutor{})

	resp := h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", Message: "hi"})

	assert.Equal(t, ErrorResponse(MessageInvalidToolCall), resp)
	assert.Empty(t, h.executor.specs)
}

func TestHandleOnlyFirstToolCallIsHonored(t *testing.T) {
	plan := toolCall("call_1", searchToolName, `{"filters":[]}`)
	plan.ToolCalls = append(plan.ToolCalls, llm.ToolCall{ID: "call_2", Type: "function", Function: llm.FunctionCall{Name: searchToolName, Arguments: `{}`}})
	model := &fakeModel{replies: []scriptedReply{{resp: plan}, textReply("Here are some contacts.")}}
	executor := &fakeExecutor{result: developerRows()}
	h := newHarness(t, model, executor)

	resp := h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", Message: "anyone"})

	assert.Equal(t, ResponseData, resp.Type)
	assert.Len(t, executor.specs, 1)
	narrate := model.calls()[1]
	assert.Len(t, narrate.Messages[len(narrate.Messages)-2].ToolCalls, 1)
}

func TestHandleModelErrorStillPersistsTurn(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{{err: errors.New("status=500")}}}
	h := newHarness(t, model, &fakeExecutor{})

	resp := h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", Message: "hello"})

	assert.Equal(t, ErrorResponse(MessageModelFailed), resp)
	assert.Equal(t, []appended{{sessionID: "s1", user: "hello", assistant: MessageModelFailed}}, h.sessions.writes)
	assert.Equal(t, []memory.ActionType{memory.ActionTurnFailure}, h.audit.actions())
}

func TestHandleNarrationFailureIsModelError(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		{resp: toolCall("call_1", searchToolName, `{"filters":[]}`)},
		{err: errors.New("upstream timeout")},
	}}
	h := newHarness(t, model, &fakeExecutor{result: developerRows()})

	resp := h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", Message: "anyone"})

	assert.Equal(t, ErrorResponse(MessageModelFailed), resp)
	assert.Len(t, model.calls(), 2)
	assert.Equal(t, []memory.ActionType{memory.ActionToolAttempt, memory.ActionToolSuccess}, h.audit.actions())
}

func TestHandleRecoversFromPanic(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		{resp: toolCall("call_1", searchToolName, `{"filters":[]}`)},
	}}
	h := newHarness(t, model, &fakeExecutor{panic: "nil map write"})

	resp := h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", Message: "anyone"})

	assert.Equal(t, ErrorResponse(MessageUnexpected), resp)
	assert.Equal(t, []appended{{sessionID: "s1", user: "anyone", assistant: MessageUnexpected}}, h.sessions.writes)
	assert.Equal(t, memory.ActionTurnFailure, h.audit.last().ActionType)
}

func TestHandleStreamForwardsNarration(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		{resp: toolCall("call_1", searchToolName, `{"filters":[]}`)},
		{deltas: []string{"Found ", "2 ", "developers."}},
	}}
	h := newHarness(t, model, &fakeExecutor{result: developerRows()})

	var deltas []string
	resp := h.orchestrator.HandleStream(context.Background(), Turn{SessionID: "s1", Message: "developers"}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})

	assert.Equal(t, []string{"Found ", "2 ", "developers."}, deltas)
	assert.Equal(t, "Found 2 developers.", resp.Summary)
	assert.Equal(t, 1, model.streamed)
	assert.Equal(t, "Found 2 developers.", h.sessions.writes[0].assistant)
}

func TestHandleStreamForwardsDirectAnswerOnce(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{textReply("Hello! How can I help?")}}
	h := newHarness(t, model, &fakeExecutor{})

	var deltas []string
	resp := h.orchestrator.HandleStream(context.Background(), Turn{SessionID: "s1", Message: "hi"}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})

	assert.Equal(t, ResponseText, resp.Type)
	assert.Equal(t, []string{"Hello! How can I help?"}, deltas)
	assert.Zero(t, model.streamed)
}

func TestHandleStreamCancelledMidwayPersistsPartial(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		{resp: toolCall("call_1", searchToolName, `{"filters":[]}`)},
		{deltas: []string{"Found ", "2 ", "developers."}},
	}}
	h := newHarness(t, model, &fakeExecutor{result: developerRows()})

	ctx, cancel := context.WithCancel(context.Background())
	sent := 0
	resp := h.orchestrator.HandleStream(ctx, Turn{SessionID: "s1", Message: "developers"}, func(string) error {
		sent++
		if sent == 2 {
			cancel()
			return errors.New("client disconnected")
		}
		return nil
	})

	assert.Equal(t, ResponseData, resp.Type)
	require.Len(t, h.sessions.writes, 1)
	assert.Equal(t, "Found 2", h.sessions.writes[0].assistant)
	assert.Contains(t, h.audit.last().ResultSummary, "partial=true")
}

func TestHandleSanitizesHistory(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{textReply("Sure.")}}
	h := newHarness(t, model, &fakeExecutor{})
	h.sessions.history["s1"] = []memory.ConversationTurn{
		{Role: memory.RoleUser, Content: "find developers"},
		{Role: memory.RoleAssistant, Content: "I found 2 developers."},
		{Role: "narrator", Content: "ignored"},
		{Role: memory.RoleAssistant, Content: "   "},
		{Role: memory.RoleTool, Content: `{"rows":[]}`},
	}

	h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", Message: "only in Germany"})

	messages := model.calls()[0].Messages
	require.Len(t, messages, 4)
	assert.Equal(t, "find developers", messages[1].Content)
	assert.Equal(t, "I found 2 developers.", messages[2].Content)
	assert.Equal(t, "only in Germany", messages[3].Content)
}

func TestHandleHistoryReadFailureDegrades(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{textReply("Hello!")}}
	h := newHarness(t, model, &fakeExecutor{})
	h.sessions.recentErr = errors.New("redis down")

	resp := h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", Message: "hi"})

	assert.Equal(t, TextResponse("Hello!"), resp)
	assert.Len(t, model.calls()[0].Messages, 2)
}

func TestHandleAuditAndMemoryFailuresAreNotSurfaced(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{textReply("Hello!")}}
	h := newHarness(t, model, &fakeExecutor{})
	h.sessions.appendErr = errors.New("redis down")
	h.audit.err = errors.New("db down")

	resp := h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", Message: "hi"})

	assert.Equal(t, TextResponse("Hello!"), resp)
}

func TestHandleRejectsEmptyMessage(t *testing.T) {
	model := &fakeModel{}
	h := newHarness(t, model, &fakeExecutor{})

	resp := h.orchestrator.Handle(context.Background(), Turn{SessionID: "s1", Message: "  "})

	assert.Equal(t, ErrorResponse(MessageEmptyInput), resp)
	assert.Empty(t, model.calls())
	assert.Zero(t, h.sessions.reads)
}

func TestHandleSerializesTurnsPerSession(t *testing.T) {
	replies := make([]scriptedReply, 0, 4)
	for i := 0; i < 4; i++ {
		replies = append(replies, textReply("ok"))
	}
	model := &fakeModel{replies: replies, delay: 20 * time.Millisecond}
	h := newHarness(t, model, &fakeExecutor{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.orchestrator.Handle(context.Background(), Turn{SessionID: "shared", Message: "hi"})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), model.maxInflight.Load())
	assert.Len(t, h.sessions.writes, 4)
	assert.Zero(t, h.orchestrator.locks.size())
}

func TestHandleRunsDistinctSessionsConcurrently(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{textReply("a"), textReply("b")}, delay: 100 * time.Millisecond}
	h := newHarness(t, model, &fakeExecutor{})

	var wg sync.WaitGroup
	for _, session := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(session string) {
			defer wg.Done()
			h.orchestrator.Handle(context.Background(), Turn{SessionID: session, Message: "hi"})
		}(session)
	}
	wg.Wait()

	assert.Equal(t, int32(2), model.maxInflight.Load())
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Dependencies{}, Options{})
	require.Error(t, err)

	h := newHarness(t, &fakeModel{}, &fakeExecutor{})
	_, err = New(Dependencies{Model: h.model, Builder: h.orchestrator.deps.Builder, Sessions: h.sessions}, Options{})
	assert.ErrorContains(t, err, "executor")
}

func TestResponseRendered(t *testing.T) {
	assert.Equal(t, "hi", TextResponse("hi").Rendered())
	assert.Equal(t, "found", DataResponse("found", nil, nil).Rendered())
	assert.Equal(t, MessageUnexpected, ErrorResponse(MessageUnexpected).Rendered())
	assert.False(t, strings.Contains(MessageSearchFailed, "SQL"))
}
