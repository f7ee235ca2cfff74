package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/leadnova/leadnova/internal/agent"
	"github.com/leadnova/leadnova/internal/config"
)

type fakeChat struct {
	mu     sync.Mutex
	turns  []agent.Turn
	resp   agent.Response
	deltas []string
}

func (f *fakeChat) Handle(_ context.Context, turn agent.Turn) agent.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	return f.resp
}

func (f *fakeChat) HandleStream(_ context.Context, turn agent.Turn, sink agent.StreamSink) agent.Response {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	f.mu.Unlock()
	for _, delta := range f.deltas {
		if err := sink(delta); err != nil {
			break
		}
	}
	return f.resp
}

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(testConfig(t), Dependencies{})
	for _, path := range []string{"/", "/v1/health"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rr.Code)
		}
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	h := NewHandler(testConfig(t), Dependencies{
		Readiness: CheckPing("redis", func(context.Context) error {
			return errors.New("dial tcp redis://:hunter2@cache:6379 refused")
		}),
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "hunter2") {
		t.Fatalf("readiness error leaked credentials: %s", rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "redis:") {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		nil,
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestChatGeneratesSessionAndDefaultsUser(t *testing.T) {
	chat := &fakeChat{resp: agent.TextResponse("I am Leadnova Assistant.")}
	h := NewHandler(testConfig(t), Dependencies{
		Chat:         chat,
		NewSessionID: func() string { return "generated-session" },
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":" who are you? "}`)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-Session-ID"); got != "generated-session" {
		t.Fatalf("X-Session-ID = %q", got)
	}
	if got := rr.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "X-Session-ID") {
		t.Fatalf("Expose-Headers = %q", got)
	}
	want := agent.Turn{SessionID: "generated-session", UserID: "default-user", Message: "who are you?"}
	if len(chat.turns) != 1 || chat.turns[0] != want {
		t.Fatalf("turns = %#v", chat.turns)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body["type"] != "text" || body["content"] != "I am Leadnova Assistant." {
		t.Fatalf("body = %#v", body)
	}
}

func TestChatEchoesClientSession(t *testing.T) {
	chat := &fakeChat{resp: agent.DataResponse("Found 1.", []string{"person_full_name"}, []map[string]any{{"person_full_name": "Ada"}})}
	h := NewHandler(testConfig(t), Dependencies{Chat: chat})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"find Ada"}`))
	req.Header.Set("X-Session-ID", "s-42")
	req.Header.Set("X-User-ID", "u-7")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Session-ID"); got != "s-42" {
		t.Fatalf("X-Session-ID = %q", got)
	}
	if chat.turns[0].UserID != "u-7" {
		t.Fatalf("UserID = %q", chat.turns[0].UserID)
	}
	var body agent.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body.Type != agent.ResponseData || body.Summary != "Found 1." || body.Rows[0]["person_full_name"] != "Ada" {
		t.Fatalf("body = %#v", body)
	}
}

func TestChatTurnFailureIsStill200(t *testing.T) {
	h := NewHandler(testConfig(t), Dependencies{Chat: &fakeChat{resp: agent.ErrorResponse(agent.MessageSearchFailed)}})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"find CTOs"}`)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"type":"error"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
}

func TestChatRejectsMalformedRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "invalid json", body: `{"message":`, code: "INVALID_JSON"},
		{name: "unknown field", body: `{"message":"hi","sql":"DROP TABLE x"}`, code: "INVALID_JSON"},
		{name: "empty message", body: `{"message":"   "}`, code: "MESSAGE_REQUIRED"},
		{name: "too long", body: `{"message":"` + strings.Repeat("a", maxMessageRunes+1) + `"}`, code: "MESSAGE_TOO_LONG"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			chat := &fakeChat{}
			h := NewHandler(testConfig(t), Dependencies{Chat: chat})
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(tc.body)))

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("json decode failed: %v", err)
			}
			if body["error_code"] != tc.code {
				t.Fatalf("error_code = %v", body["error_code"])
			}
			if body["trace_id"] == "" {
				t.Fatal("expected trace_id in error envelope")
			}
			if len(chat.turns) != 0 {
				t.Fatalf("chat should not run, turns = %#v", chat.turns)
			}
		})
	}
}

func TestChatNotConfigured(t *testing.T) {
	h := NewHandler(testConfig(t), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"message":"hi"}`)))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestChatStreamEmitsDeltasThenResponse(t *testing.T) {
	chat := &fakeChat{
		deltas: []string{"Found ", "2 developers."},
		resp:   agent.DataResponse("Found 2 developers.", []string{"job_title"}, []map[string]any{{"job_title": "Developer"}}),
	}
	h := NewHandler(testConfig(t), Dependencies{Chat: chat, NewSessionID: func() string { return "s-stream" }})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(`{"message":"developers"}`)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := rr.Header().Get("X-Session-ID"); got != "s-stream" {
		t.Fatalf("X-Session-ID = %q", got)
	}

	events, data := parseEvents(t, rr.Body.String())
	if strings.Join(events, ",") != "delta,delta,response" {
		t.Fatalf("events = %#v", events)
	}
	if data[0] != `{"content":"Found "}` {
		t.Fatalf("first delta = %s", data[0])
	}
	var final agent.Response
	if err := json.Unmarshal([]byte(data[2]), &final); err != nil {
		t.Fatalf("decode final event: %v", err)
	}
	if final.Summary != "Found 2 developers." {
		t.Fatalf("final = %#v", final)
	}
}

func TestChatStreamRejectsEmptyMessageAsJSON(t *testing.T) {
	h := NewHandler(testConfig(t), Dependencies{Chat: &fakeChat{}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(`{"message":""}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q", got)
	}
}

func parseEvents(t *testing.T, body string) ([]string, []string) {
	t.Helper()
	var events, data []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			events = append(events, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan events: %v", err)
	}
	return events, data
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("leadnova-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
