package leadnovactl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	SessionID  string
	UserID     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("leadnovactl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "Leadnova API base URL")
	sessionID := fs.String("session-id", defaults.SessionID, "Conversation session ID (generated by the server when empty)")
	userID := fs.String("user-id", defaults.UserID, "User ID header")
	stream := fs.Bool("stream", false, "Stream the chat reply as server-sent events")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 90*time.Second), "HTTP timeout (e.g. 90s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	req := request{sessionID: *sessionID, userID: *userID}
	switch command {
	case "health":
		req.method, req.path = http.MethodGet, "/v1/health"
	case "ready":
		req.method, req.path = http.MethodGet, "/v1/ready"
	case "chat":
		message := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))
		if message == "" {
			_, _ = fmt.Fprintln(stderr, "chat requires a message")
			writeUsage(stderr)
			return 2
		}
		body, err := json.Marshal(map[string]string{"message": message})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "encode message: %v\n", err)
			return 1
		}
		req.method, req.path, req.body = http.MethodPost, "/v1/chat", body
		if *stream {
			req.path = "/v1/chat/stream"
		}
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}

	req.url = strings.TrimRight(*baseURL, "/") + req.path
	result, err := doRequest(ctx, client, req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if result.code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", result.code, strings.TrimSpace(string(result.body)))
		return 1
	}
	if result.sessionID != "" && command == "chat" {
		_, _ = fmt.Fprintf(stderr, "session: %s\n", result.sessionID)
	}

	if pretty, ok := prettyJSON(result.body); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(result.body) > 0 {
		_, _ = fmt.Fprintln(stdout, strings.TrimRight(string(result.body), "\n"))
	}
	return 0
}

type request struct {
	method    string
	path      string
	url       string
	body      []byte
	sessionID string
	userID    string
}

type response struct {
	code      int
	body      []byte
	sessionID string
}

func doRequest(ctx context.Context, client *http.Client, in request) (response, error) {
	var body io.Reader
	if in.body != nil {
		body = bytes.NewReader(in.body)
	}
	req, err := http.NewRequestWithContext(ctx, in.method, in.url, body)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Accept", "application/json")
	if in.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(in.sessionID) != "" {
		req.Header.Set("X-Session-ID", strings.TrimSpace(in.sessionID))
	}
	if strings.TrimSpace(in.userID) != "" {
		req.Header.Set("X-User-ID", strings.TrimSpace(in.userID))
	}

	resp, err := client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, err
	}
	return response{code: resp.StatusCode, body: raw, sessionID: resp.Header.Get("X-Session-ID")}, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: leadnovactl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health           GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready            GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  chat <message>   POST /v1/chat (or /v1/chat/stream with -stream)")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
