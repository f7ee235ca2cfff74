package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/leadnova/leadnova/internal/cli/leadnovactl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("LEADNOVA_CLI_TIMEOUT")), 90*time.Second)
	options := leadnovactl.Options{
		BaseURL:   envOr("LEADNOVA_API_URL", "http://localhost:8080"),
		SessionID: strings.TrimSpace(os.Getenv("LEADNOVA_SESSION_ID")),
		UserID:    strings.TrimSpace(os.Getenv("LEADNOVA_USER_ID")),
		Timeout:   timeout,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := leadnovactl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid LEADNOVA_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
