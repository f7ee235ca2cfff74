package deployments

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
)

func TestGrafanaDashboardJSONIsValid(t *testing.T) {
	root := repoRoot(t)
	path := filepath.Join(root, "deployments", "observability", "grafana", "leadnova_dashboard.json")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read dashboard file: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(content, &decoded); err != nil {
		t.Fatalf("dashboard JSON parse error: %v", err)
	}

	title, _ := decoded["title"].(string)
	if strings.TrimSpace(title) == "" {
		t.Fatal("dashboard title is required")
	}
	panels, ok := decoded["panels"].([]any)
	if !ok || len(panels) == 0 {
		t.Fatal("dashboard must include at least one panel")
	}
}

func TestPrometheusRulesContainExpectedAlerts(t *testing.T) {
	root := repoRoot(t)
	path := filepath.Join(root, "deployments", "observability", "prometheus", "leadnova_rules.yaml")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rules file: %v", err)
	}
	text := string(content)

	requiredAlerts := []string{
		"LeadnovaChatTurnLatencyP95High",
		"LeadnovaChatFailureRatioHigh",
		"LeadnovaSearchErrorRatioHigh",
		"LeadnovaFiltersRejectedSpike",
		"LeadnovaAuditWriteFailures",
		"LeadnovaAuditArchiveFailing",
	}
	for _, alertName := range requiredAlerts {
		if !strings.Contains(text, "alert: "+alertName) {
			t.Fatalf("rules missing alert %q", alertName)
		}
	}

	requiredMetrics := []string{
		"leadnova:slo_chat_turn_latency_ms_p95",
		"leadnova:slo_chat_failure_ratio_5m",
		"leadnova:slo_search_error_ratio_5m",
		"leadnova:slo_filters_rejected_15m",
		"leadnova:slo_audit_write_failures_15m",
		"leadnova:slo_archive_failures_1h",
	}
	for _, metricName := range requiredMetrics {
		matched, err := regexp.MatchString(regexp.QuoteMeta(metricName), text)
		if err != nil {
			t.Fatalf("regexp error for metric %q: %v", metricName, err)
		}
		if !matched {
			t.Fatalf("rules missing metric reference %q", metricName)
		}
	}
}

func TestPrometheusScrapeExampleContainsMetricsPathAndRules(t *testing.T) {
	root := repoRoot(t)
	path := filepath.Join(root, "deployments", "observability", "prometheus", "prometheus-scrape.example.yaml")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read scrape example: %v", err)
	}
	text := string(content)

	for _, token := range []string{
		"metrics_path: /v1/metrics",
		"leadnova_rules.yaml",
		"leadnova_recording_rules.yaml",
		"job_name: leadnova-api",
	} {
		if !strings.Contains(text, token) {
			t.Fatalf("scrape example missing %q", token)
		}
	}
}

func TestRecordingRulesOnlyReferenceExportedMetrics(t *testing.T) {
	root := repoRoot(t)
	path := filepath.Join(root, "deployments", "observability", "prometheus", "leadnova_recording_rules.yaml")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read recording rules file: %v", err)
	}
	text := string(content)

	exported := map[string]bool{
		"leadnova_chat_turn_duration_ms_bucket":  true,
		"leadnova_chat_turns_total":              true,
		"leadnova_llm_call_latency_ms_bucket":    true,
		"leadnova_search_executions_total":       true,
		"leadnova_search_filters_rejected_total": true,
		"leadnova_audit_write_failures_total":    true,
		"leadnova_audit_archive_runs_total":      true,
		"leadnova_http_requests_total":           true,
	}
	for _, name := range regexp.MustCompile(`leadnova_[a-z_]+`).FindAllString(text, -1) {
		if !exported[name] {
			t.Fatalf("recording rules reference unknown metric %q", name)
		}
	}
	if !strings.Contains(text, "record: leadnova:slo_http_error_rate_5m") {
		t.Fatal("recording rules missing http error rate")
	}
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(filename), ".."))
}
