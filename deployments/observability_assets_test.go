package deployments

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestGrafanaDashboardJSONIsValid(t *testing.T) {
	root := repoRoot(t)
	path := filepath.Join(root, "deployments", "observability", "grafana", "querywave_slo_dashboard.json")

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
	path := filepath.Join(root, "deployments", "observability", "prometheus", "querywave_rules.yaml")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rules file: %v", err)
	}
	text := string(content)

	requiredAlerts := []string{
		"QueryWaveGenerationLatencyP95High",
		"QueryWaveSchemaParseLatencyP95High",
		"QueryWaveValidationRejectionRateHigh",
		"QueryWaveQuotaRejectionsDetected",
		"QueryWaveRegistryNearCapacity",
		"QueryWaveHTTPErrorRateHigh",
	}
	for _, alertName := range requiredAlerts {
		if !strings.Contains(text, "alert: "+alertName) {
			t.Fatalf("rules missing alert %q", alertName)
		}
	}

	requiredMetrics := []string{
		"querywave:slo_generation_latency_ms_p95",
		"querywave:slo_schema_parse_latency_ms_p95",
		"querywave:slo_validation_rejection_rate_15m",
		"querywave:slo_quota_rejections_15m",
		"querywave:slo_registry_evictions_1h",
		"querywave:slo_http_error_rate_5m",
	}
	for _, metricName := range requiredMetrics {
		if !strings.Contains(text, metricName) {
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

	if !strings.Contains(text, "metrics_path: /v1/metrics") {
		t.Fatal("scrape example missing querywave metrics path")
	}
	if !strings.Contains(text, "querywave_rules.yaml") {
		t.Fatal("scrape example missing querywave rule file reference")
	}
	if !strings.Contains(text, "querywave_recording_rules.yaml") {
		t.Fatal("scrape example missing querywave recording rule file reference")
	}
	if !strings.Contains(text, "job_name: querywave-api") {
		t.Fatal("scrape example missing querywave-api job")
	}
}

func TestPrometheusRecordingRulesContainExpectedRecords(t *testing.T) {
	root := repoRoot(t)
	path := filepath.Join(root, "deployments", "observability", "prometheus", "querywave_recording_rules.yaml")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read recording rules file: %v", err)
	}
	text := string(content)

	requiredRecords := []string{
		"querywave:slo_generation_latency_ms_p95",
		"querywave:slo_schema_parse_latency_ms_p95",
		"querywave:slo_validation_rejection_rate_15m",
		"querywave:slo_quota_rejections_15m",
		"querywave:slo_registry_schemas",
		"querywave:slo_registry_evictions_1h",
		"querywave:slo_http_error_rate_5m",
	}
	for _, recordName := range requiredRecords {
		if !strings.Contains(text, "record: "+recordName) {
			t.Fatalf("recording rules missing record %q", recordName)
		}
	}
}

func TestAlertmanagerExampleContainsSeverityRouting(t *testing.T) {
	root := repoRoot(t)
	path := filepath.Join(root, "deployments", "observability", "alertmanager", "alertmanager.example.yaml")

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read alertmanager example: %v", err)
	}
	text := string(content)

	requiredTokens := []string{
		"receiver: querywave-default",
		"severity=\"critical\"",
		"severity=\"warning\"",
		"name: querywave-critical",
		"name: querywave-warning",
		"inhibit_rules:",
		"group_by: [alertname, service, severity]",
	}
	for _, token := range requiredTokens {
		if !strings.Contains(text, token) {
			t.Fatalf("alertmanager example missing token %q", token)
		}
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
