package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func postJSON(h http.Handler, path, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)
	return rr
}

func TestGenerateEndToEnd(t *testing.T) {
	stub := &stubTranslator{responses: []string{
		"SELECT e.first_name, b.branch_name FROM employees e JOIN branches b ON e.branch_id = b.branch_id",
	}}
	h := newTestHandler(t, map[string]string{}, stub)
	schemaID := uploadSchema(t, h, companyDDL)

	rr := postJSON(h, "/v1/generate", `{"schema_id":"`+schemaID+`","question":"employees with their branch names"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	body := decodeJSON(t, rr)
	if !strings.HasPrefix(body["sql"].(string), "SELECT") {
		t.Fatalf("sql = %v", body["sql"])
	}
	if body["attempts"] != float64(1) {
		t.Fatalf("attempts = %v", body["attempts"])
	}
	report, _ := body["report"].(map[string]any)
	if report["outcome"] != "accepted" {
		t.Fatalf("report = %v", report)
	}
	tables, _ := report["tables"].([]any)
	if len(tables) != 2 || tables[0] != "employees" || tables[1] != "branches" {
		t.Fatalf("tables = %v", tables)
	}
	remaining, _ := body["remaining"].(map[string]any)
	if remaining["class"] != "generate" {
		t.Fatalf("remaining = %v", remaining)
	}
	if rr.Header().Get("X-RateLimit-generate-Remaining") == "" {
		t.Fatal("rate limit headers missing")
	}
}

func TestGenerateReturnsRejectionEnvelope(t *testing.T) {
	stub := &stubTranslator{responses: []string{"DROP TABLE employees"}}
	h := newTestHandler(t, map[string]string{}, stub)
	schemaID := uploadSchema(t, h, companyDDL)

	rr := postJSON(h, "/v1/generate", `{"schema_id":"`+schemaID+`","question":"drop everything"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	body := decodeJSON(t, rr)
	if body["error_code"] != "SQL_REJECTED" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
	extra, _ := body["context"].(map[string]any)
	if extra["reason"] != "UnsafeStatement" {
		t.Fatalf("reason = %v", extra["reason"])
	}
}

func TestGenerateUnknownSchema(t *testing.T) {
	h := newTestHandler(t, map[string]string{}, &stubTranslator{})

	rr := postJSON(h, "/v1/generate", `{"schema_id":"sch_missing","question":"anything"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestGenerateQuotaExceeded(t *testing.T) {
	stub := &stubTranslator{responses: []string{
		"SELECT branch_name FROM branches",
		"SELECT branch_name FROM branches",
	}}
	h := newTestHandler(t, map[string]string{
		"QUERYWAVE_QUOTA_GENERATE_MAX": "1",
	}, stub)
	schemaID := uploadSchema(t, h, companyDDL)

	first := postJSON(h, "/v1/generate", `{"schema_id":"`+schemaID+`","question":"branch names"}`)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d, body = %s", first.Code, first.Body.String())
	}

	second := postJSON(h, "/v1/generate", `{"schema_id":"`+schemaID+`","question":"branch names"}`)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", second.Code)
	}
	if stub.calls != 1 {
		t.Fatalf("translator calls = %d", stub.calls)
	}
}

func TestGenerateUpstreamFailure(t *testing.T) {
	stub := &stubTranslator{err: errors.New("upstream timeout")}
	h := newTestHandler(t, map[string]string{}, stub)
	schemaID := uploadSchema(t, h, companyDDL)

	rr := postJSON(h, "/v1/generate", `{"schema_id":"`+schemaID+`","question":"branch names"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeJSON(t, rr)
	if body["retryable"] != true {
		t.Fatalf("retryable = %v", body["retryable"])
	}
}

func TestGenerateValidatesRequestBody(t *testing.T) {
	h := newTestHandler(t, map[string]string{}, &stubTranslator{})
	schemaID := uploadSchema(t, h, companyDDL)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{"schema_id":`, http.StatusBadRequest},
		{"unknown field", `{"schema_id":"x","question":"q","extra":true}`, http.StatusBadRequest},
		{"missing schema id", `{"question":"q"}`, http.StatusBadRequest},
		{"empty question", `{"schema_id":"` + schemaID + `","question":"  "}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postJSON(h, "/v1/generate", tc.body)
			if rr.Code != tc.want {
				t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestValidateEndpointReportsRejection(t *testing.T) {
	h := newTestHandler(t, map[string]string{}, &stubTranslator{})
	schemaID := uploadSchema(t, h, companyDDL)

	rr := postJSON(h, "/v1/validate", `{"schema_id":"`+schemaID+`","sql":"SELECT name FROM customers"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	body := decodeJSON(t, rr)
	report, _ := body["report"].(map[string]any)
	if report["outcome"] != "rejected" {
		t.Fatalf("outcome = %v", report["outcome"])
	}
	if report["reason"] != "SchemaHallucination" {
		t.Fatalf("reason = %v", report["reason"])
	}
}

func TestValidateEndpointDoesNotConsumeGenerateQuota(t *testing.T) {
	h := newTestHandler(t, map[string]string{
		"QUERYWAVE_QUOTA_GENERATE_MAX": "1",
	}, &stubTranslator{responses: []string{"SELECT branch_name FROM branches"}})
	schemaID := uploadSchema(t, h, companyDDL)

	for i := 0; i < 3; i++ {
		rr := postJSON(h, "/v1/validate", `{"schema_id":"`+schemaID+`","sql":"SELECT branch_name FROM branches"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("validate %d status = %d", i, rr.Code)
		}
	}

	rr := postJSON(h, "/v1/generate", `{"schema_id":"`+schemaID+`","question":"branch names"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("generate status = %d, body = %s", rr.Code, rr.Body.String())
	}
}
