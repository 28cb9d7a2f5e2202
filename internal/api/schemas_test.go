package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCreateSchemaAndFetch(t *testing.T) {
	h := newTestHandler(t, map[string]string{}, &stubTranslator{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/schemas", strings.NewReader(companyDDL)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	body := decodeJSON(t, rr)
	schemaID, _ := body["schema_id"].(string)
	if !strings.HasPrefix(schemaID, "sch_") {
		t.Fatalf("schema_id = %q", schemaID)
	}
	summary, _ := body["summary"].(map[string]any)
	if summary["tables"] != float64(2) || summary["columns"] != float64(5) {
		t.Fatalf("summary = %v", summary)
	}
	preview, _ := body["preview"].([]any)
	if len(preview) != 2 {
		t.Fatalf("preview = %v", preview)
	}
	if rr.Header().Get("X-RateLimit-schema-upload-Remaining") == "" {
		t.Fatal("rate limit headers missing")
	}

	getResp := httptest.NewRecorder()
	h.ServeHTTP(getResp, httptest.NewRequest(http.MethodGet, "/v1/schemas/"+schemaID, nil))
	if getResp.Code != http.StatusOK {
		t.Fatalf("get status = %d", getResp.Code)
	}
	fetched := decodeJSON(t, getResp)
	if fetched["schema_id"] != schemaID {
		t.Fatalf("fetched schema_id = %v", fetched["schema_id"])
	}
}

func TestCreateSchemaRejectsMalformedDDL(t *testing.T) {
	h := newTestHandler(t, map[string]string{}, &stubTranslator{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/schemas", strings.NewReader("CREATE TABLE broken (")))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if body["error_code"] != "INVALID_DDL" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
}

func TestCreateSchemaRejectsEmptyBody(t *testing.T) {
	h := newTestHandler(t, map[string]string{}, &stubTranslator{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/schemas", strings.NewReader("   \n")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCreateSchemaTooLarge(t *testing.T) {
	h := newTestHandler(t, map[string]string{
		"QUERYWAVE_PARSER_MAX_INPUT_BYTES": "64",
	}, &stubTranslator{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/schemas", strings.NewReader(companyDDL)))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func TestGetSchemaNotFound(t *testing.T) {
	h := newTestHandler(t, map[string]string{}, &stubTranslator{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/schemas/sch_missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeJSON(t, rr)
	if body["error_code"] != "SCHEMA_NOT_FOUND" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
}

func TestCreateSchemaQuotaExceeded(t *testing.T) {
	h := newTestHandler(t, map[string]string{
		"QUERYWAVE_QUOTA_SCHEMA_UPLOAD_MAX": "1",
	}, &stubTranslator{})

	uploadSchema(t, h, companyDDL)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/schemas", strings.NewReader(companyDDL)))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if body["error_code"] != "QUOTA_EXCEEDED" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
	if rr.Header().Get("X-RateLimit-schema-upload-Remaining") != "0" {
		t.Fatalf("remaining header = %q", rr.Header().Get("X-RateLimit-schema-upload-Remaining"))
	}
}
