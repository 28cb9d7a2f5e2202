package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUsageListsBothClasses(t *testing.T) {
	h := newTestHandler(t, map[string]string{}, &stubTranslator{})
	uploadSchema(t, h, companyDDL)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/usage", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	body := decodeJSON(t, rr)
	classes, _ := body["classes"].([]any)
	if len(classes) != 2 {
		t.Fatalf("classes = %v", classes)
	}

	upload, _ := classes[0].(map[string]any)
	if upload["class"] != "schema_upload" {
		t.Fatalf("first class = %v", upload["class"])
	}
	limit := int(upload["limit"].(float64))
	remaining := int(upload["remaining"].(float64))
	if remaining != limit-1 {
		t.Fatalf("remaining = %d, limit = %d", remaining, limit)
	}

	gen, _ := classes[1].(map[string]any)
	if gen["class"] != "generate" {
		t.Fatalf("second class = %v", gen["class"])
	}
	if int(gen["remaining"].(float64)) != int(gen["limit"].(float64)) {
		t.Fatalf("generate window should be untouched: %v", gen)
	}
}
