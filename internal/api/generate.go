package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/querywave/querywave/internal/generate"
	"github.com/querywave/querywave/internal/observability"
	"github.com/querywave/querywave/internal/quota"
	"github.com/querywave/querywave/internal/registry"
	"github.com/querywave/querywave/internal/validate"
)

type generateRequest struct {
	SchemaID string `json:"schema_id"`
	Question string `json:"question"`
}

type generateResponse struct {
	SQL       string          `json:"sql"`
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	Attempts  int             `json:"attempts"`
	Report    validate.Report `json:"report"`
	Remaining usageEntry      `json:"remaining"`
}

func handleGenerate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Generator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "GENERATE_NOT_CONFIGURED", "generation dependencies are not configured", false, nil)
		return
	}

	clientID := clientFromRequest(r)
	writeRateLimitHeaders(w, deps.Quota, clientID)

	var request generateRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid generate request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.SchemaID) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SCHEMA_ID_REQUIRED", "schema_id is required", false, nil)
		return
	}

	start := time.Now()
	out, err := deps.Generator.Generate(r.Context(), clientID, request.SchemaID, request.Question)
	// Refresh: Generate consumed from the window, the early values are stale.
	writeRateLimitHeaders(w, deps.Quota, clientID)
	if err != nil {
		writeGenerateError(deps, w, r, request.SchemaID, start, err)
		return
	}

	observability.ObserveGeneration(out.Attempts, time.Since(start))
	observability.ObserveValidation(string(out.Report.Outcome), string(out.Report.Reason))
	writeJSON(w, http.StatusOK, generateResponse{
		SQL:      out.SQL,
		Provider: out.Provider,
		Model:    out.Model,
		Attempts: out.Attempts,
		Report:   out.Report,
		Remaining: usageEntry{
			Class:     string(out.Quota.Class),
			Limit:     out.Quota.Limit,
			Remaining: out.Quota.Remaining,
			ResetAt:   out.Quota.ResetAt.UTC(),
		},
	})
}

func writeGenerateError(deps Dependencies, w http.ResponseWriter, r *http.Request, schemaID string, start time.Time, err error) {
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		writeQuotaExceeded(r.Context(), w, exceeded)
		return
	}
	if errors.Is(err, registry.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "SCHEMA_NOT_FOUND", "schema id is unknown or expired", false, map[string]any{"schema_id": schemaID})
		return
	}
	if errors.Is(err, generate.ErrEmptyQuestion) || errors.Is(err, generate.ErrQuestionTooLong) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_QUESTION", err.Error(), false, nil)
		return
	}
	var rejected *generate.RejectedError
	if errors.As(err, &rejected) {
		observability.ObserveGeneration(rejected.Attempts, time.Since(start))
		observability.ObserveValidation(string(rejected.Report.Outcome), string(rejected.Report.Reason))
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "SQL_REJECTED", rejected.Report.Message, false, map[string]any{
			"reason":   string(rejected.Report.Reason),
			"sql":      rejected.SQL,
			"attempts": rejected.Attempts,
			"report":   rejected.Report,
		})
		return
	}
	var upstream *generate.UpstreamError
	if errors.As(err, &upstream) {
		if deps.Logger != nil {
			deps.Logger.Error("translator request failed", "error", upstream.Err)
		}
		writeError(r.Context(), w, http.StatusBadGateway, "GENERATION_FAILED", "upstream translator request failed", true, nil)
		return
	}
	writeError(r.Context(), w, http.StatusInternalServerError, "GENERATION_ERROR", err.Error(), true, nil)
}

type validateRequest struct {
	SchemaID string `json:"schema_id"`
	SQL      string `json:"sql"`
}

// handleValidate checks caller-supplied SQL against a stored schema. It is
// deliberately quota-free: rejection reports are the product here, and a
// client iterating on a query should not burn generation budget doing so.
func handleValidate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Generator == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "GENERATE_NOT_CONFIGURED", "generation dependencies are not configured", false, nil)
		return
	}

	clientID := clientFromRequest(r)
	writeRateLimitHeaders(w, deps.Quota, clientID)

	var request validateRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid validate request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.SchemaID) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SCHEMA_ID_REQUIRED", "schema_id is required", false, nil)
		return
	}

	report, err := deps.Generator.Validate(r.Context(), request.SchemaID, request.SQL)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "SCHEMA_NOT_FOUND", "schema id is unknown or expired", false, map[string]any{"schema_id": request.SchemaID})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "VALIDATION_ERROR", err.Error(), true, nil)
		return
	}

	observability.ObserveValidation(string(report.Outcome), string(report.Reason))
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}
