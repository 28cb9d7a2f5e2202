package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/querywave/querywave/internal/config"
	"github.com/querywave/querywave/internal/observability"
	"github.com/querywave/querywave/internal/quota"
	"github.com/querywave/querywave/internal/registry"
	"github.com/querywave/querywave/internal/schema"
)

type schemaSummary struct {
	Tables  int `json:"tables"`
	Columns int `json:"columns"`
}

type schemaResponse struct {
	SchemaID  string        `json:"schema_id"`
	Summary   schemaSummary `json:"summary"`
	Preview   []string      `json:"preview"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

func schemaResponseFromRecord(rec registry.Record) schemaResponse {
	return schemaResponse{
		SchemaID:  rec.SchemaID,
		Summary:   schemaSummary{Tables: rec.TableCount, Columns: rec.ColumnCount},
		Preview:   rec.Preview,
		CreatedAt: rec.CreatedAt.UTC(),
		ExpiresAt: rec.ExpiresAt.UTC(),
	}
}

// handleCreateSchema ingests a raw DDL script. Quota is charged before the
// parse so repeated oversized uploads cannot bypass the schema_upload
// window.
func handleCreateSchema(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registry == nil || deps.Quota == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMAS_NOT_CONFIGURED", "schema dependencies are not configured", false, nil)
		return
	}

	clientID := clientFromRequest(r)

	// Headers must land before the first WriteHeader, so they are set right
	// after the quota decision rather than deferred.
	_, err := deps.Quota.TryConsume(r.Context(), clientID, quota.ClassSchemaUpload)
	writeRateLimitHeaders(w, deps.Quota, clientID)
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			writeQuotaExceeded(r.Context(), w, exceeded)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "QUOTA_ERROR", err.Error(), true, nil)
		return
	}

	// One byte over the parser cap so the parser, not the transport, owns
	// the too-large verdict.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(cfg.Parser.MaxInputBytes)+1))
	if err != nil {
		writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "SCHEMA_TOO_LARGE", "ddl body exceeds the size limit", false, map[string]any{"max_bytes": cfg.Parser.MaxInputBytes})
		return
	}
	ddl := string(body)
	if strings.TrimSpace(ddl) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "DDL_REQUIRED", "request body must contain DDL text", false, nil)
		return
	}

	parseStart := time.Now()
	graph, err := schema.Parse(ddl, parserLimits(cfg))
	if err != nil {
		observability.ObserveSchemaUpload("rejected", time.Since(parseStart))
		var parseErr *schema.ParseError
		if errors.As(err, &parseErr) {
			status := http.StatusUnprocessableEntity
			if parseErr.Kind == schema.ErrTooLarge {
				status = http.StatusRequestEntityTooLarge
			}
			writeError(r.Context(), w, status, "INVALID_DDL", parseErr.Message, false, map[string]any{
				"kind":   string(parseErr.Kind),
				"line":   parseErr.Line,
				"column": parseErr.Column,
			})
			return
		}
		writeError(r.Context(), w, http.StatusUnprocessableEntity, "INVALID_DDL", err.Error(), false, nil)
		return
	}

	rec, err := deps.Registry.Store(r.Context(), graph)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "REGISTRY_ERROR", "failed to store schema", true, map[string]any{"details": err.Error()})
		return
	}
	observability.ObserveSchemaUpload("accepted", time.Since(parseStart))
	observability.SetRegistrySchemas(deps.Registry.Len())

	writeJSON(w, http.StatusCreated, schemaResponseFromRecord(rec))
}

func handleGetSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Registry == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMAS_NOT_CONFIGURED", "schema dependencies are not configured", false, nil)
		return
	}

	clientID := clientFromRequest(r)
	writeRateLimitHeaders(w, deps.Quota, clientID)

	schemaID := strings.TrimSpace(r.PathValue("id"))
	rec, err := deps.Registry.Fetch(r.Context(), schemaID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "SCHEMA_NOT_FOUND", "schema id is unknown or expired", false, map[string]any{"schema_id": schemaID})
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "REGISTRY_ERROR", "failed to fetch schema", true, map[string]any{"details": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, schemaResponseFromRecord(rec))
}

func parserLimits(cfg config.Config) schema.Limits {
	limits := schema.DefaultLimits()
	if cfg.Parser.MaxInputBytes > 0 {
		limits.MaxInputBytes = cfg.Parser.MaxInputBytes
	}
	if cfg.Parser.MaxTables > 0 {
		limits.MaxTables = cfg.Parser.MaxTables
	}
	if cfg.Parser.MaxColumnsPerTable > 0 {
		limits.MaxColumnsPerTable = cfg.Parser.MaxColumnsPerTable
	}
	if cfg.Parser.MaxTotalColumns > 0 {
		limits.MaxTotalColumns = cfg.Parser.MaxTotalColumns
	}
	return limits
}
