package api

import (
	"net/http"
	"time"
)

type usageEntry struct {
	Class     string    `json:"class"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type usageResponse struct {
	ClientID string       `json:"client_id"`
	Classes  []usageEntry `json:"classes"`
}

func handleUsage(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Quota == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUOTA_NOT_CONFIGURED", "quota tracker is not configured", false, nil)
		return
	}

	clientID := clientFromRequest(r)
	writeRateLimitHeaders(w, deps.Quota, clientID)

	response := usageResponse{ClientID: clientID, Classes: make([]usageEntry, 0, 2)}
	for _, remaining := range deps.Quota.Usage(clientID) {
		response.Classes = append(response.Classes, usageEntry{
			Class:     string(remaining.Class),
			Limit:     remaining.Limit,
			Remaining: remaining.Remaining,
			ResetAt:   remaining.ResetAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, response)
}
