package handlers

import (
	"net/http"
	"time"
)

// Health is the liveness probe for the API binary. Dependency health is
// observable through /metrics; this endpoint only confirms the process
// serves requests.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "realenhance-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}
