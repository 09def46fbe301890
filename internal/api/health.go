package api

import "net/http"

// timestampLayout always carries three fractional digits, e.g. 2026-01-02T03:04:05.000Z.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

type healthResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	Timestamp    string `json:"timestamp"`
	APIKeyLoaded bool   `json:"apiKeyLoaded"`
}

// handleHealth always answers 200; a missing API key is reported, not fatal.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Success:      true,
		Message:      "DeepSeek relay is running",
		Timestamp:    h.now().UTC().Format(timestampLayout),
		APIKeyLoaded: h.apiKeyLoaded,
	})
}
