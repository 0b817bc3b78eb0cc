package handlers

import "net/http"

func (a *API) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.uploads.QueueStatus(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to read queue status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}
