package runtime

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router returns the HTTP routes of a started runtime.
func (r *Runtime) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Get("/healthz", r.handleHealth)
	mux.Get("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}

	mux.Get("/v1/stt", r.voice.HandleSTT)
	mux.Get("/v1/tts", r.voice.HandleTTS)
	mux.Get("/v1/status", r.handleStatus)
	mux.Get("/v1/pick", r.handlePick)
	mux.Get("/v1/nodes/least-loaded", r.handleLeastLoaded)
	mux.Get("/v1/sessions/{id}", r.handleGetSession)
	mux.Get("/v1/sessions/{id}/events", r.handleSessionEvents)
	return mux
}

func sessionID(req *http.Request) string {
	return chi.URLParam(req, "id")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
