// Package api exposes the dispatch service over HTTP and as MCP tools.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fielddispatch/internal/bandit"
	"github.com/kalambet/fielddispatch/internal/dispatch"
	"github.com/kalambet/fielddispatch/internal/job"
	"github.com/kalambet/fielddispatch/internal/queue"
	"github.com/kalambet/fielddispatch/internal/speech"
)

const maxRequestBodySize = 1 << 20 // 1MB

// QueueStats reports transport counters. Optional.
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type AppDeps struct {
	Service *dispatch.Service
	Queue   QueueStats
	Token   string
}

// UtteranceRequest carries already-transcribed speech.
type UtteranceRequest struct {
	Text string `json:"text"`
}

// UtteranceResponse is the outcome of one interaction.
type UtteranceResponse struct {
	SessionID string       `json:"session_id"`
	Response  string       `json:"response"`
	Style     bandit.Style `json:"style,omitempty"`
	Intent    string       `json:"intent,omitempty"`
	Success   bool         `json:"success"`
	JobID     string       `json:"job_id,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// StatsResponse combines service and transport counters.
type StatsResponse struct {
	dispatch.Stats
	Queue *queue.Stats `json:"queue,omitempty"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Route("/v1/technicians/{id}", func(r chi.Router) {
			r.Post("/utterances", handleUtterance(deps))
			r.Get("/jobs", handleListJobs(deps))
			r.Get("/context", handleGetContext(deps))
			r.Get("/bandit", handleContextStats(deps))
			r.Put("/style", handleSetStyle(deps))
			r.Delete("/style", handleClearStyle(deps))
		})

		r.Get("/v1/stats", handleStats(deps))
		r.Put("/v1/bandit/epsilon", handleSetEpsilon(deps))
		r.Post("/v1/bandit/reset", handleResetBandit(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleUtterance(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tech := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req UtteranceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		out := deps.Service.Handle(r.Context(), tech, dispatch.Devices{
			Recognizer:  speech.Text(req.Text),
			Synthesizer: &speech.Buffer{},
		})
		writeJSON(w, http.StatusOK, utteranceResponse(out))
	}
}

func utteranceResponse(out dispatch.Outcome) UtteranceResponse {
	resp := UtteranceResponse{
		SessionID: out.SessionID,
		Response:  out.Response,
		Style:     out.Style,
		Intent:    string(out.Intent.Kind),
		Success:   out.Err == nil && out.Result.Success,
		JobID:     out.Result.JobID(),
		Error:     string(out.Result.ErrorKind),
	}
	if out.Err != nil {
		resp.Error = "interaction_failed"
	}
	return resp
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tech := chi.URLParam(r, "id")
		jobs := deps.Service.Jobs().ListByTechnician(tech)

		if raw := r.URL.Query().Get("status"); raw != "" {
			status, err := job.ParseStatus(raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			filtered := jobs[:0]
			for _, j := range jobs {
				if j.Status == status {
					filtered = append(filtered, j)
				}
			}
			jobs = filtered
		}

		if jobs == nil {
			jobs = []job.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleGetContext(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Service.Tracker().Context(chi.URLParam(r, "id")))
	}
}

func handleContextStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uc := deps.Service.Tracker().Context(chi.URLParam(r, "id"))
		writeJSON(w, http.StatusOK, deps.Service.Selector().ContextStatistics(uc.Bandit()))
	}
}

func handleSetStyle(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tech := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Style string `json:"style"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		style, err := bandit.ParseStyle(req.Style)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		deps.Service.Tracker().SetPreferredStyle(tech, style)
		slog.Info("preferred style set", "technician_id", tech, "style", style)
		writeJSON(w, http.StatusOK, deps.Service.Tracker().Context(tech))
	}
}

func handleClearStyle(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tech := chi.URLParam(r, "id")
		deps.Service.Tracker().ClearPreferredStyle(tech)
		writeJSON(w, http.StatusOK, deps.Service.Tracker().Context(tech))
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatsResponse{Stats: deps.Service.Statistics()}
		if deps.Queue != nil {
			qs, err := deps.Queue.Stats(r.Context())
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "failed to read queue stats: %v", err)
				return
			}
			resp.Queue = &qs
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleSetEpsilon(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Epsilon *float64 `json:"epsilon"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Epsilon == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "epsilon is required")
			return
		}

		sel := deps.Service.Selector()
		sel.SetEpsilon(*req.Epsilon)
		writeJSON(w, http.StatusOK, map[string]float64{"epsilon": sel.Epsilon()})
	}
}

func handleResetBandit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Service.Selector().Reset()
		slog.Info("bandit statistics reset")
		writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
