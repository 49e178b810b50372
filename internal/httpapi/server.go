package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scanserver/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Submit(ctx context.Context, req types.ScanRequest) (types.SubmitResponse, error)
	Pause()
	Resume()
	// Abort stops the active work item. It reports false when nothing is running.
	Abort() bool
	Status() types.StatusResponse
	History() []types.QueueItemInfo
	ScanStatus(ctx context.Context, scanID string) (types.ScanStatusMessage, bool, error)
	Ready() bool
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}

	r.Post("/queue", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			IncrementRejected("content_type")
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.ScanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			IncrementRejected("invalid_json")
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(req.Instructions) == 0 {
			IncrementRejected("empty_scan")
			writeJSONError(w, http.StatusBadRequest, "instructions are required")
			return
		}
		for i, in := range req.Instructions {
			if strings.TrimSpace(string(in.Action)) == "" {
				IncrementRejected("invalid_instruction")
				writeJSONError(w, http.StatusBadRequest, "instruction "+itoa(i)+" has no action")
				return
			}
		}
		resp, err := svc.Submit(r.Context(), req)
		if err != nil {
			status := http.StatusInternalServerError
			if he, ok := err.(HTTPError); ok {
				status = he.StatusCode()
			}
			IncrementRejected("submit")
			writeJSONError(w, status, err.Error())
			logOutcome(r, "submit", status, start, err)
			return
		}
		writeJSON(w, http.StatusAccepted, resp)
		logOutcome(r, "submit", http.StatusAccepted, start, nil)
	})

	r.Post("/queue/pause", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		svc.Pause()
		writeJSON(w, http.StatusOK, svc.Status())
		logOutcome(r, "pause", http.StatusOK, start, nil)
	})

	r.Post("/queue/resume", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		svc.Resume()
		writeJSON(w, http.StatusOK, svc.Status())
		logOutcome(r, "resume", http.StatusOK, start, nil)
	})

	r.Post("/queue/abort", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if !svc.Abort() {
			IncrementRejected("nothing_active")
			writeJSONError(w, http.StatusConflict, "no active work item")
			logOutcome(r, "abort", http.StatusConflict, start, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, svc.Status())
		logOutcome(r, "abort", http.StatusAccepted, start, nil)
	})

	r.Get("/queue/history", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"history": svc.History()})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/scans/{scanID}", func(w http.ResponseWriter, r *http.Request) {
		scanID := chi.URLParam(r, "scanID")
		msg, ok, err := svc.ScanStatus(r.Context(), scanID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			writeJSONError(w, http.StatusNotFound, "unknown scan "+scanID)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("waiting for device server"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
