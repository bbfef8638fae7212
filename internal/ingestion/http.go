package ingestion

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxEventBytes = 1 << 20

// HTTPHandler exposes health, metrics and batch inspection, plus a webhook
// that accepts object notifications directly from the store.
type HTTPHandler struct {
	service *Service
	metrics http.Handler
	logger  *zap.Logger
	router  chi.Router
}

// NewHTTPHandler constructs the HTTP handler and wires routes. metrics may be
// nil to leave /metrics out.
func NewHTTPHandler(service *Service, metrics http.Handler, logger *zap.Logger) *HTTPHandler {
	h := &HTTPHandler{
		service: service,
		metrics: metrics,
		logger:  logger.Named("http"),
	}
	h.buildRouter()
	return h
}

func (h *HTTPHandler) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Minute))

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/batch", h.handleBatch)
		r.Post("/events", h.handleEvent)
	})

	h.router = r
}

// Router exposes the configured chi router.
func (h *HTTPHandler) Router() http.Handler {
	return h.router
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *HTTPHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.service.Ready() {
		writeError(w, http.StatusServiceUnavailable, "consumer not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (h *HTTPHandler) handleBatch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"source": h.service.Source(),
		"files":  nonNil(h.service.Files()),
	})
}

func (h *HTTPHandler) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	res, err := h.service.Process(r.Context(), middleware.GetReqID(r.Context()), body)
	if err != nil {
		h.logger.Error("event rejected",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("stage", string(StageOf(err))),
			zap.Error(err),
		)
		switch {
		case errors.Is(err, ErrParse):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrFetch):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bucket":    res.Event.Bucket,
		"key":       res.Event.Key,
		"sentinel":  res.Sentinel,
		"file":      res.File,
		"bytes":     res.Bytes,
		"finalized": res.Finalized,
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}
