// Package api provides the HTTP surface of the relay: the Telegram webhook,
// health and index endpoints, and Prometheus metrics.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stupiduntilnot/chatrelay/internal/commander"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "chatrelay"

// SecretHeader carries the webhook secret set with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxUpdateBytes = 1 << 20

// Dispatcher accepts inbound updates. It must not block on the turn.
type Dispatcher interface {
	Dispatch(update commander.Update)
}

// Handler serves the relay's HTTP routes.
type Handler struct {
	dispatcher Dispatcher
	secret     string
	gatherer   prometheus.Gatherer
	logger     *slog.Logger
}

// NewHandler creates a Handler. An empty secret disables the webhook
// secret check; a nil gatherer disables /metrics.
func NewHandler(d Dispatcher, secret string, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: d,
		secret:     secret,
		gatherer:   gatherer,
		logger:     logger,
	}
}

// Router builds the chi router with global middleware and all routes.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the relay routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Index)
	r.Get("/health", h.Health)
	r.Post("/webhook", h.Webhook)
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

// Webhook accepts one Telegram update and hands it to the dispatcher.
// Apart from a bad secret, Telegram always gets a 200 so it does not
// redeliver; the turn's outcome reaches the user as a chat message.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.logger.Warn("webhook secret mismatch", "remote", r.RemoteAddr)
			JSON(w, http.StatusUnauthorized, map[string]bool{"ok": false})
			return
		}
	}

	var update commander.Update
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBytes))
	if err := dec.Decode(&update); err != nil {
		h.logger.Warn("undecodable webhook body", "error", err, "request_id", chiMiddleware.GetReqID(r.Context()))
		JSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	h.logger.Debug("webhook update", "update_id", update.UpdateID, "request_id", chiMiddleware.GetReqID(r.Context()))
	h.dispatcher.Dispatch(update)
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
	})
}

// Index describes the service.
func (h *Handler) Index(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"name":        "ChatRelay Telegram Bot",
		"status":      "running",
		"description": "Telegram bot relaying chats to an OpenAI-compatible completion API",
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}
