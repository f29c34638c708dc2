package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"evnotify/internal/eventbus"
	"evnotify/internal/live"
	"evnotify/internal/metrics"
	logx "evnotify/pkg/logx"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Backend is the notification state the API exposes.
type Backend interface {
	Status() live.Snapshot
	MessagesSince(after int64) []live.Message
	ClearUnread(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

type Deps struct {
	Backend Backend
	Bus     eventbus.Bus
	Metrics *metrics.Metrics
	// Health returns extra detail for /healthz (supervisor snapshot).
	Health func() any
	Log    logx.Logger
}

const sseKeepAlive = 25 * time.Second

// NewRouter builds the HTTP handler. It performs no I/O.
func NewRouter(cfg Config, d Deps) http.Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	h := &handlers{d: d}

	r := chi.NewRouter()
	r.Use(instrument(d.Metrics))
	r.Use(chimw.RequestID)
	r.Use(requestLogger(d.Log))
	r.Use(chimw.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}
	r.Use(requireToken(cfg.Token))

	r.Get("/healthz", h.health)
	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	if cfg.Pprof {
		r.Mount("/debug", chimw.Profiler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.state)
		r.Get("/messages", h.messages)
		r.Get("/events", h.events)
		r.Post("/unread/clear", h.clearUnread)
		r.Post("/reconnect", h.reconnect)
	})
	return r
}

type handlers struct{ d Deps }

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	st := h.d.Backend.Status()
	body := map[string]any{
		"status":            "ok",
		"connection_status": st.ConnectionStatus,
		"user_id":           st.UserID,
	}
	if h.d.Health != nil {
		body["runtime"] = h.d.Health()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Backend.Status())
}

func (h *handlers) messages(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := strings.TrimSpace(r.URL.Query().Get("since")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}
	msgs := h.d.Backend.MessagesSince(since)
	if msgs == nil {
		msgs = []live.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *handlers) clearUnread(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Backend.ClearUnread(r.Context()); err != nil {
		h.backendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.d.Backend.Status())
}

func (h *handlers) reconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Backend.Reconnect(r.Context()); err != nil {
		h.backendError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "reconnecting"})
}

func (h *handlers) backendError(w http.ResponseWriter, err error) {
	if errors.Is(err, live.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	h.d.Log.Warn("api request failed", logx.Err(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

// events streams live.* bus events as server-sent events, starting with
// the current state.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, unsub := h.d.Bus.Subscribe(32, "live.")
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "snapshot", h.d.Backend.Status()); err != nil {
		return
	}
	fl.Flush()

	tk := time.NewTicker(sseKeepAlive)
	defer tk.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tk.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			fl.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, ev.Type, ev.Data); err != nil {
				return
			}
			fl.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
