package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"evnotify/internal/metrics"
	logx "evnotify/pkg/logx"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// requestLogger logs one line per request at DEBUG, WARN for 5xx.
func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				fields := []logx.Field{
					logx.String("method", r.Method),
					logx.String("path", r.URL.Path),
					logx.Int("status", ww.Status()),
					logx.Duration("latency", time.Since(start)),
					logx.String("request_id", chimw.GetReqID(r.Context())),
				}
				if ww.Status() >= 500 {
					log.Warn("request failed", fields...)
					return
				}
				log.Debug("request completed", fields...)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// instrument records request counts and latency by route pattern.
func instrument(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			path := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					path = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func requireToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			if ah := r.Header.Get("Authorization"); ah != "" {
				const p = "Bearer "
				if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
					next.ServeHTTP(w, r)
					return
				}
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}
