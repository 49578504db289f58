package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mgpai22/klip/internal/logging"
)

type loggerKey struct{}

// requestScope tags each request with a short id, hands handlers a logger
// carrying it, turns panics into 500s and writes one access line per request.
func requestScope(log *logging.Logger) func(http.Handler) http.Handler {
	log = logging.OrNop(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := uuid.NewString()[:8]
			reqLog := log.With("request_id", id)
			w.Header().Set("X-Request-ID", id)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				if p := recover(); p != nil {
					reqLog.Errorw("panic recovered", "error", p)
					if !rec.wrote {
						WriteError(rec, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
					}
				}
				reqLog.Infow("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", rec.status,
					"bytes", rec.bytes,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}()

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), loggerKey{}, reqLog)))
		})
	}
}

// requestLog returns the request's logger, or fallback outside requestScope.
func requestLog(r *http.Request, fallback *logging.Logger) *logging.Logger {
	if l, ok := r.Context().Value(loggerKey{}).(*logging.Logger); ok {
		return l
	}
	return logging.OrNop(fallback)
}

// requireToken checks "Authorization: Bearer <token>". An empty token turns
// the check off.
func requireToken(token string, log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				WriteError(w, http.StatusUnauthorized, "bearer token required", "UNAUTHORIZED")
				return
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				requestLog(r, log).Warnw("invalid auth token", "provided", logging.SanitizeToken(provided))
				WriteError(w, http.StatusUnauthorized, "invalid token", "UNAUTHORIZED")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
	wrote  bool
}

func (w *statusRecorder) WriteHeader(status int) {
	if !w.wrote {
		w.status = status
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	w.wrote = true
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func WriteError(w http.ResponseWriter, status int, message, code string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
