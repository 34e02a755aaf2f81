package httpserver

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 64

type contextKey string

const requestLoggerKey contextKey = "httpserver.request.logger"

// Liveness checks and scrapers hit these every few seconds.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed by the websocket upgrade on /ws.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("httpserver: response writer does not support hijacking")
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := requestID(r)
		w.Header().Set(RequestIDHeader, reqID)

		logger := s.logger.With(
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		if remote := r.RemoteAddr; remote != "" {
			logger = logger.With("remote_addr", remote)
		}

		ctx := context.WithValue(r.Context(), requestLoggerKey, logger)
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(ctx))

		level := slog.LevelInfo
		switch {
		case rec.Status() >= http.StatusInternalServerError:
			level = slog.LevelWarn
		case quietPaths[r.URL.Path]:
			level = slog.LevelDebug
		}
		logger.Log(ctx, level, "request complete",
			"status", rec.Status(),
			"duration", time.Since(start),
			"bytes", rec.bytes,
		)
	})
}

// requestID reuses a caller supplied id when it is sane, otherwise mints one.
func requestID(r *http.Request) string {
	if id := r.Header.Get(RequestIDHeader); id != "" && len(id) <= maxRequestIDLen {
		return id
	}
	return uuid.NewString()
}

func (s *Server) loggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(requestLoggerKey).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return s.logger
}
