package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/malhub/internal/observability"
)

const requestIDHeader = "X-Request-ID"

// instrument wraps every request with a request id, a server span, panic
// recovery, access logging and HTTP metrics. Metrics are labeled by route
// pattern rather than raw path.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()

		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		ctx := observability.AddRequestID(r.Context(), requestID)
		ctx, span := s.tracer.TraceHTTPRequest(ctx, r.Method, r.URL.Path)
		defer span.End()
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				s.logger.ErrorContext(ctx, "http handler panic", "path", r.URL.Path, "panic", p)
				s.metrics.RecordError("gateway", "panic")
				if !rec.wroteHeader {
					writeError(rec, http.StatusInternalServerError, "internal server error")
				} else {
					rec.status = http.StatusInternalServerError
				}
			}

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			elapsed := s.now().Sub(start)
			s.metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(rec.status), elapsed.Seconds())
			if rec.status >= http.StatusInternalServerError {
				s.tracer.RecordError(span, errors.New(http.StatusText(rec.status)))
			}
			s.logger.DebugContext(ctx, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"route", route,
				"status", rec.status,
				"duration", elapsed,
			)
		}()

		next.ServeHTTP(rec, r)
	})
}

// statusRecorder captures the response status. It passes through Hijack and
// Flush so WebSocket upgrades work behind it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	// A hijacked connection answered the upgrade itself.
	r.status = http.StatusSwitchingProtocols
	r.wroteHeader = true
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
