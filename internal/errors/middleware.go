package errors

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const (
	// bodies above this size are never buffered for logging
	maxBufferedBody = 64 << 10
	maxLoggedBody   = 500
	redacted        = "[REDACTED]"
)

// credentialFields are redacted from logged request bodies.
var credentialFields = map[string]struct{}{
	"license_key":        {},
	"licenseKey":         {},
	"app_secret":         {},
	"appSecret":          {},
	"custom_hardware_id": {},
	"api_key":            {},
	"password":           {},
	"secret":             {},
	"token":              {},
}

// RequestLogger emits one record per request. The body of a rejected
// request is attached with credentials redacted.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body := captureBody(r)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
				slog.Int("bytes", ww.BytesWritten()),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusBadRequest && len(body) > 0 {
				attrs = append(attrs, slog.String("request_body", truncate(sanitizeRequestBody(body), maxLoggedBody)))
			}
			logger.LogAttrs(r.Context(), levelFor(status), "http request", attrs...)
		})
	}
}

// captureBody reads a small request body and replaces it so the handler
// still sees the full stream.
func captureBody(r *http.Request) []byte {
	if r.Body == nil || r.ContentLength <= 0 || r.ContentLength > maxBufferedBody {
		return nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// sanitizeRequestBody redacts credentials from a JSON object body. Anything
// else is replaced wholesale since its fields cannot be inspected.
func sanitizeRequestBody(body []byte) string {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return "[UNPARSEABLE BODY REDACTED]"
	}
	for name := range fields {
		if _, ok := credentialFields[name]; ok {
			fields[name] = redacted
		}
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return "[UNPARSEABLE BODY REDACTED]"
	}
	return string(out)
}

// Recoverer renders handler panics as ErrPanic. http.ErrAbortHandler is
// re-raised so net/http can abort the connection.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				switch rec {
				case nil:
					return
				case http.ErrAbortHandler:
					panic(rec)
				}
				logger.ErrorContext(r.Context(), "panic recovered",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("request_id", middleware.GetReqID(r.Context())),
				)
				RenderError(w, r, ErrPanic(rec))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
