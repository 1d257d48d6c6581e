package core

import (
	"log/slog"
	"net/http"
	"time"

	"chunkstore/internal/auth"
)

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	w.WrittenResponseCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// LogEntry is the structured form of one admin request.
type LogEntry struct {
	IP         string
	Method     string
	Path       string
	DurationMS float64
	StatusCode int
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"ip", e.IP,
		"method", e.Method,
		"path", e.Path,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
	)
}

// LogRequest is middleware that logs admin requests. Successful scrapes of
// quietPaths are logged at debug level so periodic polling does not flood
// the log.
func LogRequest(next http.Handler, quietPaths ...string) http.Handler {
	quiet := make(map[string]bool, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := LogEntry{
			IP:     r.RemoteAddr,
			Method: r.Method,
			Path:   r.URL.Path,
		}

		writer := ResponseWriterWrapper{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(&writer, r)

		entry.DurationMS = float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond)
		entry.StatusCode = writer.WrittenResponseCode
		if entry.StatusCode == 0 {
			entry.StatusCode = http.StatusOK
		}

		switch {
		case entry.StatusCode >= 500:
			slog.Error("Admin request", entry.Request())
		case entry.StatusCode >= 400:
			slog.Warn("Admin request", entry.Request())
		case quiet[entry.Path]:
			slog.Debug("Admin request", entry.Request())
		default:
			slog.Info("Admin request", entry.Request())
		}
	})
}

// RequireAuthentication is middleware that rejects requests authEngine does
// not accept. Requests for openPaths pass through unchecked.
func RequireAuthentication(next http.Handler, authEngine auth.AuthEngine, openPaths ...string) http.Handler {
	open := make(map[string]bool, len(openPaths))
	for _, p := range openPaths {
		open[p] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if open[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		user, err := authEngine.AuthenticateRequest(r.Context(), r)
		if err != nil {
			slog.Warn("Authentication failed", "error", err, "path", r.URL.Path)
		}
		if user == nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="chunkstore"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		slog.Debug("Authenticated admin request", "user", user.Name, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// Recoverer turns a panicking handler into a 500 response.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// the client connection is already gone
					panic(rvr)
				}

				slog.Error("Internal error in admin handler", "error", rvr, "path", r.URL.Path)
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}
