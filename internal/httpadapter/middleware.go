// Package httpadapter runs the waf kernel in front of a net/http handler.
package httpadapter

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BespredeL/wafu/internal/kernel"
	"github.com/BespredeL/wafu/internal/waf"
)

const (
	defaultStatus      = http.StatusForbidden
	defaultBody        = "Blocked by WAFU"
	defaultContentType = "text/plain; charset=utf-8"
)

// Evaluator is the part of the kernel the middleware needs.
type Evaluator interface {
	HandleWithContext(in kernel.Input) (waf.Decision, *waf.Context)
	HandleStatus(in kernel.Input, status int) (waf.Decision, *waf.Context)
}

type Options struct {
	// MaxBodyBytes caps the request body inspected. Zero means 1 MiB.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Middleware evaluates every request before next. A blocked request is
// answered directly. When next answers 404, the status is run through the
// 404 abuse modules and a blocking decision replaces the 404 response.
func Middleware(k Evaluator, opts Options) func(http.Handler) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			in := NewInput(r, opts.MaxBodyBytes)
			d, c := k.HandleWithContext(in)
			if d.Blocked {
				status := WriteDecision(w, d, c)
				logger.Info("waf blocked request",
					"request_id", c.ID(),
					"ip", c.IP(),
					"method", c.Method(),
					"uri", c.URI(),
					"reason", d.Reason,
					"status", status,
				)
				return
			}

			sw := &statusWriter{ResponseWriter: w, onNotFound: func() bool {
				d, c := k.HandleStatus(in, http.StatusNotFound)
				if !d.Blocked {
					return false
				}
				h := w.Header()
				for key := range h {
					delete(h, key)
				}
				status := WriteDecision(w, d, c)
				logger.Info("waf blocked 404 abuse",
					"request_id", c.ID(),
					"ip", c.IP(),
					"uri", c.URI(),
					"reason", d.Reason,
					"status", status,
				)
				return true
			}}
			next.ServeHTTP(sw, r)
		})
	}
}

// WriteDecision writes a blocking decision and returns the status used. A
// decision without its own response falls back to the response an action
// left on the context, then to 403 with the reason as body.
func WriteDecision(w http.ResponseWriter, d waf.Decision, c *waf.Context) int {
	status, headers, body := d.Status, d.Headers, d.Body
	if !d.HasResponse() && c != nil {
		if resp, ok := c.PendingResponse(); ok {
			status, headers, body = resp.Status, resp.Headers, resp.Body
		}
	}
	if status <= 0 {
		status = defaultStatus
	}
	if body == "" {
		body = d.Reason
	}
	if body == "" {
		body = defaultBody
	}

	h := w.Header()
	for k, v := range headers {
		h.Set(k, v)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", defaultContentType)
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write([]byte(body))
	return status
}

// statusWriter intercepts a 404 before it is sent.
type statusWriter struct {
	http.ResponseWriter
	onNotFound func() bool

	wroteHeader bool
	replaced    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.wroteHeader {
		return
	}
	sw.wroteHeader = true
	if code == http.StatusNotFound && sw.onNotFound() {
		sw.replaced = true
		return
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}
	if sw.replaced {
		return len(b), nil
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if sw.replaced {
		return
	}
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
