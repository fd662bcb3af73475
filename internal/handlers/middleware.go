package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	limiter "github.com/ulule/limiter/v3"
	stdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"github.com/uptrace/bunrouter"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID returns the request id stored by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// responseWriter captures the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Status() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w}
}

// requestIDMiddleware keeps an incoming X-Request-ID or assigns a new one.
func requestIDMiddleware(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, req bunrouter.Request) error {
		id := req.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(req.Context(), requestIDKey, id)
		return next(w, req.WithContext(ctx))
	}
}

func loggingMiddleware(log *logrus.Entry) bunrouter.MiddlewareFunc {
	return func(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
		return func(w http.ResponseWriter, req bunrouter.Request) error {
			start := time.Now()
			rw := wrap(w)
			err := next(rw, req)
			elapsed := time.Since(start)

			entry := log.WithFields(logrus.Fields{
				"method":      req.Method,
				"path":        req.URL.Path,
				"route":       req.Route(),
				"status":      rw.Status(),
				"duration_ms": float64(elapsed.Microseconds()) / 1000,
				"request_id":  RequestID(req.Context()),
				"remote_addr": req.RemoteAddr,
				"user_agent":  req.UserAgent(),
			})
			if rw.Status() >= http.StatusInternalServerError {
				entry.Warn("http request")
			} else {
				entry.Info("http request")
			}
			return err
		}
	}
}

// httpMetrics counts requests by route and status and observes latency.
type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_api_requests_total",
			Help: "Total API requests.",
		}, []string{"method", "endpoint", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ml_api_request_duration_seconds",
			Help:    "Request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

func (m *httpMetrics) middleware(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, req bunrouter.Request) error {
		start := time.Now()
		rw := wrap(w)
		err := next(rw, req)
		elapsed := time.Since(start)

		route := req.Route()
		m.requests.WithLabelValues(req.Method, route, strconv.Itoa(rw.Status())).Inc()
		m.duration.WithLabelValues(req.Method, route).Observe(elapsed.Seconds())
		return err
	}
}

func recoveryMiddleware(log *logrus.Entry) bunrouter.MiddlewareFunc {
	return func(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
		return func(w http.ResponseWriter, req bunrouter.Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(logrus.Fields{
						"panic":      fmt.Sprintf("%v", r),
						"stack":      string(debug.Stack()),
						"request_id": RequestID(req.Context()),
					}).Error("http panic recovered")
					err = writeError(w, req.Request, fmt.Errorf("internal server error"))
				}
			}()
			return next(w, req)
		}
	}
}

func corsMiddleware(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
	return func(w http.ResponseWriter, req bunrouter.Request) error {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return nil
		}
		return next(w, req)
	}
}

// newLimiter builds the ulule stdlib middleware for a formatted rate such
// as "100-S".
func newLimiter(rate string) (*stdlib.Middleware, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid rate %q: %w", rate, err)
	}
	instance := limiter.New(memory.NewStore(), r)
	return stdlib.NewMiddleware(instance,
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, &apiError{
				status: http.StatusTooManyRequests,
				code:   RateLimitReached,
				err:    fmt.Errorf("rate limit of %s reached", rate),
			})
		}),
	), nil
}

func limitMiddleware(lm *stdlib.Middleware) bunrouter.MiddlewareFunc {
	return func(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
		return func(w http.ResponseWriter, req bunrouter.Request) error {
			r := req.Request
			key := lm.KeyGetter(r)
			if lm.ExcludedKey != nil && lm.ExcludedKey(key) {
				return next(w, req)
			}
			lctx, err := lm.Limiter.Get(r.Context(), key)
			if err != nil {
				lm.OnError(w, r, err)
				return nil
			}
			w.Header().Add("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
			w.Header().Add("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
			w.Header().Add("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))
			if lctx.Reached {
				lm.OnLimitReached(w, r)
				return nil
			}
			return next(w, req)
		}
	}
}

// errorMiddleware renders errors returned by handlers as HTTPError bodies.
func errorMiddleware(log *logrus.Entry) bunrouter.MiddlewareFunc {
	return func(next bunrouter.HandlerFunc) bunrouter.HandlerFunc {
		return func(w http.ResponseWriter, req bunrouter.Request) error {
			err := next(w, req)
			if err == nil {
				return nil
			}
			status, _ := classify(err)
			entry := log.WithError(err).WithField("request_id", RequestID(req.Context()))
			if status >= http.StatusInternalServerError {
				entry.Error("request failed")
			} else {
				entry.Debug("request rejected")
			}
			return writeError(w, req.Request, err)
		}
	}
}
