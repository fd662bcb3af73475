package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bunrouter"
)

type RouterConfig struct {
	Base     string // URL prefix for every route
	Rate     string // ulule formatted rate, e.g. "100-S"; empty disables limiting
	Registry *prometheus.Registry
	Log      *logrus.Entry
}

// NewRouter wires h and the middleware chain into a bunrouter router.
func NewRouter(h *Handler, cfg RouterConfig) (*bunrouter.Router, error) {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	opts := []bunrouter.Option{
		bunrouter.Use(requestIDMiddleware),
		bunrouter.Use(loggingMiddleware(cfg.Log)),
		bunrouter.Use(newHTTPMetrics(cfg.Registry).middleware),
		bunrouter.Use(recoveryMiddleware(cfg.Log)),
		bunrouter.Use(corsMiddleware),
	}
	if cfg.Rate != "" {
		lm, err := newLimiter(cfg.Rate)
		if err != nil {
			return nil, err
		}
		opts = append(opts, bunrouter.Use(limitMiddleware(lm)))
	}
	opts = append(opts, bunrouter.Use(errorMiddleware(cfg.Log)))

	router := bunrouter.New(opts...)
	base := cfg.Base
	router.WithGroup(base, func(g *bunrouter.Group) {
		g.GET("/", h.Health)
		g.GET("/health", h.Health)
		g.GET("/model/info", h.ModelInfo)
		g.GET("/models/info", h.ModelInfo)
		g.GET("/sample", h.Sample)
		g.GET("/stats", h.Stats)
		g.GET("/docs", h.Docs)
		g.GET("/metrics", bunrouter.HTTPHandler(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))

		g.POST("/predict", h.Predict)
		g.POST("/predict/batch", h.PredictBatch)
		g.POST("/reload", h.Reload)
		g.POST("/models/reload", h.Reload)

		g.OPTIONS("/*path", func(w http.ResponseWriter, req bunrouter.Request) error { return nil })
	})
	return router, nil
}
