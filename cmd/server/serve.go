package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/acme/autocert"

	"github.com/Brownie44l1/classify-api/internal/artifact"
	"github.com/Brownie44l1/classify-api/internal/cache"
	"github.com/Brownie44l1/classify-api/internal/config"
	"github.com/Brownie44l1/classify-api/internal/handlers"
	"github.com/Brownie44l1/classify-api/internal/logging"
	"github.com/Brownie44l1/classify-api/internal/metrics"
	"github.com/Brownie44l1/classify-api/internal/model"
	"github.com/Brownie44l1/classify-api/internal/serving"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long:  "Load the model, connect the prediction cache and serve the HTTP API.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().String("model", "", "model path (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if p, _ := cmd.Flags().GetString("model"); p != "" {
		cfg.Model.Path = p
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return err
	}
	log := logrus.NewEntry(logger).WithField("version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, handle, closeModel, err := loadModel(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeModel()

	backend, err := cache.Open(ctx, cfg.Cache)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrUnavailable):
		log.WithError(err).Warn("cache backend unreachable, serving without cache hits until it recovers")
	default:
		return fmt.Errorf("unable to open cache: %w", err)
	}
	layer := cache.NewLayer[serving.Result](backend, cache.LayerConfig{
		Workers:   cfg.Cache.Writers,
		QueueSize: cfg.Cache.QueueSize,
		OpTimeout: cfg.Cache.OpTimeout.Duration,
	}, log.WithField("component", "cache"))
	defer func() {
		if err := layer.Close(); err != nil {
			log.WithError(err).Warn("cache close failed")
		}
	}()

	exec := serving.NewExecutor(serving.ExecutorConfig{
		Workers:   cfg.Executor.Workers,
		QueueSize: cfg.Executor.QueueSize,
	}, log.WithField("component", "executor"))
	defer exec.Close()

	agg := metrics.NewAggregator(cfg.Metrics.Reservoir)
	svc := serving.NewService(serving.Options{
		Handle:     handle,
		Cache:      layer,
		Executor:   exec,
		Metrics:    agg,
		Store:      store,
		SamplePath: cfg.Model.SamplePath,
		DefaultTTL: cfg.Cache.DefaultTTL,
		Version:    version,
		Log:        log.WithField("component", "serving"),
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(agg),
	)
	router, err := handlers.NewRouter(handlers.NewHandler(svc), handlers.RouterConfig{
		Base:     cfg.Server.Base,
		Rate:     cfg.Server.Rate,
		Registry: reg,
		Log:      log.WithField("component", "http"),
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- listen(srv, cfg.Server, log)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.WithError(err).Warn("graceful shutdown incomplete")
	}
	return nil
}

// loadModel opens the artifact store and loads the configured model. The
// returned func closes the handle and the ONNX environment.
func loadModel(ctx context.Context, cfg *config.Config, log *logrus.Entry) (artifact.Store, *model.Handle, func(), error) {
	store, err := artifact.Open(ctx, cfg.Model)
	if err != nil {
		return nil, nil, nil, err
	}

	var (
		mdSource artifact.MetadataSource = artifact.DocumentMetadata{Store: store, Path: cfg.Model.MetadataPath}
		mongo    *artifact.MongoMetadata
	)
	if cfg.Mongo.URI != "" {
		mongo, err = artifact.NewMongoMetadata(cfg.Mongo.URI, cfg.Mongo.DB, cfg.Mongo.Collection, mdSource)
		if err != nil {
			return nil, nil, nil, err
		}
		mdSource = mongo
	}

	handle := model.NewHandle(model.Source{
		Store:    store,
		Path:     cfg.Model.Path,
		Metadata: mdSource,
	}, model.NewONNXOpener(model.ONNXOptions{
		SharedLibraryPath: cfg.Model.SharedLibrary,
		IntraOpThreads:    cfg.Model.IntraOpThreads,
		InterOpThreads:    cfg.Model.InterOpThreads,
	}), log.WithField("component", "model"))

	closeAll := func() {
		handle.Close()
		if mongo != nil {
			mongo.Close()
		}
		if err := model.DestroyEnvironment(); err != nil {
			log.WithError(err).Warn("failed to destroy ONNX environment")
		}
	}
	if err := handle.Load(ctx); err != nil {
		closeAll()
		return nil, nil, nil, err
	}
	return store, handle, closeAll, nil
}

// listen serves srv over LetsEncrypt when domain names are configured,
// over TLS with the given cert and key, or plain HTTP otherwise.
func listen(srv *http.Server, cfg config.ServerConfig, log *logrus.Entry) error {
	switch {
	case len(cfg.DomainNames) > 0:
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.DomainNames...),
			Cache:      autocert.DirCache("certs"),
		}
		srv.Addr = ":https"
		srv.TLSConfig = &tls.Config{GetCertificate: m.GetCertificate, MinVersion: tls.VersionTLS12}
		go func() {
			if err := http.ListenAndServe(":http", m.HTTPHandler(nil)); err != nil {
				log.WithError(err).Error("ACME challenge listener stopped")
			}
		}()
		log.WithField("domains", cfg.DomainNames).Info("starting LetsEncrypt HTTPs server")
		return srv.ListenAndServeTLS("", "")
	case cfg.ServerCrt != "" && cfg.ServerKey != "":
		log.WithField("addr", srv.Addr).Info("starting HTTPs server")
		return srv.ListenAndServeTLS(cfg.ServerCrt, cfg.ServerKey)
	default:
		log.WithField("addr", srv.Addr).Info("starting HTTP server")
		return srv.ListenAndServe()
	}
}
