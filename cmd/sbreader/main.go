package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go-servicebus/internal/config"
	"go-servicebus/internal/observability"
	"go-servicebus/internal/service"
	"go-servicebus/pkg/servicebus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	mode := flag.String("mode", "sync", "sync or concurrent")
	maxMessages := flag.Int("max", 0, "stop after this many messages (0 = unbounded)")
	duration := flag.Duration("duration", 0, "stop after this long (0 = unbounded)")
	idle := flag.Bool("idle", false, "stop when the destination is empty")
	deadLetter := flag.Bool("deadletter", false, "drain the dead-letter sub-queue after reading")
	requeue := flag.String("requeue", servicebus.ReasonMaxDeliveryExceeded, "comma-separated dead-letter reasons to requeue")
	templates := flag.String("templates", "", "comma-separated templates to accept (default all)")
	dedupeTTL := flag.Duration("dedupe-ttl", time.Hour, "how long processed message IDs are remembered (0 disables)")
	flag.Parse()

	logger := observability.GetLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	observability.InitLogger(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics observability.MetricsCollector = observability.NewInMemoryMetrics()
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		metrics = observability.NewPrometheusMetrics(reg)
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var opts []servicebus.RunOption
	if *maxMessages > 0 {
		opts = append(opts, servicebus.WithMaxMessages(*maxMessages))
	}
	if *duration > 0 {
		opts = append(opts, servicebus.WithDuration(*duration))
	}
	if *idle {
		opts = append(opts, servicebus.WithStopWhenIdle())
	}

	onError := servicebus.ErrorHandlerFunc(func(src servicebus.Source, info servicebus.ErrorInfo) {
		if info.Fatal {
			logger.WithError(info.Err).WithField("endpoint", src.Endpoint).Error("Reader lost connectivity")
		}
	})

	engine, err := servicebus.NewEngine(cfg.EngineConfig(logger, metrics))
	if err != nil {
		logger.WithError(err).Fatal("Failed to create engine")
	}
	processor := service.NewMessageProcessor(logger, splitList(*templates)...)
	if *dedupeTTL > 0 {
		processor.WithDedupe(service.NewInMemoryDedupeStore(ctx, *dedupeTTL))
	}

	exitCode := 0
	if err := run(ctx, engine, *mode, processor, onError, cfg.Reader.DrainTimeout, opts); err != nil {
		logger.WithError(err).Error("Reader stopped with error")
		exitCode = 1
	}
	logger.WithField("processed", processor.Processed()).Info("Read complete")

	if *deadLetter && ctx.Err() == nil {
		reader, err := servicebus.NewDeadLetterReader(cfg.DeadLetterConfig(logger, metrics))
		if err != nil {
			logger.WithError(err).Fatal("Failed to create dead-letter reader")
		}
		inspector := service.NewDeadLetterInspector(logger, splitList(*requeue)...)
		if err := reader.Start(ctx, inspector, onError, servicebus.WithStopWhenIdle()); err != nil {
			logger.WithError(err).Error("Dead-letter pass failed")
			exitCode = 1
		}
		stats := reader.Stats()
		logger.WithFields(logrus.Fields{
			"completed": stats.Completed,
			"requeued":  stats.Requeued,
		}).Info("Dead-letter pass complete")
	}

	if exitCode != 0 {
		stop()
		os.Exit(exitCode)
	}
}

func run(ctx context.Context, engine *servicebus.Engine, mode string, h servicebus.Handler, onError servicebus.ErrorHandler, drain time.Duration, opts []servicebus.RunOption) error {
	if mode != "concurrent" {
		return engine.Start(ctx, servicebus.Synchronous, h, onError, opts...)
	}

	if err := engine.Start(ctx, servicebus.Concurrent, h, onError, opts...); err != nil {
		return err
	}
	err := engine.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		return err
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	return engine.Stop(drainCtx)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.WithField("addr", addr).Info("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics server error")
		}
	}()
	return srv
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
