// Command engine runs the workflow engine server: websocket event stream,
// webhook ingestion, workflow submission API, and Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fluxbpm/engine/internal/agui"
	"github.com/fluxbpm/engine/internal/config"
	"github.com/fluxbpm/engine/internal/engine"
	"github.com/fluxbpm/engine/internal/eventstore"
	"github.com/fluxbpm/engine/internal/httpapi"
	"github.com/fluxbpm/engine/internal/msgqueue"
	"github.com/fluxbpm/engine/internal/streaming"
	"github.com/fluxbpm/engine/internal/tasks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, cfgPath, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting engine",
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("database", cfg.DatabasePath),
		zap.String("config", cfgPath))

	store, err := eventstore.Open(cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	queue := msgqueue.New(logger, cfg.QueueWarnThreshold)

	bcOpts := []agui.Option{
		agui.WithStore(store),
		agui.WithBufferSize(cfg.SubscriberBuffer),
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		mirror := streaming.NewRedisMirror(client, cfg.RedisStream, logger)
		if err := mirror.Ping(context.Background()); err != nil {
			logger.Warn("redis unreachable, stream mirror disabled", zap.Error(err))
		} else {
			bcOpts = append(bcOpts, agui.WithMirror(mirror))
			logger.Info("redis stream mirror enabled",
				zap.String("addr", cfg.RedisAddr), zap.String("stream", cfg.RedisStream))
		}
	}
	broadcaster := agui.NewBroadcaster(logger, bcOpts...)

	registry := tasks.NewRegistry(tasks.Options{
		PublicBaseURL: cfg.PublicBaseURL,
	})

	eng := engine.New(engine.Options{
		Broadcaster:       broadcaster,
		Queue:             queue,
		Messages:          store,
		Registry:          registry,
		Logger:            logger,
		DeadlockThreshold: cfg.DeadlockThreshold,
	})

	watcher, err := config.NewWatcher(cfgPath, cfg, logger, func(fresh config.Config) {
		eng.SetDeadlockThreshold(fresh.DeadlockThreshold)
	})
	if err != nil {
		logger.Warn("config hot reload unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	mux := http.NewServeMux()
	httpapi.NewSocketServer(eng, store, logger).Register(mux)
	httpapi.NewWebhookHandler(queue, cfg.WebhookRateLimit, cfg.WebhookBurst, logger).Register(mux)
	httpapi.NewWorkflowHandler(eng, store, logger).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
