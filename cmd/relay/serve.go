package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/storage-relay/internal/block"
	"github.com/dgnsrekt/storage-relay/internal/config"
	"github.com/dgnsrekt/storage-relay/internal/decode"
	"github.com/dgnsrekt/storage-relay/internal/ingest"
	"github.com/dgnsrekt/storage-relay/internal/metrics"
	"github.com/dgnsrekt/storage-relay/internal/notify"
	"github.com/dgnsrekt/storage-relay/internal/push"
	"github.com/dgnsrekt/storage-relay/internal/registry"
	"github.com/dgnsrekt/storage-relay/internal/server"
	"github.com/dgnsrekt/storage-relay/internal/source"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Ingest storage changes and push completed blocks to subscribers",
		Long: `Follow the configured change source, assemble completed blocks and
deliver them to every registered subscriber.

Subscribers register over JSON-RPC on the HTTP address:
  curl -d '{"jsonrpc":"2.0","id":1,"method":"register","params":[["System Account"],"http://127.0.0.1:9000","1.0.0"]}' localhost:8080/`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(promRegistry)

	decoder, err := decode.New(cfg.Decoder.Items)
	if err != nil {
		return fmt.Errorf("building decoder: %w", err)
	}

	buffer := block.NewBuffer(collector, logger.Named("buffer"))
	window := block.NewWindow(buffer, collector, logger.Named("window"))

	subscribers := registry.New(registry.UpgradePolicy(cfg.Registry.UpgradeCursor), collector, logger.Named("registry"))
	store := registry.NewFileStore(cfg.Registry.StateFile)
	saved, err := store.Load()
	if err != nil {
		return err
	}
	if err := subscribers.Restore(saved); err != nil {
		return err
	}
	persister := registry.NewPersister(subscribers, store, cfg.Registry.PersistInterval, logger.Named("persister"))

	notifier := notify.New(&cfg.Notify, logger.Named("notify"))

	pusher := push.NewRPCPusher(cfg.Push.Method, cfg.Push.Timeout, logger.Named("pusher"))
	defer pusher.Close()

	engine := push.NewEngine(buffer, subscribers, pusher, push.Config{
		ChunkSize:     cfg.Push.ChunkSize,
		RetryCount:    cfg.Push.RetryCount,
		RetryInterval: cfg.Push.RetryInterval,
		RatePerSecond: cfg.Push.RatePerSecond,
		GapPolicy:     push.GapPolicy(cfg.Push.GapPolicy),
	}, notifier, collector, logger.Named("push"))

	src, err := openSource(ctx, cfg.Source, logger.Named("source"))
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Debug("source close", zap.Error(err))
		}
	}()
	ingester := ingest.New(src, decoder, window, collector, logger.Named("ingest"))

	router := server.NewRouter(
		server.NewServer(subscribers, buffer, logger.Named("server")),
		promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		logger.Named("http"),
	)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("relay starting",
		zap.String("addr", cfg.Server.Addr),
		zap.String("source", cfg.Source.Type),
		zap.Int("items", decoder.Len()),
		zap.Int("restoredSubscribers", len(saved)),
		zap.String("stateFile", store.Path()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	g.Go(func() error {
		return persister.Run(gctx)
	})

	g.Go(func() error {
		err := ingester.Run(gctx)
		if err == nil {
			return nil
		}
		logger.Error("ingestion failed", zap.Error(err))

		height, ok := window.CommittedHeight()
		alertCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if nerr := notifier.IngestionFailed(alertCtx, sourceName(cfg.Source), height, ok, err); nerr != nil {
			logger.Warn("failed to send ingestion alert", zap.Error(nerr))
		}
		return err
	})

	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...", zap.NamedError("cause", context.Cause(gctx)))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("relay stopped")
	return err
}

func openSource(ctx context.Context, cfg config.SourceConfig, logger *zap.Logger) (source.Source, error) {
	switch cfg.Type {
	case config.SourceLogTail:
		return source.OpenLogTail(source.LogTailConfig{
			Dir:          cfg.LogDir,
			Pattern:      cfg.LogPattern,
			PollInterval: cfg.PollInterval,
		}, logger)
	case config.SourceWebsocket:
		return source.DialWebsocket(ctx, source.WebsocketConfig{
			URL:               cfg.URL,
			SubscribeMethod:   cfg.SubscribeMethod,
			UnsubscribeMethod: cfg.UnsubscribeMethod,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
}

func sourceName(cfg config.SourceConfig) string {
	if cfg.Type == config.SourceLogTail {
		return cfg.LogDir
	}
	return cfg.URL
}
