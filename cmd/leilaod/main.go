package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jensholdgaard/leilao/internal/api"
	"github.com/jensholdgaard/leilao/internal/bidding"
	"github.com/jensholdgaard/leilao/internal/clock"
	"github.com/jensholdgaard/leilao/internal/config"
	"github.com/jensholdgaard/leilao/internal/event"
	"github.com/jensholdgaard/leilao/internal/event/rabbitmq"
	"github.com/jensholdgaard/leilao/internal/health"
	"github.com/jensholdgaard/leilao/internal/session"
	"github.com/jensholdgaard/leilao/internal/store"
	"github.com/jensholdgaard/leilao/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/leilao/internal/store/memstore"
	_ "github.com/jensholdgaard/leilao/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider(os.Stderr)
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to store", slog.String("driver", cfg.Database.Driver))

	checkers := []health.Checker{{Name: "store", Check: repos.Ping}}

	// Accepted bids fan out to every configured sink. Failures are logged by
	// the bidding service and never affect the committed bid.
	var publishers event.Fanout
	if cfg.Events.AMQPURL != "" {
		broker, dialErr := rabbitmq.Dial(cfg.Events.AMQPURL, cfg.Events.Exchange)
		if dialErr != nil {
			return fmt.Errorf("connecting to broker: %w", dialErr)
		}
		defer broker.Close()
		publishers = append(publishers, broker)
		checkers = append(checkers, health.Checker{Name: "broker", Check: broker.Ping})
		logger.InfoContext(ctx, "publishing events to rabbitmq", slog.String("exchange", cfg.Events.Exchange))
	}
	if cfg.Events.AuditLog {
		publishers = append(publishers, event.StorePublisher{Store: repos.Events})
	}
	if len(publishers) == 0 {
		publishers = append(publishers, event.LogPublisher{Logger: logger})
	}

	svc, err := bidding.NewService(repos, publishers, bidding.OptionsFromConfig(cfg),
		logger, tp.TracerProvider, tp.MeterProvider, clk)
	if err != nil {
		return fmt.Errorf("creating bidding service: %w", err)
	}

	verifier := session.NewVerifier(cfg.Auth, logger, clk)
	healthHandler := health.NewHandler(clk, version, checkers...)

	mux := http.NewServeMux()
	healthHandler.Register(mux)
	api.NewHandler(svc, logger).Register(mux, verifier.Middleware)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.Instrument(mux, tp.TracerProvider, tp.MeterProvider),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			serveErr <- listenErr
		}
		close(serveErr)
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "leilaod is running", slog.String("version", version))

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case listenErr := <-serveErr:
		if listenErr != nil {
			return fmt.Errorf("http server: %w", listenErr)
		}
	}

	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}
	if err := svc.Drain(shutdownCtx); err != nil {
		logger.Error("event delivery did not drain", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
