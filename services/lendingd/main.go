package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"revenuechannels/core/events"
	"revenuechannels/native/lending"
	"revenuechannels/observability/logging"
	telemetry "revenuechannels/observability/otel"
	"revenuechannels/services/lendingd/config"
	"revenuechannels/services/lendingd/feeder"
	"revenuechannels/services/lendingd/publish"
	"revenuechannels/services/lendingd/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("LENDINGD_ENV"))
	logger, logCloser := logging.Setup("lendingd", env, logging.Options{
		Level: cfg.Logging.Level,
		File: logging.FileConfig{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		},
	})
	err = run(cfg, env, logger)
	if err != nil {
		logger.Error("lendingd stopped", "error", err)
	}
	_ = logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config, env string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromEnv("lendingd", env))
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTelemetry(flushCtx)
	}()

	tlsCfg, err := loadServerTLS(cfg.TLS)
	if err != nil {
		return err
	}

	rt, err := bootstrap(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	jrnl, err := openJournal(cfg.Journal, logger)
	if err != nil {
		return err
	}
	emitters := events.Fanout{}
	var store server.EventStore
	if jrnl != nil {
		defer jrnl.Close()
		emitters = append(emitters, jrnl)
		store = jrnl
		logger.Info("event journal opened", "driver", cfg.Journal.Driver, "dsn", logging.MaskDSN(cfg.Journal.DSN))
	}

	hub := server.NewHub()
	emitters = append(emitters, hub)
	if cfg.NATS.URL != "" {
		publisher, drain, err := publish.Connect(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			return err
		}
		defer drain()
		emitters = append(emitters, publisher)
		logger.Info("publishing lending events", "subject", cfg.NATS.Subject)
	}
	rt.engine.SetEmitter(emitters)

	api, err := server.New(server.Options{
		Engine:  rt.engine,
		Pauses:  rt.pauses,
		Journal: store,
		Hub:     hub,
		Auth: server.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew,
		},
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		ServiceName:       "lendingd",
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	errs := make(chan error, 3)

	var recorder feeder.Recorder
	if jrnl != nil {
		recorder = jrnl
	}
	mgr, err := buildFeeder(cfg.Oracle, rt.feeds, recorder, logger)
	if err != nil {
		return err
	}
	if mgr != nil {
		go func() {
			if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- err
			}
		}()
	}

	if cfg.HealthAddress != "" {
		lis, err := net.Listen("tcp", cfg.HealthAddress)
		if err != nil {
			return err
		}
		hs := newHealthService(rt.engine, func() bool { return rt.pauses.IsPaused(lending.ModuleName) }, tlsCfg, logger)
		defer hs.Stop()
		go func() {
			if err := hs.Serve(ctx, lis); err != nil {
				errs <- err
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return err
	}
	if tlsCfg == nil {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			_ = listener.Close()
			return errors.New("plaintext lendingd is restricted to loopback listeners or the dev environment")
		}
	}
	go func() {
		logger.Info("lendingd listening", "address", cfg.ListenAddress, "tls", tlsCfg != nil)
		var err error
		if tlsCfg != nil {
			err = httpServer.ServeTLS(listener, "", "")
		} else {
			err = httpServer.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		stop()
		shutdown(httpServer, logger)
		return err
	}
	shutdown(httpServer, logger)
	return nil
}

func shutdown(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("forcing http shutdown", "error", err)
		_ = srv.Close()
	}
}
