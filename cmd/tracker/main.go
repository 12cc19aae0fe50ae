package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/example/rider-tracker/internal/auth"
	"github.com/example/rider-tracker/internal/battery"
	"github.com/example/rider-tracker/internal/clock"
	"github.com/example/rider-tracker/internal/config"
	httpapi "github.com/example/rider-tracker/internal/http"
	"github.com/example/rider-tracker/internal/location"
	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/permission"
	"github.com/example/rider-tracker/internal/session"
	"github.com/example/rider-tracker/internal/storage"
	"github.com/example/rider-tracker/internal/tracker"
	"github.com/example/rider-tracker/internal/transport"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("tracker exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.AgentConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	cfgStore := storage.NewConfigStore(backend, logger)
	status := storage.NewStatusStore(backend, logger)
	identity := storage.NewIdentityCache(backend, logger)

	client := transport.NewClient(transport.Options{
		URL:               cfg.SocketURL,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectDelayMax: cfg.ReconnectDelayMax,
		DialTimeout:       cfg.DialTimeout,
		StableAfter:       cfg.StableAfter,
		Logger:            logger,
	})
	defer client.Close()

	var emitter transport.Emitter = client
	if len(cfg.KafkaBrokers) > 0 {
		mirror := transport.NewKafkaMirror(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer mirror.Close()
		emitter = transport.Fanout{Primary: client, Mirrors: []transport.Emitter{mirror}, Logger: logger}
		logger.Info("mirroring rider events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	mode := location.Mode(cfg.TrackingMode)
	engine := location.NewEngine(newSource(cfg, logger), location.StoreRegistry{Backend: backend}, location.LogIndicator{Logger: logger}, logger)
	authority := permission.NewStaticAuthority(cfg.PermissionForeground, cfg.PermissionBackground)
	decoder := auth.Decoder{Secret: []byte(cfg.JWTSecret)}

	ctrl := session.New(session.Options{
		Engine:    engine,
		Transport: client,
		Emitter:   emitter,
		Tracker:   tracker.New(emitter, status, battery.SysfsReader{Dir: cfg.BatteryPath}, clock.Real{}, logger),
		Gate:      permission.NewGate(authority, mode == location.Background, logger),
		Config:    cfgStore,
		Status:    status,
		Identity:  identity,
		Mode:      mode,
		Logger:    logger,
	})

	if cfg.AuthToken != "" {
		if id, err := decoder.Decode(cfg.AuthToken); err != nil {
			logger.Warn("AUTH_TOKEN rejected", "error", err)
		} else if err := ctrl.Login(ctx, id); err != nil {
			logger.Warn("startup login failed", "error", err)
		}
	}

	if resumed, err := ctrl.Resume(ctx); err != nil {
		logger.Error("could not resume background tracking", "error", err)
	} else if resumed {
		logger.Info("background tracking resumed from previous run")
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(ctrl, cfgStore, status, decoder, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("control api listening", "addr", cfg.HTTPAddr, "mode", mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	err = g.Wait()

	// a background task outlives the process and is resumed on the next
	// start; a foreground watch does not
	if mode == location.Foreground && ctrl.IsTracking() {
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if stopErr := ctrl.Stop(shutCtx); stopErr != nil {
			logger.Warn("stopping foreground tracking failed", "error", stopErr)
		}
	}
	return err
}

func newSource(cfg config.AgentConfig, logger *slog.Logger) location.Source {
	switch {
	case cfg.GPSDevice != "":
		return location.NewSerialSource(cfg.GPSDevice, cfg.GPSBaud, logger)
	case cfg.ReplayFile != "":
		return &location.ReplaySource{Path: cfg.ReplayFile, Logger: logger}
	default:
		logger.Warn("no GPS_DEVICE or REPLAY_FILE configured, tracking cannot start")
		return location.UnavailableSource{}
	}
}
