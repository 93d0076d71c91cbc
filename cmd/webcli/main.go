package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/webcli/internal/auth"
	"github.com/basket/webcli/internal/bus"
	"github.com/basket/webcli/internal/config"
	"github.com/basket/webcli/internal/engine"
	"github.com/basket/webcli/internal/gateway"
	"github.com/basket/webcli/internal/handlers/system"
	otelPkg "github.com/basket/webcli/internal/otel"
	"github.com/basket/webcli/internal/persistence"
	"github.com/basket/webcli/internal/service"
	"github.com/basket/webcli/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	homeDir := flag.String("home", "", "server home directory (default $WEBCLI_HOME or ~/.webcli)")
	listen := flag.String("listen", "", "listen address override")
	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("webcli", Version)
		return
	}

	if flag.NArg() > 0 && flag.Arg(0) == "adduser" {
		if err := runAddUser(*homeDir, flag.Args()[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := runServe(*homeDir, *listen, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(homeDir, listenOverride string, quiet bool) error {
	cfg, err := config.Load(homeDir)
	if err != nil {
		return err
	}
	if listenOverride != "" {
		cfg.Server.Listen = listenOverride
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()

	ctx := context.Background()
	otelProvider, err := otelPkg.Setup(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	authenticator, err := auth.LoadFromFiles(cfg.Auth.PrivateKeyFile, cfg.Auth.PublicKeyFile, cfg.Auth.BcryptCost)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	notificationBus := bus.New(cfg.Bus.SubscriberQueueSize, logger)
	svc := service.New(store, authenticator)

	actionEngine := engine.New(store, notificationBus, logger, engine.Options{
		ResourceDir: cfg.ResourceDir,
		Workers:     cfg.Engine.Workers,
		QueueSize:   cfg.Engine.QueueSize,
		Metrics:     otelProvider.Metrics,
	})
	systemHandler, err := system.New(logger, system.Options{UsersHomeDir: cfg.UsersHomeDir})
	if err != nil {
		return fmt.Errorf("init system handler: %w", err)
	}
	actionEngine.Register("system", systemHandler)
	actionEngine.Startup()
	defer actionEngine.Shutdown()

	server := gateway.New(gateway.Config{
		Store:             store,
		Service:           svc,
		Engine:            actionEngine,
		Bus:               notificationBus,
		Logger:            logger,
		Metrics:           otelProvider.Metrics,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("webcli listening", "addr", cfg.Server.Listen, "version", Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

func runAddUser(homeDir string, args []string) error {
	fs := flag.NewFlagSet("adduser", flag.ExitOnError)
	email := fs.String("email", "", "email address for the new user")
	password := fs.String("password", "", "password for the new user")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return fmt.Errorf("adduser requires -email and -password")
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		return err
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	authenticator, err := auth.LoadFromFiles(cfg.Auth.PrivateKeyFile, cfg.Auth.PublicKeyFile, cfg.Auth.BcryptCost)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	svc := service.New(store, authenticator)

	user, err := svc.CreateUser(context.Background(), *email, *password)
	if err != nil {
		return err
	}
	fmt.Printf("created user %d (%s)\n", user.ID, user.Email)
	return nil
}
