package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"retailgate.in/internal/auth"
	"retailgate.in/internal/config"
	"retailgate.in/internal/controlplane"
	"retailgate.in/internal/httpapi"
	"retailgate.in/internal/obs"
	"retailgate.in/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := run(); err != nil {
		obs.Error("api exited", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("retailgate-api", pflag.ContinueOnError)
	configPath := flags.String("config", "", "YAML configuration file (overrides RETAILGATE_CONFIG)")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("retailgate-api %s (%s)\n", version, commit)
		return nil
	}
	if *configPath != "" {
		if err := os.Setenv("RETAILGATE_CONFIG", *configPath); err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)
	auth.Configure(cfg.Auth.Secret)

	opts := []controlplane.Option{controlplane.WithBootstrap(controlplane.BootstrapPolicy(cfg.BootstrapMode()))}

	var (
		plane *controlplane.Plane
		store *pg.Store
	)
	if cfg.Postgres.DSN != "" {
		store, err = pg.Open(cfg.Postgres.DSN, pg.WithMaxOpenConns(cfg.Postgres.MaxOpenConns))
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer store.Close()
		plane, err = controlplane.NewPostgres(store, cfg, opts...)
	} else {
		if cfg.Environment == config.Production {
			return errors.New("production requires a PostgreSQL DSN")
		}
		obs.Warn("no database configured, state is kept in memory", map[string]any{"environment": cfg.Environment})
		plane, _, err = controlplane.NewInMemory(cfg, opts...)
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go plane.Sweeper.Run(ctx)

	api := httpapi.New(plane, httpapi.Options{
		Version:            version,
		RateLimitPerSecond: cfg.HTTP.RateLimitPerSecond,
		RateLimitBurst:     cfg.HTTP.RateLimitBurst,
		ExposeMagicLinks:   cfg.Environment == config.Development,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting retailgate-api %s on %s (%s)", version, srv.Addr, cfg.Environment)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Println("Stopped")
	return nil
}
