// Command copilot-bridge serves the Copilot CLI over HTTP and WebSocket.
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

	"github.com/localrivet/gocopilot/auth"
	"github.com/localrivet/gocopilot/bridge"
	"github.com/localrivet/gocopilot/client"
	"github.com/localrivet/gocopilot/config"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	listen := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	if err := run(*configPath, *listen); err != nil {
		fmt.Fprintln(os.Stderr, "copilot-bridge:", err)
		os.Exit(1)
	}
}

func run(configPath, listen string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Bridge.Listen = listen
	}
	logger := cfg.Log.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	validator, err := newValidator(ctx, cfg.Bridge.Auth)
	if err != nil {
		return err
	}

	backend := bridge.NewLazyBackend(func() *client.Client {
		return client.New(cfg.ClientOptions(logger)...)
	}, cfg.SessionOptions()...)
	handler := bridge.New(backend, bridge.Options{
		DefaultModel: cfg.Bridge.DefaultModel,
		IdleTimeout:  cfg.Bridge.IdleTimeout.Duration,
		RateLimit:    cfg.Bridge.RateLimit,
		Burst:        cfg.Bridge.Burst,
		Validator:    validator,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:              cfg.Bridge.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("bridge listening", "addr", cfg.Bridge.Listen, "auth", cfg.Bridge.Auth.Enabled())
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return errors.Join(srv.Shutdown(shutdownCtx), backend.Close(shutdownCtx))
}

func newValidator(ctx context.Context, cfg config.AuthConfig) (auth.TokenValidator, error) {
	switch {
	case cfg.Secret != "":
		return auth.NewHMACTokenValidator(cfg.Secret, cfg.ClaimsConfig())
	case cfg.JWKSURL != "":
		return auth.NewJWKSTokenValidator(ctx, auth.JWKSConfig{
			ClaimsConfig: cfg.ClaimsConfig(),
			JWKSURL:      cfg.JWKSURL,
		}, &http.Client{Timeout: 10 * time.Second})
	default:
		return nil, nil
	}
}
