package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snowcodeer/VisualAIser/internal/agent"
	"github.com/snowcodeer/VisualAIser/internal/config"
	"github.com/snowcodeer/VisualAIser/internal/credential"
	httpserver "github.com/snowcodeer/VisualAIser/internal/httpserver"
	"github.com/snowcodeer/VisualAIser/internal/rtc"
)

func main() {
	envFile := flag.String("env-file", "", "dotenv file to load (default .env)")
	addr := flag.String("addr", "", "listen address, overrides HTTP_ADDRESS")
	flag.Parse()

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg := config.Load(files...)
	if *addr != "" {
		cfg.HTTPAddress = *addr
	}

	logger := newLogger(os.Stderr, cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(cfg config.Config, logger *slog.Logger) error {
	bridge := rtc.NewBridge(cfg.ICEServersJSON, logger.With("component", "rtc"))
	defer bridge.Close()

	conv, err := agent.New(agent.Options{
		FlowURL:          cfg.FlowURL,
		Credentials:      credential.NewProvider(cfg.SpeechmaticsAPIKey, cfg.ManagementURL, cfg.CredentialTTL),
		Personas:         cfg.Personas(),
		ToolTimeout:      cfg.ToolTimeout,
		StartTimeout:     cfg.StartTimeout,
		EndTimeout:       cfg.EndTimeout,
		AnnualReportURL:  cfg.AnnualReportURL,
		CompanyPolicyURL: cfg.CompanyPolicyURL,
	}, logger)
	if err != nil {
		return err
	}
	bridge.OnHangup(conv.DeviceLost)

	srv := httpserver.New(cfg, conv, bridge, logger.With("component", "http"))
	defer srv.Close()

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conv.Close(ctx); err != nil {
		logger.Warn("ending session on shutdown", "error", err)
	}
	srv.Close()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = server.Close()
	}
	return nil
}
