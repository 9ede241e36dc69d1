package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"assetproxy/internal/assetproxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "assetproxy: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		resolveURL  string
		includeBody bool
		userAgent   string
	)
	flags := pflag.NewFlagSet("assetproxy", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", getenvDefault("ASSETPROXY_CONFIG", "/assetproxy.yaml"), "path to assetproxy.yaml")
	flags.StringVar(&resolveURL, "resolve", "", "resolve one origin URL, print the result as JSON and exit")
	flags.BoolVar(&includeBody, "include-body", false, "with --resolve, include the stored body in the output")
	flags.StringVar(&userAgent, "user-agent", "", "with --resolve, User-Agent sent to the origin")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := assetproxy.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := assetproxy.NewLogger(os.Stderr, cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := assetproxy.SetupTracing(ctx, "assetproxy")
	if err != nil {
		logger.Warn("tracing disabled", "err", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	svc, err := assetproxy.NewService(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	if resolveURL != "" {
		res := svc.Engine().Resolve(ctx, resolveURL, "", userAgent, includeBody)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeoutDuration(),
	}

	go func() {
		logger.Info("assetproxy listening", "addr", addr, "public_base_url", cfg.Server.PublicBaseURL)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
