package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xpose/xpose/internal/gateway"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to gateway configuration file")
	listenAddr := flag.String("listen", "", "override the configured listen address")
	domain := flag.String("domain", "", "override the configured public domain")
	shutdownGrace := flag.Duration("shutdown-grace", 10*time.Second, "time allowed for inflight HTTP requests to finish on shutdown")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Listen.Addr = *listenAddr
	}
	if *domain != "" {
		cfg.Domain = *domain
	}

	// The bare public domain forwards to an external web-application
	// fetcher; none is wired here, so bare-domain requests 404 until an
	// operator supplies one.
	server := gateway.NewServer(cfg, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway exited with error", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("gateway shutting down", "grace", *shutdownGrace, "open_tunnels", server.Sessions().Size())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("gateway shutdown did not complete cleanly", "err", err)
			os.Exit(1)
		}
		<-errCh
	}
	slog.Info("gateway stopped")
}
