package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/win30221/oca-gateway/pkg/config"
	"github.com/win30221/oca-gateway/pkg/gatewayapi"
	"github.com/win30221/oca-gateway/pkg/monitor"
	"github.com/win30221/oca-gateway/pkg/token"
)

func main() {
	configPath := flag.String("config", "config.txt", "path to the gateway configuration file")
	addr := flag.String("addr", ":8080", "address to listen on")
	flag.Parse()

	// Fallback console logging until a config is loaded and its log_level
	// can be applied.
	if err := monitor.SetupSlog("info", ""); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *addr); err != nil {
		slog.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

// run builds the gateway from the configuration at configPath and serves
// it until ctx is cancelled. On-disk configuration changes (an operator
// edit, or the token manager's own rotation writes) are folded into the
// live store in place — the server is never torn down for a reload, so
// in-flight streams survive a token refresh.
func run(ctx context.Context, configPath, addr string) error {
	store, err := config.NewStore(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := store.Get()

	if err := monitor.SetupSlog(cfg.LogLevel, cfg.LogFilePath); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.Info("==========================================")
	slog.Info("starting oca-gateway", "config", configPath)

	reloadCh := config.WatchConfig(ctx, configPath)
	go func() {
		for range reloadCh {
			if err := store.Reload(); err != nil {
				slog.Warn("configuration reload failed, keeping previous config", "error", err)
				continue
			}
			cfg := store.Get()
			if err := monitor.SetupSlog(cfg.LogLevel, cfg.LogFilePath); err != nil {
				slog.Warn("failed to reapply log settings", "error", err)
			}
			slog.Info("configuration reloaded")
		}
	}()

	mgr, err := token.New(store)
	if err != nil {
		return fmt.Errorf("failed to init token manager: %w", err)
	}

	server := gatewayapi.New(store, mgr)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	slog.Info("gateway listening", "addr", addr)

	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal, stopping gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "error", err)
		}
		slog.Info("bye")
		return nil

	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	}
}
