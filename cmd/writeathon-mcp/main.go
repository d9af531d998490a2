// Command writeathon-mcp serves the Writeathon REST proxy and the MCP
// streamable HTTP endpoint side by side.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/writeathon-mcp/auth"
	"github.com/ggoodman/writeathon-mcp/internal/capabilities"
	"github.com/ggoodman/writeathon-mcp/internal/config"
	"github.com/ggoodman/writeathon-mcp/internal/engine"
	"github.com/ggoodman/writeathon-mcp/internal/logctx"
	"github.com/ggoodman/writeathon-mcp/mcp"
	"github.com/ggoodman/writeathon-mcp/restapi"
	"github.com/ggoodman/writeathon-mcp/sessions"
	"github.com/ggoodman/writeathon-mcp/sessions/memoryhost"
	"github.com/ggoodman/writeathon-mcp/sessions/redishost"
	"github.com/ggoodman/writeathon-mcp/streaminghttp"
	"github.com/ggoodman/writeathon-mcp/writeathon"
)

const (
	serverName    = "writeathon-mcp"
	serverVersion = "1.0.0"
	shutdownGrace = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "writeathon-mcp: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	api, err := writeathon.New(cfg.APIBaseURL, cfg.Token, cfg.UserID,
		writeathon.WithHTTPClient(&http.Client{Timeout: cfg.APITimeout}),
		writeathon.WithLogger(log),
	)
	if err != nil {
		return err
	}
	if cfg.Token == "" {
		log.Warn("config.token.missing", slog.String("hint", "set WRITEATHON_TOKEN"))
	}

	reg, err := capabilities.New(api)
	if err != nil {
		return err
	}
	eng := engine.NewEngine(reg,
		engine.WithLogger(log),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: serverName, Version: serverVersion}),
		engine.WithInstructions(cfg.Instructions),
	)

	host, closeHost, err := newHost(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeHost()

	mgr, err := streaminghttp.NewManager(eng, host,
		streaminghttp.WithManagerLogger(log),
		streaminghttp.WithIdleTimeout(cfg.SessionIdleTimeout, cfg.SessionSweepInterval),
	)
	if err != nil {
		return err
	}

	mcpOpts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithPath(cfg.MCPPath),
	}
	if cfg.RequireAuth {
		mcpOpts = append(mcpOpts, streaminghttp.WithAuthenticator(auth.NewStaticKey(cfg.APIKey)))
	}
	mcpHandler, err := streaminghttp.New(mgr, mcpOpts...)
	if err != nil {
		return err
	}

	restSrv := &http.Server{Addr: cfg.RESTAddr(), Handler: restapi.New(api, restapi.WithLogger(log))}
	mcpSrv := &http.Server{Addr: cfg.MCPAddr(), Handler: mcpHandler}

	go func() {
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("session.sweep.stopped", slog.String("err", err.Error()))
		}
	}()

	errCh := make(chan error, 2)
	for name, srv := range map[string]*http.Server{"rest": restSrv, "mcp": mcpSrv} {
		go func() {
			log.Info("server.listen", slog.String("server", name), slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s server: %w", name, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("server.shutdown")
	case err = <-errCh:
		log.Error("server.failed", slog.String("err", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	// Closing sessions first ends open event streams so Shutdown is not held
	// up waiting on them.
	if cerr := mgr.CloseAll(shutdownCtx); cerr != nil {
		log.Warn("session.close_all.error", slog.String("err", cerr.Error()))
	}
	return errors.Join(err, mcpSrv.Shutdown(shutdownCtx), restSrv.Shutdown(shutdownCtx))
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logctx.New(h)), nil
}

func newHost(ctx context.Context, cfg *config.Config) (sessions.MessageHost, func(), error) {
	if cfg.RedisAddr == "" {
		return memoryhost.New(), func() {}, nil
	}
	h, err := redishost.New(ctx, redishost.Config{
		RedisAddr: cfg.RedisAddr,
		KeyPrefix: cfg.SessionsKeyPrefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return h, func() { _ = h.Close() }, nil
}
