// Command spendwatch ingests UK council payment disclosures and serves the
// anomaly query API.
//
//	spendwatch                   serve HTTP (/api, /metrics, /mcp)
//	spendwatch refresh [council] run one refresh and print the report
//	spendwatch mcp               serve MCP over stdio
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/spendwatch/dbopen"
	"github.com/hazyhaar/spendwatch/shield"
	"github.com/hazyhaar/spendwatch/spending"
	"github.com/hazyhaar/spendwatch/spending/catalog"
)

func main() {
	mode := "serve"
	var args []string
	if len(os.Args) > 1 {
		mode, args = os.Args[1], os.Args[2:]
	}

	// stdout carries the MCP stream in stdio mode.
	var logOut io.Writer = os.Stdout
	if mode == "mcp" {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: logLevel(env("LOG_LEVEL", "info"))}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, mode, args, logger); err != nil {
		slog.Error("spendwatch", "mode", mode, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, mode string, args []string, logger *slog.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	seed, err := loadCatalog()
	if err != nil {
		return err
	}

	db, err := dbopen.Open(env("DB_PATH", "data/spendwatch.db"), dbopen.WithMkdirAll(), dbopen.WithMigrate(spending.ApplySchema))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	metrics := spending.NewMetrics()
	svc, err := spending.New(db, cfg, logger, spending.WithMetrics(metrics), spending.WithSeedCatalog(seed))
	if err != nil {
		return err
	}
	n, err := svc.Seed(ctx, seed)
	if err != nil {
		// Seed entries that fail validation are logged, not fatal.
		logger.Warn("seed catalog", "error", err)
	}
	logger.Info("seed catalog applied", "councils", len(seed.Councils), "sources", n)

	switch mode {
	case "serve":
		return serve(ctx, svc, metrics, logger)
	case "refresh":
		return refreshOnce(ctx, svc, args)
	case "mcp":
		srv := newMCPServer(svc)
		return srv.Run(ctx, &mcp.StdioTransport{})
	default:
		return fmt.Errorf("unknown mode %q (serve, refresh, mcp)", mode)
	}
}

func serve(ctx context.Context, svc *spending.Service, metrics *spending.Metrics, logger *slog.Logger) error {
	port := env("PORT", "8090")

	rl := shield.NewRateLimiter(envFloat("RATE_LIMIT_RPS", 20), envInt("RATE_LIMIT_BURST", 40))
	rl.StartGC(ctx.Done(), time.Minute)

	var mcpHandler http.Handler
	if env("MCP_TRANSPORT", "http") == "http" {
		mcpSrv := newMCPServer(svc)
		mcpHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
	}

	a := newAPI(ctx, svc, logger)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           a.routes(rl, metrics.Handler(), mcpHandler),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	a.wait()
	slog.Info("server stopped")
	return nil
}

// refreshOnce runs a single refresh and writes the report to stdout. It
// exits non-zero only when the run itself could not start.
func refreshOnce(ctx context.Context, svc *spending.Service, councils []string) error {
	rep, err := svc.RunRefresh(ctx, councils)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func newMCPServer(svc *spending.Service) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "spendwatch",
		Version: "1.0.0",
	}, nil)
	svc.RegisterMCP(srv)
	return srv
}

// loadConfig reads CONFIG_PATH when set; env vars override single knobs.
func loadConfig() (*spending.Config, error) {
	cfg := &spending.Config{}
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		c, err := spending.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if v := envInt("MAX_CONCURRENCY", 0); v > 0 {
		cfg.MaxConcurrency = v
	}
	if v := os.Getenv("COUNCIL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("COUNCIL_TIMEOUT: %w", err)
		}
		cfg.CouncilTimeout = d
	}
	if v, err := strconv.ParseBool(os.Getenv("DISCOVERY_CKAN")); err == nil {
		cfg.Discovery.CKAN = v
	}
	return cfg, nil
}

func loadCatalog() (*catalog.Catalog, error) {
	if path := os.Getenv("CATALOG_PATH"); path != "" {
		return catalog.Load(path)
	}
	return catalog.Default()
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return def
	}
	return v
}
