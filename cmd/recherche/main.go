// Command recherche serves the web-research pipeline over HTTP and,
// optionally, MCP on stdio.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/recherche/api"
	"github.com/hazyhaar/recherche/condense"
	"github.com/hazyhaar/recherche/config"
	"github.com/hazyhaar/recherche/llm/ollama"
	"github.com/hazyhaar/recherche/research"
	"github.com/hazyhaar/recherche/scrape/rodworker"
	"github.com/hazyhaar/recherche/search"
	"github.com/hazyhaar/recherche/store"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "recherche:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "recherche.yaml", "path to the YAML configuration")
	mcpStdio := flag.Bool("mcp", false, "serve MCP on stdio instead of HTTP")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	cache, err := store.NewResultCache(db, store.WithLogger(logger))
	if err != nil {
		return err
	}

	gen, err := ollama.New(cfg.LLM)
	if err != nil {
		return err
	}

	worker := rodworker.New(cfg.Search.Scrape, rodworker.WithLogger(logger))
	defer worker.Close()

	searcher := search.NewOrchestrator(worker, cfg.Search,
		search.WithLogger(logger),
		search.WithResultCache(cache),
	)

	rcfg := cfg.Research
	rcfg.Condense = condense.Options{
		MaxTokens:         cfg.Condense.MaxTokens,
		MaxChunkSize:      cfg.Condense.MaxChunkSize,
		MinScore:          cfg.Condense.MinScore,
		NoSummaryFallback: cfg.Condense.NoSummaryFallback,
		Logger:            logger,
	}
	researcher := research.New(searcher, gen, rcfg, research.WithLogger(logger))

	srv := api.New(researcher, searcher, cache, logger)

	go cleanCacheLoop(ctx, cache, searcher.Failures(), logger)

	if *mcpStdio {
		logger.Info("serving MCP on stdio", "version", version)
		m := mcp.NewServer(&mcp.Implementation{Name: "recherche", Version: version}, nil)
		srv.RegisterMCP(m)
		return m.Run(ctx, &mcp.StdioTransport{})
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving HTTP", "addr", cfg.Server.Addr, "version", version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func buildLogger(cfg config.Logging) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("log format %q: want text or json", cfg.Format)
	}
	return slog.New(handler), nil
}

// cleanCacheLoop drops expired result and failure cache entries every 15
// minutes. Reads expire lazily anyway; this just keeps the stores from
// growing unbounded.
func cleanCacheLoop(ctx context.Context, cache *store.ResultCache, failures *search.FailureCache, logger *slog.Logger) {
	t := time.NewTicker(15 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := failures.CleanExpired(); n > 0 {
				logger.Debug("failure cache cleanup", "removed", n)
			}
			n, err := cache.CleanExpired(ctx)
			if err != nil {
				logger.Warn("cache cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("cache cleanup", "removed", n)
			}
		}
	}
}
