package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/rmarchev/askdoc/internal/answer"
	"github.com/rmarchev/askdoc/internal/api"
	"github.com/rmarchev/askdoc/internal/config"
	"github.com/rmarchev/askdoc/internal/embedding"
	"github.com/rmarchev/askdoc/internal/extract"
	"github.com/rmarchev/askdoc/internal/ingest"
	"github.com/rmarchev/askdoc/internal/ledger"
	"github.com/rmarchev/askdoc/internal/ollama"
	"github.com/rmarchev/askdoc/internal/retrieval"
	"github.com/rmarchev/askdoc/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the askdoc server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running askdoc server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show askdoc system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "askdoc.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// configuredRetriever applies configured retrieval defaults when the caller
// leaves topK or contextBudget unset.
type configuredRetriever struct {
	inner  *retrieval.Retriever
	topK   int
	budget int
}

func (c *configuredRetriever) Retrieve(ctx context.Context, question, ownerID string, topK, contextBudget int) (retrieval.Result, error) {
	if topK <= 0 {
		topK = c.topK
	}
	if contextBudget <= 0 {
		contextBudget = c.budget
	}
	return c.inner.Retrieve(ctx, question, ownerID, topK, contextBudget)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "askdoc version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to start twice: probe the health endpoint before claiming the
	// PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("askdoc is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("askdoc is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ollamaClient := ollama.New(cfg.Ollama.BaseURL)
	if err := ollama.EnsureReady(ctx, ollamaClient, cfg.Ollama.EmbedModel, cfg.Ollama.GenModel, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Wire the ingestion and retrieval stack. The embedding gate is shared
	// across all requests so one rate-limited call cools everyone down.
	led := ledger.New(store.DB())
	vectorStore := retrieval.NewSQLiteStore(store.DB())
	gate := embedding.NewGate(cfg.Embedding.RatePerSec, 1)
	embedClient := embedding.NewClient(ollamaClient, cfg.Ollama.EmbedModel, gate, embedding.Options{
		MaxBatch:    cfg.Embedding.MaxBatch,
		MaxAttempts: cfg.Embedding.MaxAttempts,
		Concurrency: cfg.Embedding.Concurrency,
	})
	coordinator := ingest.NewCoordinator(store, led, extract.New(), embedClient, vectorStore, ingest.Policy{
		MaxFileBytes: cfg.Ingest.MaxFileBytes,
		MaxChunkSize: cfg.Ingest.MaxChunkSize,
		Overlap:      cfg.Ingest.Overlap,
	})
	retriever := &configuredRetriever{
		inner:  retrieval.NewRetriever(embedClient, vectorStore),
		topK:   cfg.Retrieval.TopK,
		budget: cfg.Retrieval.ContextBudget,
	}
	streamer := answer.NewStreamer(&ollamaGenerator{client: ollamaClient, model: cfg.Ollama.GenModel})

	handler := api.NewHandler(api.Deps{
		Store:     store,
		Ingestor:  coordinator,
		Retriever: retriever,
		Streamer:  streamer,
		Vectors:   vectorStore,
		Token:     cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio, alongside HTTP.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     store,
		Retriever: retriever,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "askdoc listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("askdoc is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop askdoc (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to askdoc (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	if resp, err := client.Get(healthURL); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if resp, err := client.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
		printStatus("Ollama", "not running")
	} else {
		resp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Gen model", "%s", cfg.Ollama.GenModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
