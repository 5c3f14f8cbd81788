package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/reelsense/internal/api"
	"github.com/kalambet/reelsense/internal/config"
	"github.com/kalambet/reelsense/internal/ingest"
	"github.com/kalambet/reelsense/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the HTTP API and the embedding worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, provider and catalog status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "reelsense.pid")
}

// writePIDFile records this process in path; readPIDFile reads it back.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, strconv.AppendInt(nil, int64(os.Getpid()), 10), 0o644)
}

func readPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("corrupt PID file %s: %w", path, err)
	}
	return pid, nil
}

func localURL(cfg config.Config) string {
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)
	slog.Info("starting reelsense", "version", version)

	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(localURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		printWarning("reelsense is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ensureOllama(ctx, cfg, os.Stderr)

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	if cfg.Auth.AdminToken == "" {
		slog.Warn("REELSENSE_ADMIN_TOKEN not set, admin routes reject every request")
	}
	if cfg.Auth.JWTSecret == "" {
		slog.Warn("REELSENSE_JWT_SECRET not set, authenticated routes reject every request")
	}

	handler := api.NewHandler(api.Deps{
		Store:             a.store,
		Search:            a.search,
		Recommend:         a.blender,
		Assistant:         a.assistant,
		Embeddings:        a.embeddings,
		AdminToken:        cfg.Auth.AdminToken,
		JWTSecret:         cfg.Auth.JWTSecret,
		ChatRatePerMinute: cfg.Server.ChatRatePerMinute,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	worker := ingest.NewWorker(a.store, a.embeddings, cfg.WorkerPollInterval())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
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
		printError("reelsense is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop reelsense (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to reelsense (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	if resp, err := client.Get(localURL(cfg) + "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Embedding", "%s", providerLabel(cfg.Embedding.Provider, cfg.EmbeddingConfigured(), cfg.Embedding.Model, cfg.Ollama.EmbedModel))
	printStatus("Generation", "%s", providerLabel(cfg.Generation.Provider, cfg.GenerationConfigured(), cfg.Generation.Model, cfg.Ollama.ChatModel))

	if len(ollamaModels(cfg)) > 0 {
		if resp, err := client.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
			printStatus("Ollama", "not running at %s", cfg.Ollama.BaseURL)
		} else {
			resp.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		printStatus("Catalog", "unavailable (%v)", err)
	} else {
		defer store.Close()
		if st, err := store.IndexStats(context.Background()); err == nil {
			printStatus("Catalog", "%d items, %d approved, %d indexed", st.Items, st.Approved, st.Indexed)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func providerLabel(provider string, configured bool, model, ollamaModel string) string {
	switch {
	case provider == "":
		return "not configured (fallback)"
	case !configured:
		return provider + " (missing API key, fallback)"
	case provider == config.ProviderOllama:
		return provider + " / " + ollamaModel
	}
	return provider + " / " + model
}
