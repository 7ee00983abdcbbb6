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
	"golang.org/x/net/netutil"

	"github.com/kalambet/picshelf/internal/analysis"
	"github.com/kalambet/picshelf/internal/api"
	"github.com/kalambet/picshelf/internal/catalog"
	"github.com/kalambet/picshelf/internal/config"
	"github.com/kalambet/picshelf/internal/engine"
	"github.com/kalambet/picshelf/internal/events"
	"github.com/kalambet/picshelf/internal/ingest"
	"github.com/kalambet/picshelf/internal/pipeline"
	"github.com/kalambet/picshelf/internal/storage"
	"github.com/kalambet/picshelf/internal/thumbnail"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the picshelf server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running picshelf server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show picshelf system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "picshelf.pid")
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

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogging(level string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(level)})))
}

func newEngine(cfg config.Config) (engine.Engine, error) {
	temp := cfg.Engine.Temperature
	return engine.Detect(engine.DetectConfig{
		Backend:     cfg.Engine.Backend,
		BaseURL:     cfg.Engine.BaseURL,
		APIKey:      cfg.Engine.APIKey,
		Timeout:     cfg.EngineTimeout(),
		Temperature: &temp,
	})
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "picshelf version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("picshelf is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("picshelf is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(cfg)
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	// Browsing works without a vision model, so an unready engine only warns.
	if err := engine.EnsureReady(ctx, eng, cfg.Engine.VisionModel, os.Stderr); err != nil {
		printWarning("vision engine not ready: %v", err)
		printWarning("analysis requests will fail until %s is available at %s", cfg.Engine.VisionModel, cfg.Engine.BaseURL)
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

	if n, err := store.RequeueRunningJobs(); err != nil {
		return fmt.Errorf("requeueing interrupted jobs: %w", err)
	} else if n > 0 {
		slog.Info("requeued interrupted jobs", "count", n)
	}

	cat := catalog.New(store)
	analyzer := analysis.New(eng, cfg.Engine.VisionModel)
	thumbs := thumbnail.New(filepath.Join(cfg.Storage.DataDir, thumbnail.DirName), cfg.Thumbnail.Size)

	hub := events.NewHub()
	go hub.Run()
	defer hub.Shutdown()

	processor := pipeline.NewProcessor(cat, analyzer, thumbs)
	worker := ingest.NewWorker(store, processor, hub, cfg.PollInterval(), cfg.Ingest.Workers)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	if cfg.Server.APIToken == "" {
		slog.Info("API token not set, bearer auth disabled")
	}
	handler := api.NewHandler(api.Deps{
		Catalog:    cat,
		Analyzer:   analyzer,
		Thumbnails: thumbs,
		Jobs:       store,
		Hub:        hub,
		Token:      cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "picshelf listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	err = srv.Shutdown(shutdownCtx)
	stop()
	<-workerDone
	return err
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
		printError("picshelf is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop picshelf (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to picshelf (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	running := false
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	eng, err := newEngine(cfg)
	if err != nil {
		printStatus("Engine", "%v", err)
	} else {
		checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		ok := eng.IsRunning(checkCtx)
		hasModel := false
		if ok {
			hasModel = eng.HasModel(checkCtx, cfg.Engine.VisionModel)
		}
		cancel()
		switch {
		case !ok:
			printStatus("Engine", "%s not reachable at %s", cfg.Engine.Backend, cfg.Engine.BaseURL)
		case !hasModel:
			printStatus("Engine", "%s at %s (model %s missing)", cfg.Engine.Backend, cfg.Engine.BaseURL, cfg.Engine.VisionModel)
		default:
			printStatus("Engine", "%s at %s", cfg.Engine.Backend, cfg.Engine.BaseURL)
		}
	}
	printStatus("Vision model", "%s", cfg.Engine.VisionModel)

	if running {
		var st catalog.Stats
		if err := client.getJSON(ctx, "/stats", &st); err == nil {
			printStatus("Images", "%d", st.Images)
			if st.Skipped > 0 {
				printStatus("Unreadable", "%d", st.Skipped)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
