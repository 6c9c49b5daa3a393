package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/fieldsync/internal/api"
	"github.com/kalambet/fieldsync/internal/cache"
	"github.com/kalambet/fieldsync/internal/config"
	"github.com/kalambet/fieldsync/internal/connectivity"
	"github.com/kalambet/fieldsync/internal/flags"
	"github.com/kalambet/fieldsync/internal/knowledge"
	"github.com/kalambet/fieldsync/internal/queue"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/replay"
	"github.com/kalambet/fieldsync/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the fieldsync server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running fieldsync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, connectivity and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "fieldsync.pid")
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

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "fieldsync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := cfg.APIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available", "path", cfg.TokenPath())

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(localURL(cfg) + api.AdminPrefix + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("fieldsync is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("fieldsync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Cache layer.
	routes, err := loadRoutes(cfg.Cache.RoutesFile)
	if err != nil {
		return err
	}
	buckets := cache.Buckets{Prefix: cfg.Cache.Prefix, Version: cfg.Cache.Version}
	// Network-first requests rely on the transport's dial and TLS timeouts.
	netClient := &http.Client{}
	engine, err := cache.NewEngine(store, netClient, routes, cache.Options{
		Buckets:    buckets,
		APITTL:     cfg.Cache.APITTL,
		OfflineURL: cfg.Cache.OfflineURL,
	})
	if err != nil {
		return fmt.Errorf("creating cache engine: %w", err)
	}
	defer engine.Wait()
	evictor := cache.NewEvictor(store, buckets, cfg.Cache.APITTL, cfg.Cache.EvictInterval)

	var proxy http.Handler
	if cfg.Upstream.Origin != "" {
		proxy, err = cache.NewProxy(engine, cfg.Upstream.Origin)
		if err != nil {
			return fmt.Errorf("creating proxy: %w", err)
		}
	}

	// Connectivity, queue and replay.
	monitor := connectivity.NewMonitor(true)
	prober := connectivity.NewProber(monitor, &http.Client{Timeout: 5 * time.Second}, cfg.ProbeTarget(), cfg.Connectivity.ProbeInterval)
	prober.ProbeOnce(ctx)
	slog.Info("initial connectivity", "online", monitor.Online())
	queueMgr := queue.NewManager(store)
	remoteClient := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.Token)
	replayer := replay.NewReplayer(queueMgr, remoteClient, monitor, replay.Options{
		MaxRetries: cfg.Sync.MaxRetries,
		Backoff:    cfg.Sync.Backoff,
		Interval:   cfg.Sync.Interval,
	})
	replayer.OnEvent(func(ev replay.Event) {
		if ev.Type == replay.EventDropped {
			slog.Warn("queued operation dropped", "id", ev.OpID, "kind", ev.Kind, "resource", ev.Resource, "error", ev.Error)
		}
	})
	monitor.Register(replayer)
	monitor.Register(evictor)

	flagCache := flags.NewCache(store, cfg.Flags.TTL)
	knowledgeCache := knowledge.NewCache(store, &http.Client{Timeout: 60 * time.Second}, cfg.Knowledge.Retention)

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:       store,
		Queue:       queueMgr,
		Sync:        replayer,
		Monitor:     monitor,
		Buckets:     buckets,
		Evictor:     evictor,
		Flags:       flagCache,
		Knowledge:   knowledgeCache,
		Token:       apiToken,
		CORSOrigins: cfg.Server.CORSOrigins,
		Proxy:       proxy,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { prober.Run(gctx); return nil })
	g.Go(func() error { evictor.Run(gctx); return nil })
	g.Go(func() error { replayer.Run(gctx); return nil })
	g.Go(func() error { knowledgeCache.Run(gctx, cfg.Knowledge.CleanupInterval); return nil })

	if urls := precacheURLs(cfg.Upstream.Origin, cfg.Cache.Precache); len(urls) > 0 {
		g.Go(func() error {
			if err := engine.Precache(gctx, urls); err != nil {
				slog.Warn("precache incomplete", "error", err)
			}
			return nil
		})
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Queue:     queueMgr,
			Sync:      replayer,
			Monitor:   monitor,
			Knowledge: knowledgeCache,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "fieldsync listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func loadRoutes(path string) (*cache.RouteTable, error) {
	if path == "" {
		return cache.MustDefaultRoutes(), nil
	}
	rc, err := cache.LoadRouteConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading cache routes: %w", err)
	}
	t, err := rc.Compile()
	if err != nil {
		return nil, fmt.Errorf("compiling cache routes: %w", err)
	}
	return t, nil
}

// precacheURLs resolves configured precache paths against the upstream origin.
// Relative paths are skipped when no origin is configured.
func precacheURLs(origin string, paths []string) []string {
	base, err := url.Parse(origin)
	if origin == "" || err != nil {
		base = nil
	}
	var out []string
	for _, p := range paths {
		u, err := url.Parse(p)
		if err != nil {
			continue
		}
		if !u.IsAbs() {
			if base == nil {
				continue
			}
			u = base.ResolveReference(u)
		}
		out = append(out, u.String())
	}
	return out
}

func localURL(cfg config.Config) string {
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
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
		printError("fieldsync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop fieldsync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to fieldsync (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(localURL(cfg) + api.AdminPrefix + "/health")
	running := err == nil && resp.StatusCode == http.StatusOK
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case running:
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}
	if resp != nil {
		resp.Body.Close()
	}

	printStatus("Remote", "%s", orUnset(cfg.Remote.BaseURL))
	printStatus("Upstream", "%s", orUnset(cfg.Upstream.Origin))
	printStatus("Cache version", "%s", cfg.Cache.Version)

	if running {
		c, err := newAPIClient()
		if err == nil {
			var st syncStatus
			if err := c.getJSON(ctx, api.AdminPrefix+"/sync", &st); err == nil {
				printSyncStatus(st)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
