package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/chatrelay/internal/api"
	"github.com/kalambet/chatrelay/internal/cache"
	"github.com/kalambet/chatrelay/internal/clients"
	"github.com/kalambet/chatrelay/internal/config"
	"github.com/kalambet/chatrelay/internal/dispatch"
	"github.com/kalambet/chatrelay/internal/lifecycle"
	"github.com/kalambet/chatrelay/internal/notify"
	"github.com/kalambet/chatrelay/internal/outbox"
	"github.com/kalambet/chatrelay/internal/router"
	"github.com/kalambet/chatrelay/internal/storage"
	"github.com/kalambet/chatrelay/internal/strategy"
	"github.com/kalambet/chatrelay/internal/syncsched"
	"github.com/kalambet/chatrelay/internal/telemetry"
	"github.com/kalambet/chatrelay/internal/upstream"
	"github.com/kalambet/chatrelay/internal/worker"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(cmd.Context(), withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")
		return stopServer(wait)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show relay status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
	stopCmd.Flags().Duration("wait", 15*time.Second, "how long to wait for the relay to exit")
}

// pidFile records the running relay's process id in the data directory.
type pidFile string

func pidFileIn(dataDir string) pidFile {
	return pidFile(filepath.Join(dataDir, "chatrelay.pid"))
}

func (p pidFile) write() error {
	if err := os.MkdirAll(filepath.Dir(string(p)), 0o755); err != nil {
		return err
	}
	return os.WriteFile(string(p), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

func (p pidFile) read() (int, error) {
	data, err := os.ReadFile(string(p))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("corrupt pid file %s: %w", p, err)
	}
	return pid, nil
}

func (p pidFile) remove() { _ = os.Remove(string(p)) }

// relay is the assembled daemon.
type relay struct {
	worker   *worker.Worker
	registry *clients.Registry
	handler  http.Handler
	mcp      *server.MCPServer
}

// newRelay wires every component for cfg on top of an open store.
func newRelay(cfg config.Config, store *storage.Store, token string) (*relay, error) {
	origin, err := url.Parse(cfg.App.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid app.origin %q", cfg.App.Origin)
	}

	nss := cache.NewNamespaces(cfg.Cache.Prefix, cfg.Cache.Version)
	caches := cache.NewStore(store)
	up := upstream.NewClient(origin, cfg.Backend.APIKey, upstream.Endpoints{
		Submit:   cfg.Backend.SubmitPath,
		Check:    cfg.Backend.CheckPath,
		Contacts: cfg.Backend.ContactsPath,
	})

	tasks := worker.NewTasks(0)
	rt := router.New(origin, cfg.APIMarkers(), cfg.NetworkTimeout())
	engine := strategy.NewEngine(rt, caches, up, tasks, nss, cfg.Cache.ShellDocument)

	box := outbox.New(store, up)
	registry := clients.NewRegistry(origin, clients.CommandOpener{Command: cfg.App.OpenCommand}, cfg.Cache.Version)
	center := notify.NewCenter(registry)
	sched := syncsched.New(syncsched.Tags{
		Messages: cfg.Sync.MessagesTag,
		Contacts: cfg.Sync.ContactsTag,
		Periodic: cfg.Sync.PeriodicTag,
	}, box, up, center)

	w := worker.New(worker.Deps{
		Server:        engine,
		Passthrough:   up,
		Syncer:        sched,
		Notifications: center,
		Clicker:       dispatch.New(registry, center),
		Claimer:       registry,
	}, tasks)
	w.SetLifecycle(lifecycle.NewController(caches, up, w, nss, origin, cfg.ShellAssets()))

	registry.OnMessage(func(_ context.Context, clientID string, msg clients.Message) {
		w.DispatchAsync(worker.Event{Type: worker.EventMessage, ClientID: clientID, Message: msg})
	})

	return &relay{
		worker:   w,
		registry: registry,
		handler: api.NewRelayHandler(api.RelayDeps{
			Worker:        w,
			Outbox:        box,
			Notifications: center,
			Caches:        caches,
			Namespaces:    nss,
			Windows:       registry,
			Token:         token,
			Version:       cfg.Cache.Version,
		}),
		mcp: api.NewMCPServer(api.MCPDeps{
			Worker:     w,
			Outbox:     box,
			Caches:     caches,
			Namespaces: nss,
			Windows:    registry,
			Version:    cfg.Cache.Version,
		}),
	}, nil
}

// install runs the install event and logs what it cached.
func (r *relay) install(ctx context.Context) {
	res := r.worker.Dispatch(ctx, worker.Event{Type: worker.EventInstall})
	if res.Install != nil {
		slog.Info("install finished",
			"cached", len(res.Install.Cached),
			"failed", len(res.Install.Failed),
			"state", r.worker.State(),
		)
	}
}

// eventDispatcher is the slice of the worker the host loop needs.
type eventDispatcher interface {
	DispatchAsync(ev worker.Event)
}

// deliverPeriodic delivers the periodic sync tag every interval until ctx
// ends. The scheduler itself never owns a timer.
func deliverPeriodic(ctx context.Context, d eventDispatcher, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.DispatchAsync(worker.Event{Type: worker.EventPeriodicSync})
		}
	}
}

func runServer(ctx context.Context, withMCP bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.Log.Level))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	slog.Info("chatrelay starting", "version", version, "origin", cfg.App.Origin, "cache_version", cfg.Cache.Version)

	token, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Server.Port))
	pid := pidFileIn(cfg.Storage.DataDir)
	if alreadyServing(ctx, addr) {
		if n, err := pid.read(); err == nil {
			return fmt.Errorf("chatrelay is already running (PID %d)", n)
		}
		return fmt.Errorf("something is already serving the relay API on %s", addr)
	}
	if err := pid.write(); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer pid.remove()

	shutdownTracing, err := telemetry.Setup(ctx, "chatrelay")
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	rl, err := newRelay(cfg, store, token)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           rl.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("relay listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("HTTP shutdown incomplete", "error", err)
		}
		// In-flight cache writes must land before the store closes.
		if err := rl.worker.Tasks().Wait(sctx); err != nil {
			slog.Warn("background tasks still pending at exit", "pending", rl.worker.Tasks().Pending())
		}
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("flushing traces failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		rl.install(gctx)
		return nil
	})
	g.Go(func() error {
		deliverPeriodic(gctx, rl.worker, cfg.PeriodicInterval())
		return nil
	})
	if withMCP {
		g.Go(func() error {
			slog.Info("MCP server on stdio")
			err := server.NewStdioServer(rl.mcp).Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server stopped", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// alreadyServing reports whether a relay answers health checks on addr.
func alreadyServing(ctx context.Context, addr string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/__relay/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// stopServer signals the relay and waits up to timeout for it to remove
// its PID file.
func stopServer(timeout time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pid := pidFileIn(cfg.Storage.DataDir)
	n, err := pid.read()
	if err != nil {
		return fmt.Errorf("chatrelay is not running: %w", err)
	}
	proc, err := os.FindProcess(n)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		pid.remove()
		return fmt.Errorf("signalling PID %d (stale PID file removed): %w", n, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(string(pid)); errors.Is(err, os.ErrNotExist) {
			printSuccess("chatrelay (PID %d) stopped", n)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	printWarning("sent SIGTERM to PID %d; it is still shutting down", n)
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
		printError("%v", err)
		return nil
	}

	var health struct {
		State   string `json:"state"`
		Version string `json:"version"`
		Windows int    `json:"windows"`
	}
	resp, err := client.get(ctx, "/__relay/health")
	if err != nil {
		printStatus("Relay", "stopped")
	} else if err := decodeJSON(resp, &health); err != nil {
		printStatus("Relay", "error (%v)", err)
	} else {
		printStatus("Relay", "running on port %d", cfg.Server.Port)
		printStatus("Lifecycle", "%s", health.State)
		printStatus("Cache version", "%s", health.Version)
		printStatus("Windows", "%d", health.Windows)

		if resp, err := client.get(ctx, "/__relay/outbox"); err == nil {
			var items []json.RawMessage
			if decodeJSON(resp, &items) == nil {
				printStatus("Outbox", "%d pending", len(items))
			}
		}
	}

	printStatus("Origin", "%s", cfg.App.Origin)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
