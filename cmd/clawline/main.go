// Command clawline runs the Clawline gateway: a single-port WebSocket and
// HTTP server that pairs mobile devices, fans out chat events between a
// user's devices, and dispatches messages to a configured assistant
// adapter. A handful of offline admin subcommands (status, revoke, backup)
// operate directly against the database without a running server,
// mirroring the teacher's root cli.go dispatch.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"clawline/internal/audit"
	"clawline/internal/config"
	"clawline/internal/dispatcher"
	"clawline/internal/eventlog"
	"clawline/internal/httpapi"
	"clawline/internal/lockfile"
	"clawline/internal/media"
	"clawline/internal/metrics"
	"clawline/internal/pairing"
	"clawline/internal/session"
	"clawline/internal/store"
	"clawline/internal/ws"
)

// Version is overridden at build time via -ldflags.
var Version = "0.1.0-dev"

func main() {
	if len(os.Args) > 1 {
		cfgPath := os.Getenv("CLAWLINE_CONFIG")
		if runCLI(os.Args[1:], cfgPath) {
			return
		}
	}

	cfgPath := flag.String("config", "", "path to clawline config file (yaml/json/toml)")
	allowRemoteBind := flag.Bool("allow-remote-bind", false, "allow binding to a non-loopback address")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	initLogging(cfg.Logging)

	if cfg.RefusesNonLocalBind() && !*allowRemoteBind {
		slog.Error("refusing non-loopback bind without -allow-remote-bind", "bind_addr", cfg.Network.BindAddr)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("create data dir", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.Acquire(filepath.Join(cfg.DataDir, "clawline.lock"))
	if err != nil {
		slog.Error("acquire lock", "error", err)
		os.Exit(1)
	}
	defer lock.Unlock()

	st, err := store.Open(filepath.Join(cfg.DataDir, "clawline.db"))
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.VerifySchema(context.Background()); err != nil {
		slog.Error("verify store schema", "error", err)
		os.Exit(1)
	}

	pm, err := pairing.New(pairing.Config{
		Store:         st,
		KeyPath:       cfg.Auth.KeyPath,
		TokenTTL:      cfg.Auth.TokenTTL,
		RequestTTL:    cfg.Pairing.PendingTTL,
		ReissueGrace:  cfg.Pairing.ReissueGrace,
		AllowlistPath: cfg.Pairing.AllowlistPath,
		DenylistPath:  cfg.Pairing.DenylistPath,
		WatchDenylist: cfg.Pairing.WatchDenylist,
	})
	if err != nil {
		slog.Error("construct pairing manager", "error", err)
		os.Exit(1)
	}
	defer pm.Close()

	assets, err := media.NewStore(cfg.Media.RootDir, st, cfg.Media.MaxUploadBytes)
	if err != nil {
		slog.Error("construct media store", "error", err)
		os.Exit(1)
	}

	writer := dispatcher.NewWriter(context.Background(), cfg.Sessions.MaxWriteQueueDepth)
	defer writer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recoverErr := writer.Submit(ctx, func(ctx context.Context) error {
		cutoff := time.Now().Add(-cfg.Streams.InactivityTimeout).UnixMilli()
		if n, err := st.RecoverStaleStreaming(ctx, cutoff); err != nil {
			return fmt.Errorf("recover stale streaming events: %w", err)
		} else if n > 0 {
			slog.Info("recovered stale streaming events", "count", n)
		}
		if n, err := st.DeleteOrphanMessages(ctx); err != nil {
			return fmt.Errorf("delete orphan messages: %w", err)
		} else if n > 0 {
			slog.Info("deleted orphan messages", "count", n)
		}
		return nil
	})
	if recoverErr != nil {
		slog.Error("startup recovery", "error", recoverErr)
		os.Exit(1)
	}

	if removed, err := assets.SweepTmp(time.Hour); err != nil {
		slog.Warn("sweep stale upload temp files", "error", err)
	} else if removed > 0 {
		slog.Info("removed stale upload temp files", "count", removed)
	}

	events := eventlog.New(st, writer, cfg.Sessions.MaxReplayMessages, cfg.Sessions.MaxPromptMessages)
	reg := session.New()
	disp := dispatcher.NewUserDispatcher(cfg.Sessions.MaxQueuedMessages)
	auditLog := audit.New(st)

	pm.OnDeviceRevoked(func(deviceIDs []string) {
		for _, deviceID := range deviceIDs {
			reg.CloseDevice(deviceID, "token_revoked")
		}
	})

	// The assistant adapter is an external collaborator this provider does
	// not implement; wiring a concrete one in is left to the deployment.
	wsHandler := ws.NewHandler(ws.Config{
		Registry:   reg,
		Pairing:    pm,
		Events:     events,
		Dispatch:   disp,
		Adapter:    nil,
		Audit:      auditLog,
		Message:    cfg.Message,
		Streams:    cfg.Streams,
		RateLimits: cfg.RateLimits,
	})
	api := httpapi.New(reg, pm, wsHandler, assets, Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	go metrics.Run(ctx, metrics.Sources{Registry: reg, Pairing: pm, Dispatch: disp}, 30*time.Second)

	sweepPeriod := cfg.Media.SweepPeriod
	if sweepPeriod > 0 && cfg.Media.UnreferencedAssetTTL > 0 {
		go func() {
			ticker := time.NewTicker(sweepPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := assets.Sweep(ctx, cfg.Media.UnreferencedAssetTTL, cfg.Media.SweepBatchSize); err != nil {
						slog.Error("sweep expired assets", "error", err)
					}
				}
			}
		}()
	}

	addr := net.JoinHostPort(cfg.Network.BindAddr, strconv.Itoa(cfg.Network.Port))
	slog.Info("listening", "addr", addr, "version", Version)
	if err := api.Run(ctx, addr); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func initLogging(lc config.Logging) {
	level := slog.LevelInfo
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// runCLI handles the offline admin subcommands. Returns true if a
// subcommand was recognized and handled.
func runCLI(args []string, cfgPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("clawline %s\n", Version)
		return true
	case "status":
		return cliStatus(cfgPath)
	case "revoke":
		return cliRevoke(args[1:], cfgPath)
	case "backup":
		return cliBackup(args[1:], cfgPath)
	default:
		return false
	}
}

func openForCLI(cfgPath string) (*config.Config, *store.Store, bool) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(filepath.Join(cfg.DataDir, "clawline.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return cfg, st, true
}

func newPairingForCLI(cfg *config.Config, st *store.Store) (*pairing.Manager, error) {
	return pairing.New(pairing.Config{
		Store:         st,
		KeyPath:       cfg.Auth.KeyPath,
		TokenTTL:      cfg.Auth.TokenTTL,
		RequestTTL:    cfg.Pairing.PendingTTL,
		ReissueGrace:  cfg.Pairing.ReissueGrace,
		AllowlistPath: cfg.Pairing.AllowlistPath,
		DenylistPath:  cfg.Pairing.DenylistPath,
	})
}

func cliStatus(cfgPath string) bool {
	cfg, st, _ := openForCLI(cfgPath)
	defer st.Close()
	ctx := context.Background()

	pm, err := newPairingForCLI(cfg, st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error constructing pairing manager: %v\n", err)
		os.Exit(1)
	}
	defer pm.Close()

	entries, err := st.ListAudit(ctx, "", 5)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Data dir: %s\n", cfg.DataDir)
	fmt.Printf("Bind: %s:%d\n", cfg.Network.BindAddr, cfg.Network.Port)
	fmt.Printf("Bootstrap admin paired: %v\n", pm.HasAnyAdmin())
	fmt.Printf("Recent audit entries: %d\n", len(entries))
	for _, e := range entries {
		fmt.Printf("  [%d] %s actor=%s target=%s at=%s\n", e.ID, e.Action, e.ActorDeviceID, e.Target, e.CreatedAt.Format(time.RFC3339))
	}
	return true
}

func cliRevoke(args []string, cfgPath string) bool {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: clawline revoke <device-id>")
		os.Exit(1)
	}
	deviceID := args[0]

	cfg, st, _ := openForCLI(cfgPath)
	defer st.Close()

	pm, err := newPairingForCLI(cfg, st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error constructing pairing manager: %v\n", err)
		os.Exit(1)
	}
	defer pm.Close()

	if err := pm.Revoke(deviceID); err != nil {
		fmt.Fprintf(os.Stderr, "revoke failed: %v\n", err)
		os.Exit(1)
	}
	auditLog := audit.New(st)
	if err := auditLog.Record(context.Background(), "cli", "revoke", deviceID, nil); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to record audit entry: %v\n", err)
	}
	fmt.Printf("Revoked device %s. It will be denied on its next reconnect.\n", deviceID)
	return true
}

func cliBackup(args []string, cfgPath string) bool {
	cfg, st, _ := openForCLI(cfgPath)
	defer st.Close()

	outPath := filepath.Join(cfg.DataDir, "clawline-backup.db")
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
