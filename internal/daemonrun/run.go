package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"nodekeeper/internal/config"
	"nodekeeper/internal/deps"
	"nodekeeper/internal/gateway"
	"nodekeeper/internal/ipc"
	"nodekeeper/internal/journal"
	"nodekeeper/internal/logging"
	"nodekeeper/internal/metrics"
	"nodekeeper/internal/notify"
	"nodekeeper/internal/provision"
	"nodekeeper/internal/supervisor"
	"nodekeeper/internal/worker"
)

// ErrAlreadyRunning is returned when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("another nodekeeper daemon instance is already running")

const shutdownGrace = 5 * time.Second

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// Handle replaces the node process, mainly for tests.
	Handle worker.Handle
	// Logger replaces the configured logger, mainly for tests.
	Logger *slog.Logger
	// Ready is closed once the control socket accepts connections.
	Ready chan<- struct{}
}

// Run starts the nodekeeper daemon and blocks until cmdCtx is cancelled or
// the process receives SIGINT/SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer func() { _ = lock.Unlock() }()

	logger := opts.Logger
	if logger == nil {
		if level := strings.TrimSpace(opts.LogLevel); level != "" {
			cfg.Logging.Level = level
		}
		if logger, err = logging.NewFromConfig(cfg); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
	}

	if err := writePIDFile(cfg.PIDPath()); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(cfg.PIDPath())

	store, err := journal.Open(cfg)
	if err != nil {
		logging.ErrorWithContext(logger, "open journal", "journal_open_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions on paths.state_dir"))
		return err
	}
	defer store.Close()

	collector := metrics.NewCollector()
	hub := notify.NewHub(notify.Options{
		Buffer:          cfg.Notifications.SubscriberBuffer,
		DeliveryTimeout: cfg.DeliveryTimeout(),
		Logger:          logger,
	})
	defer hub.Close()
	collector.RegisterHub(hub)
	if cfg.Notifications.HistoryEnabled {
		hub.AddSink(store)
	}

	handle := opts.Handle
	if handle == nil {
		process, err := worker.NewProcessHandle(cfg, worker.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("create worker: %w", err)
		}
		handle = process
		logBinarySnapshot(logger, cfg)
	}

	supOpts := supervisor.OptionsFromConfig(cfg)
	supOpts.Observer = collector
	supOpts.Logger = logger
	supOpts.OnExit = recordSession(store, logger)
	if provisioner, err := provision.NewDirProvisioner(cfg.Paths.AssetBundle); err != nil {
		logging.WarnWithContext(logger, "asset bundle not configured", "provision_unavailable",
			logging.Error(err),
			logging.String(logging.FieldImpact, "setup requests will fail"),
			logging.String(logging.FieldErrorHint, "set paths.asset_bundle"))
	} else {
		supOpts.Provisioner = provisioner
	}
	sup, err := supervisor.New(handle, hub, supOpts)
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}
	defer sup.Close()

	bootProvision(signalCtx, sup, store, logger)

	registry := ipc.NewRegistry(collector.ClientConnected)
	backend := ipc.Backend{
		Supervisor: sup,
		Hub:        hub,
		Journal:    store,
		Registry:   registry,
		LockPath:   cfg.LockPath(),
		PID:        os.Getpid(),
	}

	ipcServer, err := ipc.NewServer(signalCtx, cfg.Paths.SocketPath, backend, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if bind := strings.TrimSpace(cfg.API.Bind); bind != "" {
		gw, err := gateway.NewServer(backend, gateway.Options{
			Bind:    bind,
			Token:   cfg.API.Token,
			Metrics: collector.Handler(),
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("create HTTP gateway: %w", err)
		}
		if err := gw.Start(); err != nil {
			return fmt.Errorf("start HTTP gateway: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := gw.Shutdown(ctx); err != nil {
				logger.Warn("HTTP gateway shutdown", logging.Error(err))
			}
		}()
	}

	logger.Info("nodekeeper daemon started",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.String("socket", cfg.Paths.SocketPath),
		logging.String("working_dir", cfg.Paths.WorkingDir),
		logging.String("lock", cfg.LockPath()),
	)
	if opts.Ready != nil {
		close(opts.Ready)
	}

	<-signalCtx.Done()
	logger.Info("nodekeeper daemon shutting down",
		logging.String(logging.FieldEventType, "daemon_stop"))
	return nil
}

// bootProvision populates the working directory on every daemon boot,
// wiping it first on the very first boot.
func bootProvision(ctx context.Context, sup *supervisor.Supervisor, store *journal.Store, logger *slog.Logger) {
	firstStart, err := store.FirstStart(ctx)
	if err != nil {
		logger.Warn("read first start flag", logging.Error(err))
		return
	}
	logger.Info("provisioning working directory",
		logging.String(logging.FieldEventType, "boot_provision"),
		logging.Bool("from_scratch", firstStart))
	if err := sup.Setup(ctx, firstStart); err != nil {
		logging.WarnWithContext(logger, "boot provisioning failed", "boot_provision_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "node may start with missing configuration"),
			logging.String(logging.FieldErrorHint, "check paths.asset_bundle and run nodekeeper setup"))
		return
	}
	if err := store.MarkStarted(ctx); err != nil {
		logger.Warn("clear first start flag", logging.Error(err))
	}
}

func recordSession(store *journal.Store, logger *slog.Logger) func(supervisor.ExitInfo) {
	return func(info supervisor.ExitInfo) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := store.RecordSession(ctx, journal.Session{
			ID:        info.SessionID,
			StartedAt: info.StartedAt,
			EndedAt:   info.At,
			Status:    info.Status,
			Error:     info.Err,
		})
		if err != nil {
			logger.Warn("record session", logging.Error(err), logging.String(logging.FieldSessionID, info.SessionID))
		}
	}
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logBinarySnapshot(logger *slog.Logger, cfg *config.Config) {
	statuses := deps.CheckBinaries(deps.NodeRequirements(cfg))
	attrs := []any{logging.String(logging.FieldEventType, "binary_snapshot")}
	for _, status := range statuses {
		key := strings.ReplaceAll(strings.ToLower(status.Name), " ", "_")
		attrs = append(attrs,
			logging.String(key, status.Command),
			logging.Bool(key+"_available", status.Available),
		)
	}
	logger.Info("worker binary snapshot", attrs...)
	if missing := deps.MissingRequired(statuses); missing > 0 {
		logging.WarnWithContext(logger, "node binaries missing", "binary_missing",
			logging.Int("missing", missing),
			logging.String(logging.FieldImpact, "start and command requests will fail"),
			logging.String(logging.FieldErrorHint, "install the node or set worker.binary and worker.cli_binary"))
	}
}
