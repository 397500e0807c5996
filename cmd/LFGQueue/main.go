package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/LFGQueue/internal/api"
	"github.com/BTreeMap/LFGQueue/internal/classifier"
	"github.com/BTreeMap/LFGQueue/internal/config"
	"github.com/BTreeMap/LFGQueue/internal/lockfile"
	"github.com/BTreeMap/LFGQueue/internal/queue"
	"github.com/BTreeMap/LFGQueue/internal/scheduler"
	"github.com/BTreeMap/LFGQueue/internal/store"
	"github.com/BTreeMap/LFGQueue/internal/whatsapp"
	"github.com/BTreeMap/LFGQueue/internal/worker"
)

func main() {
	// Bootstrap logger until the configured one is built
	initializeLogger()

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("LFGQueue failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("LFGQueue exited successfully")
}

// Flags holds command line flag values
type Flags struct {
	configPath *string
	stateDir   *string
	dbDSN      *string
	apiAddr    *string
	logLevel   *string
	logFormat  *string
	worker     *bool
	whatsapp   *bool
	qrOutput   *string
	numeric    *bool

	// set records which flags were given explicitly.
	set map[string]bool
}

// initializeLogger sets up structured logging for startup
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
}

// newLogger builds the process logger from configuration.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseCommandLineFlags parses command line arguments. Flags left unset do
// not override the loaded configuration.
func parseCommandLineFlags(args []string) (Flags, error) {
	fs := flag.NewFlagSet("lfgqueue", flag.ContinueOnError)
	flags := Flags{
		configPath: fs.String("config", "", "path to a config file (default ./lfgqueue.{yaml,toml,json} if present)"),
		stateDir:   fs.String("state-dir", "", "state directory for LFGQueue data (overrides $LFGQUEUE_STATE_DIR)"),
		dbDSN:      fs.String("db-dsn", "", "queue database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)"),
		apiAddr:    fs.String("api-addr", "", "API server address (overrides $API_ADDR)"),
		logLevel:   fs.String("log-level", "", "log level: debug, info, warn, error (overrides $LOG_LEVEL)"),
		logFormat:  fs.String("log-format", "", "log format: text or json (overrides $LOG_FORMAT)"),
		worker:     fs.Bool("worker", false, "run the in-process classification worker (overrides $WORKER_ENABLED)"),
		whatsapp:   fs.Bool("whatsapp", false, "ingest WhatsApp group messages (overrides $WHATSAPP_ENABLED)"),
		qrOutput:   fs.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:    fs.Bool("numeric-code", false, "print the WhatsApp login code as text instead of a QR code"),
		set:        make(map[string]bool),
	}
	if err := fs.Parse(args); err != nil {
		return flags, err
	}
	fs.Visit(func(f *flag.Flag) { flags.set[f.Name] = true })

	slog.Debug("flags parsed",
		"config", *flags.configPath,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"explicit", len(flags.set))
	return flags, nil
}

// applyFlags overrides configuration with explicitly given flags.
func applyFlags(cfg *config.Config, flags Flags) error {
	if flags.set["state-dir"] {
		cfg.Database.StateDir = *flags.stateDir
	}
	if flags.set["db-dsn"] {
		cfg.Database.DSN = strings.TrimSpace(*flags.dbDSN)
	}
	if flags.set["api-addr"] {
		cfg.API.Addr = *flags.apiAddr
	}
	if flags.set["log-level"] {
		cfg.Log.Level = strings.ToLower(*flags.logLevel)
	}
	if flags.set["log-format"] {
		cfg.Log.Format = strings.ToLower(*flags.logFormat)
	}
	if flags.set["worker"] {
		cfg.Worker.Enabled = *flags.worker
	}
	if flags.set["whatsapp"] {
		cfg.WhatsApp.Enabled = *flags.whatsapp
	}
	return cfg.Validate()
}

// sqliteDir returns the directory a SQLite DSN writes to, or "" for other DSNs.
func sqliteDir(dsn string) string {
	if dsn == "" || store.DetectDSNType(dsn) == "postgres" {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return filepath.Dir(path)
}

// ensureDirectoriesExist creates directories for file-based databases
func ensureDirectoriesExist(dsns ...string) error {
	for _, dsn := range dsns {
		dir := sqliteDir(dsn)
		if dir == "" {
			continue
		}
		slog.Debug("Creating state directory for file-based database", "state_dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// sweepTask schedules a sweeper. A tick that finds the sweeper already busy
// with a manual run is not a failure.
func sweepTask(sw queue.Sweeper, sc config.SweepConfig) scheduler.Task {
	return scheduler.Task{
		Name:     sw.Name(),
		Interval: sc.Interval(),
		Enabled:  sc.Enabled,
		Run: func(ctx context.Context) error {
			_, err := sw.Sweep(ctx)
			if errors.Is(err, queue.ErrSweepInProgress) {
				slog.Debug("sweep skipped, already running", "sweep", sw.Name())
				return nil
			}
			return err
		},
	}
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(cfg *config.Config, flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsAppDSN())}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if cfg.Log.Level == "debug" {
		waOpts = append(waOpts, whatsapp.WithLogLevel("DEBUG"))
	}
	return waOpts
}

func run(args []string) error {
	flags, err := parseCommandLineFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cfg, flags); err != nil {
		return err
	}

	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	dirs := []string{cfg.StoreDSN()}
	if cfg.WhatsApp.Enabled {
		dirs = append(dirs, cfg.WhatsAppDSN())
	}
	if err := ensureDirectoriesExist(dirs...); err != nil {
		return fmt.Errorf("failed to create required directories: %w", err)
	}

	if dir := sqliteDir(cfg.StoreDSN()); dir != "" {
		lock, err := lockfile.Acquire(dir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping LFGQueue", "state_dir", cfg.Database.StateDir, "backend", store.DetectDSNType(cfg.StoreDSN()),
		"api_addr", cfg.API.Addr, "worker", cfg.Worker.Enabled, "whatsapp", cfg.WhatsApp.Enabled)

	st, err := store.Open(cfg.StoreDSN())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Failed to close store", "error", err)
		}
	}()

	svc := queue.NewService(st, cfg.QueueSettings(), queue.WithRecorder(queue.NewLogRecorder(logger)))

	sched, err := scheduler.New(logger)
	if err != nil {
		return err
	}
	if _, err := sched.Add(sweepTask(svc.Requeuer(), cfg.Sweeps.Requeue)); err != nil {
		return err
	}
	if _, err := sched.Add(sweepTask(svc.Reconciler(), cfg.Sweeps.Expiry)); err != nil {
		return err
	}

	var runner *worker.Runner
	if cfg.Worker.Enabled {
		cl, err := classifier.NewClient(cfg.Worker.OpenAIAPIKey, cfg.Worker.Model)
		if err != nil {
			return fmt.Errorf("failed to create classifier: %w", err)
		}
		runner = worker.NewRunner(svc, cl, worker.Config{
			BatchSize:    cfg.Worker.BatchSize,
			Concurrency:  cfg.Worker.Concurrency,
			PollInterval: cfg.Worker.PollInterval(),
		})
	}

	var wa *whatsapp.Client
	if cfg.WhatsApp.Enabled {
		wa, err = whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg, flags)...)
		if err != nil {
			return fmt.Errorf("failed to start WhatsApp client: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.NewServer(svc, api.WithAddr(cfg.API.Addr)).Run(gctx)
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if runner != nil {
		g.Go(func() error {
			return runner.Run(gctx)
		})
	}
	if wa != nil {
		g.Go(func() error {
			return wa.Listen(gctx, svc)
		})
	}

	err = g.Wait()
	slog.Info("LFGQueue shutting down")
	return err
}
