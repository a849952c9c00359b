package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/wippyai/psimon"
	"github.com/wippyai/psimon/config"
	"github.com/wippyai/psimon/loop"
)

// triggerFlags collects repeated -trigger expressions.
type triggerFlags []config.Trigger

func (f *triggerFlags) String() string {
	parts := make([]string, len(*f))
	for i, t := range *f {
		parts[i] = fmt.Sprintf("%s:%s:%s:%s", t.Resource, t.Stall, t.Amount, t.Window)
	}
	return strings.Join(parts, ",")
}

func (f *triggerFlags) Set(v string) error {
	t, err := config.ParseTrigger(v)
	if err != nil {
		return err
	}
	*f = append(*f, t)
	return nil
}

type options struct {
	configFile  string
	dispatcher  string
	logLevel    string
	logFile     string
	triggers    triggerFlags
	interactive bool
	watch       bool
	dev         bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configFile, "config", "", "Path to YAML trigger configuration")
	flag.Var(&opts.triggers, "trigger", "Trigger resource:stall:amount:window[:cgroup] (repeatable)")
	flag.StringVar(&opts.dispatcher, "dispatcher", "", "Dispatcher: thread or task (overrides config)")
	flag.BoolVar(&opts.interactive, "i", false, "Interactive mode with TUI")
	flag.BoolVar(&opts.watch, "watch", false, "Reload triggers when the config file changes")
	flag.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.StringVar(&opts.logFile, "log-file", "", "Write logs to this file instead of stderr")
	flag.BoolVar(&opts.dev, "dev", false, "Human-readable development logging")
	flag.Parse()

	if opts.configFile == "" && len(opts.triggers) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: psimon -trigger cpu:some:150ms:1s [-trigger ...] [-dispatcher thread|task]")
		fmt.Fprintln(os.Stderr, "       psimon -config psimon.yaml [-watch]")
		fmt.Fprintln(os.Stderr, "       psimon -config psimon.yaml -i  (interactive mode)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	interactive := opts.interactive
	if interactive && !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "stdout is not a terminal, streaming events instead")
		interactive = false
	}

	log, err := newLogger(cfg.LogLevel, opts.logFile, opts.dev, interactive)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	psimon.SetLogger(log)
	loop.SetLogger(log.Named("loop"))

	log.Info("starting psimon",
		zap.String("dispatcher", cfg.Dispatcher),
		zap.Int("triggers", len(cfg.Triggers)),
		zap.String("config", opts.configFile))

	if interactive {
		if opts.watch {
			log.Warn("-watch is ignored in interactive mode")
		}
		return runInteractive(ctx, cfg, log)
	}
	if opts.watch && opts.configFile != "" {
		return runWatch(ctx, cfg, opts, log)
	}
	return runStream(ctx, cfg, log)
}

// loadConfig merges the config file, if any, with command-line triggers and
// overrides.
func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configFile != "" {
		loaded, err := config.Load(opts.configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	return applyFlags(cfg, opts)
}

func applyFlags(cfg *config.Config, opts options) (*config.Config, error) {
	cfg.Triggers = append(cfg.Triggers, opts.triggers...)
	if opts.dispatcher != "" {
		cfg.Dispatcher = opts.dispatcher
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Triggers) == 0 {
		return nil, fmt.Errorf("no triggers configured")
	}
	return cfg, nil
}

func newLogger(level, file string, dev, interactive bool) (*zap.Logger, error) {
	if interactive && file == "" {
		// The TUI owns the terminal.
		return zap.NewNop(), nil
	}

	logConfig := zap.NewProductionConfig()
	if dev {
		logConfig = zap.NewDevelopmentConfig()
	}
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		logConfig.Level = lvl
	}
	if file != "" {
		logConfig.OutputPaths = []string{file}
		logConfig.ErrorOutputPaths = []string{file}
	}
	return logConfig.Build()
}

// runStream prints one line per fired trigger until ctx is done or the
// dispatcher fails.
func runStream(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	m, err := openMonitor(cfg, log)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Run(ctx, printFired)
}

func printFired(name string, at time.Time) {
	fmt.Printf("%s ready %s\n", at.Format(time.RFC3339Nano), name)
}

// runWatch restarts the monitor with the new trigger set each time the
// config file changes. An invalid file keeps the current monitor running.
func runWatch(ctx context.Context, cfg *config.Config, opts options, log *zap.Logger) error {
	reloads := make(chan *config.Config, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return config.Watch(gctx, opts.configFile, log.Named("config"), func(c *config.Config, err error) {
			if err != nil {
				return
			}
			next, err := applyFlags(c, opts)
			if err != nil {
				log.Warn("ignoring config change", zap.Error(err))
				return
			}
			select {
			case <-reloads:
			default:
			}
			reloads <- next
		})
	})
	g.Go(func() error {
		for {
			next, err := superviseOnce(gctx, cfg, reloads, log)
			if err != nil || next == nil {
				return err
			}
			log.Info("config reloaded", zap.Int("triggers", len(next.Triggers)))
			cfg = next
		}
	})
	return g.Wait()
}

// superviseOnce runs one monitor generation. It returns the replacement
// config on reload, or nil once ctx is done.
func superviseOnce(ctx context.Context, cfg *config.Config, reloads <-chan *config.Config, log *zap.Logger) (*config.Config, error) {
	m, err := openMonitor(cfg, log)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	mctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(mctx, printFired) }()

	select {
	case next := <-reloads:
		cancel()
		<-done
		return next, nil
	case err := <-done:
		return nil, err
	}
}
