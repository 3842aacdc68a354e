// Command mthost is the per-session PTY supervisor host process: it
// owns one shell under a PTY, serves the framed IPC protocol
// internal/hostserver implements, and exits once its shell exits or a
// connected gateway closes it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mthub/internal/endpoint"
	"mthub/internal/hostserver"
	"mthub/internal/hostversion"
	"mthub/internal/procmon"
	"mthub/internal/ptysup"
)

const (
	defaultScrollback = 10 * 1024 * 1024
	minScrollback     = 64 * 1024
	maxScrollback     = 64 * 1024 * 1024
)

type hostOptions struct {
	session    string
	shell      string
	cwd        string
	cols       int
	rows       int
	scrollback int
	logLevel   string
	debug      bool
}

func main() {
	// --pty-exec is an internal re-exec helper, never reached through cobra:
	// it replaces this process image with the target shell and never returns.
	if len(os.Args) > 1 && os.Args[1] == "--pty-exec" {
		runPtyExec(os.Args[2:])
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &hostOptions{
		shell:      defaultShell(),
		cwd:        ".",
		cols:       80,
		rows:       24,
		scrollback: defaultScrollback,
		logLevel:   "info",
	}

	cmd := &cobra.Command{
		Use:     "mthost",
		Short:   "Per-session PTY supervisor host process",
		Version: hostversion.Current,
		RunE: func(cmd *cobra.Command, args []string) error {
			applyEnvOverrides(opts)
			return run(opts)
		},
	}

	cmd.Flags().StringVar(&opts.session, "session", "", "session id (required)")
	cmd.Flags().StringVar(&opts.shell, "shell", opts.shell, "shell to run")
	cmd.Flags().StringVar(&opts.cwd, "cwd", opts.cwd, "working directory")
	cmd.Flags().IntVar(&opts.cols, "cols", opts.cols, "initial terminal columns")
	cmd.Flags().IntVar(&opts.rows, "rows", opts.rows, "initial terminal rows")
	cmd.Flags().IntVar(&opts.scrollback, "scrollback", opts.scrollback, "scrollback buffer size in bytes")
	cmd.Flags().StringVar(&opts.logLevel, "loglevel", opts.logLevel, "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&opts.debug, "debug", opts.debug, "enable debug logging")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}

// applyEnvOverrides layers environment overrides on top of already-parsed
// flags, so an env var always wins over an explicitly passed flag.
func applyEnvOverrides(opts *hostOptions) {
	if v := os.Getenv("MTHOST_SHELL"); v != "" {
		opts.shell = v
	}
	if v := os.Getenv("MTHOST_SCROLLBACK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.scrollback = n
		}
	}
	if v := os.Getenv("MTHOST_LOGLEVEL"); v != "" {
		opts.logLevel = v
	}
}

func defaultShell() string {
	if runtime.GOOS == "windows" {
		return "powershell.exe"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

func clampScrollback(n int) int {
	if n < minScrollback {
		return minScrollback
	}
	if n > maxScrollback {
		return maxScrollback
	}
	return n
}

func buildLogger(level string, debug bool) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if debug {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(opts *hostOptions) error {
	logger := buildLogger(opts.logLevel, opts.debug).With("session", opts.session)
	scrollback := clampScrollback(opts.scrollback)

	pty, err := ptysup.StartShell(opts.shell, nil, opts.cwd, os.Environ(), opts.cols, opts.rows)
	if err != nil {
		logger.Error("start shell failed", "error", err)
		return fmt.Errorf("mthost: start shell: %w", err)
	}

	sup := ptysup.New(pty, scrollback, opts.cols, opts.rows)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := procmon.New(pty.MasterFd(), 0, logger)
	go mon.Run(ctx)
	sup.WatchForeground(mon.Events())

	hostPid := os.Getpid()
	endpointName := endpoint.HostName(opts.session, hostPid)
	ln, err := endpoint.Listen(endpointName)
	if err != nil {
		logger.Error("listen failed", "endpoint", endpointName, "error", err)
		_ = pty.Close()
		return fmt.Errorf("mthost: listen: %w", err)
	}

	shutdown := make(chan struct{})
	var shutdownOnce sync.Once
	onClose := func() {
		shutdownOnce.Do(func() {
			cancel()
			_ = endpoint.Remove(endpointName)
			close(shutdown)
		})
	}

	srv := hostserver.New(sup, opts.session, opts.shell, logger, onClose)

	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			logger.Warn("serve ended", "error", err)
		}
	}()

	go watchShellExit(ctx, sup, onClose)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-sigCh:
		logger.Info("signal received, shutting down")
		_ = sup.Kill()
		onClose()
	case <-shutdown:
	}

	_ = ln.Close()
	sup.Dispose()
	logger.Info("mthost exiting")
	return nil
}

// watchShellExit ends the host process once its shell exits even if no
// gateway ever connected to receive the StateChange event.
func watchShellExit(ctx context.Context, sup *ptysup.Supervisor, onClose func()) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !sup.Info().IsRunning {
				onClose()
				return
			}
		}
	}
}
