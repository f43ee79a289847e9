// Command murmeltierd runs the per-device transfer-scheduler daemon.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to every component via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"murmeltier/internal/daemon"
	"murmeltier/internal/home"
	"murmeltier/internal/logging"
)

func main() {
	baseHandler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	var noFork bool
	root := &cobra.Command{
		Use:   "murmeltierd",
		Short: "Per-device transfer-scheduler daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !noFork {
				return forkDetach()
			}
			return runForeground(logger)
		},
	}
	root.Flags().BoolVar(&noFork, "no-fork", false, "stay attached to the controlling terminal instead of detaching")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// forkDetach re-execs this binary with --no-fork, detached from the
// controlling terminal via a new session, and returns once the child has
// started. This is the default behavior; --no-fork skips it.
func forkDetach() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("murmeltierd: resolving own executable path: %w", err)
	}
	cmd := exec.Command(exe, "--no-fork")
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	setDetachedProcess(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("murmeltierd: starting detached process: %w", err)
	}
	fmt.Printf("murmeltierd started (pid %d)\n", cmd.Process.Pid)
	return nil
}

// runForeground opens the home directory, starts the daemon, and blocks
// until an orderly shutdown (a Shutdown context event, handled entirely
// inside internal/daemon) completes. Exit status is 0 on orderly
// shutdown, 1 on lock-contention or storage-open failure (spec §6) — the
// latter surfaces here as a non-nil error, which main reports and turns
// into os.Exit(1).
func runForeground(logger *slog.Logger) error {
	hd, err := home.Default()
	if err != nil {
		return fmt.Errorf("murmeltierd: resolving home directory: %w", err)
	}

	d, err := daemon.New(daemon.Config{Home: hd, Log: logger})
	if err != nil {
		return err
	}

	if err := d.Start(context.Background()); err != nil {
		var lockErr *daemon.ErrLockHeld
		if errors.As(err, &lockErr) {
			return fmt.Errorf("murmeltierd: %w", lockErr)
		}
		return err
	}

	d.Wait()
	return d.Stop()
}
