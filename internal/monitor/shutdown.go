package monitor

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// ShutdownMonitor emits a single Shutdown event when the OS signals
// power-down, logout, or restart (spec §4.2). This daemon's target
// platform has no session-logout signal distinct from SIGHUP, so SIGHUP
// is mapped to ShutdownLogout; SIGTERM to ShutdownPowerDown; SIGINT (the
// interactive --no-fork case, spec §6) to ShutdownRestart.
type ShutdownMonitor struct{}

func NewShutdownMonitor() *ShutdownMonitor { return &ShutdownMonitor{} }

func (ShutdownMonitor) Run(ctx context.Context, out chan<- Event) error {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigc)

	select {
	case <-ctx.Done():
		return nil
	case sig := <-sigc:
		reason := ShutdownPowerDown
		switch sig {
		case syscall.SIGHUP:
			reason = ShutdownLogout
		case syscall.SIGINT:
			reason = ShutdownRestart
		}
		select {
		case out <- Event{Kind: EventShutdown, Time: time.Now(), Shutdown: &ShutdownEvent{Reason: reason}}:
		case <-ctx.Done():
		}
		return nil
	}
}
