package daemon

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"murmeltier/internal/registry"
)

// ErrLockHeld is returned by acquireLock when the PID recorded in the
// single-instance lock row belongs to a live process (spec §5 "Scoped
// acquisition"). Only liveness is checked: the executable name recorded in
// the row is reported here but is not compared with the process running
// under that PID.
type ErrLockHeld struct {
	PID        int
	Executable string
}

func (e *ErrLockHeld) Error() string {
	return fmt.Sprintf("daemon: lock held by pid %d (%s)", e.PID, e.Executable)
}

// acquireLock claims the exclusive single-instance lock row inside a
// transaction (spec §5). If the row names a PID that is no longer alive —
// a crash left the row behind — the stale holder is stolen and the lock
// is re-claimed for this process, the way the retrieved zombie-server
// recovery pattern detects and clears a dead holder before respawning.
func acquireLock(ctx context.Context, store registry.Store, now func() time.Time) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("daemon: resolving own executable path: %w", err)
	}
	pid := os.Getpid()

	acquired, holderPID, holderExe, err := store.Lock(ctx, exe, pid, now())
	if err != nil {
		return err
	}
	if acquired {
		return nil
	}
	if processAlive(holderPID) {
		return &ErrLockHeld{PID: holderPID, Executable: holderExe}
	}

	// Stale holder: the PID in the lock row is not running. Clear it and
	// reclaim for this process.
	if err := store.Unlock(ctx); err != nil {
		return err
	}
	acquired, holderPID, holderExe, err = store.Lock(ctx, exe, pid, now())
	if err != nil {
		return err
	}
	if !acquired {
		return &ErrLockHeld{PID: holderPID, Executable: holderExe}
	}
	return nil
}

// processAlive reports whether pid refers to a running process, by
// sending the null signal — the same liveness probe the retrieved
// zombie-process-recovery example uses before respawning a daemon.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
