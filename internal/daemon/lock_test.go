package daemon

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"murmeltier/internal/registry/memory"
)

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestAcquireLockFirstHolderSucceeds(t *testing.T) {
	store := memory.New()
	if err := acquireLock(context.Background(), store, fixedNow); err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
}

func TestAcquireLockContendedByLiveHolder(t *testing.T) {
	store := memory.New()
	// A holder with a different executable name and a very much alive PID
	// (this test process's own) holds the lock.
	acquired, _, _, err := store.Lock(context.Background(), "other-exe", os.Getpid(), fixedNow())
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !acquired {
		t.Fatal("expected the first Lock call to acquire")
	}

	err = acquireLock(context.Background(), store, fixedNow)
	var lockErr *ErrLockHeld
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected *ErrLockHeld, got %T: %v", err, err)
	}
	if lockErr.PID != os.Getpid() || lockErr.Executable != "other-exe" {
		t.Fatalf("unexpected lock holder: %+v", lockErr)
	}
}

func TestAcquireLockStealsFromDeadHolder(t *testing.T) {
	store := memory.New()
	// PID 0 never refers to a live, signalable process on this platform,
	// so acquireLock must treat it as a stale holder left behind by a crash.
	acquired, _, _, err := store.Lock(context.Background(), "crashed-exe", 0, fixedNow())
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !acquired {
		t.Fatal("expected the first Lock call to acquire")
	}

	if err := acquireLock(context.Background(), store, fixedNow); err != nil {
		t.Fatalf("acquireLock should steal a stale lock, got: %v", err)
	}
}

func TestProcessAliveRejectsInvalidPID(t *testing.T) {
	if processAlive(0) {
		t.Fatal("pid 0 should not be reported alive")
	}
	if processAlive(-1) {
		t.Fatal("negative pid should not be reported alive")
	}
}

func TestProcessAliveAcceptsSelf(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Fatal("the running test process should be reported alive")
	}
}
