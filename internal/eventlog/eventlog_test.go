package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Logger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "component.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogAndQuery(t *testing.T) {
	l := openTest(t)
	l.Log(SeverityInfo, 0, "started")
	l.Log(SeverityError, 0, "disk full")
	if err := flushAndWait(l); err != nil {
		t.Fatal(err)
	}
	rows, err := l.Query(context.Background(), "", "", true)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].Fields["message"] != "started" {
		t.Fatalf("first row message = %v", rows[0].Fields["message"])
	}
}

func TestAppendTypedTable(t *testing.T) {
	l := openTest(t)
	l.Append(TableBatteryLog, time.Now(), map[string]any{"percent": 87, "charging": true})
	if err := flushAndWait(l); err != nil {
		t.Fatal(err)
	}
	rows, err := l.Query(context.Background(), TableBatteryLog, "", true)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0].Fields["percent"].(float64) != 87 {
		t.Fatalf("percent = %v", rows[0].Fields["percent"])
	}
}

func TestTrimOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "component.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 10; i++ {
		l.Log(SeverityDebug, 0, "row")
	}
	if err := flushAndWait(l); err != nil {
		t.Fatal(err)
	}
	l.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	rows, err := l2.Query(context.Background(), "", "", true)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 10 {
		t.Fatalf("len(rows) = %d, want 10 (below trim threshold)", len(rows))
	}
}

// flushAndWait closes and reopens is too heavy for a per-test flush
// check; instead just wait past one flush interval.
func flushAndWait(l *Logger) error {
	time.Sleep(flushInterval + 50*time.Millisecond)
	return nil
}
