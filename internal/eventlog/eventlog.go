// Package eventlog is the append-only, per-component event log of spec
// §4.5: one modernc.org/sqlite-backed file per component (held open by
// internal/home's logs/<component>.db layout), a fixed-schema "log" table
// for free-form severity/message rows, and any number of typed tables
// (connection_stats, battery_log, ...) that context monitors append to
// through the same buffered mechanism.
//
// Writes go through a bounded per-Logger channel drained by one flush
// goroutine per Logger — the teacher's buffered-channel-to-writer-goroutine
// shape (used for chunk writers in internal/chunk/file) adapted to a
// flush-on-interval-or-full discipline instead of flush-on-chunk-boundary.
// This flush goroutine is the one background thread spec §5 permits
// outside the single-threaded event loop.
package eventlog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var logTableSchema string

// Component table names shared across internal/monitor and internal/daemon.
const (
	TableConnectionStats = "connection_stats"
	TableAccessPointScan = "access_point_scan"
	TableUserActivity    = "user_activity"
	TableBatteryLog      = "battery_log"
	TableServiceLog      = "service_log"
	TableFileAccessLog   = "file_access_log"
	TableSystem          = "system"
)

// Severity is the log record's severity level.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// LogRow is one row of the fixed-schema append-only log.
type LogRow struct {
	ID         int64
	TimeUTC    time.Time
	TZOffset   int // minutes east of UTC
	Severity   Severity
	File       string
	Function   string
	Line       int
	ReturnAddr uintptr
	Message    string
}

// trimToRows is the approximate row budget enforced on Open (spec §4.5:
// "trimmed to the most recent ≈100,000 rows").
const trimToRows = 100_000

const flushInterval = 200 * time.Millisecond
const bufferCapacity = 4096

type logEntry struct {
	row LogRow
}

type appendEntry struct {
	table  string
	tsMS   int64
	tzMin  int
	fields map[string]any
}

// Logger owns one component's event-log database file.
type Logger struct {
	db       *sql.DB
	entries  chan any // logEntry or appendEntry
	done     chan struct{}
	wg       sync.WaitGroup
	knownTbl sync.Map // table name -> struct{}, tables created on demand
}

// Open opens (creating if necessary) the event log database at path,
// trims it to the most recent rows, and starts the flush goroutine.
func Open(path string) (*Logger, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("eventlog: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(logTableSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: applying schema: %w", err)
	}
	if err := trim(db); err != nil {
		db.Close()
		return nil, err
	}
	l := &Logger{
		db:      db,
		entries: make(chan any, bufferCapacity),
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.flushLoop()
	return l, nil
}

func trim(db *sql.DB) error {
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM log`).Scan(&count); err != nil {
		return fmt.Errorf("eventlog: counting rows: %w", err)
	}
	if count <= trimToRows {
		return nil
	}
	_, err := db.Exec(`DELETE FROM log WHERE id NOT IN (SELECT id FROM log ORDER BY id DESC LIMIT ?)`, trimToRows)
	if err != nil {
		return fmt.Errorf("eventlog: trimming log table: %w", err)
	}
	return nil
}

// Close flushes any buffered rows and closes the database ("on thread
// exit the buffer is flushed and released", spec §4.5).
func (l *Logger) Close() error {
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

// Log appends a free-form severity/message row. skip is the number of
// additional stack frames to skip when recording the caller's file/line,
// for wrapper helpers that want to attribute the log site correctly.
func (l *Logger) Log(severity Severity, skip int, message string) {
	pc, file, line, _ := runtime.Caller(1 + skip)
	fn := runtime.FuncForPC(pc)
	funcName := "unknown"
	if fn != nil {
		funcName = fn.Name()
	}
	now := time.Now()
	_, offset := now.Zone()
	row := LogRow{
		TimeUTC:    now.UTC(),
		TZOffset:   offset / 60,
		Severity:   severity,
		File:       file,
		Function:   funcName,
		Line:       line,
		ReturnAddr: pc,
		Message:    message,
	}
	l.enqueue(logEntry{row: row})
}

// Append appends a row of arbitrary typed fields to a component-owned
// table, creating the table lazily on first use. Failure to append is
// never propagated (spec §4.5); a row whose write fails is dropped
// without being logged. Append itself never blocks the caller beyond
// filling the buffer.
func (l *Logger) Append(table string, t time.Time, fields map[string]any) {
	_, offset := t.Zone()
	l.enqueue(appendEntry{table: table, tsMS: t.UnixMilli(), tzMin: offset / 60, fields: fields})
}

func (l *Logger) enqueue(e any) {
	select {
	case l.entries <- e:
	default:
		// buffer full: force an immediate synchronous flush attempt by
		// dropping the oldest-style backpressure is avoided — block
		// briefly instead, since the event loop is expected to keep up
		// with a 200ms/4096-row buffer under normal operation.
		l.entries <- e
	}
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	var pending []any
	flush := func() {
		if len(pending) == 0 {
			return
		}
		l.writeBatch(pending)
		pending = pending[:0]
	}
	for {
		select {
		case e := <-l.entries:
			pending = append(pending, e)
			if len(pending) >= bufferCapacity {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			for {
				select {
				case e := <-l.entries:
					pending = append(pending, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) writeBatch(batch []any) {
	tx, err := l.db.Begin()
	if err != nil {
		return
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()
	for _, e := range batch {
		switch v := e.(type) {
		case logEntry:
			_, _ = tx.Exec(`
				INSERT INTO log (ts_ms, tz_offset_min, severity, file, function, line, return_addr, message)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				v.row.TimeUTC.UnixMilli(), v.row.TZOffset, int(v.row.Severity), v.row.File, v.row.Function,
				v.row.Line, int64(v.row.ReturnAddr), v.row.Message)
		case appendEntry:
			if err := l.ensureTable(tx, v.table); err != nil {
				continue
			}
			b, err := json.Marshal(v.fields)
			if err != nil {
				continue
			}
			_, _ = tx.Exec(`INSERT INTO `+v.table+` (ts_ms, tz_offset_min, fields_json) VALUES (?, ?, ?)`,
				v.tsMS, v.tzMin, string(b))
		}
	}
	if err := tx.Commit(); err == nil {
		committed = true
	}
}

func (l *Logger) ensureTable(tx *sql.Tx, table string) error {
	if _, ok := l.knownTbl.Load(table); ok {
		return nil
	}
	_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS ` + table + ` (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts_ms INTEGER NOT NULL,
		tz_offset_min INTEGER NOT NULL,
		fields_json TEXT NOT NULL
	)`)
	if err != nil {
		return err
	}
	l.knownTbl.Store(table, struct{}{})
	return nil
}

// Row is one row read back from a typed component table.
type Row struct {
	ID       int64
	TimeUTC  time.Time
	TZOffset int
	Fields   map[string]any
}

// Query lists rows from table (or the fixed "log" table when table is
// empty), optionally filtered by a free-form SQL WHERE fragment — the
// log-viewer CLI's positional argument (spec §6).
func (l *Logger) Query(ctx context.Context, table, where string, all bool) ([]Row, error) {
	if table == "" {
		table = "log"
	}
	q := `SELECT id, ts_ms, tz_offset_min, fields_json FROM ` + table
	if table == "log" {
		q = `SELECT id, ts_ms, tz_offset_min,
			'{"severity":' || severity || ',"file":' || quote(file) || ',"function":' || quote(function) ||
			',"line":' || line || ',"message":' || quote(message) || '}' AS fields_json FROM log`
	}
	if where != "" {
		q += " WHERE " + where
	}
	q += " ORDER BY id"
	if !all {
		q += " DESC LIMIT 1000"
	}
	rows, err := l.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query %s: %w", table, err)
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		var fieldsJSON string
		var tsMS int64
		if err := rows.Scan(&r.ID, &tsMS, &r.TZOffset, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("eventlog: scanning row: %w", err)
		}
		r.TimeUTC = time.UnixMilli(tsMS).UTC()
		r.Fields = map[string]any{}
		_ = json.Unmarshal([]byte(fieldsJSON), &r.Fields)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Follow streams newly appended rows until ctx is cancelled, polling
// every pollInterval — the log-viewer CLI's --follow/-f mode.
func (l *Logger) Follow(ctx context.Context, table, where string, pollInterval time.Duration) (<-chan Row, <-chan error) {
	out := make(chan Row)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		var lastID int64
		// Start after the rows already present, so only rows appended from
		// now on are streamed. A table not created yet has none to skip.
		src := table
		if src == "" {
			src = "log"
		}
		_ = l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM `+src).Scan(&lastID)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				clause := where
				cond := fmt.Sprintf("id > %d", lastID)
				if clause != "" {
					clause = cond + " AND (" + clause + ")"
				} else {
					clause = cond
				}
				rows, err := l.Query(ctx, table, clause, true)
				if err != nil {
					select {
					case errc <- err:
					default:
					}
					continue
				}
				for _, r := range rows {
					select {
					case out <- r:
						lastID = r.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, errc
}
