// Package sqlite is the registry.Store implementation backed by a
// single-writer modernc.org/sqlite connection, adapted from the
// teacher's config/sqlite connection-setup conventions (WAL journal mode,
// foreign_keys on, MaxOpenConns(1) to serialize writers through
// database/sql instead of hand-rolled locking).
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"murmeltier/internal/ids"
	"murmeltier/internal/registry"
)

//go:embed schema.sql
var schemaSQL string

// Store is a registry.Store backed by a SQLite database file.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	mu        sync.Mutex
	listeners map[int]func(registry.Change)
	nextID    int
}

// Open opens (creating if necessary) the registry database at path and
// applies the schema. The returned Store owns db and must be closed.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("registry/sqlite: open %s: %w", path, err)
	}
	// A single writer connection avoids SQLITE_BUSY entirely; the daemon
	// is single-threaded anyway (spec §5).
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("registry/sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry/sqlite: applying schema: %w", err)
	}
	return &Store{db: db, log: log, listeners: make(map[int]func(registry.Change))}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) publish(c registry.Change) {
	s.mu.Lock()
	fns := make([]func(registry.Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (s *Store) OnChange(fn func(registry.Change)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func nowMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// --- registration -----------------------------------------------------

func (s *Store) ManagerRegister(ctx context.Context, props registry.Properties, onlyIfCookieUnique bool) (ids.ID, error) {
	cookie := props["Cookie"].Str
	if onlyIfCookieUnique && cookie != "" {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM managers WHERE cookie = ?`, cookie).Scan(&n); err != nil {
			return ids.Nil, registry.ErrInternal("checking cookie uniqueness", err)
		}
		if n > 0 {
			return ids.Nil, registry.ErrObjectExists("manager with this cookie already registered")
		}
	}
	id := ids.Generate(func(candidate ids.ID) bool {
		var n int
		s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM managers WHERE id = ?`, candidate.String()).Scan(&n)
		return n > 0
	})
	now := nowMillis(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO managers (id, name, cookie, priority, transport_hint, discovered_at, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(), props["HumanReadableName"].Str, cookie, props["Priority"].I32, props["TransportHint"].Str, now, now)
	if err != nil {
		return ids.Nil, registry.ErrInternal("inserting manager", err)
	}
	s.publish(registry.Change{Kind: registry.ChangeManagerRegistered, Target: id})
	return id, nil
}

func (s *Store) StreamRegister(ctx context.Context, managerID ids.ID, props registry.Properties, onlyIfCookieUnique bool) (ids.ID, error) {
	if _, err := s.GetManager(ctx, managerID); err != nil {
		return ids.Nil, err
	}
	cookie := props["Cookie"].Str
	if onlyIfCookieUnique && cookie != "" {
		var n int
		s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM streams WHERE manager_id = ? AND cookie = ?`, managerID.String(), cookie).Scan(&n)
		if n > 0 {
			return ids.Nil, registry.ErrObjectExists("stream with this cookie already registered")
		}
	}
	id := ids.Generate(func(candidate ids.ID) bool {
		var n int
		s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM streams WHERE id = ?`, candidate.String()).Scan(&n)
		return n > 0
	})
	freshness := props["Freshness"].U32
	now := nowMillis(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (id, manager_id, name, cookie, priority, freshness, objects_mostly_inline, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), managerID.String(), props["HumanReadableName"].Str, cookie, props["Priority"].I32,
		freshness, boolToInt(props["ObjectsMostlyInline"].Bool), now)
	if err != nil {
		return ids.Nil, registry.ErrInternal("inserting stream", err)
	}
	s.publish(registry.Change{Kind: registry.ChangeStreamRegistered, Target: id, Parent: managerID})
	return id, nil
}

func (s *Store) ObjectRegister(ctx context.Context, streamID ids.ID, props registry.Properties, onlyIfCookieUnique bool) (ids.ID, error) {
	if _, err := s.GetStream(ctx, streamID); err != nil {
		return ids.Nil, err
	}
	cookie := props["Cookie"].Str
	if onlyIfCookieUnique && cookie != "" {
		var n int
		s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE stream_id = ? AND cookie = ?`, streamID.String(), cookie).Scan(&n)
		if n > 0 {
			return ids.Nil, registry.ErrObjectExists("object with this cookie already registered")
		}
	}
	id := ids.Generate(func(candidate ids.ID) bool {
		var n int
		s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE id = ?`, candidate.String()).Scan(&n)
		return n > 0
	})
	versJSON, err := json.Marshal(props["Versions"].Versions)
	if err != nil {
		return ids.Nil, registry.ErrInternal("marshaling versions", err)
	}
	now := nowMillis(time.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO objects (id, stream_id, name, cookie, versions_json, filename, transfer_frequency,
		                     dont_transfer, need_update, priority, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		id.String(), streamID.String(), props["HumanReadableName"].Str, cookie, string(versJSON),
		props["Filename"].Str, props["TransferFrequency"].U32, boolToInt(props["DontTransfer"].Bool),
		props["Priority"].I32, now)
	if err != nil {
		return ids.Nil, registry.ErrInternal("inserting object", err)
	}
	s.publish(registry.Change{Kind: registry.ChangeObjectRegistered, Target: id, Parent: streamID})
	return id, nil
}

// --- kind resolution and lookup ---------------------------------------

func (s *Store) TargetKind(ctx context.Context, id ids.ID) (registry.TargetKind, bool, error) {
	if id == ids.Nil {
		return registry.KindRoot, true, nil
	}
	var n int
	for table, kind := range map[string]registry.TargetKind{
		"managers": registry.KindManager,
		"streams":  registry.KindStream,
		"objects":  registry.KindObject,
	} {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id.String()).Scan(&n); err != nil {
			return 0, false, registry.ErrInternal("resolving target kind", err)
		}
		if n > 0 {
			return kind, true, nil
		}
	}
	return 0, false, nil
}

func (s *Store) GetManager(ctx context.Context, id ids.ID) (registry.Manager, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, cookie, priority, transport_hint, discovered_at, published_at, registered_at
		FROM managers WHERE id = ?`, id.String())
	var m registry.Manager
	var idStr string
	var discovered, published, reg int64
	if err := row.Scan(&idStr, &m.Name, &m.Cookie, &m.Priority, &m.TransportHint, &discovered, &published, &reg); err != nil {
		if err == sql.ErrNoRows {
			return registry.Manager{}, registry.ErrNoSuchObject("no such manager")
		}
		return registry.Manager{}, registry.ErrInternal("reading manager", err)
	}
	m.ID, _ = ids.Parse(idStr)
	m.DiscoveredAt, m.PublishedAt, m.RegisteredAt = fromMillis(discovered), fromMillis(published), fromMillis(reg)
	return m, nil
}

func (s *Store) GetStream(ctx context.Context, id ids.ID) (registry.Stream, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, manager_id, name, cookie, priority, freshness, objects_mostly_inline, instance, registered_at
		FROM streams WHERE id = ?`, id.String())
	var st registry.Stream
	var idStr, mgrStr string
	var inline int64
	var reg int64
	if err := row.Scan(&idStr, &mgrStr, &st.Name, &st.Cookie, &st.Priority, &st.Freshness, &inline, &st.Instance, &reg); err != nil {
		if err == sql.ErrNoRows {
			return registry.Stream{}, registry.ErrNoSuchObject("no such stream")
		}
		return registry.Stream{}, registry.ErrInternal("reading stream", err)
	}
	st.ID, _ = ids.Parse(idStr)
	st.ManagerID, _ = ids.Parse(mgrStr)
	st.ObjectsMostlyInline = inline != 0
	st.RegisteredAt = fromMillis(reg)
	return st, nil
}

func (s *Store) GetObject(ctx context.Context, id ids.ID) (registry.Object, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, stream_id, name, cookie, versions_json, filename, wakeup,
		       trigger_target, trigger_earliest, trigger_latest, transfer_frequency,
		       dont_transfer, need_update, priority, discovered_at, published_at, instance
		FROM objects WHERE id = ?`, id.String())
	return scanObject(row)
}

func scanObject(row *sql.Row) (registry.Object, error) {
	var o registry.Object
	var idStr, streamStr, versJSON string
	var wakeup, dontTransfer, needUpdate int64
	var triggerTarget, triggerEarliest, triggerLatest sql.NullInt64
	var discovered, published int64
	if err := row.Scan(&idStr, &streamStr, &o.Name, &o.Cookie, &versJSON, &o.Filename, &wakeup,
		&triggerTarget, &triggerEarliest, &triggerLatest, &o.TransferFrequency,
		&dontTransfer, &needUpdate, &o.Priority, &discovered, &published, &o.Instance); err != nil {
		if err == sql.ErrNoRows {
			return registry.Object{}, registry.ErrNoSuchObject("no such object")
		}
		return registry.Object{}, registry.ErrInternal("reading object", err)
	}
	o.ID, _ = ids.Parse(idStr)
	o.StreamID, _ = ids.Parse(streamStr)
	o.Wakeup, o.DontTransfer, o.NeedUpdate = wakeup != 0, dontTransfer != 0, needUpdate != 0
	o.DiscoveredAt, o.PublishedAt = fromMillis(discovered), fromMillis(published)
	if triggerTarget.Valid {
		o.TriggerTarget = &triggerTarget.Int64
	}
	if triggerEarliest.Valid {
		o.TriggerEarliest = &triggerEarliest.Int64
	}
	if triggerLatest.Valid {
		o.TriggerLatest = &triggerLatest.Int64
	}
	_ = json.Unmarshal([]byte(versJSON), &o.Versions)
	return o, nil
}

// --- listing ------------------------------------------------------------

func (s *Store) ListManagers(ctx context.Context, parent ids.ID) ([]registry.Manager, error) {
	if parent != ids.Nil {
		return nil, registry.ErrNotImplemented("listing managers under a non-root parent")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM managers ORDER BY registered_at`)
	if err != nil {
		return nil, registry.ErrInternal("listing managers", err)
	}
	defer rows.Close()
	var out []registry.Manager
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, registry.ErrInternal("listing managers", err)
		}
		id, _ := ids.Parse(idStr)
		m, err := s.GetManager(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) ListStreams(ctx context.Context, managerID ids.ID) ([]registry.Stream, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM streams WHERE manager_id = ? ORDER BY registered_at`, managerID.String())
	if err != nil {
		return nil, registry.ErrInternal("listing streams", err)
	}
	defer rows.Close()
	var out []registry.Stream
	for rows.Next() {
		var idStr string
		rows.Scan(&idStr)
		id, _ := ids.Parse(idStr)
		st, err := s.GetStream(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Store) ListObjects(ctx context.Context, streamID ids.ID) ([]registry.Object, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM objects WHERE stream_id = ? ORDER BY discovered_at`, streamID.String())
	if err != nil {
		return nil, registry.ErrInternal("listing objects", err)
	}
	defer rows.Close()
	var out []registry.Object
	for rows.Next() {
		var idStr string
		rows.Scan(&idStr)
		id, _ := ids.Parse(idStr)
		o, err := s.GetObject(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) AllStreams(ctx context.Context) ([]registry.Stream, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM streams`)
	if err != nil {
		return nil, registry.ErrInternal("listing all streams", err)
	}
	defer rows.Close()
	var out []registry.Stream
	for rows.Next() {
		var idStr string
		rows.Scan(&idStr)
		id, _ := ids.Parse(idStr)
		st, err := s.GetStream(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Store) AllObjects(ctx context.Context) ([]registry.Object, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM objects`)
	if err != nil {
		return nil, registry.ErrInternal("listing all objects", err)
	}
	defer rows.Close()
	var out []registry.Object
	for rows.Next() {
		var idStr string
		rows.Scan(&idStr)
		id, _ := ids.Parse(idStr)
		o, err := s.GetObject(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) LookupByCookie(ctx context.Context, parent ids.ID, cookie string) (ids.ID, bool, error) {
	kind, ok, err := s.TargetKind(ctx, parent)
	if err != nil {
		return ids.Nil, false, err
	}
	if !ok && parent != ids.Nil {
		return ids.Nil, false, registry.ErrNoSuchObject("no such parent")
	}
	var table string
	var column = "manager_id"
	switch {
	case parent == ids.Nil:
		table, column = "managers", ""
	case kind == registry.KindManager:
		table = "streams"
	case kind == registry.KindStream:
		table, column = "objects", "stream_id"
	default:
		return ids.Nil, false, registry.ErrInvalidArgs("parent cannot have this kind of child")
	}
	var query string
	var row *sql.Row
	if column == "" {
		query = `SELECT id FROM ` + table + ` WHERE cookie = ?`
		row = s.db.QueryRowContext(ctx, query, cookie)
	} else {
		query = `SELECT id FROM ` + table + ` WHERE ` + column + ` = ? AND cookie = ?`
		row = s.db.QueryRowContext(ctx, query, parent.String(), cookie)
	}
	var idStr string
	if err := row.Scan(&idStr); err != nil {
		if err == sql.ErrNoRows {
			return ids.Nil, false, nil
		}
		return ids.Nil, false, registry.ErrInternal("looking up cookie", err)
	}
	id, err := ids.Parse(idStr)
	if err != nil {
		return ids.Nil, false, registry.ErrInternal("parsing stored id", err)
	}
	return id, true, nil
}

// --- unregister ---------------------------------------------------------

func (s *Store) Unregister(ctx context.Context, target ids.ID, onlyIfEmpty bool) error {
	kind, ok, err := s.TargetKind(ctx, target)
	if err != nil {
		return err
	}
	if !ok {
		return registry.ErrNoSuchObject("no such target")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return registry.ErrInternal("beginning transaction", err)
	}
	defer tx.Rollback()

	if onlyIfEmpty {
		var table, column string
		switch kind {
		case registry.KindManager:
			table, column = "streams", "manager_id"
		case registry.KindStream:
			table, column = "objects", "stream_id"
		case registry.KindObject:
			table = ""
		}
		if table != "" {
			var n int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE `+column+` = ?`, target.String()).Scan(&n); err != nil {
				return registry.ErrInternal("checking children", err)
			}
			if n > 0 {
				return registry.ErrObjectExists("target has descendants")
			}
		}
	}
	var table string
	switch kind {
	case registry.KindManager:
		table = "managers"
	case registry.KindStream:
		table = "streams"
	case registry.KindObject:
		table = "objects"
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, target.String()); err != nil {
		return registry.ErrInternal("deleting target", err)
	}
	if err := tx.Commit(); err != nil {
		return registry.ErrInternal("committing unregister", err)
	}
	s.publish(registry.Change{Kind: registry.ChangeUnregistered, Target: target})
	return nil
}

// --- properties -----------------------------------------------------------

func (s *Store) PropertyGet(ctx context.Context, target ids.ID, name string) (registry.Value, error) {
	kind, ok, err := s.TargetKind(ctx, target)
	if err != nil {
		return registry.Value{}, err
	}
	if !ok {
		return registry.Value{}, registry.ErrNoSuchObject("no such target")
	}
	desc, ok := registry.Describe(kind, name)
	if !ok {
		return registry.Value{}, registry.ErrInvalidArgs("unknown property: " + name)
	}
	switch kind {
	case registry.KindManager:
		m, err := s.GetManager(ctx, target)
		if err != nil {
			return registry.Value{}, err
		}
		return managerPropertyValue(m, desc.Name)
	case registry.KindStream:
		st, err := s.GetStream(ctx, target)
		if err != nil {
			return registry.Value{}, err
		}
		return streamPropertyValue(st, desc.Name)
	case registry.KindObject:
		o, err := s.GetObject(ctx, target)
		if err != nil {
			return registry.Value{}, err
		}
		return objectPropertyValue(o, desc.Name)
	default:
		return registry.Value{}, registry.ErrInvalidArgs("root has no properties")
	}
}

func managerPropertyValue(m registry.Manager, name string) (registry.Value, error) {
	switch name {
	case "UUID":
		return registry.StringValue(m.ID.String()), nil
	case "HumanReadableName":
		return registry.StringValue(m.Name), nil
	case "Cookie":
		return registry.StringValue(m.Cookie), nil
	case "Priority":
		return registry.Int32Value(m.Priority), nil
	case "TransportHint":
		return registry.StringValue(m.TransportHint), nil
	case "DiscoveredTime":
		return registry.Int64Value(m.DiscoveredAt.UnixMilli()), nil
	case "PublishedTime":
		return registry.Int64Value(m.PublishedAt.UnixMilli()), nil
	case "RegistrationTime":
		return registry.Int64Value(m.RegisteredAt.UnixMilli()), nil
	}
	return registry.Value{}, registry.ErrInvalidArgs("unknown manager property: " + name)
}

func streamPropertyValue(st registry.Stream, name string) (registry.Value, error) {
	switch name {
	case "UUID":
		return registry.StringValue(st.ID.String()), nil
	case "HumanReadableName":
		return registry.StringValue(st.Name), nil
	case "Cookie":
		return registry.StringValue(st.Cookie), nil
	case "Priority":
		return registry.Int32Value(st.Priority), nil
	case "Freshness":
		return registry.Uint32Value(st.Freshness), nil
	case "ObjectsMostlyInline":
		return registry.BoolValue(st.ObjectsMostlyInline), nil
	case "Instance":
		return registry.Uint64Value(st.Instance), nil
	case "RegistrationTime":
		return registry.Int64Value(st.RegisteredAt.UnixMilli()), nil
	}
	return registry.Value{}, registry.ErrInvalidArgs("unknown stream property: " + name)
}

func objectPropertyValue(o registry.Object, name string) (registry.Value, error) {
	switch name {
	case "UUID":
		return registry.StringValue(o.ID.String()), nil
	case "HumanReadableName":
		return registry.StringValue(o.Name), nil
	case "Cookie":
		return registry.StringValue(o.Cookie), nil
	case "Versions":
		return registry.VersionsValue(o.Versions), nil
	case "Filename":
		return registry.StringValue(o.Filename), nil
	case "Wakeup":
		return registry.BoolValue(o.Wakeup), nil
	case "TriggerTarget":
		return registry.Int64Value(deref(o.TriggerTarget)), nil
	case "TriggerEarliest":
		return registry.Int64Value(deref(o.TriggerEarliest)), nil
	case "TriggerLatest":
		return registry.Int64Value(deref(o.TriggerLatest)), nil
	case "TransferFrequency":
		return registry.Uint32Value(o.TransferFrequency), nil
	case "DontTransfer":
		return registry.BoolValue(o.DontTransfer), nil
	case "NeedUpdate":
		return registry.BoolValue(o.NeedUpdate), nil
	case "Priority":
		return registry.Int32Value(o.Priority), nil
	case "DiscoveredTime":
		return registry.Int64Value(o.DiscoveredAt.UnixMilli()), nil
	case "PublishedTime":
		return registry.Int64Value(o.PublishedAt.UnixMilli()), nil
	case "Instance":
		return registry.Uint64Value(o.Instance), nil
	}
	return registry.Value{}, registry.ErrInvalidArgs("unknown object property: " + name)
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// nullableTrigger returns nil if n is SQL NULL, else v (which the caller
// has already set to n's value) — used to rebuild the *int64 trio
// registry.ValidateTriggerOrdering expects from a scanned row.
func nullableTrigger(n sql.NullInt64, v *int64) *int64 {
	if !n.Valid {
		return nil
	}
	return v
}

func (s *Store) PropertySet(ctx context.Context, target ids.ID, name string, value registry.Value) error {
	kind, ok, err := s.TargetKind(ctx, target)
	if err != nil {
		return err
	}
	if !ok {
		return registry.ErrNoSuchObject("no such target")
	}
	if err := registry.ValidateSet(kind, name, value); err != nil {
		return err
	}
	var table, column string
	var arg any
	switch kind {
	case registry.KindManager:
		table = "managers"
	case registry.KindStream:
		table = "streams"
	case registry.KindObject:
		table = "objects"
	}
	switch name {
	case "HumanReadableName":
		column, arg = "name", value.Str
	case "Cookie":
		column, arg = "cookie", value.Str
	case "Priority":
		column, arg = "priority", value.I32
	case "TransportHint":
		column, arg = "transport_hint", value.Str
	case "Freshness":
		column, arg = "freshness", value.U32
	case "ObjectsMostlyInline":
		column, arg = "objects_mostly_inline", boolToInt(value.Bool)
	case "Filename":
		column, arg = "filename", value.Str
	case "Versions":
		b, err := json.Marshal(value.Versions)
		if err != nil {
			return registry.ErrInternal("marshaling versions", err)
		}
		column, arg = "versions_json", string(b)
	case "Wakeup":
		column, arg = "wakeup", boolToInt(value.Bool)
	case "TriggerTarget":
		column, arg = "trigger_target", value.I64
	case "TriggerEarliest":
		column, arg = "trigger_earliest", value.I64
	case "TriggerLatest":
		column, arg = "trigger_latest", value.I64
	case "TransferFrequency":
		column, arg = "transfer_frequency", value.U32
	case "DontTransfer":
		column, arg = "dont_transfer", boolToInt(value.Bool)
	case "NeedUpdate":
		column, arg = "need_update", boolToInt(value.Bool)
	default:
		return registry.ErrInvalidArgs("property not settable: " + name)
	}

	if name == "TriggerTarget" || name == "TriggerEarliest" || name == "TriggerLatest" {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return registry.ErrInternal("beginning transaction", err)
		}
		defer tx.Rollback()

		var earliest, target64, latest sql.NullInt64
		row := tx.QueryRowContext(ctx, `SELECT trigger_earliest, trigger_target, trigger_latest FROM objects WHERE id = ?`, target.String())
		if err := row.Scan(&earliest, &target64, &latest); err != nil {
			return registry.ErrInternal("reading trigger state", err)
		}
		e, t, l := earliest.Int64, target64.Int64, latest.Int64
		ep, tp, lp := nullableTrigger(earliest, &e), nullableTrigger(target64, &t), nullableTrigger(latest, &l)
		switch name {
		case "TriggerTarget":
			tp = &value.I64
		case "TriggerEarliest":
			ep = &value.I64
		case "TriggerLatest":
			lp = &value.I64
		}
		if err := registry.ValidateTriggerOrdering(ep, tp, lp); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE objects SET `+column+` = ? WHERE id = ?`, arg, target.String()); err != nil {
			return registry.ErrInternal("updating property", err)
		}
		if err := tx.Commit(); err != nil {
			return registry.ErrInternal("committing property update", err)
		}
		s.publish(registry.Change{Kind: registry.ChangePropertySet, Target: target})
		return nil
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE `+table+` SET `+column+` = ? WHERE id = ?`, arg, target.String()); err != nil {
		return registry.ErrInternal("updating property", err)
	}
	s.publish(registry.Change{Kind: registry.ChangePropertySet, Target: target})
	return nil
}

// --- status history -----------------------------------------------------

func (s *Store) UpdateStatus(ctx context.Context, streamID ids.ID, rec registry.StreamUpdateRecord) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, registry.ErrInternal("beginning transaction", err)
	}
	defer tx.Rollback()

	var instance uint64
	if err := tx.QueryRowContext(ctx, `SELECT instance FROM streams WHERE id = ?`, streamID.String()).Scan(&instance); err != nil {
		if err == sql.ErrNoRows {
			return 0, registry.ErrNoSuchObject("no such stream")
		}
		return 0, registry.ErrInternal("reading stream instance", err)
	}
	instance++
	if _, err := tx.ExecContext(ctx, `UPDATE streams SET instance = ? WHERE id = ?`, instance, streamID.String()); err != nil {
		return 0, registry.ErrInternal("bumping stream instance", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO stream_updates (stream_id, instance, status, indicator, bytes_up, bytes_down,
		                            transfer_time, duration_ms, new_objects, updated_objects, inline_objects)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		streamID.String(), instance, rec.Status, rec.Indicator, rec.BytesUp, rec.BytesDown,
		nowMillis(rec.TransferTime), rec.Duration.Milliseconds(), rec.NewObjects, rec.UpdatedObjects, rec.InlineObjects)
	if err != nil {
		return 0, registry.ErrInternal("inserting stream update record", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, registry.ErrInternal("committing stream update", err)
	}
	s.publish(registry.Change{Kind: registry.ChangeStreamStatus, Target: streamID})
	return instance, nil
}

func (s *Store) TransferStatus(ctx context.Context, objectID ids.ID, rec registry.ObjectInstanceStatusRecord) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, registry.ErrInternal("beginning transaction", err)
	}
	defer tx.Rollback()

	var instance uint64
	if err := tx.QueryRowContext(ctx, `SELECT instance FROM objects WHERE id = ?`, objectID.String()).Scan(&instance); err != nil {
		if err == sql.ErrNoRows {
			return 0, registry.ErrNoSuchObject("no such object")
		}
		return 0, registry.ErrInternal("reading object instance", err)
	}
	instance++
	if _, err := tx.ExecContext(ctx, `UPDATE objects SET instance = ?, need_update = 0 WHERE id = ?`, instance, objectID.String()); err != nil {
		return 0, registry.ErrInternal("bumping object instance", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO object_instance_status (object_id, instance, status, bytes_up, bytes_down, transfer_time,
		                                     duration_ms, object_size, indicator, preserve_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		objectID.String(), instance, rec.Status, rec.BytesUp, rec.BytesDown, nowMillis(rec.TransferTime),
		rec.Duration.Milliseconds(), rec.ObjectSize, rec.Indicator, nowMillis(rec.PreserveUntil))
	if err != nil {
		return 0, registry.ErrInternal("inserting transfer status record", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, registry.ErrInternal("committing transfer status", err)
	}
	s.publish(registry.Change{Kind: registry.ChangeObjectStatus, Target: objectID})
	return instance, nil
}

func (s *Store) Used(ctx context.Context, objectID ids.ID, rec registry.ObjectUseRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO object_use (object_id, instance, reported, start_time, duration_ms, use_mask)
		VALUES (?, ?, ?, ?, ?, ?)`,
		objectID.String(), rec.Instance, boolToInt(rec.Reported), nowMillis(rec.Start), rec.Duration.Milliseconds(), rec.UseMask)
	if err != nil {
		return registry.ErrInternal("inserting object use record", err)
	}
	return nil
}

func (s *Store) FilesDeleted(ctx context.Context, objectID ids.ID, action registry.FileAction, arg int64, now time.Time) error {
	var rowID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT rowid_seq FROM object_instance_status WHERE object_id = ? ORDER BY rowid_seq DESC LIMIT 1`,
		objectID.String()).Scan(&rowID)
	if err == sql.ErrNoRows {
		return registry.ErrNoSuchObject("object has no transfer history")
	}
	if err != nil {
		return registry.ErrInternal("locating latest transfer record", err)
	}
	switch action {
	case registry.FileActionDeleted:
		_, err = s.db.ExecContext(ctx, `UPDATE object_instance_status SET deleted = 1 WHERE rowid_seq = ?`, rowID)
	case registry.FileActionCompressed:
		_, err = s.db.ExecContext(ctx, `UPDATE object_instance_status SET compressed_size = ? WHERE rowid_seq = ?`, arg, rowID)
	case registry.FileActionRefused:
		_, err = s.db.ExecContext(ctx, `UPDATE object_instance_status SET preserve_until = ? WHERE rowid_seq = ?`, nowMillis(now.Add(time.Duration(arg)*time.Second)), rowID)
	default:
		return registry.ErrInvalidArgs("unknown file action")
	}
	if err != nil {
		return registry.ErrInternal("applying file action", err)
	}
	return nil
}

func (s *Store) LastStreamUpdate(ctx context.Context, streamID ids.ID) (time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT transfer_time FROM stream_updates
		WHERE stream_id = ? AND status = 0 ORDER BY transfer_time DESC LIMIT 1`, streamID.String()).Scan(&ms)
	if err == sql.ErrNoRows || !ms.Valid {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, registry.ErrInternal("reading last stream update", err)
	}
	return fromMillis(ms.Int64), nil
}

func (s *Store) LastObjectAttempt(ctx context.Context, objectID ids.ID) (time.Time, int32, bool, error) {
	var ms int64
	var status int32
	err := s.db.QueryRowContext(ctx, `
		SELECT transfer_time, status FROM object_instance_status
		WHERE object_id = ? ORDER BY transfer_time DESC LIMIT 1`, objectID.String()).Scan(&ms, &status)
	if err == sql.ErrNoRows {
		return time.Time{}, 0, false, nil
	}
	if err != nil {
		return time.Time{}, 0, false, registry.ErrInternal("reading last object attempt", err)
	}
	return fromMillis(ms), status, true, nil
}

func (s *Store) LatestObjectStatus(ctx context.Context, objectID ids.ID) (registry.ObjectInstanceStatusRecord, bool, error) {
	var rec registry.ObjectInstanceStatusRecord
	var transferMs, preserveMs, durationMs int64
	var deleted int
	err := s.db.QueryRowContext(ctx, `
		SELECT instance, status, bytes_up, bytes_down, transfer_time, duration_ms, object_size,
		       indicator, deleted, preserve_until, compressed_size
		FROM object_instance_status
		WHERE object_id = ? ORDER BY rowid_seq DESC LIMIT 1`, objectID.String()).Scan(
		&rec.Instance, &rec.Status, &rec.BytesUp, &rec.BytesDown, &transferMs, &durationMs, &rec.ObjectSize,
		&rec.Indicator, &deleted, &preserveMs, &rec.CompressedSize)
	if err == sql.ErrNoRows {
		return registry.ObjectInstanceStatusRecord{}, false, nil
	}
	if err != nil {
		return registry.ObjectInstanceStatusRecord{}, false, registry.ErrInternal("reading latest object status", err)
	}
	rec.ObjectID = objectID
	rec.TransferTime = fromMillis(transferMs)
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	rec.Deleted = deleted != 0
	rec.PreserveUntil = fromMillis(preserveMs)
	return rec, true, nil
}

// --- subscriptions --------------------------------------------------------

func (s *Store) SubscriptionPut(ctx context.Context, sub registry.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (handle, manager_id, client_endpoint, descendants_too) VALUES (?, ?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET manager_id = excluded.manager_id,
			client_endpoint = excluded.client_endpoint, descendants_too = excluded.descendants_too`,
		sub.Handle, sub.ManagerID.String(), sub.ClientEndpoint, boolToInt(sub.DescendantsToo))
	if err != nil {
		return registry.ErrInternal("storing subscription", err)
	}
	s.publish(registry.Change{Kind: registry.ChangeSubscriptionCreated, Target: sub.ManagerID})
	return nil
}

func (s *Store) SubscriptionDelete(ctx context.Context, handle string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE handle = ?`, handle); err != nil {
		return registry.ErrInternal("deleting subscription", err)
	}
	return nil
}

func (s *Store) SubscriptionsByManager(ctx context.Context, managerID ids.ID) ([]registry.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT handle, manager_id, client_endpoint, descendants_too FROM subscriptions WHERE manager_id = ?`, managerID.String())
	if err != nil {
		return nil, registry.ErrInternal("listing subscriptions", err)
	}
	defer rows.Close()
	var out []registry.Subscription
	for rows.Next() {
		var sub registry.Subscription
		var mgrStr string
		var desc int64
		if err := rows.Scan(&sub.Handle, &mgrStr, &sub.ClientEndpoint, &desc); err != nil {
			return nil, registry.ErrInternal("scanning subscription", err)
		}
		sub.ManagerID, _ = ids.Parse(mgrStr)
		sub.DescendantsToo = desc != 0
		out = append(out, sub)
	}
	return out, nil
}

// --- single-instance lock -------------------------------------------------

func (s *Store) Lock(ctx context.Context, executable string, pid int, now time.Time) (bool, int, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, "", registry.ErrInternal("beginning lock transaction", err)
	}
	defer tx.Rollback()

	var holderPID int
	var holderExe string
	err = tx.QueryRowContext(ctx, `SELECT pid, executable FROM daemon_lock WHERE id = 1`).Scan(&holderPID, &holderExe)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `INSERT INTO daemon_lock (id, pid, executable, acquired_at) VALUES (1, ?, ?, ?)`,
			pid, executable, nowMillis(now)); err != nil {
			return false, 0, "", registry.ErrInternal("inserting lock row", err)
		}
	case err != nil:
		return false, 0, "", registry.ErrInternal("reading lock row", err)
	default:
		if holderPID == pid && holderExe == executable {
			// already ours (re-entrant acquisition after a crash-free restart check)
		} else {
			return false, holderPID, holderExe, tx.Commit()
		}
	}
	if err := tx.Commit(); err != nil {
		return false, 0, "", registry.ErrInternal("committing lock", err)
	}
	return true, pid, executable, nil
}

func (s *Store) Unlock(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM daemon_lock WHERE id = 1`); err != nil {
		return registry.ErrInternal("releasing lock", err)
	}
	return nil
}
