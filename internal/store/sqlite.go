// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go driver
)

const schemaVersion = 1

// SQLiteConfig defines operational parameters for the SQLite pool.
type SQLiteConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultSQLiteConfig returns the recommended pool configuration.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25,
	}
}

// SQLiteStore implements Store on SQLite with WAL and foreign keys on.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite initializes a SQLite connection pool with mandatory PRAGMAs
// applied through the DSN so they hold for every pooled connection.
func OpenSQLite(dbPath string, cfg SQLiteConfig) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL REFERENCES users(id),
		platform TEXT NOT NULL DEFAULT '',
		app_version TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		assigned_route_id TEXT,
		last_seen_at_ms INTEGER NOT NULL DEFAULT 0,
		last_ip TEXT NOT NULL DEFAULT '',
		is_connected INTEGER NOT NULL DEFAULT 0,
		status_json TEXT
	);

	CREATE TABLE IF NOT EXISTS device_credentials (
		device_id TEXT NOT NULL REFERENCES devices(device_id) ON DELETE CASCADE,
		token_id TEXT NOT NULL,
		issued_at_ms INTEGER NOT NULL,
		PRIMARY KEY (device_id, token_id)
	);

	CREATE TABLE IF NOT EXISTS routes (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL REFERENCES users(id),
		name TEXT NOT NULL,
		source_type TEXT NOT NULL,
		config_json TEXT NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_routes_owner ON routes(owner_user_id, created_at_ms);
	CREATE INDEX IF NOT EXISTS idx_routes_idem ON routes(owner_user_id, idempotency_key);

	CREATE TABLE IF NOT EXISTS route_points (
		route_id TEXT NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		speed REAL,
		bearing REAL,
		accuracy REAL,
		dwell_seconds INTEGER NOT NULL DEFAULT 0,
		label TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (route_id, seq)
	);

	CREATE TABLE IF NOT EXISTS waypoints (
		route_id TEXT NOT NULL REFERENCES routes(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		mode TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		dwell_seconds INTEGER NOT NULL DEFAULT 0,
		point_index INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (route_id, seq)
	);

	CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL REFERENCES devices(device_id) ON DELETE CASCADE,
		route_id TEXT NOT NULL,
		status TEXT NOT NULL,
		speed_kmh REAL NOT NULL,
		loop INTEGER NOT NULL DEFAULT 0,
		started_at_ms INTEGER NOT NULL,
		stopped_at_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_streams_device ON streams(device_id, status);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		user_id TEXT,
		device_id TEXT,
		meta_json TEXT,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_device ON audit_entries(device_id, created_at_ms);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Ping reports store connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the pool for credential bookkeeping and tests.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// --- users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role) VALUES (?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, string(u.Role))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username %q", ErrConflict, u.Username)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UserByUsername(ctx context.Context, username string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role FROM users WHERE username = ?`, username))
}

func (s *SQLiteStore) UserByID(ctx context.Context, id string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role FROM users WHERE id = ?`, id))
}

func (s *SQLiteStore) scanUser(row *sql.Row) (User, error) {
	var u User
	var role string
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	u.Role = Role(role)
	return u, nil
}

// --- devices ---

func (s *SQLiteStore) UpsertDevice(ctx context.Context, d Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, owner_user_id, platform, app_version, label, assigned_route_id, last_seen_at_ms, last_ip, is_connected)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			platform = excluded.platform,
			app_version = excluded.app_version,
			label = CASE WHEN excluded.label != '' THEN excluded.label ELSE devices.label END,
			last_seen_at_ms = excluded.last_seen_at_ms,
			last_ip = excluded.last_ip`,
		d.DeviceID, d.OwnerUserID, d.Platform, d.AppVersion, d.Label, d.AssignedRouteID,
		d.LastSeenAt.UnixMilli(), d.LastIP, boolToInt(d.IsConnected))
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

const deviceColumns = `device_id, owner_user_id, platform, app_version, label,
	COALESCE(assigned_route_id, ''), last_seen_at_ms, last_ip, is_connected, COALESCE(status_json, '')`

func (s *SQLiteStore) DeviceByID(ctx context.Context, deviceID string) (Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID)
	return scanDevice(row.Scan)
}

func (s *SQLiteStore) ListDevices(ctx context.Context, f DeviceFilter) ([]Device, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 20
	}

	where := "1=1"
	args := []any{}
	if f.OwnerUserID != "" {
		where += " AND owner_user_id = ?"
		args = append(args, f.OwnerUserID)
	}
	if f.ActiveWithinSeconds > 0 {
		where += " AND last_seen_at_ms >= ?"
		args = append(args, time.Now().Add(-time.Duration(f.ActiveWithinSeconds)*time.Second).UnixMilli())
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM devices WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count devices: %w", err)
	}

	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE `+where+
			` ORDER BY last_seen_at_ms DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func scanDevice(scan func(dest ...any) error) (Device, error) {
	var d Device
	var lastSeenMs int64
	var connected int
	var statusJSON string
	err := scan(&d.DeviceID, &d.OwnerUserID, &d.Platform, &d.AppVersion, &d.Label,
		&d.AssignedRouteID, &lastSeenMs, &d.LastIP, &connected, &statusJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("scan device: %w", err)
	}
	d.LastSeenAt = time.UnixMilli(lastSeenMs)
	d.IsConnected = connected != 0
	if statusJSON != "" {
		d.StatusPayload = json.RawMessage(statusJSON)
	}
	return d, nil
}

func (s *SQLiteStore) DeleteDevice(ctx context.Context, deviceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Audit entries are not FK-bound to allow post-delete forensics of other
	// devices, so clear them explicitly inside the same transaction.
	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_entries WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("delete device audit: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLiteStore) AssignRoute(ctx context.Context, deviceID, routeID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET assigned_route_id = NULLIF(?, '') WHERE device_id = ?`, routeID, deviceID)
	if err != nil {
		return fmt.Errorf("assign route: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) TouchDevice(ctx context.Context, deviceID, lastIP string) error {
	q := `UPDATE devices SET last_seen_at_ms = ?`
	args := []any{time.Now().UnixMilli()}
	if lastIP != "" {
		q += `, last_ip = ?`
		args = append(args, lastIP)
	}
	q += ` WHERE device_id = ?`
	args = append(args, deviceID)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetDeviceConnected(ctx context.Context, deviceID string, connected bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET is_connected = ?, last_seen_at_ms = ? WHERE device_id = ?`,
		boolToInt(connected), time.Now().UnixMilli(), deviceID)
	if err != nil {
		return fmt.Errorf("set device connected: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetDeviceStatusPayload(ctx context.Context, deviceID string, payload []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status_json = ? WHERE device_id = ?`, string(payload), deviceID)
	if err != nil {
		return fmt.Errorf("set device status: %w", err)
	}
	return requireRow(res)
}

// --- routes ---

func (s *SQLiteStore) CreateRoute(ctx context.Context, r Route, points []RoutePoint, waypoints []Waypoint) error {
	cfgJSON, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("marshal route config: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create route: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO routes (id, owner_user_id, name, source_type, config_json, idempotency_key, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerUserID, r.Name, string(r.SourceType), string(cfgJSON),
		r.Config.ExtraString("idempotencyKey"), r.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert route: %w", err)
	}

	ptStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO route_points (route_id, seq, lat, lng, speed, bearing, accuracy, dwell_seconds, label)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare points: %w", err)
	}
	defer func() { _ = ptStmt.Close() }()
	for _, p := range points {
		if _, err := ptStmt.ExecContext(ctx, r.ID, p.Seq, p.Lat, p.Lng,
			p.Speed, p.Bearing, p.Accuracy, p.DwellSeconds, p.Label); err != nil {
			return fmt.Errorf("insert point %d: %w", p.Seq, err)
		}
	}

	for _, w := range waypoints {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO waypoints (route_id, seq, kind, mode, label, text, lat, lng, dwell_seconds, point_index)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, w.Seq, string(w.Kind), w.Mode, w.Label, w.Text, w.Lat, w.Lng,
			w.DwellSeconds, w.PointIndex); err != nil {
			return fmt.Errorf("insert waypoint %d: %w", w.Seq, err)
		}
	}

	return tx.Commit()
}

const routeColumns = `id, owner_user_id, name, source_type, config_json, created_at_ms`

func (s *SQLiteStore) RouteByID(ctx context.Context, routeID string) (Route, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+routeColumns+` FROM routes WHERE id = ?`, routeID)
	return scanRoute(row.Scan)
}

func (s *SQLiteStore) ListRoutes(ctx context.Context, ownerUserID string) ([]Route, error) {
	q := `SELECT ` + routeColumns + ` FROM routes`
	args := []any{}
	if ownerUserID != "" {
		q += ` WHERE owner_user_id = ?`
		args = append(args, ownerUserID)
	}
	q += ` ORDER BY created_at_ms DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Route
	for rows.Next() {
		r, err := scanRoute(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRoute(scan func(dest ...any) error) (Route, error) {
	var r Route
	var src, cfgJSON string
	var createdMs int64
	err := scan(&r.ID, &r.OwnerUserID, &r.Name, &src, &cfgJSON, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Route{}, ErrNotFound
	}
	if err != nil {
		return Route{}, fmt.Errorf("scan route: %w", err)
	}
	r.SourceType = SourceType(src)
	r.CreatedAt = time.UnixMilli(createdMs)
	if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
		return Route{}, fmt.Errorf("decode route config: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) RoutePoints(ctx context.Context, routeID string) ([]RoutePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT route_id, seq, lat, lng, speed, bearing, accuracy, dwell_seconds, label
		FROM route_points WHERE route_id = ? ORDER BY seq`, routeID)
	if err != nil {
		return nil, fmt.Errorf("route points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RoutePoint
	for rows.Next() {
		var p RoutePoint
		if err := rows.Scan(&p.RouteID, &p.Seq, &p.Lat, &p.Lng,
			&p.Speed, &p.Bearing, &p.Accuracy, &p.DwellSeconds, &p.Label); err != nil {
			return nil, fmt.Errorf("scan route point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RouteWaypoints(ctx context.Context, routeID string) ([]Waypoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT route_id, seq, kind, mode, label, text, lat, lng, dwell_seconds, point_index
		FROM waypoints WHERE route_id = ? ORDER BY seq`, routeID)
	if err != nil {
		return nil, fmt.Errorf("route waypoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Waypoint
	for rows.Next() {
		var w Waypoint
		var kind string
		if err := rows.Scan(&w.RouteID, &w.Seq, &kind, &w.Mode, &w.Label, &w.Text,
			&w.Lat, &w.Lng, &w.DwellSeconds, &w.PointIndex); err != nil {
			return nil, fmt.Errorf("scan waypoint: %w", err)
		}
		w.Kind = WaypointKind(kind)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateRouteConfig(ctx context.Context, routeID string, cfg RouteConfig) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal route config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE routes SET config_json = ? WHERE id = ?`, string(cfgJSON), routeID)
	if err != nil {
		return fmt.Errorf("update route config: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) DeleteRoute(ctx context.Context, routeID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, routeID)
	if err != nil {
		return fmt.Errorf("delete route: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) RouteByIdempotencyKey(ctx context.Context, ownerUserID, key string, sinceUnixMs int64) (Route, error) {
	if key == "" {
		return Route{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+routeColumns+` FROM routes
		WHERE owner_user_id = ? AND idempotency_key = ? AND created_at_ms >= ?
		ORDER BY created_at_ms DESC LIMIT 1`,
		ownerUserID, key, sinceUnixMs)
	return scanRoute(row.Scan)
}

// --- streams ---

func (s *SQLiteStore) CreateStream(ctx context.Context, rec StreamRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (id, device_id, route_id, status, speed_kmh, loop, started_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DeviceID, rec.RouteID, string(rec.Status), rec.SpeedKmh,
		boolToInt(rec.Loop), rec.StartedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateStreamStatus(ctx context.Context, streamID string, status StreamStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE streams SET status = ? WHERE id = ? AND status != ?`,
		string(status), streamID, string(StreamStopped))
	if err != nil {
		return fmt.Errorf("update stream status: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) CloseStream(ctx context.Context, streamID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE streams SET status = ?, stopped_at_ms = ? WHERE id = ? AND status != ?`,
		string(StreamStopped), time.Now().UnixMilli(), streamID, string(StreamStopped))
	if err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	// Zero rows means the record was already terminal; closing twice is fine.
	_, _ = res.RowsAffected()
	return nil
}

func (s *SQLiteStore) CloseActiveStreams(ctx context.Context, deviceID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE streams SET status = ?, stopped_at_ms = ? WHERE device_id = ? AND status != ?`,
		string(StreamStopped), time.Now().UnixMilli(), deviceID, string(StreamStopped))
	if err != nil {
		return 0, fmt.Errorf("close active streams: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) ActiveStreamByDevice(ctx context.Context, deviceID string) (StreamRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, route_id, status, speed_kmh, loop, started_at_ms, stopped_at_ms
		FROM streams WHERE device_id = ? AND status != ?
		ORDER BY started_at_ms DESC LIMIT 1`,
		deviceID, string(StreamStopped))
	return scanStream(row.Scan)
}

func (s *SQLiteStore) StreamHistory(ctx context.Context, deviceID string, limit int) ([]StreamRecord, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, route_id, status, speed_kmh, loop, started_at_ms, stopped_at_ms
		FROM streams WHERE device_id = ?
		ORDER BY started_at_ms DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("stream history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StreamRecord
	for rows.Next() {
		rec, err := scanStream(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanStream(scan func(dest ...any) error) (StreamRecord, error) {
	var rec StreamRecord
	var status string
	var loop int
	var startedMs int64
	var stoppedMs sql.NullInt64
	err := scan(&rec.ID, &rec.DeviceID, &rec.RouteID, &status, &rec.SpeedKmh,
		&loop, &startedMs, &stoppedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return StreamRecord{}, ErrNotFound
	}
	if err != nil {
		return StreamRecord{}, fmt.Errorf("scan stream: %w", err)
	}
	rec.Status = StreamStatus(status)
	rec.Loop = loop != 0
	rec.StartedAt = time.UnixMilli(startedMs)
	if stoppedMs.Valid {
		t := time.UnixMilli(stoppedMs.Int64)
		rec.StoppedAt = &t
	}
	return rec, nil
}

// --- audit ---

func (s *SQLiteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	meta := "null"
	if len(e.Meta) > 0 {
		meta = string(e.Meta)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (action, user_id, device_id, meta_json, created_at_ms)
		VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
		e.Action, e.UserID, e.DeviceID, meta, createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// --- helpers ---

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint failures in the message.
	return strings.Contains(err.Error(), "constraint failed")
}
