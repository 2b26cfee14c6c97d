// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLConfig describes a dialect-validated database/sql connection for
// SQLStore. Only postgres, mysql, and sqlite are supported dialects; any
// other value fails Validate.
type SQLConfig struct {
	Driver   string `yaml:"driver,omitempty"`
	DSN      string `yaml:"dsn,omitempty"`
	MaxConns int    `yaml:"max_conns,omitempty"`
	MaxIdle  int    `yaml:"max_idle,omitempty"`
}

// SetDefaults applies default values to SQLConfig.
func (c *SQLConfig) SetDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}
}

// Validate checks the SQL configuration.
func (c *SQLConfig) Validate() error {
	switch c.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("store: unsupported driver %q (want postgres, mysql, or sqlite)", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("store: dsn is required")
	}
	if c.MaxConns < 0 || c.MaxIdle < 0 {
		return fmt.Errorf("store: connection pool sizes must be >= 0")
	}
	return nil
}

// driverName maps the dialect name to the registered database/sql driver.
func (c *SQLConfig) driverName() string {
	if c.Driver == "sqlite" {
		return "sqlite3"
	}
	return c.Driver
}

// SQLStore implements Core plus every optional capability over
// database/sql, with composite-primary-key isolation by (session_id,
// task_id) so one table serves every session without cross-tenant leakage.
// Supported dialects are postgres, mysql, and sqlite; dialect-specific DDL
// and placeholder syntax are chosen once at construction time.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenSQLStore opens a database/sql connection per cfg, configures the pool,
// pings the connection, and initializes the schema.
func OpenSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.driverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", cfg.Driver, err)
	}

	return NewSQLStore(ctx, db, cfg.Driver)
}

// NewSQLStore wraps an already-open *sql.DB as a State Store backend,
// validates dialect, and initializes the schema.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("store: unsupported dialect %q (want postgres, mysql, or sqlite)", dialect)
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

// rebind rewrites a query written with `?` placeholders into the target
// dialect's syntax. sqlite and mysql both accept `?` as-is; postgres wants
// positional $1, $2, ... parameters.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// autoIncrementPK returns the dialect-specific DDL fragment for a surrogate
// auto-increment primary key column named id.
func (s *SQLStore) autoIncrementPK() string {
	switch s.dialect {
	case "postgres":
		return "id SERIAL PRIMARY KEY"
	case "mysql":
		return "id BIGINT PRIMARY KEY AUTO_INCREMENT"
	default: // sqlite
		return "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS planner_events_log (
			trace_id TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			seq_no BIGINT NOT NULL,
			kind TEXT NOT NULL,
			node_id TEXT,
			node_name TEXT,
			payload_json TEXT,
			PRIMARY KEY (trace_id, seq_no)
		)`,
		`CREATE TABLE IF NOT EXISTS remote_bindings (
			session_id TEXT NOT NULL,
			remote_id TEXT NOT NULL,
			transport TEXT,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, remote_id)
		)`,
		`CREATE TABLE IF NOT EXISTS planner_pause_state (
			resume_token TEXT PRIMARY KEY,
			state BLOB,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_state (
			session_id TEXT PRIMARY KEY,
			state BLOB,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			session_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			task_type TEXT,
			priority INTEGER,
			description TEXT,
			group_id TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			idempotency_key TEXT,
			payload_json TEXT,
			PRIMARY KEY (session_id, task_id)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS updates (
			%s,
			session_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			update_id TEXT NOT NULL,
			update_type TEXT NOT NULL,
			content_json TEXT,
			step_index INTEGER,
			total_steps INTEGER,
			created_at TIMESTAMP NOT NULL
		)`, s.autoIncrementPK()),
		`CREATE TABLE IF NOT EXISTS steering_events (
			session_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload_json TEXT,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, task_id, event_id)
		)`,
		`CREATE TABLE IF NOT EXISTS trajectories (
			task_id TEXT PRIMARY KEY,
			data BLOB,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS traces (
			session_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, task_id)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS planner_internal_events (
			%s,
			task_id TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			kind TEXT NOT NULL,
			payload_json TEXT
		)`, s.autoIncrementPK()),
		`CREATE TABLE IF NOT EXISTS artifacts (
			ref TEXT PRIMARY KEY,
			content_type TEXT,
			data BLOB,
			created_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_updates_stream ON updates(session_id, task_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_planner_internal_events_task ON planner_internal_events(task_id, id)`,
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func marshalPayload(v map[string]any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

func unmarshalPayload(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}

// --- Core ---

func (s *SQLStore) SaveEvent(ctx context.Context, ev Event) error {
	if ev.SeqNo == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		var maxSeq sql.NullInt64
		row := tx.QueryRowContext(ctx, s.rebind(`SELECT MAX(seq_no) FROM planner_events_log WHERE trace_id = ?`), ev.TraceID)
		if err := row.Scan(&maxSeq); err != nil {
			return fmt.Errorf("next seq_no: %w", err)
		}
		ev.SeqNo = maxSeq.Int64 + 1

		payload, err := marshalPayload(ev.Payload)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO planner_events_log (trace_id, ts, seq_no, kind, node_id, node_name, payload_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), ev.TraceID, ev.Ts, ev.SeqNo, string(ev.Kind), ev.NodeID, ev.NodeName, payload); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return tx.Commit()
	}

	var exists int
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM planner_events_log WHERE trace_id = ? AND ts = ? AND seq_no = ?`, ev.TraceID, ev.Ts, ev.SeqNo)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("check existing event: %w", err)
	}
	if exists > 0 {
		return nil // idempotent replay
	}

	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO planner_events_log (trace_id, ts, seq_no, kind, node_id, node_name, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.TraceID, ev.Ts, ev.SeqNo, string(ev.Kind), ev.NodeID, ev.NodeName, payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadHistory(ctx context.Context, traceID string, sinceSeqNo int64) ([]Event, error) {
	rows, err := s.query(ctx, `
		SELECT trace_id, ts, seq_no, kind, node_id, node_name, payload_json
		FROM planner_events_log
		WHERE trace_id = ? AND seq_no > ?
		ORDER BY ts ASC, seq_no ASC
	`, traceID, sinceSeqNo)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind, nodeID, nodeName, payload sql.NullString
		if err := rows.Scan(&ev.TraceID, &ev.Ts, &ev.SeqNo, &kind, &nodeID, &nodeName, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = EventKind(kind.String)
		ev.NodeID = nodeID.String
		ev.NodeName = nodeName.String
		ev.Payload, err = unmarshalPayload(payload.String)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveRemoteBinding(ctx context.Context, b RemoteBinding) error {
	var exists int
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM remote_bindings WHERE session_id = ? AND remote_id = ?`, b.SessionID, b.RemoteID)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("check existing binding: %w", err)
	}
	if exists > 0 {
		_, err := s.exec(ctx, `UPDATE remote_bindings SET transport = ?, created_at = ? WHERE session_id = ? AND remote_id = ?`,
			b.Transport, b.CreatedAt, b.SessionID, b.RemoteID)
		return err
	}
	_, err := s.exec(ctx, `INSERT INTO remote_bindings (session_id, remote_id, transport, created_at) VALUES (?, ?, ?, ?)`,
		b.SessionID, b.RemoteID, b.Transport, b.CreatedAt)
	return err
}

// --- PlannerStateStore ---

func (s *SQLStore) SavePlannerState(ctx context.Context, resumeToken string, state []byte) error {
	var exists int
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM planner_pause_state WHERE resume_token = ?`, resumeToken)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("check existing pause state: %w", err)
	}
	now := time.Now()
	if exists > 0 {
		_, err := s.exec(ctx, `UPDATE planner_pause_state SET state = ?, updated_at = ? WHERE resume_token = ?`, state, now, resumeToken)
		return err
	}
	_, err := s.exec(ctx, `INSERT INTO planner_pause_state (resume_token, state, updated_at) VALUES (?, ?, ?)`, resumeToken, state, now)
	return err
}

func (s *SQLStore) LoadPlannerState(ctx context.Context, resumeToken string) ([]byte, bool, error) {
	var state []byte
	row := s.queryRow(ctx, `SELECT state FROM planner_pause_state WHERE resume_token = ?`, resumeToken)
	if err := row.Scan(&state); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load planner state: %w", err)
	}
	return state, true, nil
}

// ConsumePlannerState loads and deletes a pause record in one transaction,
// so the planner runtime's resume path can enforce idempotent consumption
// (the same token consumed twice yields a no-op on the second attempt).
func (s *SQLStore) ConsumePlannerState(ctx context.Context, resumeToken string) ([]byte, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var state []byte
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT state FROM planner_pause_state WHERE resume_token = ?`), resumeToken)
	if err := row.Scan(&state); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load planner state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM planner_pause_state WHERE resume_token = ?`), resumeToken); err != nil {
		return nil, false, fmt.Errorf("delete planner state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return state, true, nil
}

// --- MemoryStateStore ---

func (s *SQLStore) SaveMemoryState(ctx context.Context, sessionID string, state []byte) error {
	var exists int
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM memory_state WHERE session_id = ?`, sessionID)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("check existing memory state: %w", err)
	}
	now := time.Now()
	if exists > 0 {
		_, err := s.exec(ctx, `UPDATE memory_state SET state = ?, updated_at = ? WHERE session_id = ?`, state, now, sessionID)
		return err
	}
	_, err := s.exec(ctx, `INSERT INTO memory_state (session_id, state, updated_at) VALUES (?, ?, ?)`, sessionID, state, now)
	return err
}

func (s *SQLStore) LoadMemoryState(ctx context.Context, sessionID string) ([]byte, bool, error) {
	var state []byte
	row := s.queryRow(ctx, `SELECT state FROM memory_state WHERE session_id = ?`, sessionID)
	if err := row.Scan(&state); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load memory state: %w", err)
	}
	return state, true, nil
}

// --- TaskStore ---

func (s *SQLStore) SaveTask(ctx context.Context, rec TaskRecord) error {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return err
	}
	var exists int
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE session_id = ? AND task_id = ?`, rec.SessionID, rec.TaskID)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("check existing task: %w", err)
	}
	if exists > 0 {
		_, err := s.exec(ctx, `
			UPDATE tasks SET status = ?, task_type = ?, priority = ?, description = ?, group_id = ?,
				updated_at = ?, idempotency_key = ?, payload_json = ?
			WHERE session_id = ? AND task_id = ?
		`, rec.Status, rec.TaskType, rec.Priority, rec.Description, rec.GroupID,
			rec.UpdatedAt, rec.IdempotencyKey, payload, rec.SessionID, rec.TaskID)
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO tasks (session_id, task_id, status, task_type, priority, description, group_id,
			created_at, updated_at, idempotency_key, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.TaskID, rec.Status, rec.TaskType, rec.Priority, rec.Description, rec.GroupID,
		rec.CreatedAt, rec.UpdatedAt, rec.IdempotencyKey, payload)
	return err
}

func (s *SQLStore) ListTasks(ctx context.Context, sessionID string) ([]TaskRecord, error) {
	rows, err := s.query(ctx, `
		SELECT task_id, session_id, status, task_type, priority, description, group_id,
			created_at, updated_at, idempotency_key, payload_json
		FROM tasks WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var taskType, description, groupID, idempotencyKey, payload sql.NullString
		if err := rows.Scan(&rec.TaskID, &rec.SessionID, &rec.Status, &taskType, &rec.Priority, &description,
			&groupID, &rec.CreatedAt, &rec.UpdatedAt, &idempotencyKey, &payload); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		rec.TaskType = taskType.String
		rec.Description = description.String
		rec.GroupID = groupID.String
		rec.IdempotencyKey = idempotencyKey.String
		rec.Payload, err = unmarshalPayload(payload.String)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- UpdateStore ---

func (s *SQLStore) SaveUpdate(ctx context.Context, rec UpdateRecord) error {
	var exists int
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM updates WHERE session_id = ? AND task_id = ? AND update_id = ?`,
		rec.SessionID, rec.TaskID, rec.UpdateID)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("check existing update: %w", err)
	}
	if exists > 0 {
		return nil // idempotent by update_id
	}

	content, err := marshalPayload(rec.Content)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO updates (session_id, task_id, update_id, update_type, content_json, step_index, total_steps, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.TaskID, rec.UpdateID, rec.UpdateType, content, rec.StepIndex, rec.TotalSteps, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert update: %w", err)
	}
	return nil
}

func (s *SQLStore) ListUpdates(ctx context.Context, sessionID, taskID, sinceUpdateID string) ([]UpdateRecord, error) {
	minID := int64(-1)
	if sinceUpdateID != "" {
		row := s.queryRow(ctx, `SELECT id FROM updates WHERE session_id = ? AND task_id = ? AND update_id = ?`,
			sessionID, taskID, sinceUpdateID)
		if err := row.Scan(&minID); err != nil {
			if err != sql.ErrNoRows {
				return nil, fmt.Errorf("locate cursor: %w", err)
			}
			minID = -1
		}
	}

	rows, err := s.query(ctx, `
		SELECT session_id, task_id, update_id, update_type, content_json, step_index, total_steps, created_at
		FROM updates WHERE session_id = ? AND task_id = ? AND id > ? ORDER BY id ASC
	`, sessionID, taskID, minID)
	if err != nil {
		return nil, fmt.Errorf("query updates: %w", err)
	}
	defer rows.Close()

	var out []UpdateRecord
	for rows.Next() {
		var rec UpdateRecord
		var content sql.NullString
		if err := rows.Scan(&rec.SessionID, &rec.TaskID, &rec.UpdateID, &rec.UpdateType, &content,
			&rec.StepIndex, &rec.TotalSteps, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		rec.Content, err = unmarshalPayload(content.String)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- SteeringStore ---

func (s *SQLStore) SaveSteering(ctx context.Context, rec SteeringRecord) error {
	var exists int
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM steering_events WHERE session_id = ? AND task_id = ? AND event_id = ?`,
		rec.SessionID, rec.TaskID, rec.EventID)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("check existing steering event: %w", err)
	}
	if exists > 0 {
		return nil
	}

	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO steering_events (session_id, task_id, event_id, event_type, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.TaskID, rec.EventID, rec.EventType, payload, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert steering event: %w", err)
	}
	return nil
}

func (s *SQLStore) ListSteering(ctx context.Context, sessionID, taskID string) ([]SteeringRecord, error) {
	rows, err := s.query(ctx, `
		SELECT session_id, task_id, event_id, event_type, payload_json, created_at
		FROM steering_events WHERE session_id = ? AND task_id = ? ORDER BY created_at ASC
	`, sessionID, taskID)
	if err != nil {
		return nil, fmt.Errorf("query steering events: %w", err)
	}
	defer rows.Close()

	var out []SteeringRecord
	for rows.Next() {
		var rec SteeringRecord
		var payload sql.NullString
		if err := rows.Scan(&rec.SessionID, &rec.TaskID, &rec.EventID, &rec.EventType, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan steering event: %w", err)
		}
		rec.Payload, err = unmarshalPayload(payload.String)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- TrajectoryStore ---

func (s *SQLStore) SaveTrajectory(ctx context.Context, taskID string, data []byte) error {
	var exists int
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM trajectories WHERE task_id = ?`, taskID)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("check existing trajectory: %w", err)
	}
	now := time.Now()
	if exists > 0 {
		_, err := s.exec(ctx, `UPDATE trajectories SET data = ?, updated_at = ? WHERE task_id = ?`, data, now, taskID)
		return err
	}
	_, err := s.exec(ctx, `INSERT INTO trajectories (task_id, data, updated_at) VALUES (?, ?, ?)`, taskID, data, now)
	return err
}

func (s *SQLStore) GetTrajectory(ctx context.Context, taskID string) ([]byte, bool, error) {
	var data []byte
	row := s.queryRow(ctx, `SELECT data FROM trajectories WHERE task_id = ?`, taskID)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load trajectory: %w", err)
	}
	return data, true, nil
}

// RegisterTrace associates a task id with a session id so ListTraces can
// enumerate it; mirrors InMemoryStore's symmetric helper.
func (s *SQLStore) RegisterTrace(ctx context.Context, sessionID, taskID string) error {
	var exists int
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM traces WHERE session_id = ? AND task_id = ?`, sessionID, taskID)
	if err := row.Scan(&exists); err != nil {
		return fmt.Errorf("check existing trace: %w", err)
	}
	if exists > 0 {
		return nil
	}
	_, err := s.exec(ctx, `INSERT INTO traces (session_id, task_id, created_at) VALUES (?, ?, ?)`, sessionID, taskID, time.Now())
	return err
}

func (s *SQLStore) ListTraces(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.query(ctx, `SELECT task_id FROM traces WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		out = append(out, taskID)
	}
	return out, rows.Err()
}

// --- PlannerEventStore ---

func (s *SQLStore) SavePlannerEvent(ctx context.Context, rec PlannerEventRecord) error {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO planner_internal_events (task_id, ts, kind, payload_json) VALUES (?, ?, ?, ?)`,
		rec.TaskID, rec.Ts, rec.Kind, payload)
	if err != nil {
		return fmt.Errorf("insert planner event: %w", err)
	}
	return nil
}

func (s *SQLStore) ListPlannerEvents(ctx context.Context, taskID string) ([]PlannerEventRecord, error) {
	rows, err := s.query(ctx, `
		SELECT task_id, ts, kind, payload_json FROM planner_internal_events WHERE task_id = ? ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query planner events: %w", err)
	}
	defer rows.Close()

	var out []PlannerEventRecord
	for rows.Next() {
		var rec PlannerEventRecord
		var payload sql.NullString
		if err := rows.Scan(&rec.TaskID, &rec.Ts, &rec.Kind, &payload); err != nil {
			return nil, fmt.Errorf("scan planner event: %w", err)
		}
		rec.Payload, err = unmarshalPayload(payload.String)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- ArtifactStore ---

func (s *SQLStore) PutArtifact(ctx context.Context, a Artifact) (string, error) {
	if a.Ref == "" {
		a.Ref = "artifact:" + uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	var exists int
	row := s.queryRow(ctx, `SELECT COUNT(*) FROM artifacts WHERE ref = ?`, a.Ref)
	if err := row.Scan(&exists); err != nil {
		return "", fmt.Errorf("check existing artifact: %w", err)
	}
	if exists > 0 {
		_, err := s.exec(ctx, `UPDATE artifacts SET content_type = ?, data = ?, created_at = ? WHERE ref = ?`,
			a.ContentType, a.Data, a.CreatedAt, a.Ref)
		return a.Ref, err
	}
	_, err := s.exec(ctx, `INSERT INTO artifacts (ref, content_type, data, created_at) VALUES (?, ?, ?, ?)`,
		a.Ref, a.ContentType, a.Data, a.CreatedAt)
	return a.Ref, err
}

func (s *SQLStore) GetArtifact(ctx context.Context, ref string) (*Artifact, error) {
	var a Artifact
	a.Ref = ref
	var contentType sql.NullString
	row := s.queryRow(ctx, `SELECT content_type, data, created_at FROM artifacts WHERE ref = ?`, ref)
	if err := row.Scan(&contentType, &a.Data, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	a.ContentType = contentType.String
	return &a, nil
}

// Close releases the underlying *sql.DB connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

var (
	_ Core              = (*SQLStore)(nil)
	_ PlannerStateStore = (*SQLStore)(nil)
	_ MemoryStateStore  = (*SQLStore)(nil)
	_ TaskStore         = (*SQLStore)(nil)
	_ UpdateStore       = (*SQLStore)(nil)
	_ SteeringStore     = (*SQLStore)(nil)
	_ TrajectoryStore   = (*SQLStore)(nil)
	_ PlannerEventStore = (*SQLStore)(nil)
	_ ArtifactStore     = (*SQLStore)(nil)
)
