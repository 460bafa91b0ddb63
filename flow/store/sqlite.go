package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sagaflow/sagaflow/flow"
)

// SQLiteStore is a SQLite-backed Store[T].
//
// Grounded on the teacher's graph/store/sqlite.go SQLiteStore: a single-file
// database opened with modernc.org/sqlite (pure Go, no cgo), WAL mode for
// concurrent reads, a single writer connection, auto-migrated schema.
//
// Designed for development, single-process deployments, and as a durable
// starting point before a deployment needs MySQLStore's networked
// concurrency.
//
// Schema:
//   - flows: one row per FlowSnapshot, keyed by flow_id
//   - wait_conditions: one row per WaitCondition, keyed by correlation_id
//   - foreach_progress: one row per (flow_id, step_index)
type SQLiteStore[T any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if absent) the SQLite database at path and
// migrates its schema. Pass ":memory:" for an ephemeral store useful in
// tests that still want to exercise real SQL.
func NewSQLiteStore[T any](path string) (*SQLiteStore[T], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("flow/store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("flow/store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore[T]{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("flow/store: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore[T]) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			flow_id       TEXT PRIMARY KEY,
			flow_type     TEXT NOT NULL,
			state         TEXT NOT NULL,
			position      TEXT NOT NULL,
			status        TEXT NOT NULL,
			error         TEXT NOT NULL DEFAULT '',
			owner         TEXT NOT NULL DEFAULT '',
			heartbeat_at  INTEGER NOT NULL DEFAULT 0,
			data          BLOB,
			version       INTEGER NOT NULL DEFAULT 0,
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_type_status ON flows(flow_type, status)`,
		`CREATE INDEX IF NOT EXISTS idx_flows_status ON flows(status)`,
		`CREATE TABLE IF NOT EXISTS wait_conditions (
			correlation_id TEXT PRIMARY KEY,
			flow_id        TEXT NOT NULL,
			flow_type      TEXT NOT NULL,
			step           INTEGER NOT NULL,
			data           TEXT NOT NULL,
			created_at     TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wait_created ON wait_conditions(created_at)`,
		`CREATE TABLE IF NOT EXISTS foreach_progress (
			flow_id    TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			data       TEXT NOT NULL,
			PRIMARY KEY (flow_id, step_index)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore[T]) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("flow/store: sqlite store is closed")
	}
	return nil
}

func (s *SQLiteStore[T]) Create(ctx context.Context, snapshot flow.FlowSnapshot[T]) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	stateJSON, err := json.Marshal(snapshot.State)
	if err != nil {
		return false, fmt.Errorf("flow/store: marshal state: %w", err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (flow_id, flow_type, state, position, status, error, owner, heartbeat_at, data, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, snapshot.FlowID, snapshot.Type, string(stateJSON), snapshot.Position.String(), string(snapshot.Status),
		snapshot.Error, string(snapshot.Owner), snapshot.HeartbeatAt, snapshot.Data, now, now)
	if err != nil {
		// SQLite reports a UNIQUE constraint violation on the primary key as
		// "already exists" rather than a distinct sentinel error type.
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore[T]) Get(ctx context.Context, flowID string) (flow.FlowSnapshot[T], error) {
	if err := s.checkOpen(); err != nil {
		return flow.FlowSnapshot[T]{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT flow_id, flow_type, state, position, status, error, owner, heartbeat_at, data, version, created_at, updated_at
		FROM flows WHERE flow_id = ?
	`, flowID)
	return scanSnapshot[T](row)
}

func (s *SQLiteStore[T]) Update(ctx context.Context, snapshot flow.FlowSnapshot[T]) (flow.FlowSnapshot[T], error) {
	if err := s.checkOpen(); err != nil {
		return flow.FlowSnapshot[T]{}, err
	}
	stateJSON, err := json.Marshal(snapshot.State)
	if err != nil {
		return flow.FlowSnapshot[T]{}, fmt.Errorf("flow/store: marshal state: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE flows SET state=?, position=?, status=?, error=?, owner=?, heartbeat_at=?, data=?, version=version+1, updated_at=?
		WHERE flow_id = ? AND version = ?
	`, string(stateJSON), snapshot.Position.String(), string(snapshot.Status), snapshot.Error,
		string(snapshot.Owner), snapshot.HeartbeatAt, snapshot.Data, now, snapshot.FlowID, snapshot.Version)
	if err != nil {
		return flow.FlowSnapshot[T]{}, fmt.Errorf("flow/store: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return flow.FlowSnapshot[T]{}, fmt.Errorf("flow/store: rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, snapshot.FlowID); getErr == flow.ErrNotFound {
			return flow.FlowSnapshot[T]{}, flow.ErrNotFound
		}
		return flow.FlowSnapshot[T]{}, flow.ErrVersionConflict
	}
	return s.Get(ctx, snapshot.FlowID)
}

func (s *SQLiteStore[T]) TryClaim(ctx context.Context, flowType string, nodeID flow.NodeID, claimTimeout time.Duration) (flow.FlowSnapshot[T], error) {
	if err := s.checkOpen(); err != nil {
		return flow.FlowSnapshot[T]{}, err
	}
	now := time.Now()
	staleBefore := now.Add(-claimTimeout).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return flow.FlowSnapshot[T]{}, fmt.Errorf("flow/store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT flow_id FROM flows
		WHERE flow_type = ?
		  AND status NOT IN (?, ?, ?)
		  AND (owner = '' OR heartbeat_at < ?)
		ORDER BY created_at ASC
		LIMIT 1
	`, flowType, string(flow.StatusCompleted), string(flow.StatusFailed), string(flow.StatusCancelled), staleBefore)

	var flowID string
	if err := row.Scan(&flowID); err != nil {
		if err == sql.ErrNoRows {
			return flow.FlowSnapshot[T]{}, flow.ErrNotFound
		}
		return flow.FlowSnapshot[T]{}, fmt.Errorf("flow/store: select claimable: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE flows SET owner=?, heartbeat_at=?, version=version+1, updated_at=?
		WHERE flow_id = ?
	`, string(nodeID), now.UnixMilli(), now, flowID); err != nil {
		return flow.FlowSnapshot[T]{}, fmt.Errorf("flow/store: claim update: %w", err)
	}

	row2 := tx.QueryRowContext(ctx, `
		SELECT flow_id, flow_type, state, position, status, error, owner, heartbeat_at, data, version, created_at, updated_at
		FROM flows WHERE flow_id = ?
	`, flowID)
	snap, err := scanSnapshot[T](row2)
	if err != nil {
		return flow.FlowSnapshot[T]{}, err
	}
	if err := tx.Commit(); err != nil {
		return flow.FlowSnapshot[T]{}, fmt.Errorf("flow/store: commit claim: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore[T]) Heartbeat(ctx context.Context, flowID string, nodeID flow.NodeID, knownVersion uint64) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE flows SET heartbeat_at=?, version=version+1, updated_at=?
		WHERE flow_id = ? AND owner = ? AND version = ?
	`, time.Now().UnixMilli(), time.Now(), flowID, string(nodeID), knownVersion)
	if err != nil {
		return false, fmt.Errorf("flow/store: heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("flow/store: heartbeat rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore[T]) SetWaitCondition(ctx context.Context, condition flow.WaitCondition) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(condition)
	if err != nil {
		return fmt.Errorf("flow/store: marshal wait condition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wait_conditions (correlation_id, flow_id, flow_type, step, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(correlation_id) DO UPDATE SET
			flow_id=excluded.flow_id, flow_type=excluded.flow_type, step=excluded.step,
			data=excluded.data, created_at=excluded.created_at
	`, condition.CorrelationID, condition.FlowID, condition.FlowType, condition.Step, string(data), condition.CreatedAt)
	if err != nil {
		return fmt.Errorf("flow/store: set wait condition: %w", err)
	}
	return nil
}

func (s *SQLiteStore[T]) GetWaitCondition(ctx context.Context, correlationID string) (flow.WaitCondition, error) {
	if err := s.checkOpen(); err != nil {
		return flow.WaitCondition{}, err
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM wait_conditions WHERE correlation_id = ?`, correlationID).Scan(&data)
	if err == sql.ErrNoRows {
		return flow.WaitCondition{}, flow.ErrNotFound
	}
	if err != nil {
		return flow.WaitCondition{}, fmt.Errorf("flow/store: get wait condition: %w", err)
	}
	var wc flow.WaitCondition
	if err := json.Unmarshal([]byte(data), &wc); err != nil {
		return flow.WaitCondition{}, fmt.Errorf("flow/store: unmarshal wait condition: %w", err)
	}
	return wc, nil
}

func (s *SQLiteStore[T]) UpdateWaitCondition(ctx context.Context, correlationID string, mutate func(*flow.WaitCondition) error) (flow.WaitCondition, error) {
	if err := s.checkOpen(); err != nil {
		return flow.WaitCondition{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return flow.WaitCondition{}, fmt.Errorf("flow/store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data FROM wait_conditions WHERE correlation_id = ?`, correlationID).Scan(&data)
	if err == sql.ErrNoRows {
		return flow.WaitCondition{}, flow.ErrNotFound
	}
	if err != nil {
		return flow.WaitCondition{}, fmt.Errorf("flow/store: select wait condition: %w", err)
	}
	var wc flow.WaitCondition
	if err := json.Unmarshal([]byte(data), &wc); err != nil {
		return flow.WaitCondition{}, fmt.Errorf("flow/store: unmarshal wait condition: %w", err)
	}
	if err := mutate(&wc); err != nil {
		return flow.WaitCondition{}, err
	}
	newData, err := json.Marshal(wc)
	if err != nil {
		return flow.WaitCondition{}, fmt.Errorf("flow/store: marshal wait condition: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE wait_conditions SET data=? WHERE correlation_id=?`, string(newData), correlationID); err != nil {
		return flow.WaitCondition{}, fmt.Errorf("flow/store: update wait condition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return flow.WaitCondition{}, fmt.Errorf("flow/store: commit wait condition: %w", err)
	}
	return wc, nil
}

func (s *SQLiteStore[T]) ClearWaitCondition(ctx context.Context, correlationID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM wait_conditions WHERE correlation_id = ?`, correlationID)
	if err != nil {
		return fmt.Errorf("flow/store: clear wait condition: %w", err)
	}
	return nil
}

func (s *SQLiteStore[T]) GetTimedOutWaitConditions(ctx context.Context, now time.Time) ([]flow.WaitCondition, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM wait_conditions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("flow/store: list wait conditions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []flow.WaitCondition
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("flow/store: scan wait condition: %w", err)
		}
		var wc flow.WaitCondition
		if err := json.Unmarshal([]byte(data), &wc); err != nil {
			return nil, fmt.Errorf("flow/store: unmarshal wait condition: %w", err)
		}
		if !wc.Satisfied() && wc.TimedOut(now) {
			out = append(out, wc)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore[T]) SaveForEachProgress(ctx context.Context, progress flow.ForEachProgress) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	progress.Rehydrate() // rebuild the index sets from the serialized lists
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("flow/store: marshal foreach progress: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO foreach_progress (flow_id, step_index, data)
		VALUES (?, ?, ?)
		ON CONFLICT(flow_id, step_index) DO UPDATE SET data = excluded.data
	`, progress.FlowID, progress.StepIndex, string(data))
	if err != nil {
		return fmt.Errorf("flow/store: save foreach progress: %w", err)
	}
	return nil
}

func (s *SQLiteStore[T]) GetForEachProgress(ctx context.Context, flowID string, stepIndex int) (flow.ForEachProgress, error) {
	if err := s.checkOpen(); err != nil {
		return flow.ForEachProgress{}, err
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM foreach_progress WHERE flow_id = ? AND step_index = ?`, flowID, stepIndex).Scan(&data)
	if err == sql.ErrNoRows {
		return flow.ForEachProgress{}, flow.ErrNotFound
	}
	if err != nil {
		return flow.ForEachProgress{}, fmt.Errorf("flow/store: get foreach progress: %w", err)
	}
	var p flow.ForEachProgress
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return flow.ForEachProgress{}, fmt.Errorf("flow/store: unmarshal foreach progress: %w", err)
	}
	p.Rehydrate()
	return p, nil
}

func (s *SQLiteStore[T]) ClearForEachProgress(ctx context.Context, flowID string, stepIndex int) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM foreach_progress WHERE flow_id = ? AND step_index = ?`, flowID, stepIndex)
	if err != nil {
		return fmt.Errorf("flow/store: clear foreach progress: %w", err)
	}
	return nil
}

func (s *SQLiteStore[T]) ListByStatus(ctx context.Context, status flow.Status, limit int) ([]flow.FlowSnapshot[T], error) {
	return s.listWhere(ctx, "status = ?", string(status), limit)
}

func (s *SQLiteStore[T]) ListByType(ctx context.Context, flowType string, limit int) ([]flow.FlowSnapshot[T], error) {
	return s.listWhere(ctx, "flow_type = ?", flowType, limit)
}

func (s *SQLiteStore[T]) listWhere(ctx context.Context, predicate string, arg any, limit int) ([]flow.FlowSnapshot[T], error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT flow_id, flow_type, state, position, status, error, owner, heartbeat_at, data, version, created_at, updated_at
		FROM flows WHERE %s ORDER BY created_at ASC`, predicate)
	if limit > 0 {
		query += " LIMIT ?"
	}
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, query, arg, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, query, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("flow/store: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []flow.FlowSnapshot[T]
	for rows.Next() {
		snap, err := scanSnapshotRows[T](rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows so scanSnapshot works for
// both single-row and multi-row queries.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot[T any](row rowScanner) (flow.FlowSnapshot[T], error) {
	var (
		snap         flow.FlowSnapshot[T]
		stateJSON    string
		positionStr  string
		status       string
		owner        string
		createdAt    time.Time
		updatedAt    time.Time
	)
	err := row.Scan(&snap.FlowID, &snap.Type, &stateJSON, &positionStr, &status, &snap.Error,
		&owner, &snap.HeartbeatAt, &snap.Data, &snap.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return flow.FlowSnapshot[T]{}, flow.ErrNotFound
	}
	if err != nil {
		return flow.FlowSnapshot[T]{}, fmt.Errorf("flow/store: scan snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
		return flow.FlowSnapshot[T]{}, fmt.Errorf("flow/store: unmarshal state: %w", err)
	}
	pos, err := flow.ParsePosition(positionStr)
	if err != nil {
		return flow.FlowSnapshot[T]{}, fmt.Errorf("flow/store: parse position: %w", err)
	}
	snap.Position = pos
	snap.Status = flow.Status(status)
	snap.Owner = flow.NodeID(owner)
	snap.CreatedAt = createdAt
	snap.UpdatedAt = updatedAt
	return snap, nil
}

func scanSnapshotRows[T any](rows *sql.Rows) (flow.FlowSnapshot[T], error) {
	return scanSnapshot[T](rows)
}

func (s *SQLiteStore[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path, for debugging and logging.
func (s *SQLiteStore[T]) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
