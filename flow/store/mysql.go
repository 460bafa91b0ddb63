package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/sagaflow/sagaflow/flow"
)

// MySQLStore is a MySQL/MariaDB-backed Store[T].
//
// Grounded on the teacher's graph/store/mysql.go MySQLStore: connection
// pooling tuned for a networked server, InnoDB tables, schema auto-created
// on first use. Intended for production deployments with multiple
// competing node processes racing TryClaim against the same table — unlike
// SQLiteStore's single-writer constraint, MySQLStore relies on InnoDB row
// locking inside an explicit transaction to make the claim race safe.
//
// Schema mirrors SQLiteStore: flows, wait_conditions, foreach_progress.
type MySQLStore[T any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a connection pool against dsn (see
// github.com/go-sql-driver/mysql for the DSN format) and migrates the
// schema. Callers should source dsn from configuration/environment, never
// hardcode credentials.
func NewMySQLStore[T any](dsn string) (*MySQLStore[T], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("flow/store: open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("flow/store: ping mysql: %w", err)
	}

	s := &MySQLStore[T]{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("flow/store: migrate mysql: %w", err)
	}
	return s, nil
}

func (m *MySQLStore[T]) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			flow_id      VARCHAR(255) PRIMARY KEY,
			flow_type    VARCHAR(255) NOT NULL,
			state        JSON NOT NULL,
			position     VARCHAR(255) NOT NULL,
			status       VARCHAR(32) NOT NULL,
			error        TEXT NOT NULL,
			owner        VARCHAR(255) NOT NULL DEFAULT '',
			heartbeat_at BIGINT NOT NULL DEFAULT 0,
			data         LONGBLOB,
			version      BIGINT NOT NULL DEFAULT 0,
			created_at   TIMESTAMP(6) NOT NULL,
			updated_at   TIMESTAMP(6) NOT NULL,
			INDEX idx_flows_type_status (flow_type, status),
			INDEX idx_flows_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS wait_conditions (
			correlation_id VARCHAR(255) PRIMARY KEY,
			flow_id        VARCHAR(255) NOT NULL,
			flow_type      VARCHAR(255) NOT NULL,
			step           INT NOT NULL,
			data           JSON NOT NULL,
			created_at     TIMESTAMP(6) NOT NULL,
			INDEX idx_wait_created (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS foreach_progress (
			flow_id    VARCHAR(255) NOT NULL,
			step_index INT NOT NULL,
			data       JSON NOT NULL,
			PRIMARY KEY (flow_id, step_index)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range statements {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (m *MySQLStore[T]) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("flow/store: mysql store is closed")
	}
	return nil
}

func (m *MySQLStore[T]) Create(ctx context.Context, snapshot flow.FlowSnapshot[T]) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	stateJSON, err := json.Marshal(snapshot.State)
	if err != nil {
		return false, fmt.Errorf("flow/store: marshal state: %w", err)
	}
	now := time.Now()
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO flows (flow_id, flow_type, state, position, status, error, owner, heartbeat_at, data, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, snapshot.FlowID, snapshot.Type, string(stateJSON), snapshot.Position.String(), string(snapshot.Status),
		snapshot.Error, string(snapshot.Owner), snapshot.HeartbeatAt, snapshot.Data, now, now)
	if err != nil {
		// A duplicate-key error on flow_id means another caller already
		// created this row; the caller should Get() to see the winner.
		return false, nil
	}
	return true, nil
}

func (m *MySQLStore[T]) Get(ctx context.Context, flowID string) (flow.FlowSnapshot[T], error) {
	if err := m.checkOpen(); err != nil {
		return flow.FlowSnapshot[T]{}, err
	}
	row := m.db.QueryRowContext(ctx, `
		SELECT flow_id, flow_type, state, position, status, error, owner, heartbeat_at, data, version, created_at, updated_at
		FROM flows WHERE flow_id = ?
	`, flowID)
	return scanSnapshot[T](row)
}

func (m *MySQLStore[T]) Update(ctx context.Context, snapshot flow.FlowSnapshot[T]) (flow.FlowSnapshot[T], error) {
	if err := m.checkOpen(); err != nil {
		return flow.FlowSnapshot[T]{}, err
	}
	stateJSON, err := json.Marshal(snapshot.State)
	if err != nil {
		return flow.FlowSnapshot[T]{}, fmt.Errorf("flow/store: marshal state: %w", err)
	}
	now := time.Now()
	res, err := m.db.ExecContext(ctx, `
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
		if _, getErr := m.Get(ctx, snapshot.FlowID); getErr == flow.ErrNotFound {
			return flow.FlowSnapshot[T]{}, flow.ErrNotFound
		}
		return flow.FlowSnapshot[T]{}, flow.ErrVersionConflict
	}
	return m.Get(ctx, snapshot.FlowID)
}

// TryClaim uses SELECT ... FOR UPDATE inside a transaction so that two
// node processes racing to claim the same row serialize on InnoDB's row
// lock rather than both observing the row as claimable.
func (m *MySQLStore[T]) TryClaim(ctx context.Context, flowType string, nodeID flow.NodeID, claimTimeout time.Duration) (flow.FlowSnapshot[T], error) {
	if err := m.checkOpen(); err != nil {
		return flow.FlowSnapshot[T]{}, err
	}
	now := time.Now()
	staleBefore := now.Add(-claimTimeout).UnixMilli()

	tx, err := m.db.BeginTx(ctx, nil)
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
		FOR UPDATE
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

func (m *MySQLStore[T]) Heartbeat(ctx context.Context, flowID string, nodeID flow.NodeID, knownVersion uint64) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	res, err := m.db.ExecContext(ctx, `
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

func (m *MySQLStore[T]) SetWaitCondition(ctx context.Context, condition flow.WaitCondition) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(condition)
	if err != nil {
		return fmt.Errorf("flow/store: marshal wait condition: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO wait_conditions (correlation_id, flow_id, flow_type, step, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE flow_id=VALUES(flow_id), flow_type=VALUES(flow_type),
			step=VALUES(step), data=VALUES(data), created_at=VALUES(created_at)
	`, condition.CorrelationID, condition.FlowID, condition.FlowType, condition.Step, string(data), condition.CreatedAt)
	if err != nil {
		return fmt.Errorf("flow/store: set wait condition: %w", err)
	}
	return nil
}

func (m *MySQLStore[T]) GetWaitCondition(ctx context.Context, correlationID string) (flow.WaitCondition, error) {
	if err := m.checkOpen(); err != nil {
		return flow.WaitCondition{}, err
	}
	var data string
	err := m.db.QueryRowContext(ctx, `SELECT data FROM wait_conditions WHERE correlation_id = ?`, correlationID).Scan(&data)
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

func (m *MySQLStore[T]) UpdateWaitCondition(ctx context.Context, correlationID string, mutate func(*flow.WaitCondition) error) (flow.WaitCondition, error) {
	if err := m.checkOpen(); err != nil {
		return flow.WaitCondition{}, err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return flow.WaitCondition{}, fmt.Errorf("flow/store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data FROM wait_conditions WHERE correlation_id = ? FOR UPDATE`, correlationID).Scan(&data)
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

func (m *MySQLStore[T]) ClearWaitCondition(ctx context.Context, correlationID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx, `DELETE FROM wait_conditions WHERE correlation_id = ?`, correlationID)
	if err != nil {
		return fmt.Errorf("flow/store: clear wait condition: %w", err)
	}
	return nil
}

func (m *MySQLStore[T]) GetTimedOutWaitConditions(ctx context.Context, now time.Time) ([]flow.WaitCondition, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, `SELECT data FROM wait_conditions ORDER BY created_at ASC`)
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

func (m *MySQLStore[T]) SaveForEachProgress(ctx context.Context, progress flow.ForEachProgress) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	progress.Rehydrate()
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("flow/store: marshal foreach progress: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO foreach_progress (flow_id, step_index, data)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE data = VALUES(data)
	`, progress.FlowID, progress.StepIndex, string(data))
	if err != nil {
		return fmt.Errorf("flow/store: save foreach progress: %w", err)
	}
	return nil
}

func (m *MySQLStore[T]) GetForEachProgress(ctx context.Context, flowID string, stepIndex int) (flow.ForEachProgress, error) {
	if err := m.checkOpen(); err != nil {
		return flow.ForEachProgress{}, err
	}
	var data string
	err := m.db.QueryRowContext(ctx, `SELECT data FROM foreach_progress WHERE flow_id = ? AND step_index = ?`, flowID, stepIndex).Scan(&data)
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

func (m *MySQLStore[T]) ClearForEachProgress(ctx context.Context, flowID string, stepIndex int) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx, `DELETE FROM foreach_progress WHERE flow_id = ? AND step_index = ?`, flowID, stepIndex)
	if err != nil {
		return fmt.Errorf("flow/store: clear foreach progress: %w", err)
	}
	return nil
}

func (m *MySQLStore[T]) ListByStatus(ctx context.Context, status flow.Status, limit int) ([]flow.FlowSnapshot[T], error) {
	return m.listWhere(ctx, "status = ?", string(status), limit)
}

func (m *MySQLStore[T]) ListByType(ctx context.Context, flowType string, limit int) ([]flow.FlowSnapshot[T], error) {
	return m.listWhere(ctx, "flow_type = ?", flowType, limit)
}

func (m *MySQLStore[T]) listWhere(ctx context.Context, predicate string, arg any, limit int) ([]flow.FlowSnapshot[T], error) {
	if err := m.checkOpen(); err != nil {
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
		rows, err = m.db.QueryContext(ctx, query, arg, limit)
	} else {
		rows, err = m.db.QueryContext(ctx, query, arg)
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

func (m *MySQLStore[T]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
