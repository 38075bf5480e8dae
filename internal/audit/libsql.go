package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/conviction/internal/events"
	"github.com/rendis/conviction/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, graph_id, instrument_id, as_of, status, decision, seed_values, waves, error, started_at, finished_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.GraphID, run.InstrumentID, run.AsOf.UTC(), string(run.Status),
		nullRaw(run.Decision), nullRaw(run.SeedValues), run.Waves, nullRaw(run.Error),
		timeOrNow(run.StartedAt), nullTime(run.FinishedAt), timeOrNow(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		status                  string
		decision, seed, errJSON sql.NullString
		finishedAt              sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, graph_id, instrument_id, as_of, status, decision, seed_values, waves, error, started_at, finished_at, created_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.GraphID, &run.InstrumentID, &run.AsOf, &status,
		&decision, &seed, &run.Waves, &errJSON, &run.StartedAt, &finishedAt, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.Decision = rawOrNil(decision)
	run.SeedValues = rawOrNil(seed)
	run.Error = rawOrNil(errJSON)
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, string(update.Status))
	}
	if update.Decision != nil {
		sets = append(sets, "decision = ?")
		args = append(args, string(update.Decision))
	}
	if update.Waves != nil {
		sets = append(sets, "waves = ?")
		args = append(args, *update.Waves)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.GraphID != "" {
		where = append(where, "graph_id = ?")
		args = append(args, filter.GraphID)
	}
	if filter.InstrumentID != "" {
		where = append(where, "instrument_id = ?")
		args = append(args, filter.InstrumentID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, graph_id, instrument_id, as_of, status, decision, seed_values, waves, error, started_at, finished_at, created_at FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			status                  string
			decision, seed, errJSON sql.NullString
			finishedAt              sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.GraphID, &run.InstrumentID, &run.AsOf, &status,
			&decision, &seed, &run.Waves, &errJSON, &run.StartedAt, &finishedAt, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		run.Decision = rawOrNil(decision)
		run.SeedValues = rawOrNil(seed)
		run.Error = rawOrNil(errJSON)
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Signals ---

func (s *LibSQLStore) AppendSignal(ctx context.Context, sig *RunSignal) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_signals (run_id, source_node_id, direction, confidence, rationale, metrics, position, produced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.RunID, sig.SourceNodeID, sig.Direction, sig.Confidence,
		nullStr(sig.Rationale), nullRaw(sig.Metrics), sig.Position, timeOrNow(sig.ProducedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run signal: %w", err)
	}
	sig.ID, _ = res.LastInsertId()
	return nil
}

func (s *LibSQLStore) ListSignals(ctx context.Context, runID string) ([]*RunSignal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, source_node_id, direction, confidence, rationale, metrics, position, produced_at
		 FROM run_signals WHERE run_id = ? ORDER BY position ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*RunSignal
	for rows.Next() {
		sig := &RunSignal{}
		var rationale, metrics sql.NullString
		if err := rows.Scan(&sig.ID, &sig.RunID, &sig.SourceNodeID, &sig.Direction,
			&sig.Confidence, &rationale, &metrics, &sig.Position, &sig.ProducedAt); err != nil {
			return nil, err
		}
		sig.Rationale = rationale.String
		sig.Metrics = rawOrNil(metrics)
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// --- Node failures ---

func (s *LibSQLStore) RecordNodeFailure(ctx context.Context, failure *NodeFailure) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO node_failures (run_id, node_id, code, message, failed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		failure.RunID, failure.NodeID, failure.Code, failure.Message, timeOrNow(failure.FailedAt),
	)
	if err != nil {
		return fmt.Errorf("insert node failure: %w", err)
	}
	failure.ID, _ = res.LastInsertId()
	return nil
}

func (s *LibSQLStore) ListNodeFailures(ctx context.Context, runID string) ([]*NodeFailure, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, code, message, failed_at
		 FROM node_failures WHERE run_id = ? ORDER BY id ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []*NodeFailure
	for rows.Next() {
		f := &NodeFailure{}
		if err := rows.Scan(&f.ID, &f.RunID, &f.NodeID, &f.Code, &f.Message, &f.FailedAt); err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// --- Event log ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *events.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this run.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload, err := marshalPayload(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, node_id, event_type, payload, at, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, payload, timeOrNow(event.At), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*events.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, event_type, payload, at, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []*events.Event
	for rows.Next() {
		e := &events.Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.RunID, &nodeID, &e.Type, &payload, &e.At, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		evts = append(evts, e)
	}
	return evts, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, graph_id, instrument_id, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.GraphID, sched.InstrumentID, sched.CronExpression,
		nullRaw(sched.Params), boolInt(sched.Enabled),
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		nullStr(sched.LastRunStatus), timeOrNow(sched.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sched := &Schedule{}
	var (
		params, lastStatus   sql.NullString
		enabled              int
		lastRunAt, nextRunAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, graph_id, instrument_id, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM schedules WHERE id = ?`, id,
	).Scan(&sched.ID, &sched.GraphID, &sched.InstrumentID, &sched.CronExpression,
		&params, &enabled, &lastRunAt, &nextRunAt, &lastStatus, &sched.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, err
	}
	sched.Params = rawOrNil(params)
	sched.Enabled = enabled != 0
	sched.LastRunStatus = lastStatus.String
	if lastRunAt.Valid {
		sched.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sched.NextRunAt = &nextRunAt.Time
	}
	return sched, nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.CronExpression != "" {
		sets = append(sets, "cron_expression = ?")
		args = append(args, update.CronExpression)
	}
	if update.Params != nil {
		sets = append(sets, "params = ?")
		args = append(args, string(update.Params))
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE schedules SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.GraphID != "" {
		where = append(where, "graph_id = ?")
		args = append(args, filter.GraphID)
	}
	if filter.InstrumentID != "" {
		where = append(where, "instrument_id = ?")
		args = append(args, filter.InstrumentID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := `SELECT id, graph_id, instrument_id, cron_expression, params, enabled, last_run_at, next_run_at, last_run_status, created_at FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched := &Schedule{}
		var (
			params, lastStatus   sql.NullString
			enabled              int
			lastRunAt, nextRunAt sql.NullTime
		)
		if err := rows.Scan(&sched.ID, &sched.GraphID, &sched.InstrumentID, &sched.CronExpression,
			&params, &enabled, &lastRunAt, &nextRunAt, &lastStatus, &sched.CreatedAt); err != nil {
			return nil, err
		}
		sched.Params = rawOrNil(params)
		sched.Enabled = enabled != 0
		sched.LastRunStatus = lastStatus.String
		if lastRunAt.Valid {
			sched.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			sched.NextRunAt = &nextRunAt.Time
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ConvictionError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalPayload(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
