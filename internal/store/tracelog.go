// Package store persists the trace event stream to a libsql database for
// post-run SQL analysis. The simulator itself carries no state across runs;
// the trace log is append-only output.
package store

import (
	"database/sql"
	"sync"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/agentsim/pkg/schema"
)

// Statements are executed one at a time; some sqlite drivers stop at the
// first statement of a batch.
var traceSchema = []string{
	`CREATE TABLE IF NOT EXISTS trace_events (
		seq    INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		ev     TEXT NOT NULL,
		t_ms   REAL NOT NULL,
		wf     INTEGER NOT NULL,
		node   INTEGER NOT NULL,
		extra  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trace_events_run_wf ON trace_events(run_id, wf)`,
}

// TraceLog is an append-only trace sink backed by libsql. It satisfies
// trace.Sink.
type TraceLog struct {
	mu    sync.Mutex
	db    *sql.DB
	runID string
}

// OpenTraceLog opens (creating if needed) the trace database at path and
// ensures the schema. Events appended through this log are stamped with
// runID so multiple runs can share one database.
func OpenTraceLog(path, runID string) (*TraceLog, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open trace db: %s", err.Error()).WithCause(err)
	}
	for _, stmt := range traceSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, schema.NewErrorf(schema.ErrCodeStore, "create trace schema: %s", err.Error()).WithCause(err)
		}
	}
	return &TraceLog{db: db, runID: runID}, nil
}

// Append inserts one trace event.
func (l *TraceLog) Append(ev schema.TraceEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		`INSERT INTO trace_events (run_id, ev, t_ms, wf, node, extra) VALUES (?, ?, ?, ?, ?, ?)`,
		l.runID, ev.Ev, ev.TMs, uint64(ev.Wf), uint64(ev.Node), ev.Extra,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append trace event: %s", err.Error()).WithCause(err)
	}
	return nil
}

// Events returns all events for a run in insertion order.
func (l *TraceLog) Events(runID string) ([]schema.TraceEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.Query(
		`SELECT ev, t_ms, wf, node, extra FROM trace_events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "query trace events: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()
	var out []schema.TraceEvent
	for rows.Next() {
		var ev schema.TraceEvent
		var wf, node uint64
		if err := rows.Scan(&ev.Ev, &ev.TMs, &wf, &node, &ev.Extra); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scan trace event: %s", err.Error()).WithCause(err)
		}
		ev.Wf = schema.WorkflowID(wf)
		ev.Node = schema.NodeID(node)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "iterate trace events: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// Close releases the database handle.
func (l *TraceLog) Close() error {
	return l.db.Close()
}
