// Package statsdb keeps a local SQLite index of session statistics. It is
// a secondary record for the player's own history; the journal remains the
// source of truth, so writes are best-effort and never block the engine.
package statsdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"essencetap.gg/internal/engine"
)

type Index struct {
	db        *sql.DB
	sessionID string

	ch   chan engine.Event
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

func Open(path, sessionID, playerName string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.Exec(
		`INSERT INTO sessions (id, player, started_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING;`, sessionID, playerName, now); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Index{
		db:        db,
		sessionID: sessionID,
		// Large enough to ride out tap storms without stalling the engine.
		ch: make(chan engine.Event, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			player TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			taps_sent INTEGER NOT NULL DEFAULT 0,
			batches_sent INTEGER NOT NULL DEFAULT 0,
			batches_queued INTEGER NOT NULL DEFAULT 0,
			rejections INTEGER NOT NULL DEFAULT 0,
			reconnects INTEGER NOT NULL DEFAULT 0,
			last_essence REAL NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			client_seq INTEGER NOT NULL DEFAULT 0,
			essence REAL NOT NULL DEFAULT 0,
			reason TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, ts);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// WriteEvent satisfies engine.EventSink. Drops the write if the indexer
// falls behind.
func (s *Index) WriteEvent(ev engine.Event) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- ev:
	default:
	}
	return nil
}

func (s *Index) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, _ = s.db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?;`, now, s.sessionID)
		err = s.db.Close()
	})
	return err
}

func (s *Index) loop() {
	for ev := range s.ch {
		s.apply(ev)
	}
}

func (s *Index) apply(ev engine.Event) {
	ts := ev.Time.UTC().Format(time.RFC3339Nano)
	_, _ = s.db.Exec(
		`INSERT INTO events (session_id, ts, kind, count, client_seq, essence, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?);`,
		s.sessionID, ts, ev.Kind, ev.Count, ev.ClientSeq, ev.Essence, ev.Reason)

	switch ev.Kind {
	case engine.EventBatchSent:
		_, _ = s.db.Exec(
			`UPDATE sessions SET taps_sent = taps_sent + ?, batches_sent = batches_sent + 1 WHERE id = ?;`,
			ev.Count, s.sessionID)
	case engine.EventBatchQueued:
		_, _ = s.db.Exec(
			`UPDATE sessions SET batches_queued = batches_queued + 1 WHERE id = ?;`, s.sessionID)
	case engine.EventRejected:
		_, _ = s.db.Exec(
			`UPDATE sessions SET rejections = rejections + 1 WHERE id = ?;`, s.sessionID)
	case engine.EventConnState:
		if ev.ConnState == "RECONNECTING" {
			_, _ = s.db.Exec(
				`UPDATE sessions SET reconnects = reconnects + 1 WHERE id = ?;`, s.sessionID)
		}
	case engine.EventBatchConfirmed, engine.EventFullState:
		_, _ = s.db.Exec(
			`UPDATE sessions SET last_essence = ? WHERE id = ?;`, ev.Essence, s.sessionID)
	}
}

// Summary is one row of the sessions table.
type Summary struct {
	ID            string
	Player        string
	TapsSent      int64
	BatchesSent   int64
	BatchesQueued int64
	Rejections    int64
	Reconnects    int64
	LastEssence   float64
}

func (s *Index) SessionSummary(id string) (Summary, error) {
	var out Summary
	row := s.db.QueryRow(
		`SELECT id, player, taps_sent, batches_sent, batches_queued, rejections, reconnects, last_essence
		 FROM sessions WHERE id = ?;`, id)
	err := row.Scan(&out.ID, &out.Player, &out.TapsSent, &out.BatchesSent,
		&out.BatchesQueued, &out.Rejections, &out.Reconnects, &out.LastEssence)
	return out, err
}
