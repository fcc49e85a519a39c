package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"icce.ai/internal/sim/env"
)

// SQLiteIndex is a queryable read model of a run. Writes are queued and
// applied by one goroutine; the JSONL logs stay the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick    atomic.Uint64
	dropAudit   atomic.Uint64
	dropEpisode atomic.Uint64
}

type QueueStats struct {
	QueueDepth       int    `json:"queue_depth"`
	QueueCapacity    int    `json:"queue_capacity"`
	DropTickTotal    uint64 `json:"drop_tick_total"`
	DropAuditTotal   uint64 `json:"drop_audit_total"`
	DropEpisodeTotal uint64 `json:"drop_episode_total"`
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqAudit
	reqEpisode
)

type req struct {
	kind reqKind

	tick    env.TickLogEntry
	audit   env.AuditEntry
	episode episodeRow
}

type episodeRow struct {
	Summary    env.EpisodeSummary
	RecordedAt string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
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

	s := &SQLiteIndex{
		db: db,
		// One tick row per loop iteration; a few seconds of backlog at 240Hz.
		ch: make(chan req, 4096),
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
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			config_digest TEXT NOT NULL,
			config_json TEXT NOT NULL,
			started_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			episode INTEGER NOT NULL,
			status INTEGER NOT NULL,
			actions INTEGER NOT NULL,
			ended INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, tick)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ticks_episode ON ticks(run_id, episode);`,
		`CREATE TABLE IF NOT EXISTS audits (
			run_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			action TEXT NOT NULL,
			client_id INTEGER NOT NULL,
			slot INTEGER NOT NULL,
			status INTEGER NOT NULL,
			session_id TEXT,
			reason TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_client ON audits(run_id, client_id, tick);`,
		`CREATE TABLE IF NOT EXISTS episodes (
			run_id TEXT NOT NULL,
			episode INTEGER NOT NULL,
			start_tick INTEGER NOT NULL,
			end_tick INTEGER NOT NULL,
			rewards_json TEXT NOT NULL,
			terminated_json TEXT NOT NULL,
			truncated_json TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (run_id, episode)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() QueueStats {
	if s == nil {
		return QueueStats{}
	}
	return QueueStats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropTickTotal:    s.dropTick.Load(),
		DropAuditTotal:   s.dropAudit.Load(),
		DropEpisodeTotal: s.dropEpisode.Load(),
	}
}

func (s *SQLiteIndex) WriteTick(entry env.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		// Drop if the indexer falls behind; the update loop never waits on it.
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteAudit(entry env.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: entry}:
	default:
		s.dropAudit.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordEpisode(summary env.EpisodeSummary) {
	if s == nil || s.closed.Load() {
		return
	}
	r := episodeRow{Summary: summary, RecordedAt: time.Now().UTC().Format(time.RFC3339Nano)}
	select {
	case s.ch <- req{kind: reqEpisode, episode: r}:
	default:
		s.dropEpisode.Add(1)
	}
}

// RecordRun stores the applied configuration of a run. It writes synchronously.
func (s *SQLiteIndex) RecordRun(runID string, config any) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(config)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO runs(run_id,config_digest,config_json,started_at) VALUES(?,?,?,?)`,
		runID, hex.EncodeToString(sum[:]), string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(run_id,tick,episode,status,actions,ended,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(run_id,tick,seq,action,client_id,slot,status,session_id,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertEpisode, _ := s.db.Prepare(`INSERT OR REPLACE INTO episodes(run_id,episode,start_tick,end_tick,rewards_json,terminated_json,truncated_json,recorded_at) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertAudit, insertEpisode} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = time.Second

		lastAuditTick uint64
		auditSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			t := r.tick
			raw, _ := json.Marshal(t)
			exec(insertTick, t.RunID, int64(t.Tick), int64(t.Episode), int(t.Status), t.Actions, len(t.Ended), string(raw))

		case reqAudit:
			a := r.audit
			if a.Tick != lastAuditTick {
				lastAuditTick = a.Tick
				auditSeq = 0
			}
			seq := auditSeq
			auditSeq++
			raw, _ := json.Marshal(a)
			exec(insertAudit, a.RunID, int64(a.Tick), seq, a.Action, int(a.ClientID), int(a.Slot), int(a.Status), a.SessionID, a.Reason, string(raw))

		case reqEpisode:
			e := r.episode.Summary
			rewards, _ := json.Marshal(e.Rewards)
			term, _ := json.Marshal(slotsOrEmpty(e.Terminated))
			trunc, _ := json.Marshal(slotsOrEmpty(e.Truncated))
			exec(insertEpisode, e.RunID, int64(e.Episode), int64(e.StartTick), int64(e.EndTick), string(rewards), string(term), string(trunc), r.episode.RecordedAt)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

func slotsOrEmpty[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
