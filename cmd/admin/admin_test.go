package main

import (
	"bytes"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"icce.ai/internal/persistence/indexdb"
	persistlog "icce.ai/internal/persistence/log"
	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/env"
)

func seedIndex(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := idx.RecordRun("run-a", map[string]any{"max_episodes": 2}); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	for tick := uint64(2); tick <= 4; tick++ {
		_ = idx.WriteTick(env.TickLogEntry{RunID: "run-a", Tick: tick, Status: protocol.StatusSuccess, Rewards: []float64{0, 0}})
	}
	_ = idx.WriteAudit(env.AuditEntry{RunID: "run-a", Tick: 1, Action: env.AuditHandshake, ClientID: 0, Status: protocol.StatusSuccess})
	idx.RecordEpisode(env.EpisodeSummary{RunID: "run-a", Episode: 0, StartTick: 1, EndTick: 4, Rewards: []float64{1, -1}})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func TestRunQuery(t *testing.T) {
	db, err := sql.Open("sqlite", seedIndex(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var got []any
	emit := func(v any) { got = append(got, v) }

	if err := runQuery(db, "runs", "", 10, emit); err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("runs=%v", got)
	}
	if r := got[0].(runRow); r.RunID != "run-a" || r.Ticks != 3 || r.Episodes != 1 {
		t.Fatalf("run row=%+v", r)
	}

	got = nil
	if err := runQuery(db, "ticks", "", 2, emit); err != nil {
		t.Fatalf("ticks: %v", err)
	}
	if len(got) != 2 || got[0].(tickRow).Tick != 4 {
		t.Fatalf("ticks=%v", got)
	}

	got = nil
	if err := runQuery(db, "episodes", "run-a", 10, emit); err != nil {
		t.Fatalf("episodes: %v", err)
	}
	if len(got) != 1 || string(got[0].(episodeRow).Rewards) != "[1,-1]" {
		t.Fatalf("episodes=%v", got)
	}

	got = nil
	if err := runQuery(db, "audits", "run-a", 10, emit); err != nil {
		t.Fatalf("audits: %v", err)
	}
	if len(got) != 1 || got[0].(auditRow).Action != env.AuditHandshake {
		t.Fatalf("audits=%v", got)
	}

	if err := runQuery(db, "bogus", "run-a", 10, emit); err == nil {
		t.Fatalf("expected unknown query error")
	}
}

func TestPrintAuditFilters(t *testing.T) {
	runDir := t.TempDir()
	al := persistlog.NewAuditLogger(runDir)
	_ = al.WriteAudit(env.AuditEntry{RunID: "r", Tick: 1, Action: env.AuditHandshake, ClientID: 0})
	_ = al.WriteAudit(env.AuditEntry{RunID: "r", Tick: 1, Action: env.AuditHandshake, ClientID: 1})
	_ = al.WriteAudit(env.AuditEntry{RunID: "r", Tick: 9, Action: env.AuditRelease, ClientID: 1, Reason: "disconnect"})
	_ = al.Close()

	one := protocol.ClientID(1)
	var buf bytes.Buffer
	if err := printAudit(&buf, filepath.Join(runDir, "audit"), auditFilter{ClientID: &one}); err != nil {
		t.Fatalf("printAudit: %v", err)
	}
	if n := strings.Count(buf.String(), "\n"); n != 2 {
		t.Fatalf("client filter lines=%d:\n%s", n, buf.String())
	}

	buf.Reset()
	if err := printAudit(&buf, filepath.Join(runDir, "audit"), auditFilter{Action: env.AuditRelease}); err != nil {
		t.Fatalf("printAudit: %v", err)
	}
	if !strings.Contains(buf.String(), `"reason":"disconnect"`) || strings.Count(buf.String(), "\n") != 1 {
		t.Fatalf("action filter output:\n%s", buf.String())
	}

	if err := printAudit(&buf, filepath.Join(runDir, "missing"), auditFilter{}); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}

func TestListRuns(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"b", "a"} {
		if err := os.MkdirAll(filepath.Join(root, id), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	_ = os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644)
	runs, err := listRuns(root)
	if err != nil {
		t.Fatalf("listRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs=%v", runs)
	}
}

func TestFetchState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/v1/state" {
			http.NotFound(rw, r)
			return
		}
		_, _ = rw.Write([]byte(`{"status":"SUCCESS"}`))
	}))
	defer srv.Close()

	body, code, err := fetchState(srv.URL + "/")
	if err != nil || code != 200 || !strings.Contains(string(body), "SUCCESS") {
		t.Fatalf("body=%s code=%d err=%v", body, code, err)
	}
}
