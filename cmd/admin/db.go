package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index/icce.sqlite", "sqlite index path")
	runID := fs.String("run", "", "run id (optional; defaults to the latest run)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "runs"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := runQuery(db, q, *runID, *limit, printJSON); err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
}

type runRow struct {
	RunID        string `json:"run_id"`
	ConfigDigest string `json:"config_digest"`
	StartedAt    string `json:"started_at"`
	Episodes     int    `json:"episodes"`
	Ticks        int    `json:"ticks"`
}

type episodeRow struct {
	Episode    int64           `json:"episode"`
	StartTick  int64           `json:"start_tick"`
	EndTick    int64           `json:"end_tick"`
	Rewards    json.RawMessage `json:"rewards"`
	Terminated json.RawMessage `json:"terminated"`
	Truncated  json.RawMessage `json:"truncated"`
}

type tickRow struct {
	Tick    int64 `json:"tick"`
	Episode int64 `json:"episode"`
	Status  int   `json:"status"`
	Actions int   `json:"actions"`
	Ended   int   `json:"ended"`
}

type auditRow struct {
	Tick      int64  `json:"tick"`
	Seq       int    `json:"seq"`
	Action    string `json:"action"`
	ClientID  int    `json:"client_id"`
	Slot      int    `json:"slot"`
	Status    int    `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// runQuery emits one row per result, newest first.
func runQuery(db *sql.DB, q, runID string, limit int, emit func(any)) error {
	if limit <= 0 {
		limit = 20
	}
	if q != "runs" && runID == "" {
		id, err := latestRun(db)
		if err != nil {
			return err
		}
		runID = id
	}

	switch q {
	case "runs":
		rows, err := db.Query(`SELECT r.run_id, r.config_digest, r.started_at,
			(SELECT COUNT(*) FROM episodes e WHERE e.run_id=r.run_id),
			(SELECT COUNT(*) FROM ticks t WHERE t.run_id=r.run_id)
			FROM runs r ORDER BY r.started_at DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r runRow
			if err := rows.Scan(&r.RunID, &r.ConfigDigest, &r.StartedAt, &r.Episodes, &r.Ticks); err != nil {
				return err
			}
			emit(r)
		}
		return rows.Err()

	case "episodes":
		rows, err := db.Query(`SELECT episode,start_tick,end_tick,rewards_json,terminated_json,truncated_json FROM episodes WHERE run_id=? ORDER BY episode DESC LIMIT ?`, runID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r                episodeRow
				rew, term, trunc string
			)
			if err := rows.Scan(&r.Episode, &r.StartTick, &r.EndTick, &rew, &term, &trunc); err != nil {
				return err
			}
			r.Rewards, r.Terminated, r.Truncated = json.RawMessage(rew), json.RawMessage(term), json.RawMessage(trunc)
			emit(r)
		}
		return rows.Err()

	case "ticks":
		rows, err := db.Query(`SELECT tick,episode,status,actions,ended FROM ticks WHERE run_id=? ORDER BY tick DESC LIMIT ?`, runID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r tickRow
			if err := rows.Scan(&r.Tick, &r.Episode, &r.Status, &r.Actions, &r.Ended); err != nil {
				return err
			}
			emit(r)
		}
		return rows.Err()

	case "audits":
		rows, err := db.Query(`SELECT tick,seq,action,client_id,slot,status,COALESCE(session_id,''),COALESCE(reason,'') FROM audits WHERE run_id=? ORDER BY tick DESC, seq DESC LIMIT ?`, runID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r auditRow
			if err := rows.Scan(&r.Tick, &r.Seq, &r.Action, &r.ClientID, &r.Slot, &r.Status, &r.SessionID, &r.Reason); err != nil {
				return err
			}
			emit(r)
		}
		return rows.Err()

	default:
		return fmt.Errorf("unknown query %q (runs|episodes|ticks|audits)", q)
	}
}

func latestRun(db *sql.DB) (string, error) {
	var id sql.NullString
	if err := db.QueryRow(`SELECT run_id FROM runs ORDER BY started_at DESC LIMIT 1`).Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("no runs recorded")
		}
		return "", err
	}
	return id.String, nil
}
