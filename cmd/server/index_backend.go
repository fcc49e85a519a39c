package main

import (
	"fmt"
	"os"
	"strings"

	"icce.ai/internal/persistence/indexdb"
	"icce.ai/internal/sim/env"
)

type runtimeIndex interface {
	env.TickLogger
	env.AuditLogger
	env.EpisodeRecorder
	Close() error
	RecordRun(runID string, config any) error
	Stats() indexdb.QueueStats
}

func openRuntimeIndex(path string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("ICCE_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		idx, err := indexdb.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported ICCE_INDEX_BACKEND: %s", backend)
	}
}

// The run logs and the index each receive every record; either side may be nil.

type multiTickLogger struct{ a, b env.TickLogger }

func (m multiTickLogger) WriteTick(entry env.TickLogEntry) error {
	var err error
	if m.a != nil {
		err = m.a.WriteTick(entry)
	}
	if m.b != nil {
		if err2 := m.b.WriteTick(entry); err == nil {
			err = err2
		}
	}
	return err
}

type multiAuditLogger struct{ a, b env.AuditLogger }

func (m multiAuditLogger) WriteAudit(entry env.AuditEntry) error {
	var err error
	if m.a != nil {
		err = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		if err2 := m.b.WriteAudit(entry); err == nil {
			err = err2
		}
	}
	return err
}

type multiEpisodeRecorder struct{ a, b env.EpisodeRecorder }

func (m multiEpisodeRecorder) RecordEpisode(summary env.EpisodeSummary) {
	if m.a != nil {
		m.a.RecordEpisode(summary)
	}
	if m.b != nil {
		m.b.RecordEpisode(summary)
	}
}
