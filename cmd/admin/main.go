package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	persistlog "icce.ai/internal/persistence/log"
	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/env"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	logDir := fs.String("logs", "./data/logs", "tick log root (one directory per run)")
	_ = fs.Parse(args)

	runs, err := listRuns(*logDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, r := range runs {
		fmt.Println(r)
	}
}

// listRuns returns the run ids under root, oldest first by modification time.
func listRuns(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	type run struct {
		id  string
		mod int64
	}
	var runs []run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, run{id: e.Name(), mod: info.ModTime().UnixNano()})
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].mod != runs[j].mod {
			return runs[i].mod < runs[j].mod
		}
		return runs[i].id < runs[j].id
	})
	out := make([]string, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.id)
	}
	return out, nil
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	logDir := fs.String("logs", "./data/logs", "tick log root")
	runID := fs.String("run", "", "run id (required)")
	clientID := fs.Int("client", protocol.InvalidID, "client id filter (-1 for all)")
	action := fs.String("action", "", "action filter (HANDSHAKE, RELEASE, EPISODE_END, SHUTDOWN)")
	_ = fs.Parse(args)

	if *runID == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}
	f := auditFilter{Action: *action}
	if *clientID != protocol.InvalidID {
		id := protocol.ClientID(*clientID)
		f.ClientID = &id
	}
	if err := printAudit(os.Stdout, filepath.Join(*logDir, *runID, "audit"), f); err != nil {
		fmt.Fprintln(os.Stderr, "audit:", err)
		os.Exit(1)
	}
}

type auditFilter struct {
	ClientID *protocol.ClientID
	Action   string
}

func (f auditFilter) match(e env.AuditEntry) bool {
	if f.ClientID != nil && e.ClientID != *f.ClientID {
		return false
	}
	return f.Action == "" || e.Action == f.Action
}

func printAudit(w io.Writer, dir string, f auditFilter) error {
	files, err := persistlog.Files(dir, "audit")
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no audit files in %s", dir)
	}
	enc := json.NewEncoder(w)
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(b []byte) error {
			var e env.AuditEntry
			if err := json.Unmarshal(b, &e); err != nil {
				return err
			}
			if !f.match(e) {
				return nil
			}
			return enc.Encode(e)
		})
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
