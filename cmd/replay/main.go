package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	persistlog "icce.ai/internal/persistence/log"
	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/env"
)

func main() {
	var (
		runDir   = flag.String("run", "", "run directory containing events/ and episodes/")
		fromTick = flag.Uint64("from_tick", 0, "start verifying from tick (inclusive, optional)")
		toTick   = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
		verbose  = flag.Bool("v", false, "print one line per episode")
	)
	flag.Parse()

	if *runDir == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
		os.Exit(2)
	}

	files, err := persistlog.Files(filepath.Join(*runDir, "events"), "events")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", *runDir)
		os.Exit(1)
	}

	v := &tickVerifier{from: *fromTick, to: *toTick}
	for _, path := range files {
		if err := persistlog.ReadJSONL(path, v.line); err != nil {
			fmt.Fprintf(os.Stderr, "replay: %s: %v\n", filepath.Base(path), err)
			os.Exit(1)
		}
	}

	episodes, err := readEpisodes(filepath.Join(*runDir, "episodes"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "episodes:", err)
		os.Exit(1)
	}
	if err := v.checkEpisodes(episodes); err != nil {
		fmt.Fprintln(os.Stderr, "episodes:", err)
		os.Exit(1)
	}
	if *verbose {
		for _, s := range episodes {
			fmt.Printf("episode %d ticks=%d..%d rewards=%v terminated=%v truncated=%v\n",
				s.Episode, s.StartTick, s.EndTick, s.Rewards, s.Terminated, s.Truncated)
		}
	}
	fmt.Printf("replay ok: run=%s checked=%d ticks episodes=%d done_ticks=%d\n", v.runID, v.checked, len(episodes), v.done)
}

// tickVerifier checks the shared-state invariants a tick log must satisfy:
// ticks strictly increase, the episode counter only moves forward by one and
// only after a DONE tick, and ticks inside an episode are consecutive.
type tickVerifier struct {
	from, to uint64

	runID   string
	checked uint64
	done    uint64

	have bool
	last env.TickLogEntry

	// DONE ticks by episode, for cross-checking episode summaries.
	doneAt map[uint64]uint64
}

func (v *tickVerifier) line(b []byte) error {
	var e env.TickLogEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if e.Tick < v.from || (v.to != 0 && e.Tick > v.to) {
		return nil
	}
	return v.add(e)
}

func (v *tickVerifier) add(e env.TickLogEntry) error {
	if v.runID == "" {
		v.runID = e.RunID
	} else if e.RunID != v.runID {
		return fmt.Errorf("tick %d: run_id %s, want %s", e.Tick, e.RunID, v.runID)
	}
	switch e.Status {
	case protocol.StatusSuccess, protocol.StatusDone:
	default:
		return fmt.Errorf("tick %d: unexpected logged status %s", e.Tick, e.Status)
	}
	if (e.Status == protocol.StatusDone) != (len(e.Ended) > 0) {
		return fmt.Errorf("tick %d: status %s with ended=%v", e.Tick, e.Status, e.Ended)
	}

	if v.have {
		p := v.last
		if e.Tick <= p.Tick {
			return fmt.Errorf("tick %d after %d: ticks must strictly increase", e.Tick, p.Tick)
		}
		switch {
		case e.Episode == p.Episode:
			if p.Status == protocol.StatusDone {
				return fmt.Errorf("tick %d: episode %d continued after DONE at tick %d", e.Tick, e.Episode, p.Tick)
			}
			if v.from == 0 && e.Tick != p.Tick+1 {
				return fmt.Errorf("tick %d after %d: gap inside episode %d", e.Tick, p.Tick, e.Episode)
			}
		case e.Episode == p.Episode+1:
			if p.Status != protocol.StatusDone {
				return fmt.Errorf("tick %d: episode advanced to %d without DONE", e.Tick, e.Episode)
			}
		default:
			return fmt.Errorf("tick %d: episode %d after %d", e.Tick, e.Episode, p.Episode)
		}
	}

	if e.Status == protocol.StatusDone {
		v.done++
		if v.doneAt == nil {
			v.doneAt = make(map[uint64]uint64)
		}
		v.doneAt[e.Episode] = e.Tick
	}
	v.last = e
	v.have = true
	v.checked++
	return nil
}

// checkEpisodes matches every summary to the DONE tick that ended it.
func (v *tickVerifier) checkEpisodes(sums []env.EpisodeSummary) error {
	for _, s := range sums {
		if s.EndTick < v.from || (v.to != 0 && s.EndTick > v.to) {
			continue
		}
		at, ok := v.doneAt[s.Episode]
		if !ok {
			return fmt.Errorf("episode %d: no DONE tick logged", s.Episode)
		}
		if at != s.EndTick {
			return fmt.Errorf("episode %d: summary ends at tick %d, DONE logged at %d", s.Episode, s.EndTick, at)
		}
		if s.StartTick > s.EndTick {
			return fmt.Errorf("episode %d: start %d after end %d", s.Episode, s.StartTick, s.EndTick)
		}
	}
	return nil
}

func readEpisodes(dir string) ([]env.EpisodeSummary, error) {
	files, err := persistlog.Files(dir, "episodes")
	if err != nil {
		return nil, err
	}
	var out []env.EpisodeSummary
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(b []byte) error {
			var s env.EpisodeSummary
			if err := json.Unmarshal(b, &s); err != nil {
				return err
			}
			out = append(out, s)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return out, nil
}
