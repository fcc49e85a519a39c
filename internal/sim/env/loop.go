package env

import (
	"context"
	"fmt"
	"math"
	"time"

	"icce.ai/internal/pacing"
	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/env/state"
)

// Run drives the simulation until MaxEpisodes episodes have completed or ctx
// is cancelled, then holds SHUTDOWN for the shutdown grace so connected
// clients can observe it. Run can only be called once.
func (e *Environment) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.done)

	e.log.Printf("run %s: slots=%v frequency=%.1fHz max_episodes=%d", e.runID, e.cfg.Roster, e.cfg.FrequencyHz, e.cfg.MaxEpisodes)
	err := e.loop(ctx)
	e.shutdown()
	return err
}

func (e *Environment) loop(ctx context.Context) error {
	pacer := pacing.New(e.cfg.FrequencyHz)

	// First episode: keep trying until the simulation resets and every slot samples.
	for {
		pacer.Begin()
		ticks, err := e.resetAndSample()
		if err == nil {
			if err := e.table.Publish(ticks, protocol.StatusSuccess); err != nil {
				return err
			}
			e.beginEpisode()
			e.log.Printf("episode 0 started")
			break
		}
		e.log.Printf("initial reset: %v", err)
		if err := pacer.Wait(ctx); err != nil {
			return err
		}
	}

	for !e.finished() {
		if err := ctx.Err(); err != nil {
			return err
		}
		pacer.Begin()
		if err := e.step(ctx); err != nil {
			return err
		}
		e.stepNanos.Store(int64(pacer.Elapsed()))
		if err := pacer.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Environment) finished() bool {
	if e.cfg.MaxEpisodes <= 0 {
		return false
	}
	_, ep := e.table.Status()
	return ep >= uint64(e.cfg.MaxEpisodes)
}

// step is one update-loop iteration. Only cancellation is returned as an error;
// simulation failures are logged and retried on the next iteration.
func (e *Environment) step(ctx context.Context) error {
	if e.pendingRollover {
		e.rollover()
		return nil
	}

	actions := e.forwardActions()

	if st, ok := e.sim.(Stepper); ok {
		if err := st.Step(); err != nil {
			e.stepFailures.Add(1)
			e.log.Printf("tick aborted: step: %v", err)
			return nil
		}
	}

	ticks, err := e.sampleAll()
	if err != nil {
		e.sampleFailures.Add(1)
		e.log.Printf("tick aborted: %v", err)
		return nil
	}

	status := protocol.StatusSuccess
	ended := endedSlots(e.cfg.Roster, ticks)
	if len(ended) > 0 {
		status = protocol.StatusDone
	}
	if err := e.table.Publish(ticks, status); err != nil {
		return err
	}
	for i, tk := range ticks {
		e.episodeRewards[i] += tk.Reward
	}
	e.writeTick(ticks, status, ended, actions)

	if status != protocol.StatusDone {
		return nil
	}

	e.endEpisode(ticks)
	e.pendingRollover = true
	if err := pacing.Sleep(ctx, e.cfg.TimeBetweenEpisodes); err != nil {
		return err
	}
	e.rollover()
	return nil
}

// rollover resets the simulation and publishes the next episode's first tick.
// On failure the status stays DONE and the next iteration tries again.
func (e *Environment) rollover() {
	ticks, err := e.resetAndSample()
	if err != nil {
		e.log.Printf("episode rollover: %v", err)
		return
	}
	ep, err := e.table.Rollover(ticks)
	if err != nil {
		e.log.Printf("episode rollover: %v", err)
		return
	}
	e.pendingRollover = false
	e.beginEpisode()
	e.log.Printf("episode %d started", ep)
}

func (e *Environment) resetAndSample() ([]state.SlotTick, error) {
	if err := e.sim.Reset(); err != nil {
		e.resetFailures.Add(1)
		return nil, fmt.Errorf("reset: %w", err)
	}
	// Actions chosen against the previous episode must not leak into this one.
	e.table.ClearActions()
	ticks, err := e.sampleAll()
	if err != nil {
		e.sampleFailures.Add(1)
		return nil, err
	}
	return ticks, nil
}

func (e *Environment) sampleAll() ([]state.SlotTick, error) {
	ticks := make([]state.SlotTick, len(e.cfg.Roster))
	for i, slot := range e.cfg.Roster {
		tk, err := e.sim.Sample(slot)
		if err != nil {
			return nil, fmt.Errorf("sample slot %d: %w", slot, err)
		}
		if !finite(tk) {
			return nil, fmt.Errorf("sample slot %d: %w", slot, ErrNonFinite)
		}
		ticks[i] = tk
	}
	return ticks, nil
}

func (e *Environment) forwardActions() int {
	actions := e.table.TakeActions()
	for _, a := range actions {
		if err := e.sim.Act(a.Slot, a.Values); err != nil {
			e.actFailures.Add(1)
			e.log.Printf("act slot %d: %v", a.Slot, err)
		}
	}
	return len(actions)
}

func (e *Environment) beginEpisode() {
	e.episodeStart = e.table.Tick()
	for i := range e.episodeRewards {
		e.episodeRewards[i] = 0
	}
}

func (e *Environment) endEpisode(ticks []state.SlotTick) {
	_, ep := e.table.Status()
	summary := EpisodeSummary{
		RunID:     e.runID,
		Episode:   ep,
		StartTick: e.episodeStart,
		EndTick:   e.table.Tick(),
		Rewards:   append([]float64(nil), e.episodeRewards...),
		Slots:     append([]protocol.AgentSlot(nil), e.cfg.Roster...),
	}
	for i, tk := range ticks {
		if tk.Terminated {
			summary.Terminated = append(summary.Terminated, e.cfg.Roster[i])
		}
		if tk.Truncated {
			summary.Truncated = append(summary.Truncated, e.cfg.Roster[i])
		}
	}
	e.log.Printf("episode %d done after %d ticks: rewards=%v terminated=%v truncated=%v",
		ep, summary.EndTick-summary.StartTick, summary.Rewards, summary.Terminated, summary.Truncated)
	if e.episodes != nil {
		e.episodes.RecordEpisode(summary)
	}
	e.audit(AuditEntry{Tick: summary.EndTick, Episode: ep, Action: AuditEpisode, ClientID: protocol.InvalidID, Status: protocol.StatusDone})
}

func (e *Environment) writeTick(ticks []state.SlotTick, status protocol.Status, ended []protocol.AgentSlot, actions int) {
	if e.tickLogger == nil {
		return
	}
	_, ep := e.table.Status()
	rewards := make([]float64, len(ticks))
	for i, tk := range ticks {
		rewards[i] = tk.Reward
	}
	entry := TickLogEntry{
		RunID:   e.runID,
		Tick:    e.table.Tick(),
		Episode: ep,
		Status:  status,
		Rewards: rewards,
		Ended:   ended,
		Actions: actions,
	}
	if err := e.tickLogger.WriteTick(entry); err != nil {
		e.log.Printf("tick log: %v", err)
	}
}

func (e *Environment) shutdown() {
	e.table.SetStatus(protocol.StatusShutdown)
	_, ep := e.table.Status()
	e.log.Printf("shutting down after %d episodes; holding SHUTDOWN for %s", ep, e.cfg.ShutdownGrace)
	e.audit(AuditEntry{Episode: ep, Action: AuditShutdown, ClientID: protocol.InvalidID, Status: protocol.StatusShutdown})
	if e.cfg.ShutdownGrace > 0 {
		time.Sleep(e.cfg.ShutdownGrace)
	}
}

func finite(tk state.SlotTick) bool {
	if math.IsNaN(tk.Reward) || math.IsInf(tk.Reward, 0) {
		return false
	}
	for _, v := range tk.Observation {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func endedSlots(roster []protocol.AgentSlot, ticks []state.SlotTick) []protocol.AgentSlot {
	var out []protocol.AgentSlot
	for i, tk := range ticks {
		if tk.Ended() {
			out = append(out, roster[i])
		}
	}
	return out
}
