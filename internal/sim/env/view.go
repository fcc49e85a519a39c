package env

import "icce.ai/internal/protocol"

// SlotView is one roster slot as seen by an observer.
type SlotView struct {
	Slot protocol.AgentSlot `json:"slot"`
	// ClientID is protocol.InvalidID while the slot is free.
	ClientID    protocol.ClientID `json:"client_id"`
	Observation []float32         `json:"observation,omitempty"`
	Reward      float64           `json:"reward"`
	Terminated  bool              `json:"terminated"`
	Truncated   bool              `json:"truncated"`
}

// View is a read-only picture of every slot for spectators. It never touches
// the simulation.
type View struct {
	RunID   string          `json:"run_id"`
	Tick    uint64          `json:"tick"`
	Episode uint64          `json:"episode"`
	Status  protocol.Status `json:"status"`
	Slots   []SlotView      `json:"slots"`
}

func (e *Environment) View() View {
	ticks, tick := e.table.SampleAll()
	st, ep := e.table.Status()
	v := View{RunID: e.runID, Tick: tick, Episode: ep, Status: st, Slots: make([]SlotView, len(e.cfg.Roster))}
	for i, slot := range e.cfg.Roster {
		sv := SlotView{Slot: slot, ClientID: protocol.InvalidID}
		if id, ok := e.reg.ClientFor(slot); ok {
			sv.ClientID = id
		}
		if i < len(ticks) {
			tk := ticks[i]
			sv.Observation = tk.Observation
			sv.Reward = tk.Reward
			sv.Terminated = tk.Terminated
			sv.Truncated = tk.Truncated
		}
		v.Slots[i] = sv
	}
	return v
}
