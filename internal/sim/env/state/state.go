// Package state holds the per-slot tick table shared between the update loop
// (single writer) and the protocol handlers (many readers).
package state

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"icce.ai/internal/protocol"
)

var (
	ErrUnknownSlot = errors.New("slot not in table")
	ErrSlotCount   = errors.New("tick does not cover every slot")
)

// SlotTick is what the simulation reports for one slot on one tick.
type SlotTick struct {
	Observation []float32
	Reward      float64
	Terminated  bool
	Truncated   bool
	Info        map[string]any
}

// Ended reports whether the slot's episode is over.
func (t SlotTick) Ended() bool { return t.Terminated || t.Truncated }

func (t SlotTick) clone() SlotTick {
	out := t
	out.Observation = append([]float32(nil), t.Observation...)
	if t.Info != nil {
		out.Info = maps.Clone(t.Info)
	}
	return out
}

// Snapshot is one slot's view of the table at a single point in time.
type Snapshot struct {
	SlotTick
	Status  protocol.Status
	Episode uint64
	// Tick is the sequence number of the publish that produced SlotTick.
	Tick uint64
}

// Action is a pending per-slot action.
type Action struct {
	Slot   protocol.AgentSlot
	Values []float32
}

type actionBuf struct {
	values  []float32
	pending bool
}

type Table struct {
	mu sync.RWMutex

	slots   []protocol.AgentSlot
	index   map[protocol.AgentSlot]int
	ticks   []SlotTick
	actions []actionBuf

	status  protocol.Status
	episode uint64
	tick    uint64
}

// New builds a table for a fixed roster. The initial status is WAIT.
func New(slots []protocol.AgentSlot) *Table {
	t := &Table{
		slots:   append([]protocol.AgentSlot(nil), slots...),
		index:   make(map[protocol.AgentSlot]int, len(slots)),
		ticks:   make([]SlotTick, len(slots)),
		actions: make([]actionBuf, len(slots)),
		status:  protocol.StatusWait,
	}
	for i, s := range slots {
		t.index[s] = i
	}
	return t
}

// Slots returns the roster in table order.
func (t *Table) Slots() []protocol.AgentSlot {
	return append([]protocol.AgentSlot(nil), t.slots...)
}

// Publish replaces every slot's tick and the global status in one critical section.
// ticks must be in Slots() order.
func (t *Table) Publish(ticks []SlotTick, status protocol.Status) error {
	if len(ticks) != len(t.slots) {
		return fmt.Errorf("%w: got %d want %d", ErrSlotCount, len(ticks), len(t.slots))
	}
	copied := cloneAll(ticks)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticks = copied
	t.status = status
	t.tick++
	return nil
}

// Rollover publishes the first tick of the next episode: status goes back to
// SUCCESS and the episode counter is incremented, together with the tick data.
func (t *Table) Rollover(ticks []SlotTick) (uint64, error) {
	if len(ticks) != len(t.slots) {
		return 0, fmt.Errorf("%w: got %d want %d", ErrSlotCount, len(ticks), len(t.slots))
	}
	copied := cloneAll(ticks)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ticks = copied
	t.status = protocol.StatusSuccess
	t.episode++
	t.tick++
	return t.episode, nil
}

func (t *Table) SetStatus(status protocol.Status) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

// Status returns the global status and episode.
func (t *Table) Status() (protocol.Status, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status, t.episode
}

// Tick returns the sequence number of the latest publish.
func (t *Table) Tick() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tick
}

// Sample returns a private copy of slot's latest tick with the global status.
func (t *Table) Sample(slot protocol.AgentSlot) (Snapshot, error) {
	i, ok := t.index[slot]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		SlotTick: t.ticks[i].clone(),
		Status:   t.status,
		Episode:  t.episode,
		Tick:     t.tick,
	}, nil
}

// SampleAll returns a copy of every slot's tick from the same publish.
func (t *Table) SampleAll() ([]SlotTick, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneAll(t.ticks), t.tick
}

// SetAction stores the latest action for slot until the update loop takes it.
func (t *Table) SetAction(slot protocol.AgentSlot, action []float32) error {
	i, ok := t.index[slot]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	buf := &t.actions[i]
	buf.values = append(buf.values[:0], action...)
	buf.pending = true
	return nil
}

// TakeActions returns the actions set since the last call, in slot order.
func (t *Table) TakeActions() []Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Action
	for i := range t.actions {
		buf := &t.actions[i]
		if !buf.pending {
			continue
		}
		out = append(out, Action{Slot: t.slots[i], Values: append([]float32(nil), buf.values...)})
		buf.pending = false
	}
	return out
}

// ClearAction drops slot's pending action, if any.
func (t *Table) ClearAction(slot protocol.AgentSlot) {
	i, ok := t.index[slot]
	if !ok {
		return
	}
	t.mu.Lock()
	t.actions[i].pending = false
	t.mu.Unlock()
}

// ClearActions drops every pending action.
func (t *Table) ClearActions() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.actions {
		t.actions[i].pending = false
	}
}

func cloneAll(ticks []SlotTick) []SlotTick {
	out := make([]SlotTick, len(ticks))
	for i, tk := range ticks {
		out[i] = tk.clone()
	}
	return out
}
