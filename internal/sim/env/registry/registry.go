// Package registry maps connected clients to simulation roster slots.
//
// Both directions of the mapping are kept in one struct behind one mutex, so
// no caller can observe a client without its slot or a slot without its
// client.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"icce.ai/internal/protocol"
)

var (
	ErrUnknownClient = errors.New("unknown client id")
	ErrDuplicateSlot = errors.New("slot already in roster")
	ErrFrozen        = errors.New("roster is frozen")
)

type Options struct {
	ObservationSize int
	ActionSize      int

	// StrictHint rejects a hint that names an unknown or already mapped slot
	// instead of falling back to the first free slot.
	StrictHint bool
}

type Registry struct {
	mu sync.Mutex

	opts   Options
	roster []protocol.AgentSlot
	inRost map[protocol.AgentSlot]struct{}
	frozen bool

	clientToSlot map[protocol.ClientID]protocol.AgentSlot
	slotToClient map[protocol.AgentSlot]protocol.ClientID
}

func New(opts Options) *Registry {
	return &Registry{
		opts:         opts,
		inRost:       map[protocol.AgentSlot]struct{}{},
		clientToSlot: map[protocol.ClientID]protocol.AgentSlot{},
		slotToClient: map[protocol.AgentSlot]protocol.ClientID{},
	}
}

// AddSlot appends a slot to the roster. Roster order decides default allocation.
func (r *Registry) AddSlot(slot protocol.AgentSlot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, ok := r.inRost[slot]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateSlot, slot)
	}
	r.roster = append(r.roster, slot)
	r.inRost[slot] = struct{}{}
	return nil
}

// Freeze fixes the roster size for the rest of the run.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Roster returns the slots in roster order.
func (r *Registry) Roster() []protocol.AgentSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.AgentSlot(nil), r.roster...)
}

// Register validates the caller's shapes and maps a fresh client id to a slot.
// hint may be nil. The slot is only meaningful when the status is SUCCESS.
func (r *Registry) Register(observationSize, actionSize int, hint *protocol.AgentSlot) (protocol.ClientID, protocol.AgentSlot, protocol.Status) {
	if observationSize != r.opts.ObservationSize {
		return protocol.InvalidID, 0, protocol.StatusObservationSizeError
	}
	if actionSize != r.opts.ActionSize {
		return protocol.InvalidID, 0, protocol.StatusActionSizeError
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.freeIDLocked()
	if !ok {
		return protocol.InvalidID, 0, protocol.StatusIDAllocationError
	}
	slot, ok := r.pickSlotLocked(hint)
	if !ok {
		return protocol.InvalidID, 0, protocol.StatusAgentAllocationError
	}

	r.clientToSlot[id] = slot
	r.slotToClient[slot] = id
	return id, slot, protocol.StatusSuccess
}

// freeIDLocked returns the lowest unused id. Ids stay below the roster size.
func (r *Registry) freeIDLocked() (protocol.ClientID, bool) {
	if len(r.clientToSlot) >= len(r.roster) {
		return protocol.InvalidID, false
	}
	for id := protocol.ClientID(0); int(id) < len(r.roster); id++ {
		if _, used := r.clientToSlot[id]; !used {
			return id, true
		}
	}
	return protocol.InvalidID, false
}

func (r *Registry) pickSlotLocked(hint *protocol.AgentSlot) (protocol.AgentSlot, bool) {
	if hint != nil {
		_, known := r.inRost[*hint]
		_, taken := r.slotToClient[*hint]
		if known && !taken {
			return *hint, true
		}
		if r.opts.StrictHint {
			return 0, false
		}
	}
	for _, slot := range r.roster {
		if _, taken := r.slotToClient[slot]; !taken {
			return slot, true
		}
	}
	return 0, false
}

// Resolve returns the slot mapped to id.
func (r *Registry) Resolve(id protocol.ClientID) (protocol.AgentSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.clientToSlot[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}
	return slot, nil
}

// Unregister drops both directions of id's mapping, freeing the id and its
// slot. It returns the slot id was mapped to.
func (r *Registry) Unregister(id protocol.ClientID) (protocol.AgentSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.clientToSlot[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}
	delete(r.clientToSlot, id)
	delete(r.slotToClient, slot)
	return slot, nil
}

// Len is the number of mapped clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clientToSlot)
}

// Mapped returns a copy of the client -> slot mapping.
func (r *Registry) Mapped() map[protocol.ClientID]protocol.AgentSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[protocol.ClientID]protocol.AgentSlot, len(r.clientToSlot))
	for id, slot := range r.clientToSlot {
		out[id] = slot
	}
	return out
}

// ClientFor returns the client mapped to slot, if any.
func (r *Registry) ClientFor(slot protocol.AgentSlot) (protocol.ClientID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.slotToClient[slot]
	return id, ok
}
