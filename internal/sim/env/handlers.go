package env

import (
	"fmt"

	"github.com/google/uuid"

	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/env/state"
)

// The handlers below are called concurrently by the transport's workers.
// They only touch the registry and the tick table, never the simulation.

// Handshake validates a client's shapes and binds it to a roster slot.
func (e *Environment) Handshake(req HandshakeRequest) HandshakeResult {
	id, slot, st := e.reg.Register(req.ObservationSize, req.ActionSize, req.Hint)
	res := HandshakeResult{ClientID: id, Status: st}
	_, ep := e.table.Status()

	if st != protocol.StatusSuccess {
		e.rejected.Add(1)
		e.log.Printf("handshake rejected: obs=%d act=%d status=%s (%s)", req.ObservationSize, req.ActionSize, st, st.Describe())
		e.audit(AuditEntry{Episode: ep, Action: AuditHandshake, ClientID: id, Status: st, Reason: st.Describe()})
		return res
	}

	res.Slot = slot
	res.SessionID = uuid.NewString()
	e.handshakes.Add(1)
	e.log.Printf("client %d bound to slot %d (session %s)", id, slot, res.SessionID)
	e.audit(AuditEntry{Episode: ep, Action: AuditHandshake, ClientID: id, Slot: slot, Status: st, SessionID: res.SessionID})
	return res
}

// Sample returns the latest tick of the client's slot together with the global status.
func (e *Environment) Sample(id protocol.ClientID) (state.Snapshot, error) {
	slot, err := e.reg.Resolve(id)
	if err != nil {
		return state.Snapshot{}, err
	}
	return e.table.Sample(slot)
}

// Act stores the client's action for the next update-loop iteration.
func (e *Environment) Act(id protocol.ClientID, action []float32) (protocol.Status, error) {
	slot, err := e.reg.Resolve(id)
	if err != nil {
		return 0, err
	}
	if len(action) != e.cfg.ActionSize {
		return 0, fmt.Errorf("%w: got %d want %d", ErrActionSize, len(action), e.cfg.ActionSize)
	}
	if err := e.table.SetAction(slot, action); err != nil {
		return 0, err
	}
	return protocol.StatusSuccess, nil
}

// Release unregisters a client, freeing its id and slot for a later handshake.
func (e *Environment) Release(id protocol.ClientID, reason string) error {
	slot, err := e.reg.Unregister(id)
	if err != nil {
		return err
	}
	// A pending action belongs to the departing client, not the slot's next owner.
	e.table.ClearAction(slot)
	_, ep := e.table.Status()
	e.log.Printf("client %d released from slot %d: %s", id, slot, reason)
	e.audit(AuditEntry{Episode: ep, Action: AuditRelease, ClientID: id, Slot: slot, Reason: reason})
	return nil
}
