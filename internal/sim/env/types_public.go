package env

import (
	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/env/state"
)

// Simulation is the external collaborator driven by the update loop. Its
// methods are only ever called from the goroutine running Environment.Run.
type Simulation interface {
	// Reset starts a new episode.
	Reset() error
	// Sample reports the current observation/reward/termination of one slot.
	Sample(slot protocol.AgentSlot) (state.SlotTick, error)
	// Act applies an action to one slot.
	Act(slot protocol.AgentSlot, action []float32) error
}

// Stepper is implemented by simulations that advance in lockstep with the
// update loop. Step runs once per iteration, after pending actions are applied
// and before the slots are sampled.
type Stepper interface {
	Step() error
}

type HandshakeRequest struct {
	ObservationSize int
	ActionSize      int
	// Hint is nil when the client has no slot preference.
	Hint *protocol.AgentSlot
}

type HandshakeResult struct {
	ClientID  protocol.ClientID
	Status    protocol.Status
	Slot      protocol.AgentSlot
	SessionID string
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type EpisodeRecorder interface {
	RecordEpisode(summary EpisodeSummary)
}

type TickLogEntry struct {
	RunID   string               `json:"run_id"`
	Tick    uint64               `json:"tick"`
	Episode uint64               `json:"episode"`
	Status  protocol.Status      `json:"status"`
	Rewards []float64            `json:"rewards"`
	Ended   []protocol.AgentSlot `json:"ended,omitempty"`
	Actions int                  `json:"actions,omitempty"`
}

// Audit actions.
const (
	AuditHandshake = "HANDSHAKE"
	AuditRelease   = "RELEASE"
	AuditEpisode   = "EPISODE_END"
	AuditShutdown  = "SHUTDOWN"
)

type AuditEntry struct {
	RunID     string             `json:"run_id"`
	Tick      uint64             `json:"tick"`
	Episode   uint64             `json:"episode"`
	Action    string             `json:"action"`
	ClientID  protocol.ClientID  `json:"client_id"`
	Slot      protocol.AgentSlot `json:"slot"`
	Status    protocol.Status    `json:"status,omitempty"`
	SessionID string             `json:"session_id,omitempty"`
	Reason    string             `json:"reason,omitempty"`
}

type EpisodeSummary struct {
	RunID      string               `json:"run_id"`
	Episode    uint64               `json:"episode"`
	StartTick  uint64               `json:"start_tick"`
	EndTick    uint64               `json:"end_tick"`
	Rewards    []float64            `json:"rewards"`
	Slots      []protocol.AgentSlot `json:"slots"`
	Terminated []protocol.AgentSlot `json:"terminated,omitempty"`
	Truncated  []protocol.AgentSlot `json:"truncated,omitempty"`
}

type Metrics struct {
	RunID          string          `json:"run_id"`
	Tick           uint64          `json:"tick"`
	Episode        uint64          `json:"episode"`
	Status         protocol.Status `json:"status"`
	Slots          int             `json:"slots"`
	Clients        int             `json:"clients"`
	StepMS         float64         `json:"step_ms"`
	Handshakes     uint64          `json:"handshakes"`
	Rejected       uint64          `json:"rejected_handshakes"`
	SampleFailures uint64          `json:"sample_failures"`
	StepFailures   uint64          `json:"step_failures"`
	ResetFailures  uint64          `json:"reset_failures"`
	ActFailures    uint64          `json:"act_failures"`
}
