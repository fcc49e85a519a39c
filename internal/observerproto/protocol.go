// Package observerproto defines the read-only spectator stream served next to
// the agent protocol.
package observerproto

import "icce.ai/internal/protocol"

// Version is the observer protocol version (separate from the agent WS protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeTick      = "TICK"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// MaxHz caps how often TICK messages are sent. Zero means the environment rate.
	MaxHz float64 `json:"max_hz,omitempty"`
	// Observations includes each slot's observation vector.
	Observations bool `json:"observations,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string    `json:"protocol_version"`
	RunID           string    `json:"run_id"`
	Tick            uint64    `json:"tick"`
	EnvParams       EnvParams `json:"env_params"`
}

type EnvParams struct {
	TickRateHz      float64              `json:"tick_rate_hz"`
	ObservationSize int                  `json:"observation_size"`
	ActionSize      int                  `json:"action_size"`
	Roster          []protocol.AgentSlot `json:"roster"`
	MaxEpisodes     int                  `json:"max_episodes"`
}

// Server -> Client. Sent when the shared state has advanced.
type TickMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	RunID           string          `json:"run_id"`
	Tick            uint64          `json:"tick"`
	Episode         uint64          `json:"episode"`
	Status          string          `json:"status"`
	StatusCode      protocol.Status `json:"status_code"`
	Slots           []SlotState     `json:"slots"`
}

type SlotState struct {
	Slot        protocol.AgentSlot `json:"slot"`
	ClientID    protocol.ClientID  `json:"client_id"`
	Reward      float64            `json:"reward"`
	Terminated  bool               `json:"terminated"`
	Truncated   bool               `json:"truncated"`
	Observation []float32          `json:"observation,omitempty"`
}
