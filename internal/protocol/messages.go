package protocol

// HANDSHAKE (client -> server)
type HandshakeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	ObservationSize int    `json:"observation_size"`
	ActionSize      int    `json:"action_size"`
	AgentHint       *int   `json:"agent_hint,omitempty"`
}

// Hint returns the requested slot, or false when the client has no preference.
func (m HandshakeMsg) Hint() (AgentSlot, bool) {
	if m.AgentHint == nil || *m.AgentHint == InvalidID {
		return 0, false
	}
	return AgentSlot(*m.AgentHint), true
}

// HANDSHAKE_RESULT (server -> client)
type HandshakeResultMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ReqID           string   `json:"req_id"`
	ClientID        ClientID `json:"client_id"`
	Status          Status   `json:"status"`
	SessionID       string   `json:"session_id,omitempty"`
	RunID           string   `json:"run_id,omitempty"`
	TickRateHz      float64  `json:"tick_rate_hz,omitempty"`
}

// SAMPLE (client -> server)
type SampleMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ReqID           string   `json:"req_id"`
	ClientID        ClientID `json:"client_id"`
}

// SAMPLE_RESULT (server -> client). Observation is a little-endian float32 array.
type SampleResultMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	ReqID           string         `json:"req_id"`
	Observation     []byte         `json:"observation"`
	Reward          float64        `json:"reward"`
	Terminated      bool           `json:"terminated"`
	Truncated       bool           `json:"truncated"`
	Info            map[string]any `json:"info,omitempty"`
	Episode         uint64         `json:"episode"`
	Status          Status         `json:"status"`
	Tick            uint64         `json:"tick"`
}

// ACT (client -> server). Action is a little-endian float32 array.
type ActMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ReqID           string   `json:"req_id"`
	ClientID        ClientID `json:"client_id"`
	Action          []byte   `json:"action"`
}

// ACT_RESULT (server -> client)
type ActResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	Status          Status `json:"status"`
}

// ERROR (server -> client): the call was rejected and has no status result.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}
