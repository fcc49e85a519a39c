package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHandshake       = "HANDSHAKE"
	TypeHandshakeResult = "HANDSHAKE_RESULT"
	TypeSample          = "SAMPLE"
	TypeSampleResult    = "SAMPLE_RESULT"
	TypeAct             = "ACT"
	TypeActResult       = "ACT_RESULT"
	TypeError           = "ERROR"
)

// AgentSlot is a simulation-native roster entry.
type AgentSlot int

// ClientID is assigned to a client by a successful handshake.
type ClientID int

// InvalidID is returned with every failed handshake. As an agent hint it means "no preference".
const InvalidID = -1

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	ReqID           string `json:"req_id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
