// Package agent drives one client through the handshake and the paced
// act/sample loop against an environment endpoint.
package agent

import (
	"context"
	"fmt"

	"icce.ai/internal/protocol"
)

// Sample is one decoded SAMPLE_RESULT.
type Sample struct {
	Observation []float32
	Reward      float64
	Terminated  bool
	Truncated   bool
	Info        map[string]any
	Episode     uint64
	Status      protocol.Status
	Tick        uint64
}

type HandshakeRequest struct {
	ObservationSize int
	ActionSize      int
	Hint            *protocol.AgentSlot
}

type HandshakeReply struct {
	ClientID   protocol.ClientID
	Status     protocol.Status
	SessionID  string
	RunID      string
	TickRateHz float64
}

// Endpoint is the client's view of the environment. Errors are transport
// failures or rejected calls; protocol statuses travel in the replies.
type Endpoint interface {
	Handshake(ctx context.Context, req HandshakeRequest) (HandshakeReply, error)
	Sample(ctx context.Context, id protocol.ClientID) (Sample, error)
	Act(ctx context.Context, id protocol.ClientID, action []float32) (protocol.Status, error)
}

// Policy is the user decision logic.
type Policy interface {
	Act(s Sample) []float32
	PostSample(s Sample)
	PostEpisode(s Sample)
}

// Shutdowner is implemented by policies that have work to flush when the
// environment shuts down.
type Shutdowner interface {
	Shutdown() error
}

// HandshakeError reports a handshake the environment refused.
type HandshakeError struct {
	Status protocol.Status
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected: %s (%s)", e.Status, e.Status.Describe())
}
