package agent

import (
	"context"

	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/env"
	"icce.ai/internal/sim/env/state"
)

// LocalEnvironment is the handler surface of an in-process environment.
type LocalEnvironment interface {
	Handshake(req env.HandshakeRequest) env.HandshakeResult
	Sample(id protocol.ClientID) (state.Snapshot, error)
	Act(id protocol.ClientID, action []float32) (protocol.Status, error)
	Release(id protocol.ClientID, reason string) error
}

// Local is an Endpoint that calls an environment in the same process.
type Local struct {
	env        LocalEnvironment
	runID      string
	tickRateHz float64
}

var _ Endpoint = (*Local)(nil)

func NewLocal(e LocalEnvironment, runID string, tickRateHz float64) *Local {
	return &Local{env: e, runID: runID, tickRateHz: tickRateHz}
}

func (l *Local) Handshake(ctx context.Context, req HandshakeRequest) (HandshakeReply, error) {
	if err := ctx.Err(); err != nil {
		return HandshakeReply{}, err
	}
	res := l.env.Handshake(env.HandshakeRequest{
		ObservationSize: req.ObservationSize,
		ActionSize:      req.ActionSize,
		Hint:            req.Hint,
	})
	return HandshakeReply{
		ClientID:   res.ClientID,
		Status:     res.Status,
		SessionID:  res.SessionID,
		RunID:      l.runID,
		TickRateHz: l.tickRateHz,
	}, nil
}

func (l *Local) Sample(ctx context.Context, id protocol.ClientID) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	snap, err := l.env.Sample(id)
	if err != nil {
		return Sample{}, err
	}
	return Sample{
		Observation: snap.Observation,
		Reward:      snap.Reward,
		Terminated:  snap.Terminated,
		Truncated:   snap.Truncated,
		Info:        snap.Info,
		Episode:     snap.Episode,
		Status:      snap.Status,
		Tick:        snap.Tick,
	}, nil
}

func (l *Local) Act(ctx context.Context, id protocol.ClientID, action []float32) (protocol.Status, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return l.env.Act(id, action)
}

// Release gives the client's id and slot back to the environment.
func (l *Local) Release(ctx context.Context, id protocol.ClientID) error {
	_ = ctx
	return l.env.Release(id, "released by client")
}
