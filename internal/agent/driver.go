package agent

import (
	"context"
	"fmt"
	"io"
	"log"

	"icce.ai/internal/pacing"
	"icce.ai/internal/protocol"
)

type Config struct {
	FrequencyHz     float64
	ObservationSize int
	ActionSize      int
	AgentHint       *protocol.AgentSlot
}

// Stats summarizes a finished run.
type Stats struct {
	ClientID  protocol.ClientID
	SessionID string
	Ticks     uint64
	Acts      uint64
	Episodes  uint64
}

type Driver struct {
	cfg    Config
	ep     Endpoint
	policy Policy
	log    *log.Logger

	pacer *pacing.Pacer
	stats Stats

	// waiting is the local latch set after a DONE has been handled.
	waiting     bool
	lastEpisode uint64
}

func New(cfg Config, ep Endpoint, policy Policy, logger *log.Logger) *Driver {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Driver{
		cfg:    cfg,
		ep:     ep,
		policy: policy,
		log:    logger,
		pacer:  pacing.New(cfg.FrequencyHz),
		stats:  Stats{ClientID: protocol.InvalidID},
	}
}

func (d *Driver) Stats() Stats { return d.stats }

// Run handshakes once and then runs the client tick loop until the
// environment reports SHUTDOWN (nil), a call fails, or ctx is cancelled.
// A refused handshake returns *HandshakeError and is never retried.
func (d *Driver) Run(ctx context.Context) error {
	reply, err := d.ep.Handshake(ctx, HandshakeRequest{
		ObservationSize: d.cfg.ObservationSize,
		ActionSize:      d.cfg.ActionSize,
		Hint:            d.cfg.AgentHint,
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if reply.Status != protocol.StatusSuccess {
		return &HandshakeError{Status: reply.Status}
	}
	d.stats.ClientID = reply.ClientID
	d.stats.SessionID = reply.SessionID
	d.log.Printf("handshake ok: client_id=%d session=%s run=%s tick_rate=%.1fHz",
		reply.ClientID, reply.SessionID, reply.RunID, reply.TickRateHz)

	s, err := d.sample(ctx)
	if err != nil {
		return err
	}
	d.lastEpisode = s.Episode

	for {
		d.pacer.Begin()
		done, err := d.tick(ctx, &s)
		if err != nil {
			return err
		}
		if done {
			return d.shutdown()
		}
		if err := d.pacer.Wait(ctx); err != nil {
			return err
		}
	}
}

// tick dispatches on the last sampled status and leaves the next sample in s.
func (d *Driver) tick(ctx context.Context, s *Sample) (bool, error) {
	d.stats.Ticks++
	var err error
	switch s.Status {
	case protocol.StatusSuccess:
		if d.waiting {
			d.waiting = false
			d.log.Printf("episode %d started", s.Episode)
		}
		action := d.policy.Act(*s)
		if _, err := d.ep.Act(ctx, d.stats.ClientID, action); err != nil {
			return false, fmt.Errorf("act: %w", err)
		}
		d.stats.Acts++
		if *s, err = d.sample(ctx); err != nil {
			return false, err
		}
		d.policy.PostSample(*s)

	case protocol.StatusDone:
		if !d.waiting {
			d.policy.PostEpisode(*s)
			d.waiting = true
			d.stats.Episodes++
			d.log.Printf("episode %d done at tick %d", s.Episode, s.Tick)
		}
		if *s, err = d.sample(ctx); err != nil {
			return false, err
		}

	case protocol.StatusWait:
		if *s, err = d.sample(ctx); err != nil {
			return false, err
		}

	case protocol.StatusShutdown:
		return true, nil

	default:
		return false, fmt.Errorf("unexpected status %s", s.Status)
	}
	return false, nil
}

func (d *Driver) sample(ctx context.Context) (Sample, error) {
	s, err := d.ep.Sample(ctx, d.stats.ClientID)
	if err != nil {
		return Sample{}, fmt.Errorf("sample: %w", err)
	}
	if s.Episode < d.lastEpisode {
		d.log.Printf("episode went backwards: %d after %d", s.Episode, d.lastEpisode)
	} else {
		d.lastEpisode = s.Episode
	}
	return s, nil
}

func (d *Driver) shutdown() error {
	d.log.Printf("environment shut down after %d ticks, %d episodes", d.stats.Ticks, d.stats.Episodes)
	if sd, ok := d.policy.(Shutdowner); ok {
		if err := sd.Shutdown(); err != nil {
			return fmt.Errorf("policy shutdown: %w", err)
		}
	}
	return nil
}
