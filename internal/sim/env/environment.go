// Package env runs a simulation at a fixed rate and serves its per-slot state
// to registered agent clients.
package env

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/env/registry"
	"icce.ai/internal/sim/env/state"
)

var (
	ErrAlreadyRunning = errors.New("environment already running")
	ErrActionSize     = errors.New("action size mismatch")
	ErrNoSimulation   = errors.New("nil simulation")
	ErrFrequency      = errors.New("frequency_hz must be positive")
	ErrNonFinite      = errors.New("non-finite reward or observation")
)

type Config struct {
	FrequencyHz float64
	// MaxEpisodes <= 0 runs until the context is cancelled.
	MaxEpisodes         int
	TimeBetweenEpisodes time.Duration
	ShutdownGrace       time.Duration

	ObservationSize int
	ActionSize      int
	Roster          []protocol.AgentSlot
	StrictAgentHint bool
}

type Environment struct {
	cfg   Config
	sim   Simulation
	runID string
	log   *log.Logger

	reg   *registry.Registry
	table *state.Table

	tickLogger  TickLogger
	auditLogger AuditLogger
	episodes    EpisodeRecorder

	running atomic.Bool
	done    chan struct{}

	// Loop-owned episode bookkeeping.
	pendingRollover bool
	episodeStart    uint64
	episodeRewards  []float64

	stepNanos      atomic.Int64
	handshakes     atomic.Uint64
	rejected       atomic.Uint64
	sampleFailures atomic.Uint64
	stepFailures   atomic.Uint64
	resetFailures  atomic.Uint64
	actFailures    atomic.Uint64

	logMu sync.Mutex
}

// New builds an environment over a fixed roster. The roster cannot change afterwards.
func New(cfg Config, sim Simulation, logger *log.Logger) (*Environment, error) {
	if sim == nil {
		return nil, ErrNoSimulation
	}
	if !(cfg.FrequencyHz > 0) || math.IsInf(cfg.FrequencyHz, 1) {
		return nil, fmt.Errorf("%w: %v", ErrFrequency, cfg.FrequencyHz)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	reg := registry.New(registry.Options{
		ObservationSize: cfg.ObservationSize,
		ActionSize:      cfg.ActionSize,
		StrictHint:      cfg.StrictAgentHint,
	})
	for _, slot := range cfg.Roster {
		if err := reg.AddSlot(slot); err != nil {
			return nil, fmt.Errorf("roster: %w", err)
		}
	}
	reg.Freeze()

	return &Environment{
		cfg:            cfg,
		sim:            sim,
		runID:          uuid.NewString(),
		log:            logger,
		reg:            reg,
		table:          state.New(cfg.Roster),
		done:           make(chan struct{}),
		episodeRewards: make([]float64, len(cfg.Roster)),
	}, nil
}

func (e *Environment) SetTickLogger(l TickLogger)           { e.tickLogger = l }
func (e *Environment) SetAuditLogger(l AuditLogger)         { e.auditLogger = l }
func (e *Environment) SetEpisodeRecorder(r EpisodeRecorder) { e.episodes = r }

func (e *Environment) RunID() string  { return e.runID }
func (e *Environment) Config() Config { return e.cfg }

// Done is closed once Run has returned and the shutdown grace has elapsed.
func (e *Environment) Done() <-chan struct{} { return e.done }

// Status returns the current global status and episode.
func (e *Environment) Status() (protocol.Status, uint64) { return e.table.Status() }

func (e *Environment) Metrics() Metrics {
	st, ep := e.table.Status()
	return Metrics{
		RunID:          e.runID,
		Tick:           e.table.Tick(),
		Episode:        ep,
		Status:         st,
		Slots:          len(e.cfg.Roster),
		Clients:        e.reg.Len(),
		StepMS:         float64(e.stepNanos.Load()) / float64(time.Millisecond),
		Handshakes:     e.handshakes.Load(),
		Rejected:       e.rejected.Load(),
		SampleFailures: e.sampleFailures.Load(),
		StepFailures:   e.stepFailures.Load(),
		ResetFailures:  e.resetFailures.Load(),
		ActFailures:    e.actFailures.Load(),
	}
}

func (e *Environment) audit(entry AuditEntry) {
	if e.auditLogger == nil {
		return
	}
	entry.RunID = e.runID
	if entry.Tick == 0 {
		entry.Tick = e.table.Tick()
	}
	e.logMu.Lock()
	defer e.logMu.Unlock()
	if err := e.auditLogger.WriteAudit(entry); err != nil {
		e.log.Printf("audit log: %v", err)
	}
}
