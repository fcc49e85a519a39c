// Package chase is a small two-slot pursuit game used to exercise the
// environment end to end: a pursuer tries to touch an evader inside a
// circular arena before time runs out.
package chase

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/env/state"
)

const (
	ObservationSize = 8
	ActionSize      = 2

	catchBonus = 10.0
)

var ErrUnknownSlot = errors.New("chase: unknown slot")

type Config struct {
	Pursuer protocol.AgentSlot
	Evader  protocol.AgentSlot

	ArenaRadius  float64
	CatchRadius  float64
	PursuerSpeed float64
	EvaderSpeed  float64
	MaxSteps     int
	Seed         int64
}

func DefaultConfig() Config {
	return Config{
		Pursuer:      0,
		Evader:       1,
		ArenaRadius:  10,
		CatchRadius:  0.5,
		PursuerSpeed: 0.2,
		EvaderSpeed:  0.18,
		MaxSteps:     600,
		Seed:         1,
	}
}

type vec [2]float64

func (a vec) sub(b vec) vec       { return vec{a[0] - b[0], a[1] - b[1]} }
func (a vec) add(b vec) vec       { return vec{a[0] + b[0], a[1] + b[1]} }
func (a vec) scale(k float64) vec { return vec{a[0] * k, a[1] * k} }
func (a vec) norm() float64       { return math.Hypot(a[0], a[1]) }

type body struct {
	pos, vel, cmd vec
}

// Game implements env.Simulation and env.Stepper.
type Game struct {
	cfg Config

	mu       sync.Mutex
	rng      *rand.Rand
	bodies   [2]body // pursuer, evader
	steps    int
	prevDist float64
	dist     float64
	caught   bool
}

func New(cfg Config) (*Game, error) {
	if cfg.Pursuer == cfg.Evader {
		return nil, fmt.Errorf("chase: pursuer and evader share slot %d", cfg.Pursuer)
	}
	if cfg.ArenaRadius <= 0 || cfg.MaxSteps <= 0 {
		return nil, errors.New("chase: arena radius and max steps must be > 0")
	}
	return &Game{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

// Slots is the roster the game expects, in registration order.
func (g *Game) Slots() []protocol.AgentSlot {
	return []protocol.AgentSlot{g.cfg.Pursuer, g.cfg.Evader}
}

func (g *Game) index(slot protocol.AgentSlot) (int, error) {
	switch slot {
	case g.cfg.Pursuer:
		return 0, nil
	case g.cfg.Evader:
		return 1, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownSlot, slot)
}

func (g *Game) Reset() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Start at least a third of the arena apart.
	minSep := g.cfg.ArenaRadius / 3
	for {
		g.bodies[0] = body{pos: g.randomPoint()}
		g.bodies[1] = body{pos: g.randomPoint()}
		if g.bodies[1].pos.sub(g.bodies[0].pos).norm() >= minSep {
			break
		}
	}
	g.steps = 0
	g.caught = false
	g.dist = g.bodies[1].pos.sub(g.bodies[0].pos).norm()
	g.prevDist = g.dist
	return nil
}

func (g *Game) randomPoint() vec {
	r := g.cfg.ArenaRadius * math.Sqrt(g.rng.Float64())
	a := 2 * math.Pi * g.rng.Float64()
	return vec{r * math.Cos(a), r * math.Sin(a)}
}

// Act sets the slot's heading command. Components are clamped to [-1, 1].
func (g *Game) Act(slot protocol.AgentSlot, action []float32) error {
	i, err := g.index(slot)
	if err != nil {
		return err
	}
	if len(action) != ActionSize {
		return fmt.Errorf("chase: action has %d values, want %d", len(action), ActionSize)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bodies[i].cmd = vec{clamp(float64(action[0])), clamp(float64(action[1]))}
	return nil
}

// Step moves both bodies by their current commands.
func (g *Game) Step() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.caught || g.steps >= g.cfg.MaxSteps {
		return nil
	}
	speeds := [2]float64{g.cfg.PursuerSpeed, g.cfg.EvaderSpeed}
	for i := range g.bodies {
		b := &g.bodies[i]
		dir := b.cmd
		if n := dir.norm(); n > 1 {
			dir = dir.scale(1 / n)
		}
		b.vel = dir.scale(speeds[i])
		b.pos = b.pos.add(b.vel)
		if n := b.pos.norm(); n > g.cfg.ArenaRadius {
			b.pos = b.pos.scale(g.cfg.ArenaRadius / n)
		}
	}
	g.steps++
	g.prevDist = g.dist
	g.dist = g.bodies[1].pos.sub(g.bodies[0].pos).norm()
	g.caught = g.dist <= g.cfg.CatchRadius
	return nil
}

func (g *Game) Sample(slot protocol.AgentSlot) (state.SlotTick, error) {
	i, err := g.index(slot)
	if err != nil {
		return state.SlotTick{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	self, other := g.bodies[i], g.bodies[1-i]
	r := g.cfg.ArenaRadius
	obs := []float32{
		float32(self.pos[0] / r), float32(self.pos[1] / r),
		float32(other.pos[0] / r), float32(other.pos[1] / r),
		float32(self.vel[0]), float32(self.vel[1]),
		float32(g.dist / (2 * r)),
		float32(g.steps) / float32(g.cfg.MaxSteps),
	}

	// The pursuer is paid for closing distance, the evader for opening it.
	reward := g.prevDist - g.dist
	if g.caught {
		reward += catchBonus
	}
	if i == 1 {
		reward = -reward
	}

	timedOut := !g.caught && g.steps >= g.cfg.MaxSteps
	return state.SlotTick{
		Observation: obs,
		Reward:      reward,
		Terminated:  g.caught,
		Truncated:   timedOut,
		Info:        map[string]any{"distance": g.dist, "steps": g.steps},
	}, nil
}

func clamp(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
