package main

import (
	"fmt"
	"log"
	"math"
	"math/rand"

	"icce.ai/internal/agent"
)

func newPolicy(name string, actSize int, seed int64, logger *log.Logger) (agent.Policy, error) {
	switch name {
	case "random":
		return &randomPolicy{episodeLog: episodeLog{log: logger}, rng: rand.New(rand.NewSource(seed)), size: actSize}, nil
	case "pursue", "flee":
		if actSize != 2 {
			return nil, fmt.Errorf("policy %s needs -act_size=2", name)
		}
		return &headingPolicy{episodeLog: episodeLog{log: logger}, flee: name == "flee"}, nil
	default:
		return nil, fmt.Errorf("unknown policy %q", name)
	}
}

// episodeLog accumulates reward and reports it when an episode ends.
type episodeLog struct {
	log    *log.Logger
	reward float64
	steps  int
}

func (l *episodeLog) PostSample(s agent.Sample) {
	l.reward += s.Reward
	l.steps++
}

func (l *episodeLog) PostEpisode(s agent.Sample) {
	if l.log != nil {
		l.log.Printf("episode %d done: steps=%d reward=%.3f terminated=%v truncated=%v",
			s.Episode, l.steps, l.reward, s.Terminated, s.Truncated)
	}
	l.reward, l.steps = 0, 0
}

type randomPolicy struct {
	episodeLog
	rng  *rand.Rand
	size int
}

func (p *randomPolicy) Act(agent.Sample) []float32 {
	out := make([]float32, p.size)
	for i := range out {
		out[i] = float32(p.rng.Float64()*2 - 1)
	}
	return out
}

// headingPolicy moves straight toward (or away from) the other body of a
// chase observation: [self.x, self.y, other.x, other.y, ...].
type headingPolicy struct {
	episodeLog
	flee bool
}

func (p *headingPolicy) Act(s agent.Sample) []float32 {
	if len(s.Observation) < 4 {
		return []float32{0, 0}
	}
	dx := float64(s.Observation[2] - s.Observation[0])
	dy := float64(s.Observation[3] - s.Observation[1])
	if p.flee {
		dx, dy = -dx, -dy
	}
	n := math.Hypot(dx, dy)
	if n == 0 {
		return []float32{0, 0}
	}
	return []float32{float32(dx / n), float32(dy / n)}
}
