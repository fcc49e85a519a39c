package tuning

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"icce.ai/internal/protocol"
	"icce.ai/internal/sim/env"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	FrequencyHz           float64 `yaml:"frequency_hz"`
	MaxEpisodes           int     `yaml:"max_episodes"`
	TimeBetweenEpisodesMs int     `yaml:"time_between_episodes_ms"`
	ShutdownGraceMs       int     `yaml:"shutdown_grace_ms"`

	ObservationSize int   `yaml:"observation_size"`
	ActionSize      int   `yaml:"action_size"`
	Roster          []int `yaml:"roster"`

	Workers             int  `yaml:"workers"`
	StrictAgentHint     bool `yaml:"strict_agent_hint"`
	ReleaseOnDisconnect bool `yaml:"release_on_disconnect"`

	// Empty disables the output.
	TickLog string `yaml:"tick_log"`
	IndexDB string `yaml:"index_db"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:       protocol.Version,
		FrequencyHz:           120,
		MaxEpisodes:           10,
		TimeBetweenEpisodesMs: 1000,
		ShutdownGraceMs:       2000,
		ObservationSize:       8,
		ActionSize:            2,
		Roster:                []int{0, 1},
		Workers:               10,
		ReleaseOnDisconnect:   true,
		TickLog:               "data/logs",
		IndexDB:               "data/index/icce.sqlite",
	}
}

// Load reads path on top of Defaults. Keys missing from the file keep their default.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.ProtocolVersion != protocol.Version {
		errs = append(errs, fmt.Errorf("protocol_version %q, want %q", t.ProtocolVersion, protocol.Version))
	}
	if t.FrequencyHz <= 0 {
		errs = append(errs, fmt.Errorf("frequency_hz must be > 0, got %v", t.FrequencyHz))
	}
	if t.TimeBetweenEpisodesMs < 0 || t.ShutdownGraceMs < 0 {
		errs = append(errs, errors.New("grace intervals must be >= 0"))
	}
	if t.ObservationSize < 0 || t.ActionSize < 0 {
		errs = append(errs, errors.New("observation_size and action_size must be >= 0"))
	}
	if len(t.Roster) == 0 {
		errs = append(errs, errors.New("roster is empty"))
	}
	seen := map[int]bool{}
	for _, s := range t.Roster {
		if seen[s] {
			errs = append(errs, fmt.Errorf("roster slot %d listed twice", s))
		}
		seen[s] = true
	}
	if t.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be > 0, got %d", t.Workers))
	}
	return errors.Join(errs...)
}

// EnvConfig converts the file values into the environment's run config.
func (t Tuning) EnvConfig() env.Config {
	roster := make([]protocol.AgentSlot, len(t.Roster))
	for i, s := range t.Roster {
		roster[i] = protocol.AgentSlot(s)
	}
	return env.Config{
		FrequencyHz:         t.FrequencyHz,
		MaxEpisodes:         t.MaxEpisodes,
		TimeBetweenEpisodes: time.Duration(t.TimeBetweenEpisodesMs) * time.Millisecond,
		ShutdownGrace:       time.Duration(t.ShutdownGraceMs) * time.Millisecond,
		ObservationSize:     t.ObservationSize,
		ActionSize:          t.ActionSize,
		Roster:              roster,
		StrictAgentHint:     t.StrictAgentHint,
	}
}

// LoadEnvFiles loads the first .env file that exists. Variables already set
// in the process environment win.
func LoadEnvFiles(paths ...string) (string, error) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return p, fmt.Errorf("%s: %w", p, err)
		}
		return p, nil
	}
	return "", nil
}

// ApplyEnv applies ICCE_* overrides. lookup is os.LookupEnv outside tests.
func (t *Tuning) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := str("ICCE_FREQUENCY_HZ"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("ICCE_FREQUENCY_HZ: %w", err))
		} else {
			t.FrequencyHz = f
		}
	}
	for key, dst := range map[string]*int{
		"ICCE_MAX_EPISODES": &t.MaxEpisodes,
		"ICCE_WORKERS":      &t.Workers,
	} {
		if v, ok := str(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = n
		}
	}
	for key, dst := range map[string]*bool{
		"ICCE_STRICT_AGENT_HINT":     &t.StrictAgentHint,
		"ICCE_RELEASE_ON_DISCONNECT": &t.ReleaseOnDisconnect,
	} {
		if v, ok := str(key); ok {
			b, err := parseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = b
		}
	}
	if v, ok := str("ICCE_TICK_LOG"); ok {
		t.TickLog = v
	}
	if v, ok := str("ICCE_INDEX_DB"); ok {
		t.IndexDB = v
	}
	return errors.Join(errs...)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool %q", v)
}
