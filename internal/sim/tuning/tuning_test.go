package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"icce.ai/internal/protocol"
)

func TestLoad_RepoConfigIsValid(t *testing.T) {
	tu, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := tu.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if tu.FrequencyHz != 120 || len(tu.Roster) != 2 {
		t.Fatalf("frequency=%v roster=%v", tu.FrequencyHz, tu.Roster)
	}
}

func TestLoad_KeepsDefaultsForMissingKeys(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(p, []byte("max_episodes: 3\nroster: [5, 9, 2]\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tu.MaxEpisodes != 3 {
		t.Fatalf("max_episodes=%d want 3", tu.MaxEpisodes)
	}
	if tu.Workers != 10 || tu.FrequencyHz != 120 {
		t.Fatalf("defaults lost: workers=%d frequency=%v", tu.Workers, tu.FrequencyHz)
	}

	cfg := tu.EnvConfig()
	want := []protocol.AgentSlot{5, 9, 2}
	for i, s := range want {
		if cfg.Roster[i] != s {
			t.Fatalf("roster[%d]=%d want %d", i, cfg.Roster[i], s)
		}
	}
	if cfg.TimeBetweenEpisodes != time.Second || cfg.ShutdownGrace != 2*time.Second {
		t.Fatalf("durations=%s/%s", cfg.TimeBetweenEpisodes, cfg.ShutdownGrace)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	_ = os.WriteFile(p, []byte("roster: [1, 2\n"), 0o644)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate_CollectsProblems(t *testing.T) {
	tu := Defaults()
	tu.ProtocolVersion = "0.1"
	tu.FrequencyHz = 0
	tu.Roster = []int{1, 1}
	tu.Workers = 0
	err := tu.Validate()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"protocol_version", "frequency_hz", "listed twice", "workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	vars := map[string]string{
		"ICCE_FREQUENCY_HZ":          "240",
		"ICCE_MAX_EPISODES":          "0",
		"ICCE_STRICT_AGENT_HINT":     "yes",
		"ICCE_RELEASE_ON_DISCONNECT": "off",
		"ICCE_TICK_LOG":              " ",
	}
	lookup := func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
	tu := Defaults()
	if err := tu.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if tu.FrequencyHz != 240 || tu.MaxEpisodes != 0 || !tu.StrictAgentHint || tu.ReleaseOnDisconnect {
		t.Fatalf("got %+v", tu)
	}
	if tu.TickLog != Defaults().TickLog {
		t.Fatalf("blank override replaced tick_log: %q", tu.TickLog)
	}

	vars = map[string]string{"ICCE_WORKERS": "many"}
	if err := tu.ApplyEnv(lookup); err == nil || !strings.Contains(err.Error(), "ICCE_WORKERS") {
		t.Fatalf("err=%v want ICCE_WORKERS parse error", err)
	}
}

func TestLoadEnvFiles_FirstExistingWins(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "icce.env")
	if err := os.WriteFile(p, []byte("ICCE_TEST_ENV_FILE=loaded\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("ICCE_TEST_ENV_FILE", "")
	os.Unsetenv("ICCE_TEST_ENV_FILE")

	got, err := LoadEnvFiles(filepath.Join(dir, "missing.env"), p)
	if err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if got != p {
		t.Fatalf("loaded %q want %q", got, p)
	}
	if v := os.Getenv("ICCE_TEST_ENV_FILE"); v != "loaded" {
		t.Fatalf("ICCE_TEST_ENV_FILE=%q", v)
	}

	got, err = LoadEnvFiles(filepath.Join(dir, "none.env"))
	if err != nil || got != "" {
		t.Fatalf("no files: got %q err=%v", got, err)
	}
}
