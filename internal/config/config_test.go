package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "hlclip.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ranking.Provider != ProviderGemini || cfg.Ranking.MaxRetries != 3 || cfg.Ranking.Timeout != 90*time.Second {
		t.Fatalf("unexpected ranking defaults: %+v", cfg.Ranking)
	}
	if cfg.Cooldowns.RateLimit != time.Minute || cfg.Cooldowns.Quota != 10*time.Minute || cfg.Cooldowns.Invalid != 24*time.Hour {
		t.Fatalf("unexpected cooldowns: %+v", cfg.Cooldowns)
	}
	w := cfg.Weights()
	if w.Energy != 1 || w.Hype != 0.5 || w.Scene != 0.3 || w.SceneWindow != 2 {
		t.Fatalf("unexpected weights: %+v", w)
	}
	if !*cfg.Jobs.FailOnNoClips || !*cfg.Jobs.AcceptDegraded || cfg.Jobs.ClipCount != 5 || cfg.Jobs.Resolution != "portrait" {
		t.Fatalf("unexpected jobs defaults: %+v", cfg.Jobs)
	}
	if len(cfg.Worker.Backoff) != 2 || cfg.Worker.Backoff[1] != 30*time.Second {
		t.Fatalf("unexpected backoff: %v", cfg.Worker.Backoff)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	t.Parallel()

	p := writeConfig(t, `
ranking:
  provider: openrouter
  timeout: 2m
cooldowns:
  quota: 15m
fusion:
  hype_weight: 0.8
jobs:
  fail_on_no_clips: false
  resolution: square
worker:
  backoff: [1s, 5s, 20s]
logging:
  level: debug
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Ranking.Provider != ProviderOpenRouter || cfg.Ranking.Model == "" || cfg.Ranking.OpenRouterBaseURL != "https://openrouter.ai" {
		t.Fatalf("unexpected ranking: %+v", cfg.Ranking)
	}
	if cfg.Ranking.Timeout != 2*time.Minute || cfg.Cooldowns.Quota != 15*time.Minute {
		t.Fatalf("durations not parsed: %+v %+v", cfg.Ranking, cfg.Cooldowns)
	}
	if *cfg.Fusion.HypeWeight != 0.8 || *cfg.Fusion.EnergyWeight != 1 {
		t.Fatalf("unexpected fusion: %+v", cfg.Fusion)
	}
	if *cfg.Jobs.FailOnNoClips || !*cfg.Jobs.AcceptDegraded || cfg.Jobs.Resolution != "square" {
		t.Fatalf("unexpected jobs: %+v", cfg.Jobs)
	}
	if len(cfg.Worker.Backoff) != 3 || cfg.Worker.Backoff[2] != 20*time.Second {
		t.Fatalf("unexpected backoff: %v", cfg.Worker.Backoff)
	}
}

func TestLoad_ZeroFusionWeightDisablesSignal(t *testing.T) {
	t.Parallel()

	p := writeConfig(t, `
fusion:
  hype_weight: 0
  scene_weight: 0
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w := cfg.Weights()
	if w.Hype != 0 || w.Scene != 0 {
		t.Fatalf("explicit zero weights were replaced: %+v", w)
	}
	if w.Energy != 1 {
		t.Fatalf("unset energy weight should default to 1, got %v", w.Energy)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"provider", "ranking:\n  provider: llama\n", "ranking.provider"},
		{"resolution", "jobs:\n  resolution: cinema\n", "jobs.resolution"},
		{"level", "logging:\n  level: loud\n", "logging.level"},
		{"negative weight", "fusion:\n  scene_weight: -1\n", "fusion weights"},
		{"yaml", "ranking: [\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestCollectKeys(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"GEMINI_API_KEY":               "AIzaSy-first-key",
		"GOOGLE_GENERATIVE_AI_API_KEY": "AIzaSy-first-key",
		"GOOGLE_AI_API_KEY":            "short",
		"GEMINI_API_KEY_2":             "  AIzaSy-second-key  ",
		"GEMINI_API_KEY_8":             "AIzaSy-eighth-key",
		"GEMINI_API_KEY_9":             "AIzaSy-ignored-key",
	}
	got := CollectKeys(func(k string) string { return env[k] }, GeminiKeyVars())
	want := []string{"AIzaSy-first-key", "AIzaSy-second-key", "AIzaSy-eighth-key"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", got, want)
	}

	cfg := &Config{Ranking: RankingConfig{Provider: ProviderHeuristic}}
	if keys := cfg.ProviderKeys(func(k string) string { return env[k] }); keys != nil {
		t.Fatalf("heuristic provider needs no keys, got %v", keys)
	}
}
