package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forPelevin/hlclip/internal/config"
	"github.com/forPelevin/hlclip/internal/ports"
	"github.com/forPelevin/hlclip/internal/queue"
)

func TestBuildRunOutDir(t *testing.T) {
	now := time.Date(2026, 2, 12, 10, 30, 45, 1234, time.UTC)
	got := buildRunOutDir("out", "/tmp/My Cool.Video.mp4", now)
	base := filepath.Base(got)
	if filepath.Dir(got) != "out" {
		t.Fatalf("unexpected parent dir: %s", got)
	}
	if !strings.HasPrefix(base, "my-cool-video-20260212-103045Z-") {
		t.Fatalf("unexpected run dir format: %s", base)
	}
	if len(base) != len("my-cool-video-20260212-103045Z-")+6 {
		t.Fatalf("unexpected run dir suffix length: %s", base)
	}
}

func TestNormalizePathSegment(t *testing.T) {
	tests := map[string]string{
		"  My Cool.Video  ": "my-cool-video",
		"___":               "",
		"abc123":            "abc123",
		"Name (v2)!":        "name-v2",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			if got := normalizePathSegment(in); got != want {
				t.Fatalf("normalizePathSegment(%q) = %q, want %q", in, got, want)
			}
		})
	}
}

func testConfig(t *testing.T, provider string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Ranking.Provider = provider
	cfg.Paths.Cache = filepath.Join(dir, "cache")
	cfg.Paths.Out = filepath.Join(dir, "out")
	cfg.Paths.DB = filepath.Join(dir, "db", "hlclip.db")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return cfg
}

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestBuild_ProviderSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider string
		env      map[string]string
		want     string
		wantPool int
	}{
		{"gemini with keys", config.ProviderGemini, map[string]string{"GEMINI_API_KEY": "AIzaSyA-first-key", "GEMINI_API_KEY_2": "AIzaSyA-second-key"}, config.ProviderGemini, 2},
		{"gemini without keys", config.ProviderGemini, nil, config.ProviderHeuristic, 0},
		{"openrouter", config.ProviderOpenRouter, map[string]string{"OPENROUTER_API_KEY": "sk-or-v1-abcdef"}, config.ProviderOpenRouter, 1},
		{"heuristic", config.ProviderHeuristic, map[string]string{"GEMINI_API_KEY": "AIzaSyA-first-key"}, config.ProviderHeuristic, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			app, err := Build(testConfig(t, tt.provider), nil, InMemory(), WithGetenv(env(tt.env)))
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			defer app.Close()
			if app.Provider != tt.want {
				t.Fatalf("provider = %q, want %q", app.Provider, tt.want)
			}
			got := 0
			if app.Pool != nil {
				got = app.Pool.Len()
			}
			if got != tt.wantPool {
				t.Fatalf("pool size = %d, want %d", got, tt.wantPool)
			}
		})
	}
}

func TestBuild_RejectsOpenRouterHost(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.ProviderOpenRouter)
	cfg.Ranking.OpenRouterBaseURL = "https://evil.example.com"
	_, err := Build(cfg, nil, InMemory(), WithGetenv(env(map[string]string{"OPENROUTER_API_KEY": "sk-or-v1-abcdef"})))
	if err == nil || !strings.Contains(err.Error(), "OPENROUTER_ALLOWED_HOSTS") {
		t.Fatalf("expected host rejection, got %v", err)
	}
}

func TestBuild_GeminiBaseURL(t *testing.T) {
	t.Parallel()

	keys := map[string]string{"GEMINI_API_KEY": "AIzaSyA-test-key-1"}
	tests := []struct {
		name    string
		baseURL string
		extra   map[string]string
		wantErr string
	}{
		{name: "default endpoint", baseURL: ""},
		{name: "http rejected", baseURL: "http://generativelanguage.googleapis.com", wantErr: "https is required"},
		{name: "unknown host rejected", baseURL: "https://proxy.internal", wantErr: "GEMINI_ALLOWED_HOSTS"},
		{
			name:    "allow-listed proxy",
			baseURL: "https://proxy.internal",
			extra:   map[string]string{"GEMINI_ALLOWED_HOSTS": "proxy.internal"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			vars := map[string]string{}
			for k, v := range keys {
				vars[k] = v
			}
			for k, v := range tt.extra {
				vars[k] = v
			}
			cfg := testConfig(t, config.ProviderGemini)
			cfg.Ranking.GeminiBaseURL = tt.baseURL
			app, err := Build(cfg, nil, InMemory(), WithGetenv(env(vars)))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err=%v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer app.Close()
			if app.Provider != config.ProviderGemini {
				t.Fatalf("provider=%q", app.Provider)
			}
		})
	}
}

func TestBuild_SQLiteBrokerShared(t *testing.T) {
	t.Parallel()

	app, err := Build(testConfig(t, config.ProviderHeuristic), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer app.Close()

	ctx := context.Background()
	b1, err := app.Broker(ctx)
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	if _, ok := b1.(*queue.SQLiteBroker); !ok {
		t.Fatalf("expected sqlite broker, got %T", b1)
	}
	b2, _ := app.Broker(ctx)
	if b1 != b2 {
		t.Fatalf("broker must be built once")
	}
	if _, err := app.Worker(ctx); err != nil {
		t.Fatalf("worker: %v", err)
	}
}

func TestParams_Defaults(t *testing.T) {
	t.Parallel()

	app, err := Build(testConfig(t, config.ProviderHeuristic), nil, InMemory())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	p, err := app.Params(Request{Source: ports.Source{Kind: ports.SourceUpload, Path: "talk.mp4"}}, now)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if p.ClipCount != 5 || p.ClipDuration != 30 || p.Resolution != "portrait" {
		t.Fatalf("defaults not applied: %+v", p)
	}
	if !filepath.IsAbs(p.Source.Path) {
		t.Fatalf("upload path must be absolute: %q", p.Source.Path)
	}
	if !strings.HasPrefix(filepath.Base(p.OutDir), "talk-20260301-080000Z-") {
		t.Fatalf("unexpected out dir %q", p.OutDir)
	}
	if filepath.Dir(filepath.Dir(p.CacheDir)) != app.Config.Paths.Cache {
		t.Fatalf("unexpected cache dir %q", p.CacheDir)
	}

	if _, err := app.Params(Request{Source: ports.Source{Kind: ports.SourceURL}}, now); err == nil {
		t.Fatalf("url source without url must fail")
	}
	if _, err := app.Params(Request{Source: ports.Source{Kind: ports.SourceUpload, Path: "a.mp4"}, Resolution: "4k"}, now); err == nil {
		t.Fatalf("unknown resolution must fail")
	}
}

func TestSourceFor(t *testing.T) {
	t.Parallel()

	tests := map[string]ports.SourceKind{
		"clip.mp4":                            ports.SourceUpload,
		"/abs/path/clip.mp4":                  ports.SourceUpload,
		"https://www.youtube.com/watch?v=abc": ports.SourceYouTube,
		"https://youtu.be/abc":                ports.SourceYouTube,
		"https://kick.com/someone/videos/1":   ports.SourceKick,
		"https://cdn.example.com/media/a.mp4": ports.SourceURL,
	}
	for in, want := range tests {
		if got := SourceFor(in).Kind; got != want {
			t.Errorf("SourceFor(%q) = %s, want %s", in, got, want)
		}
	}
}
