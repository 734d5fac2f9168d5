package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forPelevin/hlclip/internal/domain/fusion"
	"github.com/forPelevin/hlclip/internal/keypool"
	"github.com/forPelevin/hlclip/internal/ports"
)

const (
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
	ProviderHeuristic  = "heuristic"
)

type Config struct {
	Ranking   RankingConfig   `yaml:"ranking"`
	Cooldowns CooldownsConfig `yaml:"cooldowns"`
	Fusion    FusionConfig    `yaml:"fusion"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Worker    WorkerConfig    `yaml:"worker"`
	Paths     PathsConfig     `yaml:"paths"`
	Tools     ToolsConfig     `yaml:"tools"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
}

type RankingConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	OpenRouterBaseURL string        `yaml:"openrouter_base_url"`
	GeminiBaseURL     string        `yaml:"gemini_base_url"`
	MaxRetries        int           `yaml:"max_retries"`
	Timeout           time.Duration `yaml:"timeout"`
	Temperature       float64       `yaml:"temperature"`
}

type CooldownsConfig struct {
	RateLimit time.Duration `yaml:"rate_limit"`
	Quota     time.Duration `yaml:"quota"`
	Invalid   time.Duration `yaml:"invalid"`
}

type FusionConfig struct {
	// A nil weight takes the default; an explicit 0 turns the signal off.
	EnergyWeight   *float64 `yaml:"energy_weight"`
	HypeWeight     *float64 `yaml:"hype_weight"`
	SceneWeight    *float64 `yaml:"scene_weight"`
	SceneWindowSec float64  `yaml:"scene_window_sec"`
	EnergyTopKMin  int      `yaml:"energy_top_k_min"`
}

type JobsConfig struct {
	// Pointers so an explicit false in the file survives defaulting.
	FailOnNoClips  *bool   `yaml:"fail_on_no_clips"`
	AcceptDegraded *bool   `yaml:"accept_degraded"`
	ClipCount      int     `yaml:"clip_count"`
	ClipDuration   float64 `yaml:"clip_duration"`
	Resolution     string  `yaml:"resolution"`
	BurnCaptions   bool    `yaml:"burn_captions"`
}

type WorkerConfig struct {
	Concurrency  int             `yaml:"concurrency"`
	MaxAttempts  int             `yaml:"max_attempts"`
	Backoff      []time.Duration `yaml:"backoff"`
	PollInterval time.Duration   `yaml:"poll_interval"`
}

type PathsConfig struct {
	Cache string `yaml:"cache"`
	Out   string `yaml:"out"`
	DB    string `yaml:"db"`
}

type ToolsConfig struct {
	FFmpeg       string `yaml:"ffmpeg"`
	FFprobe      string `yaml:"ffprobe"`
	YtDlp        string `yaml:"yt_dlp"`
	WhisperBin   string `yaml:"whisper_bin"`
	WhisperModel string `yaml:"whisper_model"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads a YAML file and fills defaults. An empty path yields the
// defaults alone.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Read parses the file without defaulting, for callers that layer
// overrides on top before calling Validate.
func Read(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Ranking.Provider == "" {
		c.Ranking.Provider = ProviderGemini
	}
	switch c.Ranking.Provider {
	case ProviderGemini:
		if c.Ranking.Model == "" {
			c.Ranking.Model = "gemini-2.5-flash"
		}
	case ProviderOpenRouter:
		if c.Ranking.Model == "" {
			c.Ranking.Model = "z-ai/glm-4.5-air:free"
		}
		if c.Ranking.OpenRouterBaseURL == "" {
			c.Ranking.OpenRouterBaseURL = "https://openrouter.ai"
		}
	case ProviderHeuristic:
	default:
		return fmt.Errorf("ranking.provider must be one of gemini, openrouter, heuristic, got %q", c.Ranking.Provider)
	}
	if c.Ranking.MaxRetries == 0 {
		c.Ranking.MaxRetries = keypool.DefaultMaxRetries
	}
	if c.Ranking.MaxRetries < 0 {
		return fmt.Errorf("ranking.max_retries must be >= 0")
	}
	if c.Ranking.Timeout == 0 {
		c.Ranking.Timeout = 90 * time.Second
	}
	if c.Ranking.Temperature == 0 {
		c.Ranking.Temperature = 0.7
	}

	def := keypool.DefaultCooldowns()
	if c.Cooldowns.RateLimit == 0 {
		c.Cooldowns.RateLimit = def.RateLimit
	}
	if c.Cooldowns.Quota == 0 {
		c.Cooldowns.Quota = def.Quota
	}
	if c.Cooldowns.Invalid == 0 {
		c.Cooldowns.Invalid = def.Invalid
	}

	w := fusion.DefaultWeights()
	if c.Fusion.EnergyWeight == nil {
		c.Fusion.EnergyWeight = ptr(w.Energy)
	}
	if c.Fusion.HypeWeight == nil {
		c.Fusion.HypeWeight = ptr(w.Hype)
	}
	if c.Fusion.SceneWeight == nil {
		c.Fusion.SceneWeight = ptr(w.Scene)
	}
	if c.Fusion.SceneWindowSec == 0 {
		c.Fusion.SceneWindowSec = w.SceneWindow
	}
	if c.Fusion.EnergyTopKMin == 0 {
		c.Fusion.EnergyTopKMin = 20
	}
	if *c.Fusion.EnergyWeight < 0 || *c.Fusion.HypeWeight < 0 || *c.Fusion.SceneWeight < 0 || c.Fusion.SceneWindowSec < 0 {
		return errors.New("fusion weights must be >= 0")
	}

	if c.Jobs.FailOnNoClips == nil {
		c.Jobs.FailOnNoClips = ptr(true)
	}
	if c.Jobs.AcceptDegraded == nil {
		c.Jobs.AcceptDegraded = ptr(true)
	}
	if c.Jobs.ClipCount == 0 {
		c.Jobs.ClipCount = 5
	}
	if c.Jobs.ClipDuration == 0 {
		c.Jobs.ClipDuration = 30
	}
	if c.Jobs.ClipCount < 0 || c.Jobs.ClipDuration < 0 {
		return errors.New("jobs.clip_count and jobs.clip_duration must be > 0")
	}
	if c.Jobs.Resolution == "" {
		c.Jobs.Resolution = "portrait"
	}
	if _, ok := ports.ResolutionByName(c.Jobs.Resolution); !ok {
		return fmt.Errorf("jobs.resolution must be portrait, landscape or square, got %q", c.Jobs.Resolution)
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 2
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 3
	}
	if len(c.Worker.Backoff) == 0 {
		c.Worker.Backoff = []time.Duration{10 * time.Second, 30 * time.Second}
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 500 * time.Millisecond
	}

	if c.Paths.Cache == "" {
		c.Paths.Cache = ".cache"
	}
	if c.Paths.Out == "" {
		c.Paths.Out = "out"
	}
	if c.Paths.DB == "" {
		c.Paths.DB = ".cache/hlclip.db"
	}

	if c.Tools.FFmpeg == "" {
		c.Tools.FFmpeg = "ffmpeg"
	}
	if c.Tools.FFprobe == "" {
		c.Tools.FFprobe = "ffprobe"
	}
	if c.Tools.YtDlp == "" {
		c.Tools.YtDlp = "yt-dlp"
	}
	if c.Tools.WhisperBin == "" {
		c.Tools.WhisperBin = ".cache/bin/whisper.cpp"
	}
	if c.Tools.WhisperModel == "" {
		c.Tools.WhisperModel = ".cache/models/ggml-base.bin"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":9090"
	}
	return nil
}

func (c *Config) Weights() fusion.Weights {
	return fusion.Weights{
		Energy:      deref(c.Fusion.EnergyWeight),
		Hype:        deref(c.Fusion.HypeWeight),
		Scene:       deref(c.Fusion.SceneWeight),
		SceneWindow: c.Fusion.SceneWindowSec,
	}
}

func (c *Config) PoolCooldowns() keypool.Cooldowns {
	return keypool.Cooldowns{
		RateLimit: c.Cooldowns.RateLimit,
		Quota:     c.Cooldowns.Quota,
		Invalid:   c.Cooldowns.Invalid,
	}
}

func ptr[T any](v T) *T { return &v }

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
