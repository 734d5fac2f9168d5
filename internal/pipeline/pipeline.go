package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/forPelevin/hlclip/internal/config"
	"github.com/forPelevin/hlclip/internal/domain/fusion"
	"github.com/forPelevin/hlclip/internal/jobs"
	"github.com/forPelevin/hlclip/internal/keypool"
	"github.com/forPelevin/hlclip/internal/logger"
	"github.com/forPelevin/hlclip/internal/metrics"
	"github.com/forPelevin/hlclip/internal/ports"
	"github.com/forPelevin/hlclip/internal/ports/adapters/ffmpeg"
	"github.com/forPelevin/hlclip/internal/ports/adapters/gemini"
	"github.com/forPelevin/hlclip/internal/ports/adapters/heuristic"
	"github.com/forPelevin/hlclip/internal/ports/adapters/openrouter"
	"github.com/forPelevin/hlclip/internal/ports/adapters/whispercpp"
	"github.com/forPelevin/hlclip/internal/ports/adapters/ytdlp"
	"github.com/forPelevin/hlclip/internal/queue"
	"github.com/forPelevin/hlclip/internal/ranking"
	"github.com/forPelevin/hlclip/internal/usecase"
)

// window bounds for the offline ranker
const (
	heuristicMinClip = 15 * time.Second
	heuristicMaxClip = 60 * time.Second
)

// App is the fully wired process: one store, one credential pool, one
// orchestrator. Commands build it once and share it.
type App struct {
	Config  *config.Config
	Log     logger.Logger
	Store   jobs.Store
	Pool    *keypool.Pool
	Metrics *metrics.Metrics
	Events  *jobs.Broadcaster
	Usecase *usecase.Usecase

	// Provider is the ranking backend actually in use.
	Provider string

	sqlite *jobs.SQLiteStore
	broker queue.Broker
}

type Option func(*buildOptions)

type buildOptions struct {
	getenv   func(string) string
	inMemory bool
	ranker   ports.Ranker
	observer jobs.Observer
}

// WithGetenv replaces os.Getenv as the credential source.
func WithGetenv(f func(string) string) Option {
	return func(o *buildOptions) { o.getenv = f }
}

// InMemory keeps jobs and the queue in process instead of SQLite.
func InMemory() Option {
	return func(o *buildOptions) { o.inMemory = true }
}

// WithRanker overrides the ranking backend chosen from config.
func WithRanker(r ports.Ranker) Option {
	return func(o *buildOptions) { o.ranker = r }
}

// WithObserver adds an observer after the built-in ones.
func WithObserver(obs jobs.Observer) Option {
	return func(o *buildOptions) { o.observer = obs }
}

func Build(cfg *config.Config, log logger.Logger, opts ...Option) (*App, error) {
	o := buildOptions{getenv: os.Getenv}
	for _, opt := range opts {
		opt(&o)
	}
	if log == nil {
		log = logger.Nop()
	}

	app := &App{
		Config:  cfg,
		Log:     log,
		Metrics: metrics.New(),
		Events:  jobs.NewBroadcaster(),
	}

	if o.inMemory {
		app.Store = jobs.NewMemoryStore()
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Paths.DB), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		st, err := jobs.OpenSQLite(cfg.Paths.DB)
		if err != nil {
			return nil, err
		}
		app.Store = st
		app.sqlite = st
	}

	ranker := o.ranker
	if ranker == nil {
		r, err := app.buildRanker(o.getenv)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		ranker = r
	}

	v := ffmpeg.New(cfg.Tools.FFmpeg, cfg.Tools.FFprobe)
	uopt := usecase.DefaultOptions()
	uopt.Weights = cfg.Weights()
	uopt.EnergyTopKMin = cfg.Fusion.EnergyTopKMin
	uopt.FailOnNoClips = *cfg.Jobs.FailOnNoClips
	uopt.AcceptDegraded = *cfg.Jobs.AcceptDegraded

	app.Usecase = usecase.New(usecase.Deps{
		Store:     app.Store,
		Source:    ytdlp.New(cfg.Tools.YtDlp),
		ASR:       whispercpp.New(cfg.Tools.WhisperBin, cfg.Tools.WhisperModel, v),
		Ranker:    ranker,
		Detectors: fusion.Detectors{Energy: v, Hype: v, Scenes: v},
		Extractor: v,
		Observer:  jobs.Observers{app.Metrics, app.Events, logEvents(log), o.observer},
		Log:       log,
	}, uopt)
	return app, nil
}

func (a *App) buildRanker(getenv func(string) string) (ports.Ranker, error) {
	rc := a.Config.Ranking
	a.Provider = rc.Provider
	if rc.Provider == config.ProviderHeuristic {
		return heuristic.New(heuristicMinClip, heuristicMaxClip), nil
	}

	keys := a.Config.ProviderKeys(getenv)
	if len(keys) == 0 {
		a.Log.Warn(context.Background(), "no %s credentials configured, falling back to heuristic ranking", rc.Provider)
		a.Provider = config.ProviderHeuristic
		return heuristic.New(heuristicMinClip, heuristicMaxClip), nil
	}

	var model ranking.Model
	switch rc.Provider {
	case config.ProviderGemini:
		opts := []gemini.Option{gemini.WithTemperature(rc.Temperature)}
		if rc.GeminiBaseURL != "" {
			if err := gemini.BaseURL.Validate(rc.GeminiBaseURL, splitList(getenv(gemini.BaseURL.AllowVar))); err != nil {
				return nil, fmt.Errorf("config: %w", err)
			}
			opts = append(opts, gemini.WithBaseURL(gemini.BaseURL.Normalize(rc.GeminiBaseURL)+"/"))
		}
		model = gemini.New(rc.Model, opts...)
	case config.ProviderOpenRouter:
		if err := openrouter.BaseURL.Validate(rc.OpenRouterBaseURL, splitList(getenv(openrouter.BaseURL.AllowVar))); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		model = openrouter.New(rc.Model, rc.OpenRouterBaseURL, openrouter.WithTemperature(rc.Temperature))
	default:
		return nil, fmt.Errorf("unknown ranking provider %q", rc.Provider)
	}

	a.Pool = keypool.New(keys,
		keypool.WithCooldowns(a.Config.PoolCooldowns()),
		keypool.WithLogger(a.Log),
		keypool.WithObserver(a.Metrics),
	)
	a.Log.Info(context.Background(), "ranking with %s (%s), %d credentials", rc.Provider, rc.Model, len(keys))
	return ranking.New(a.Pool, model,
		ranking.WithMaxRetries(rc.MaxRetries),
		ranking.WithTimeout(rc.Timeout),
		ranking.WithLogger(a.Log),
	), nil
}

// Broker returns the queue shared by submit and worker. SQLite-backed apps
// get a durable table next to the jobs; in-memory apps a channel.
func (a *App) Broker(ctx context.Context) (queue.Broker, error) {
	if a.broker != nil {
		return a.broker, nil
	}
	if a.sqlite == nil {
		a.broker = queue.NewMemoryBroker(64)
		return a.broker, nil
	}
	b, err := queue.NewSQLiteBroker(ctx, a.sqlite.DB(), a.Config.Worker.PollInterval)
	if err != nil {
		return nil, err
	}
	a.broker = b
	return b, nil
}

// Worker builds a queue worker running jobs on this app's orchestrator.
func (a *App) Worker(ctx context.Context) (*queue.Worker, error) {
	b, err := a.Broker(ctx)
	if err != nil {
		return nil, err
	}
	wc := a.Config.Worker
	return queue.NewWorker(b, a.Usecase,
		queue.WithConcurrency(wc.Concurrency),
		queue.WithRetryPolicy(queue.RetryPolicy{MaxAttempts: wc.MaxAttempts, Intervals: wc.Backoff}),
		queue.WithLogger(a.Log),
	), nil
}

// Request is what a caller asks for; zero fields take config defaults.
type Request struct {
	Source       ports.Source
	ClipCount    int
	ClipDuration float64
	Resolution   string
	BurnCaptions bool
}

// Params resolves r against config and lays out a fresh cache and output
// directory for the run.
func (a *App) Params(r Request, now time.Time) (usecase.Params, error) {
	jc := a.Config.Jobs
	p := usecase.Params{
		Source:       r.Source,
		ClipCount:    r.ClipCount,
		ClipDuration: r.ClipDuration,
		Resolution:   r.Resolution,
		BurnCaptions: r.BurnCaptions || jc.BurnCaptions,
	}
	if p.ClipCount == 0 {
		p.ClipCount = jc.ClipCount
	}
	if p.ClipDuration == 0 {
		p.ClipDuration = jc.ClipDuration
	}
	if p.Resolution == "" {
		p.Resolution = jc.Resolution
	}
	if _, ok := ports.ResolutionByName(p.Resolution); !ok {
		return usecase.Params{}, fmt.Errorf("unknown resolution %q", p.Resolution)
	}
	if p.Source.Kind == ports.SourceUpload {
		if p.Source.Path == "" {
			return usecase.Params{}, errors.New("upload source needs a path")
		}
		abs, err := filepath.Abs(p.Source.Path)
		if err != nil {
			return usecase.Params{}, err
		}
		p.Source.Path = abs
	} else if p.Source.URL == "" {
		return usecase.Params{}, fmt.Errorf("%s source needs a url", p.Source.Kind)
	}

	input := sourceName(p.Source)
	p.CacheDir = filepath.Join(a.Config.Paths.Cache, "runs", hash(fmt.Sprintf("%s|%d", input, now.UnixNano())))
	p.OutDir = buildRunOutDir(a.Config.Paths.Out, input, now.UTC())
	return p, nil
}

func (a *App) Close() error {
	var errs []error
	if a.broker != nil {
		errs = append(errs, a.broker.Close())
	}
	if a.sqlite != nil {
		errs = append(errs, a.sqlite.Close())
	}
	return errors.Join(errs...)
}

// SourceFor guesses the source kind of a CLI argument.
func SourceFor(arg string) ports.Source {
	u, err := url.Parse(arg)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ports.Source{Kind: ports.SourceUpload, Path: arg}
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "youtu.be" || host == "youtube.com" || strings.HasSuffix(host, ".youtube.com"):
		return ports.Source{Kind: ports.SourceYouTube, URL: arg}
	case host == "kick.com" || host == "kick.tv" || strings.HasSuffix(host, ".kick.com"):
		return ports.Source{Kind: ports.SourceKick, URL: arg}
	default:
		return ports.Source{Kind: ports.SourceURL, URL: arg}
	}
}

func logEvents(log logger.Logger) jobs.Observer {
	return jobs.ObserverFunc(func(ctx context.Context, ev jobs.Event) {
		if ev.Error != "" {
			log.Error(ctx, "job %s %s at %d%%: %s", ev.JobID, ev.Status, ev.Progress, ev.Error)
			return
		}
		if ev.Status.Terminal() {
			log.Info(ctx, "job %s %s: %s", ev.JobID, ev.Status, ev.Message)
			return
		}
		log.Debug(ctx, "job %s %s %d%% %s", ev.JobID, ev.Status, ev.Progress, ev.Message)
	})
}

func sourceName(src ports.Source) string {
	if src.Kind == ports.SourceUpload {
		return src.Path
	}
	u, err := url.Parse(src.URL)
	if err != nil {
		return src.URL
	}
	if base := filepath.Base(u.Path); base != "" && base != "/" && base != "." {
		return u.Hostname() + "-" + base
	}
	return u.Hostname()
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildRunOutDir(outRoot, input string, now time.Time) string {
	name := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	name = normalizePathSegment(name)
	if name == "" {
		name = "input"
	}
	ts := now.UTC().Format("20060102-150405Z")
	runSeed := fmt.Sprintf("%s|%d", input, now.UTC().UnixNano())
	suffix := hash(runSeed)[:6]
	return filepath.Join(outRoot, fmt.Sprintf("%s-%s-%s", name, ts, suffix))
}

func normalizePathSegment(s string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
