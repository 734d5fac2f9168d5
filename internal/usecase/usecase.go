package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/forPelevin/hlclip/internal/domain/fusion"
	"github.com/forPelevin/hlclip/internal/domain/signals"
	"github.com/forPelevin/hlclip/internal/domain/subtitles"
	"github.com/forPelevin/hlclip/internal/jobs"
	"github.com/forPelevin/hlclip/internal/logger"
	"github.com/forPelevin/hlclip/internal/ports"
	"github.com/forPelevin/hlclip/internal/types"
)

var (
	// ErrJobFailed wraps every error that left a job in the failed state.
	ErrJobFailed = errors.New("job failed")
	ErrNoClips   = errors.New("no playable clips were produced")
)

type Deps struct {
	Store     jobs.Store
	Source    ports.MediaSource
	ASR       ports.Transcriber
	Ranker    ports.Ranker
	Detectors fusion.Detectors
	Extractor ports.Extractor
	Observer  jobs.Observer
	Log       logger.Logger
}

type Options struct {
	Weights       fusion.Weights
	EnergyTopKMin int
	// FailOnNoClips fails a job that ends without a single playable clip.
	FailOnNoClips bool
	// AcceptDegraded turns a failed render into a stream-copy preview.
	AcceptDegraded bool
}

func DefaultOptions() Options {
	return Options{
		Weights:        fusion.DefaultWeights(),
		EnergyTopKMin:  signals.MinEnergyTopK,
		FailOnNoClips:  true,
		AcceptDegraded: true,
	}
}

// Params are everything a run needs besides the job record. They travel
// through the deferred queue unchanged, so they must stay serializable.
type Params struct {
	Source       ports.Source `json:"source"`
	ClipCount    int          `json:"clip_count"`
	ClipDuration float64      `json:"clip_duration"`
	Resolution   string       `json:"resolution"`
	BurnCaptions bool         `json:"burn_captions"`
	CacheDir     string       `json:"cache_dir"`
	OutDir       string       `json:"out_dir"`
}

type Result struct {
	Job      jobs.Job
	Manifest types.Manifest
}

type Usecase struct {
	d   Deps
	opt Options
}

func New(d Deps, opt Options) *Usecase {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	return &Usecase{d: d, opt: opt}
}

// Run drives one job from intake to a terminal state. Any error or panic
// leaves the job failed with its last checkpoint kept, and is returned
// wrapped in ErrJobFailed. Running a job that is already terminal is a no-op.
func (u *Usecase) Run(ctx context.Context, jobID string, p Params) (res Result, err error) {
	job, err := u.d.Store.Get(ctx, jobID)
	if err != nil {
		return Result{}, fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		u.d.Log.Info(ctx, "job %s already %s, skipping", jobID, job.Status)
		return Result{Job: job}, nil
	}

	tr := newTracker(u.d.Store, u.d.Observer, u.d.Log, job)
	defer func() {
		if r := recover(); r != nil {
			u.d.Log.Error(ctx, "job %s panicked: %v\n%s", jobID, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			res.Job, err = u.fail(ctx, tr, err)
		}
	}()

	return u.run(ctx, tr, p)
}

func (u *Usecase) run(ctx context.Context, tr *tracker, p Params) (Result, error) {
	if p.ClipCount <= 0 {
		return Result{}, fmt.Errorf("clip count must be > 0, got %d", p.ClipCount)
	}
	if p.ClipDuration <= 0 {
		return Result{}, fmt.Errorf("clip duration must be > 0, got %v", p.ClipDuration)
	}

	if _, err := tr.transition(ctx, jobs.Patch{}.
		WithStatus(jobs.StatusProcessing).
		WithProgress(10).
		WithMessage("Preparing video...")); err != nil {
		return Result{}, err
	}
	for _, dir := range []string{p.CacheDir, p.OutDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Result{}, fmt.Errorf("create workspace: %w", err)
		}
	}

	// source
	if p.Source.Kind.Remote() {
		tr.Report(ctx, 20, fmt.Sprintf("Downloading video from %s...", p.Source.Kind))
	}
	media, err := u.d.Source.Fetch(ctx, p.Source, p.CacheDir)
	if err != nil {
		return Result{}, err
	}

	// transcript
	transcript, err := u.d.ASR.Transcribe(ctx, media, p.CacheDir)
	if err != nil {
		return Result{}, err
	}
	tr.Report(ctx, 40, fmt.Sprintf("Transcript ready (%d segments)", len(transcript.Segments)))

	// ranking + fusion
	tr.Report(ctx, 45, "Analyzing with AI...")
	cands, err := u.d.Ranker.Rank(ctx, transcript, p.ClipCount, tr)
	if err != nil {
		return Result{}, err
	}
	sig := fusion.Collect(ctx, u.d.Detectors, media, signals.EnergyTopK(p.ClipCount, u.opt.EnergyTopKMin), u.d.Log)
	ranked := fusion.Rank(cands, sig, p.ClipCount, u.opt.Weights)
	tr.Report(ctx, 60, "AI analysis complete")

	captions := u.writeCaptions(ctx, transcript, p.OutDir)

	// extraction
	tr.Report(ctx, 65, "Generating clips...")
	clips, manifestClips := u.extractAll(ctx, tr, media, transcript, ranked, p)
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("extraction interrupted after %d/%d clips: %w", len(clips), len(ranked), err)
	}
	if len(clips) == 0 && u.opt.FailOnNoClips {
		return Result{}, fmt.Errorf("%w (%d candidates)", ErrNoClips, len(ranked))
	}

	manifest := types.Manifest{JobID: tr.jobID, Input: media, Captions: captions, Clips: manifestClips}
	if err := writeManifest(filepath.Join(p.OutDir, "manifest.json"), manifest); err != nil {
		return Result{}, err
	}

	job, err := tr.transition(ctx, jobs.Patch{}.
		WithStatus(jobs.StatusCompleted).
		WithProgress(100).
		WithMessage(fmt.Sprintf("Complete! Generated %d clips", len(clips))).
		WithClips(clips))
	if err != nil {
		return Result{}, err
	}
	return Result{Job: job, Manifest: manifest}, nil
}

func (u *Usecase) extractAll(
	ctx context.Context,
	tr *tracker,
	media string,
	transcript types.Transcript,
	ranked []types.RankedSegment,
	p Params,
) ([]jobs.Clip, []types.ManifestClip) {
	res, _ := ports.ResolutionByName(p.Resolution)
	clips := make([]jobs.Clip, 0, len(ranked))
	manifest := make([]types.ManifestClip, 0, len(ranked))

	for i, seg := range ranked {
		if ctx.Err() != nil {
			break
		}
		ordinal := i + 1
		tr.Report(ctx, 65+i*30/len(ranked), fmt.Sprintf("Generating clip %d/%d...", ordinal, len(ranked)))
		start := seg.Start
		end := min(seg.End, start+p.ClipDuration)
		req := ports.ClipRequest{
			Input:      media,
			Output:     filepath.Join(p.OutDir, fmt.Sprintf("clip_%d.mp4", ordinal)),
			Start:      start,
			End:        end,
			Resolution: res,
		}
		if p.BurnCaptions {
			req.CaptionASS = u.writeClipASS(ctx, transcript, seg, start, end, res, p.CacheDir, ordinal)
		}

		asset, degraded, err := u.extractOne(ctx, req)
		if err != nil {
			u.d.Log.Error(ctx, "job %s: clip %d dropped: %v", tr.jobID, ordinal, err)
		} else {
			clips = append(clips, jobs.Clip{
				Ordinal:       ordinal,
				Asset:         asset,
				Start:         start,
				End:           end,
				Duration:      end - start,
				Degraded:      degraded,
				Text:          seg.Text,
				Hook:          seg.Hook,
				Reason:        seg.Reason,
				Category:      seg.Category,
				ViralityScore: seg.ViralityScore,
				CombinedScore: seg.CombinedScore,
			})
			manifest = append(manifest, types.ManifestClip{
				ID:            fmt.Sprintf("%03d", ordinal),
				StartSec:      start,
				EndSec:        end,
				DurationSec:   end - start,
				Text:          seg.Text,
				Hook:          seg.Hook,
				Reason:        seg.Reason,
				Category:      seg.Category,
				ViralityScore: seg.ViralityScore,
				CombinedScore: seg.CombinedScore,
				File:          relOrSelf(p.OutDir, asset),
				Degraded:      degraded,
			})
		}
	}
	if ctx.Err() == nil {
		tr.Report(ctx, 95, fmt.Sprintf("Generated %d/%d clips", len(clips), len(ranked)))
	}
	return clips, manifest
}

// extractOne renders a clip and falls back to a stream-copy preview.
func (u *Usecase) extractOne(ctx context.Context, req ports.ClipRequest) (string, bool, error) {
	asset, err := u.d.Extractor.Extract(ctx, req)
	if err == nil {
		return asset, false, nil
	}
	if !u.opt.AcceptDegraded || ctx.Err() != nil {
		return "", false, err
	}
	u.d.Log.Warn(ctx, "render failed, trying preview copy: %v", err)
	asset, perr := u.d.Extractor.Preview(ctx, req)
	if perr != nil {
		return "", false, fmt.Errorf("%w; preview: %v", err, perr)
	}
	return asset, true, nil
}

func (u *Usecase) writeClipASS(
	ctx context.Context,
	tr types.Transcript,
	seg types.RankedSegment,
	start, end float64,
	res ports.Resolution,
	dir string,
	ordinal int,
) string {
	ass := subtitles.RenderClipASS(tr, secs(start), secs(end), seg.Hook, subtitles.Frame{Width: res.Width, Height: res.Height})
	path := filepath.Join(dir, fmt.Sprintf("clip_%d.ass", ordinal))
	if err := os.WriteFile(path, []byte(ass), 0o644); err != nil {
		u.d.Log.Warn(ctx, "caption file for clip %d skipped: %v", ordinal, err)
		return ""
	}
	return path
}

// writeCaptions writes full-transcript SRT and VTT files. Best effort.
func (u *Usecase) writeCaptions(ctx context.Context, tr types.Transcript, dir string) []string {
	files := []struct {
		name string
		body string
	}{
		{"captions.srt", subtitles.RenderSRT(tr)},
		{"captions.vtt", subtitles.RenderVTT(tr)},
	}
	var out []string
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), []byte(f.body), 0o644); err != nil {
			u.d.Log.Warn(ctx, "writing %s failed: %v", f.name, err)
			continue
		}
		out = append(out, f.name)
	}
	return out
}

func (u *Usecase) fail(ctx context.Context, tr *tracker, cause error) (jobs.Job, error) {
	// The job must be marked failed even when ctx is what stopped it.
	bg := context.WithoutCancel(ctx)
	job, err := tr.transition(bg, jobs.Patch{}.
		WithStatus(jobs.StatusFailed).
		WithMessage(fmt.Sprintf("Failed at %d%%", tr.progress())).
		WithError(cause.Error()))
	if err != nil {
		u.d.Log.Error(bg, "job %s: marking failed: %v", tr.jobID, err)
	}
	return job, fmt.Errorf("%w: %w", ErrJobFailed, cause)
}

func writeManifest(path string, m types.Manifest) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

func relOrSelf(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil {
		return filepath.ToSlash(rel)
	}
	return path
}

func secs(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }
