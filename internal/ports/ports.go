package ports

import (
	"context"
	"errors"
	"time"

	"github.com/forPelevin/hlclip/internal/types"
)

var (
	ErrDownload      = errors.New("download failed")
	ErrTranscription = errors.New("transcription failed")
	ErrExtraction    = errors.New("extraction failed")
	ErrDetector      = errors.New("detector failed")
)

// Progress receives stage checkpoints while a job runs.
type Progress interface {
	Report(ctx context.Context, percent int, message string)
}

type SourceKind string

const (
	SourceUpload  SourceKind = "upload"
	SourceYouTube SourceKind = "youtube"
	SourceKick    SourceKind = "kick"
	SourceURL     SourceKind = "url"
)

// Remote reports whether the media has to be downloaded first.
func (k SourceKind) Remote() bool { return k != SourceUpload && k != "" }

type Source struct {
	Kind        SourceKind        `json:"kind"`
	Path        string            `json:"path,omitempty"`
	URL         string            `json:"url,omitempty"`
	CookiesFile string            `json:"cookies_file,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type MediaSource interface {
	// Fetch makes the source available as a local file under destDir and
	// returns its path. Failures wrap ErrDownload.
	Fetch(ctx context.Context, src Source, destDir string) (string, error)
}

type VideoTool interface {
	ExtractAudio(ctx context.Context, mediaPath, outWav string) error
	Duration(ctx context.Context, mediaPath string) (time.Duration, error)
}

type Transcriber interface {
	// Transcribe failures wrap ErrTranscription.
	Transcribe(ctx context.Context, mediaPath, cacheDir string) (types.Transcript, error)
}

type Ranker interface {
	Rank(ctx context.Context, tr types.Transcript, n int, progress Progress) ([]types.RankedSegment, error)
}

type EnergyDetector interface {
	Energy(ctx context.Context, mediaPath string, topK int) ([]types.EnergyWindow, error)
}

type HypeDetector interface {
	Hype(ctx context.Context, mediaPath string) ([]types.HypeEvent, error)
}

type SceneDetector interface {
	Scenes(ctx context.Context, mediaPath string) ([]float64, error)
}

type Resolution struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

var resolutions = map[string]Resolution{
	"portrait":  {Name: "portrait", Width: 1080, Height: 1920},
	"landscape": {Name: "landscape", Width: 1920, Height: 1080},
	"square":    {Name: "square", Width: 1080, Height: 1080},
}

// ResolutionByName resolves a preset; unknown names fall back to portrait.
func ResolutionByName(name string) (Resolution, bool) {
	r, ok := resolutions[name]
	if !ok {
		return resolutions["portrait"], false
	}
	return r, true
}

type ClipRequest struct {
	Input      string
	Output     string
	Start      float64
	End        float64
	Resolution Resolution
	// CaptionASS is an optional subtitle file burned into the clip.
	CaptionASS string
}

type Extractor interface {
	// Extract renders the clip. Failures wrap ErrExtraction.
	Extract(ctx context.Context, req ClipRequest) (string, error)
	// Preview stream-copies the range without re-encoding.
	Preview(ctx context.Context, req ClipRequest) (string, error)
}
