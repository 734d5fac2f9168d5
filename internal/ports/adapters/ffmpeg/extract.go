package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forPelevin/hlclip/internal/ports"
)

// Extract re-encodes [Start, End) scaled and center-cropped to the target
// resolution, burning CaptionASS in when set.
func (a *Adapter) Extract(ctx context.Context, req ports.ClipRequest) (string, error) {
	if req.End <= req.Start {
		return "", fmt.Errorf("%w: empty range %.3f-%.3f", ports.ErrExtraction, req.Start, req.End)
	}
	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrExtraction, err)
	}
	if _, err := run(ctx, "ffmpeg render clip", a.ffmpeg, renderArgs(req)...); err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrExtraction, err)
	}
	return req.Output, nil
}

// Preview copies the range without re-encoding. Cuts snap to keyframes.
func (a *Adapter) Preview(ctx context.Context, req ports.ClipRequest) (string, error) {
	out := PreviewPath(req.Output)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrExtraction, err)
	}
	_, err := run(ctx, "ffmpeg preview copy", a.ffmpeg,
		"-y",
		"-ss", fmtSeconds(req.Start),
		"-to", fmtSeconds(req.End),
		"-i", req.Input,
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		out,
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ports.ErrExtraction, err)
	}
	return out, nil
}

func PreviewPath(output string) string {
	ext := filepath.Ext(output)
	return strings.TrimSuffix(output, ext) + "_preview" + ext
}

func renderArgs(req ports.ClipRequest) []string {
	args := []string{
		"-y",
		"-ss", fmtSeconds(req.Start),
		"-t", fmtSeconds(req.End - req.Start),
		"-i", req.Input,
		"-vf", videoFilter(req.Resolution, req.CaptionASS),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "18",
		"-c:a", "aac",
		"-b:a", "192k",
		"-movflags", "+faststart",
		req.Output,
	}
	return args
}

func videoFilter(res ports.Resolution, ass string) string {
	chain := []string{
		fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase", res.Width, res.Height),
		fmt.Sprintf("crop=%d:%d", res.Width, res.Height),
		"setsar=1",
	}
	if ass != "" {
		chain = append(chain, "subtitles="+escapeFilterPath(ass))
	}
	return strings.Join(chain, ",")
}
