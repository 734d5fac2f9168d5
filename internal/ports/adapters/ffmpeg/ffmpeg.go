// Package ffmpeg shells out to ffmpeg and ffprobe for audio extraction,
// signal detection and clip rendering.
package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/forPelevin/hlclip/internal/ports"
)

// ASRSampleRate is what whisper.cpp expects.
const ASRSampleRate = 16000

type Adapter struct {
	ffmpeg  string
	ffprobe string
	audio   audioCache
}

var (
	_ ports.VideoTool      = (*Adapter)(nil)
	_ ports.Extractor      = (*Adapter)(nil)
	_ ports.EnergyDetector = (*Adapter)(nil)
	_ ports.HypeDetector   = (*Adapter)(nil)
	_ ports.SceneDetector  = (*Adapter)(nil)
)

func New(ffmpegPath, ffprobePath string) *Adapter {
	a := &Adapter{ffmpeg: ffmpegPath, ffprobe: ffprobePath}
	if a.ffmpeg == "" {
		a.ffmpeg = "ffmpeg"
	}
	if a.ffprobe == "" {
		a.ffprobe = "ffprobe"
	}
	return a
}

// ExtractAudio writes the mono ASRSampleRate WAV track of mediaPath.
func (a *Adapter) ExtractAudio(ctx context.Context, mediaPath, outWav string) error {
	_, err := run(ctx, "ffmpeg extract audio", a.ffmpeg,
		"-y",
		"-i", mediaPath,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(ASRSampleRate),
		"-f", "wav",
		outWav,
	)
	return err
}

// Duration reads the container duration reported by ffprobe.
func (a *Adapter) Duration(ctx context.Context, mediaPath string) (time.Duration, error) {
	out, err := run(ctx, "ffprobe duration", a.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		mediaPath,
	)
	if err != nil {
		return 0, err
	}
	return parseDuration(out)
}

func parseDuration(out []byte) (time.Duration, error) {
	s := strings.TrimSpace(string(out))
	sec, err := strconv.ParseFloat(s, 64)
	if err != nil || sec < 0 {
		return 0, fmt.Errorf("parse duration %q: invalid value", s)
	}
	return time.Duration(sec * float64(time.Second)), nil
}

// run executes bin and returns its combined output. On failure the error
// names the step and carries the tail of the output.
func run(ctx context.Context, step, bin string, args ...string) ([]byte, error) {
	b, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return b, fmt.Errorf("%s: %w\n%s", step, err, tail(b))
	}
	return b, nil
}

func fmtSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', 3, 64)
}

// escapeFilterPath quotes a path for use inside a filtergraph argument.
func escapeFilterPath(p string) string {
	return strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`).Replace(p)
}

// tail keeps the end of tool output, where ffmpeg prints the actual error.
func tail(b []byte) string {
	const limit = 2000
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return "..." + s[len(s)-limit:]
	}
	return s
}
