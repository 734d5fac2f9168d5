package whispercpp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/forPelevin/hlclip/internal/ports"
	"github.com/forPelevin/hlclip/internal/types"
)

// Adapter runs whisper.cpp on the 16 kHz mono track of a media file.
// Segments are clipped to the probed media duration.
type Adapter struct {
	bin   string
	model string
	video ports.VideoTool
}

var _ ports.Transcriber = (*Adapter)(nil)

func New(binPath, modelPath string, video ports.VideoTool) *Adapter {
	return &Adapter{bin: binPath, model: modelPath, video: video}
}

func (a *Adapter) Transcribe(ctx context.Context, mediaPath, cacheDir string) (types.Transcript, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return types.Transcript{}, fmt.Errorf("%w: %w", ports.ErrTranscription, err)
	}
	wav := filepath.Join(cacheDir, "audio_16k.wav")
	if err := a.video.ExtractAudio(ctx, mediaPath, wav); err != nil {
		return types.Transcript{}, fmt.Errorf("%w: %w", ports.ErrTranscription, err)
	}

	outPrefix := filepath.Join(cacheDir, "whisper")
	args := []string{
		"-m", a.model,
		"-f", wav,
		"-ojf",
		"-of", outPrefix,
	}
	cmd := exec.CommandContext(ctx, a.bin, args...)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return types.Transcript{}, fmt.Errorf("%w: whisper.cpp failed: %w\n%s", ports.ErrTranscription, err, string(b))
	}

	jb, err := os.ReadFile(outPrefix + ".json")
	if err != nil {
		return types.Transcript{}, fmt.Errorf("%w: %w", ports.ErrTranscription, err)
	}
	tr, err := Decode(jb)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("%w: %w", ports.ErrTranscription, err)
	}
	if d, err := a.video.Duration(ctx, mediaPath); err == nil && d > 0 {
		tr = ClipTo(tr, d.Seconds())
	}
	if len(tr.Segments) == 0 {
		return types.Transcript{}, fmt.Errorf("%w: no speech found", ports.ErrTranscription)
	}
	return tr, nil
}

// ClipTo drops segments that start at or after end and trims the rest,
// words included. whisper.cpp pads the last segment past the audio.
func ClipTo(tr types.Transcript, end float64) types.Transcript {
	out := make([]types.Segment, 0, len(tr.Segments))
	for _, s := range tr.Segments {
		if s.Start >= end {
			continue
		}
		s.End = min(s.End, end)
		words := s.Words[:0:0]
		for _, w := range s.Words {
			if w.Start >= end {
				continue
			}
			w.End = min(w.End, end)
			words = append(words, w)
		}
		s.Words = words
		out = append(out, s)
	}
	return types.Transcript{Segments: out}
}

type offsets struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type wToken struct {
	Text    string  `json:"text"`
	Offsets offsets `json:"offsets"`
}

type wSegment struct {
	Offsets offsets  `json:"offsets"`
	Text    string   `json:"text"`
	Tokens  []wToken `json:"tokens"`
}

type wOutput struct {
	Transcription []wSegment      `json:"transcription"`
	Segments      []types.Segment `json:"segments"`
}

// Decode accepts whisper.cpp JSON output (-oj or -ojf) as well as an
// already normalized {"segments": [...]} document.
func Decode(b []byte) (types.Transcript, error) {
	var raw wOutput
	if err := json.Unmarshal(b, &raw); err != nil {
		return types.Transcript{}, fmt.Errorf("decode whisper json: %w", err)
	}

	var tr types.Transcript
	if len(raw.Transcription) == 0 {
		tr.Segments = raw.Segments
	}
	for _, s := range raw.Transcription {
		tr.Segments = append(tr.Segments, types.Segment{
			Start: ms(s.Offsets.From),
			End:   ms(s.Offsets.To),
			Text:  s.Text,
			Words: joinTokens(s.Tokens),
		})
	}

	out := tr.Segments[:0]
	for _, s := range tr.Segments {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		for j := range s.Words {
			s.Words[j].Word = strings.TrimSpace(s.Words[j].Word)
		}
		out = append(out, s)
	}
	tr.Segments = out
	return tr, nil
}

// joinTokens merges sub-word tokens into words. A token that starts with a
// space opens a new word; control tokens like [_BEG_] are skipped.
func joinTokens(tokens []wToken) []types.Word {
	var words []types.Word
	for _, t := range tokens {
		if strings.HasPrefix(t.Text, "[_") || strings.TrimSpace(t.Text) == "" {
			continue
		}
		if len(words) == 0 || strings.HasPrefix(t.Text, " ") {
			words = append(words, types.Word{Start: ms(t.Offsets.From), End: ms(t.Offsets.To), Word: t.Text})
			continue
		}
		last := &words[len(words)-1]
		last.Word += t.Text
		last.End = ms(t.Offsets.To)
	}
	return words
}

func ms(v int64) float64 { return float64(v) / 1000 }
