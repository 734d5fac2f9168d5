package whispercpp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/forPelevin/hlclip/internal/ports"
	"github.com/forPelevin/hlclip/internal/types"
)

func TestDecode_WhisperCppFullJSON(t *testing.T) {
	t.Parallel()

	in := []byte(`{
  "transcription": [
    {
      "offsets": {"from": 0, "to": 2500},
      "text": " Hello world",
      "tokens": [
        {"text": "[_BEG_]", "offsets": {"from": 0, "to": 0}},
        {"text": " Hel", "offsets": {"from": 0, "to": 400}},
        {"text": "lo", "offsets": {"from": 400, "to": 700}},
        {"text": " world", "offsets": {"from": 800, "to": 2500}}
      ]
    },
    {"offsets": {"from": 2500, "to": 3000}, "text": "   "}
  ]
}`)
	tr, err := Decode(in)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tr.Segments) != 1 {
		t.Fatalf("blank segment should be dropped: %+v", tr.Segments)
	}
	s := tr.Segments[0]
	if s.Text != "Hello world" || s.Start != 0 || s.End != 2.5 {
		t.Fatalf("unexpected segment %+v", s)
	}
	if len(s.Words) != 2 || s.Words[0].Word != "Hello" || s.Words[0].End != 0.7 || s.Words[1].Start != 0.8 {
		t.Fatalf("unexpected words %+v", s.Words)
	}
}

func TestDecode_NormalizedSegments(t *testing.T) {
	t.Parallel()

	tr, err := Decode([]byte(`{"segments":[{"start":1,"end":2,"text":" hi ","words":[{"start":1,"end":2,"word":" hi"}]}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tr.Segments) != 1 || tr.Segments[0].Text != "hi" || tr.Segments[0].Words[0].Word != "hi" {
		t.Fatalf("unexpected transcript %+v", tr)
	}
}

type fakeVideo struct {
	audioErr error
	duration time.Duration
}

func (v fakeVideo) ExtractAudio(context.Context, string, string) error { return v.audioErr }

func (v fakeVideo) Duration(context.Context, string) (time.Duration, error) { return v.duration, nil }

func TestTranscribe_WrapsAudioFailure(t *testing.T) {
	t.Parallel()

	a := New("whisper", "model.bin", fakeVideo{audioErr: errors.New("no audio stream")})
	_, err := a.Transcribe(context.Background(), "in.mp4", t.TempDir())
	if !errors.Is(err, ports.ErrTranscription) {
		t.Fatalf("expected ErrTranscription, got %v", err)
	}
}

// fakeWhisper writes a script that answers like whisper.cpp -ojf. Tests
// using it stay serial so no fork inherits the script while it is open.
func fakeWhisper(t *testing.T, doc string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in")
	}
	bin := filepath.Join(t.TempDir(), "whisper")
	script := "#!/bin/sh\n" +
		"while [ $# -gt 0 ]; do\n" +
		"  if [ \"$1\" = \"-of\" ]; then out=\"$2\"; fi\n" +
		"  shift\n" +
		"done\n" +
		"cat > \"$out.json\" <<'EOF'\n" + doc + "\nEOF\n"
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin
}

func TestTranscribe_ClipsToMediaDuration(t *testing.T) {
	bin := fakeWhisper(t, `{"segments":[`+
		`{"start":0,"end":4,"text":"first"},`+
		`{"start":4,"end":12,"text":"second","words":[{"start":4,"end":6,"word":"sec"},{"start":10.5,"end":12,"word":"ond"}]},`+
		`{"start":12,"end":14,"text":"past the end"}]}`)

	a := New(bin, "model.bin", fakeVideo{duration: 10 * time.Second})
	tr, err := a.Transcribe(context.Background(), "in.mp4", t.TempDir())
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if len(tr.Segments) != 2 {
		t.Fatalf("segments = %+v", tr.Segments)
	}
	last := tr.Segments[1]
	if last.End != 10 || len(last.Words) != 1 || last.Words[0].End != 6 {
		t.Fatalf("last segment not clipped: %+v", last)
	}
}

func TestTranscribe_NoSpeech(t *testing.T) {
	bin := fakeWhisper(t, `{"segments":[{"start":30,"end":32,"text":"after the end"}]}`)
	a := New(bin, "model.bin", fakeVideo{duration: 10 * time.Second})
	_, err := a.Transcribe(context.Background(), "in.mp4", t.TempDir())
	if !errors.Is(err, ports.ErrTranscription) || !strings.Contains(err.Error(), "no speech") {
		t.Fatalf("err = %v", err)
	}
}

func TestClipTo_KeepsSegmentsInside(t *testing.T) {
	t.Parallel()

	in := types.Transcript{Segments: []types.Segment{{Start: 1, End: 2, Text: "a"}}}
	out := ClipTo(in, 5)
	if len(out.Segments) != 1 || out.Segments[0].End != 2 {
		t.Fatalf("got %+v", out)
	}
}
