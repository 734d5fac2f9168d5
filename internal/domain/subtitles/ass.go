package subtitles

import (
	"fmt"
	"strings"
	"time"

	"github.com/forPelevin/hlclip/internal/types"
)

// HookDuration is how long the hook title stays on screen.
const HookDuration = 3 * time.Second

// Frame is the output video size the script is laid out for.
type Frame struct {
	Width  int
	Height int
}

// RenderClipASS builds the burn-in script of one clip: the hook as a title
// over the first seconds plus karaoke captions of the spoken words. Times in
// the script are clip-local.
func RenderClipASS(tr types.Transcript, start, end time.Duration, hook string, f Frame) string {
	if f.Width <= 0 || f.Height <= 0 {
		f = Frame{Width: 1080, Height: 1920}
	}
	var b strings.Builder
	b.WriteString(assHeader(f))
	b.WriteString("\n[Events]\n")
	b.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")

	if h := sanitizeASS(hook); h != "" {
		hookEnd := min(HookDuration, end-start)
		fmt.Fprintf(&b, "Dialogue: 1,%s,%s,Hook,,0,0,0,,%s\n", assTime(0), assTime(hookEnd), h)
	}

	words := collectWords(tr, start, end)
	if len(words) == 0 {
		// ASR without word timestamps still gets one plain caption.
		if text := collectSegmentText(tr, start, end); text != "" {
			fmt.Fprintf(&b, "Dialogue: 0,%s,%s,Caption,,0,0,0,,%s\n", assTime(0), assTime(end-start), sanitizeASS(text))
		}
		return b.String()
	}
	for _, ln := range packWords(words) {
		b.WriteString("Dialogue: 0,")
		b.WriteString(assTime(ln.Start))
		b.WriteString(",")
		b.WriteString(assTime(ln.End))
		b.WriteString(",Caption,,0,0,0,,")
		for _, w := range ln.Words {
			durCS := int((w.End - w.Start) / (10 * time.Millisecond))
			if durCS < 1 {
				durCS = 1
			}
			fmt.Fprintf(&b, "{\\k%d}%s ", durCS, w.Text)
		}
		b.WriteString("\n")
	}
	return b.String()
}

type wword struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

type line struct {
	Start time.Duration
	End   time.Duration
	Words []wword
}

func collectWords(tr types.Transcript, start, end time.Duration) []wword {
	var out []wword
	for _, s := range tr.Segments {
		for _, w := range s.Words {
			ws := dur(w.Start)
			we := dur(w.End)
			if we <= start || ws >= end {
				continue
			}
			text := strings.TrimSpace(w.Word)
			if text == "" {
				continue
			}
			ws = max(ws, start)
			we = min(we, end)
			out = append(out, wword{Start: ws - start, End: we - start, Text: sanitizeASS(text)})
		}
	}
	return out
}

func collectSegmentText(tr types.Transcript, start, end time.Duration) string {
	var parts []string
	for _, s := range tr.Segments {
		if dur(s.End) <= start || dur(s.Start) >= end {
			continue
		}
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// packWords groups words into caption lines short enough for vertical video.
func packWords(words []wword) []line {
	const (
		charBudget = 32
		wordBudget = 6
	)
	var out []line
	cur := line{Start: words[0].Start}
	curLen := 0
	for i, w := range words {
		wl := len([]rune(w.Text))
		nextLen := curLen + wl
		if curLen > 0 {
			nextLen++
		}
		if len(cur.Words) >= wordBudget || (len(cur.Words) > 0 && nextLen > charBudget) {
			cur.End = cur.Words[len(cur.Words)-1].End
			out = append(out, cur)
			cur = line{Start: w.Start}
			curLen = 0
		}
		cur.Words = append(cur.Words, w)
		if curLen > 0 {
			curLen++
		}
		curLen += wl
		if i == len(words)-1 {
			cur.End = w.End
			out = append(out, cur)
		}
	}
	return out
}

func assHeader(f Frame) string {
	// Font sizes scale with the short side so square and landscape stay legible.
	short := min(f.Width, f.Height)
	caption := short * 7 / 100
	hook := short * 8 / 100
	marginV := f.Height / 8
	return fmt.Sprintf(`[Script Info]
ScriptType: v4.00+
PlayResX: %d
PlayResY: %d
ScaledBorderAndShadow: yes

[V4+ Styles]
Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding
Style: Caption, Inter, %d, &H00FFFFFF, &H00FFD200, &H00000000, &H64000000, 1,0,0,0,100,100,0,0,1,6,2,2, 60,60,%d,1
Style: Hook, Inter, %d, &H0000E5FF, &H0000E5FF, &H00000000, &H64000000, 1,0,0,0,100,100,0,0,1,7,2,8, 60,60,%d,1`,
		f.Width, f.Height, caption, marginV, hook, marginV)
}

func assTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hs := int(d / time.Hour)
	d -= time.Duration(hs) * time.Hour
	ms := int(d / time.Minute)
	d -= time.Duration(ms) * time.Minute
	s := int(d / time.Second)
	d -= time.Duration(s) * time.Second
	cs := int(d / (10 * time.Millisecond))
	return fmt.Sprintf("%d:%02d:%02d.%02d", hs, ms, s, cs)
}

func sanitizeASS(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "{", "(")
	s = strings.ReplaceAll(s, "}", ")")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

func dur(sec float64) time.Duration { return time.Duration(sec * float64(time.Second)) }
