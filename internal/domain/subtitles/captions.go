package subtitles

import (
	"fmt"
	"strings"
	"time"

	"github.com/forPelevin/hlclip/internal/types"
)

// RenderSRT renders the whole transcript as SubRip cues, one per segment.
func RenderSRT(tr types.Transcript) string {
	var b strings.Builder
	n := 0
	for _, s := range tr.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" || s.End <= s.Start {
			continue
		}
		n++
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", n, cueTime(dur(s.Start), ','), cueTime(dur(s.End), ','), text)
	}
	return b.String()
}

// RenderVTT renders the whole transcript as WebVTT.
func RenderVTT(tr types.Transcript) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, s := range tr.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" || s.End <= s.Start {
			continue
		}
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n", cueTime(dur(s.Start), '.'), cueTime(dur(s.End), '.'), text)
	}
	return b.String()
}

func cueTime(d time.Duration, sep byte) string {
	if d < 0 {
		d = 0
	}
	h := int(d / time.Hour)
	d -= time.Duration(h) * time.Hour
	m := int(d / time.Minute)
	d -= time.Duration(m) * time.Minute
	s := int(d / time.Second)
	d -= time.Duration(s) * time.Second
	ms := int(d / time.Millisecond)
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}
