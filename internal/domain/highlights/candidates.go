package highlights

import (
	"strings"
	"time"

	"github.com/forPelevin/hlclip/internal/types"
)

// BuildCandidates slides windows of [minClip, maxClip] over the transcript
// and scores each one. Word timestamps give tighter windows; transcripts
// without them fall back to whole segments.
func BuildCandidates(tr types.Transcript, minClip, maxClip time.Duration) []types.Candidate {
	if minClip <= 0 {
		minClip = time.Second
	}
	if maxClip <= 0 || maxClip < minClip || len(tr.Segments) == 0 {
		return nil
	}

	if words := collectAllWords(tr); len(words) >= 2 {
		if cands := fromWords(words, minClip, maxClip); len(cands) > 0 {
			return cands
		}
	}
	return fromSegments(tr.Segments, minClip, maxClip)
}

func fromSegments(segs []types.Segment, minClip, maxClip time.Duration) []types.Candidate {
	var out []types.Candidate
	for i := range segs {
		start := dur(segs[i].Start)
		var parts []string
		for j := i; j < len(segs); j++ {
			end := dur(segs[j].End)
			if end-start > maxClip {
				break
			}
			if t := strings.TrimSpace(segs[j].Text); t != "" {
				parts = append(parts, t)
			}
			if end-start < minClip || len(parts) == 0 {
				continue
			}
			out = append(out, scored(start, end, strings.Join(parts, " ")))
		}
	}
	return out
}

type timedWord struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

func collectAllWords(tr types.Transcript) []timedWord {
	var out []timedWord
	for _, s := range tr.Segments {
		for _, w := range s.Words {
			ws, we := dur(w.Start), dur(w.End)
			text := strings.TrimSpace(w.Word)
			if we <= ws || text == "" {
				continue
			}
			out = append(out, timedWord{Start: ws, End: we, Text: text})
		}
	}
	return out
}

// fromWords caps the work on long transcripts: start points are sampled and
// window ends advance in strides.
func fromWords(words []timedWord, minClip, maxClip time.Duration) []types.Candidate {
	const (
		maxCandidates = 500
		maxWordsInWin = 240
		maxStarts     = 140
		endStride     = 4
	)

	stride := 1
	if len(words) > maxStarts {
		stride = (len(words) + maxStarts - 1) / maxStarts
	}
	var starts []int
	for i := 0; i < len(words)-1; i += stride {
		starts = append(starts, i)
	}
	// keep the tail covered when starts are sampled
	if last := len(words) - 2; len(starts) == 0 || starts[len(starts)-1] != last {
		starts = append(starts, last)
	}

	var out []types.Candidate
	for _, i := range starts {
		start := words[i].Start
		parts := make([]string, 0, 32)
		for j := i; j < len(words) && j-i <= maxWordsInWin; j++ {
			parts = append(parts, words[j].Text)
			if j == i || ((j-i)%endStride != 0 && j != i+1) {
				continue
			}
			end := words[j].End
			if end-start > maxClip {
				break
			}
			if end-start < minClip {
				continue
			}
			out = append(out, scored(start, end, strings.Join(parts, " ")))
			if len(out) >= maxCandidates {
				return out
			}
		}
	}
	return out
}

func scored(start, end time.Duration, text string) types.Candidate {
	text = strings.TrimSpace(text)
	info, hook := Score(text)
	return types.Candidate{Start: start, End: end, Text: text, InfoScore: info, HookScore: hook}
}

func dur(sec float64) time.Duration { return time.Duration(sec * float64(time.Second)) }
