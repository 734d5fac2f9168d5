package highlights

import (
	"sort"
	"strings"
	"time"

	"github.com/forPelevin/hlclip/internal/types"
)

// Timing is the word and segment timeline used to end clips on a complete
// thought instead of mid-sentence.
type Timing struct {
	words   []timedWord
	segEnds []time.Duration
}

func NewTiming(tr types.Transcript) Timing {
	t := Timing{words: collectAllWords(tr)}
	for _, s := range tr.Segments {
		if se := dur(s.End); se > 0 {
			t.segEnds = append(t.segEnds, se)
		}
	}
	sort.Slice(t.words, func(i, j int) bool {
		if t.words[i].Start == t.words[j].Start {
			return t.words[i].End < t.words[j].End
		}
		return t.words[i].Start < t.words[j].Start
	})
	sort.Slice(t.segEnds, func(i, j int) bool { return t.segEnds[i] < t.segEnds[j] })
	return t
}

// Fit caps [st, en] to maxClip and moves the end to the most natural stop in
// range. ok is false when no end at least minClip after st exists.
func (t Timing) Fit(st, en, minClip, maxClip time.Duration) (time.Duration, time.Duration, bool) {
	if en <= st {
		return 0, 0, false
	}
	maxEnd := st + maxClip
	minEnd := st + minClip
	en = min(en, maxEnd)
	if en < minEnd {
		return 0, 0, false
	}
	end := t.NaturalEnd(st, en, minEnd, maxEnd)
	if end < minEnd {
		return 0, 0, false
	}
	return st, min(end, maxEnd), true
}

// NaturalEnd picks, in order of preference: the best scored sentence end,
// the longest pause, the latest segment end, the latest word end. Falls back
// to want clamped into [minEnd, maxEnd].
func (t Timing) NaturalEnd(start, want, minEnd, maxEnd time.Duration) time.Duration {
	want = max(min(want, maxEnd), minEnd)
	// a little headroom lets the current sentence finish
	limit := min(want+2*time.Second, maxEnd)

	if end, ok := t.bestSentenceEnd(start, want, minEnd, limit); ok {
		return end
	}
	if end, ok := t.longestPauseEnd(max(limit-8*time.Second, minEnd), limit); ok {
		return end
	}

	var best time.Duration
	for _, se := range t.segEnds {
		if se >= minEnd && se <= limit {
			best = max(best, se)
		}
	}
	if best >= minEnd {
		return best
	}
	for _, w := range t.words {
		if w.End >= minEnd && w.End <= limit {
			best = max(best, w.End)
		}
	}
	if best >= minEnd {
		return best
	}
	return want
}

func (t Timing) longestPauseEnd(from, to time.Duration) (time.Duration, bool) {
	const minPause = 350 * time.Millisecond
	var bestGap, bestEnd time.Duration
	for i := 0; i+1 < len(t.words); i++ {
		cur, next := t.words[i], t.words[i+1]
		if cur.End < from || cur.End > to || next.Start <= cur.End {
			continue
		}
		if gap := next.Start - cur.End; gap >= minPause && gap > bestGap {
			bestGap, bestEnd = gap, cur.End
		}
	}
	return bestEnd, bestEnd > 0
}

type sentenceEnd struct {
	end      time.Duration
	words    int
	lastWord string
	text     string
	nextWord string
	pause    time.Duration
}

func (t Timing) bestSentenceEnd(clipStart, want, minEnd, limit time.Duration) (time.Duration, bool) {
	best, bestScore, found := time.Duration(0), -1e9, false
	for _, c := range t.sentenceEnds(clipStart, minEnd, limit) {
		s := c.score(want)
		if !found || s > bestScore || (s == bestScore && c.end > best) {
			best, bestScore, found = c.end, s, true
		}
	}
	return best, found
}

func (t Timing) sentenceEnds(clipStart, minEnd, limit time.Duration) []sentenceEnd {
	words := t.words
	var out []sentenceEnd
	for i, w := range words {
		if w.End < minEnd || w.End > limit || !endsSentence(w.Text) {
			continue
		}
		from := 0
		for j := i - 1; j >= 0; j-- {
			if words[j].End <= clipStart || endsSentence(words[j].Text) {
				from = j + 1
				break
			}
		}

		c := sentenceEnd{end: w.End}
		var parts []string
		for _, sw := range words[from : i+1] {
			if sw.End <= clipStart {
				continue
			}
			parts = append(parts, sw.Text)
			if norm := normalizeToken(sw.Text); norm != "" {
				c.words++
				c.lastWord = norm
			}
		}
		if len(parts) == 0 {
			continue
		}
		c.text = strings.ToLower(strings.Join(parts, " "))
		if i+1 < len(words) {
			if words[i+1].Start > w.End {
				c.pause = words[i+1].Start - w.End
			}
			c.nextWord = normalizeToken(words[i+1].Text)
		}
		out = append(out, c)
	}
	return out
}

// score prefers long sentences, audible pauses and closing phrases near the
// wanted end; dangling conjunctions and unanswered questions are penalized.
func (c sentenceEnd) score(want time.Duration) float64 {
	d := c.end - want
	if d < 0 {
		d = -d
	}
	s := -0.30 * d.Seconds()
	closing := hasClosureCue(c.text)

	switch {
	case c.words >= 8:
		s += 1.1
	case c.words >= 5:
		s += 0.5
	case c.words < 4:
		s -= 0.8
	}
	switch {
	case c.pause >= 450*time.Millisecond:
		s += 1.0
	case c.pause >= 250*time.Millisecond:
		s += 0.4
	case c.pause < 120*time.Millisecond:
		s -= 0.35
	}
	if closing {
		s += 1.1
	}
	if danglingWords[c.lastWord] || c.lastWord == "" {
		s -= 2.0
	}
	if strings.HasSuffix(c.text, "?") && c.pause < 450*time.Millisecond {
		s -= 2.4
	}
	if continuationWords[c.nextWord] && c.pause < 350*time.Millisecond {
		s -= 0.8
	}
	if c.pause < 120*time.Millisecond && c.nextWord != "" {
		s -= 0.8
	}
	if c.words < 5 && !closing && c.pause < 200*time.Millisecond {
		s -= 0.9
	}
	return s
}

var closureCues = []string{
	"that's it", "that is it", "that's why", "that's how", "there you go",
	"we're out", "we are out", "i'm out", "i am out", "goodbye", "finally",
	"done", "finished", "let's go", "lets go", "we won", "i won", "you won", "we did it",
}

func hasClosureCue(s string) bool {
	for _, cue := range closureCues {
		if strings.Contains(s, cue) {
			return true
		}
	}
	return false
}

var danglingWords = wordSet("and but or so because if when then to of for with from into onto " +
	"the a an this that these those my your our their his her its")

var continuationWords = wordSet("and but or so because then if when while that")

func wordSet(s string) map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		m[w] = true
	}
	return m
}

func normalizeToken(s string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(s)), "\"'`[](){}.,!?;:")
}

func endsSentence(s string) bool {
	s = strings.TrimRight(strings.TrimSpace(s), "\"'`)]}")
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
