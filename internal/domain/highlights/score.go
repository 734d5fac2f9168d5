package highlights

import (
	"math"
	"regexp"
	"strings"
)

// cue adds weight for each match of re, or once when any match is enough.
type cue struct {
	re     *regexp.Regexp
	weight float64
	once   bool
}

var (
	infoCues = []cue{
		{re: regexp.MustCompile(`\b\d+(?:[\.,]\d+)?\b`), weight: 0.4},
		{re: regexp.MustCompile(`(?i)\b(how\s+to|step\s+\d+|first|second|third|do\s+this)\b`), weight: 1.2, once: true},
	}
	hookCues = []cue{
		{re: regexp.MustCompile(`(?i)\b(important|key|secret|mistake|never|always|here\s+is\s+why|remember)\b`), weight: 0.9},
		{re: regexp.MustCompile(`(?i)\bstep\s+\d+\b`), weight: 0.4},
		{re: regexp.MustCompile(`\?`), weight: 0.7},
		{re: regexp.MustCompile(`!`), weight: 0.3},
	}
)

// lengthPenalty is subtracted from info per rune so long rambling windows
// lose to dense ones.
const lengthPenalty = 0.0006

// Score returns (info, hook) in range [0..10].
func Score(text string) (float64, float64) {
	t := strings.TrimSpace(text)
	if t == "" {
		return 0, 0
	}
	info := weigh(t, infoCues) - lengthPenalty*float64(len([]rune(t)))
	hook := weigh(t, hookCues)
	return clamp(info, 0, 10), clamp(hook, 0, 10)
}

func weigh(t string, cues []cue) float64 {
	var sum float64
	for _, c := range cues {
		if c.once {
			if c.re.MatchString(t) {
				sum += c.weight
			}
			continue
		}
		sum += c.weight * float64(len(c.re.FindAllStringIndex(t, -1)))
	}
	return sum
}

// Virality maps info+hook onto the 1-10 scale the ranking models use.
// Heuristic scores rarely pass 5, so that is treated as the top.
func Virality(info, hook float64) float64 {
	const top = 5.0
	v := 1 + 9*clamp(info+hook, 0, top)/top
	return math.Round(v*10) / 10
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
