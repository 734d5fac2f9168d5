package ranking

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/forPelevin/hlclip/internal/keypool"
	"github.com/forPelevin/hlclip/internal/types"
)

// ErrParse marks model output that cannot be turned into segments. It is
// never retried on another credential.
var ErrParse = errors.New("ranking: malformed model output")

const (
	defaultReason   = "Engaging content"
	defaultCategory = "general"
	defaultVirality = 7
	hookRunes       = 50
)

// number accepts JSON numbers and numeric strings.
type number struct {
	v  float64
	ok bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	s = strings.Trim(s, `"`)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	n.v, n.ok = v, true
	return nil
}

type rawSegment struct {
	Start         number  `json:"start"`
	End           number  `json:"end"`
	Text          *string `json:"text"`
	Reason        *string `json:"reason"`
	Hook          *string `json:"hook"`
	Category      *string `json:"category"`
	ViralityScore number  `json:"virality_score"`
}

// Parse turns the model's answer into segments in model order. Invalid
// entries are skipped; an answer without any valid entry is an ErrParse.
func Parse(content string) ([]types.RankedSegment, error) {
	arr, err := extractJSONArray(content)
	if err != nil {
		return nil, parseErr(err)
	}

	var raw []rawSegment
	dec := json.NewDecoder(bytes.NewReader([]byte(arr)))
	if err := dec.Decode(&raw); err != nil {
		return nil, parseErr(fmt.Errorf("decode: %w", err))
	}

	out := make([]types.RankedSegment, 0, len(raw))
	for _, r := range raw {
		seg, ok := r.normalize()
		if !ok {
			continue
		}
		out = append(out, seg)
	}
	if len(out) == 0 {
		return nil, parseErr(fmt.Errorf("no valid segments in %d entries", len(raw)))
	}
	return out, nil
}

func (r rawSegment) normalize() (types.RankedSegment, bool) {
	if !r.Start.ok || !r.End.ok || r.Text == nil {
		return types.RankedSegment{}, false
	}
	text := strings.TrimSpace(*r.Text)
	if text == "" || r.End.v <= r.Start.v || r.Start.v < 0 {
		return types.RankedSegment{}, false
	}

	seg := types.RankedSegment{
		Start:         r.Start.v,
		End:           r.End.v,
		Text:          text,
		Reason:        orDefault(r.Reason, defaultReason),
		Hook:          orDefault(r.Hook, truncate(text, hookRunes)),
		Category:      orDefault(r.Category, defaultCategory),
		ViralityScore: defaultVirality,
	}
	if r.ViralityScore.ok {
		seg.ViralityScore = clamp(r.ViralityScore.v, 1, 10)
	}
	return seg, true
}

func parseErr(err error) error {
	return keypool.NonRotatable(fmt.Errorf("%w: %w", ErrParse, err))
}

// extractJSONArray strips markdown fences and returns the outermost array.
func extractJSONArray(s string) (string, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return "", errors.New("empty content")
	}

	if strings.HasPrefix(t, "```") {
		if i := strings.Index(t, "\n"); i >= 0 {
			t = t[i+1:]
		} else {
			t = strings.TrimPrefix(strings.TrimPrefix(t, "```"), "json")
		}
		if j := strings.LastIndex(t, "```"); j >= 0 {
			t = t[:j]
		}
		t = strings.TrimSpace(t)
	}

	start := strings.Index(t, "[")
	end := strings.LastIndex(t, "]")
	if start >= 0 && end > start {
		return t[start : end+1], nil
	}
	return "", fmt.Errorf("could not locate JSON array in: %q", truncate(t, 200))
}

func orDefault(p *string, def string) string {
	if p == nil {
		return def
	}
	if v := strings.TrimSpace(*p); v != "" {
		return v
	}
	return def
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
