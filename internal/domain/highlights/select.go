package highlights

import (
	"sort"
	"time"

	"github.com/forPelevin/hlclip/internal/types"
)

// MinGap is the minimum distance kept between two selected windows.
const MinGap = 2 * time.Second

// Total is the combined heuristic score of a candidate.
func Total(c types.Candidate) float64 { return c.InfoScore + c.HookScore }

// Select returns up to n non-overlapping candidates, best first. Ties keep
// the earlier window first.
func Select(cands []types.Candidate, n int) []types.Candidate {
	if n <= 0 || len(cands) == 0 {
		return nil
	}
	best := make([]types.Candidate, len(cands))
	copy(best, cands)
	sort.SliceStable(best, func(i, j int) bool {
		si, sj := Total(best[i]), Total(best[j])
		if si == sj {
			return best[i].Start < best[j].Start
		}
		return si > sj
	})

	out := make([]types.Candidate, 0, n)
	for _, c := range best {
		if len(out) >= n {
			break
		}
		if overlapsAny(out, c.Start, c.End) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func overlapsAny(existing []types.Candidate, st, en time.Duration) bool {
	for _, e := range existing {
		if st < e.End+MinGap && en > e.Start-MinGap {
			return true
		}
	}
	return false
}
