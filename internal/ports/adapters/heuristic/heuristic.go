package heuristic

import (
	"context"
	"fmt"
	"time"

	"github.com/forPelevin/hlclip/internal/domain/highlights"
	"github.com/forPelevin/hlclip/internal/ports"
	"github.com/forPelevin/hlclip/internal/types"
)

const hookRunes = 50

// Ranker picks highlights locally from transcript text alone. It needs no
// credentials and is used when no model provider is configured.
type Ranker struct {
	minClip time.Duration
	maxClip time.Duration
}

var _ ports.Ranker = (*Ranker)(nil)

func New(minClip, maxClip time.Duration) *Ranker {
	if minClip <= 0 {
		minClip = 10 * time.Second
	}
	if maxClip < minClip {
		maxClip = minClip
	}
	return &Ranker{minClip: minClip, maxClip: maxClip}
}

func (r *Ranker) Rank(ctx context.Context, tr types.Transcript, n int, progress ports.Progress) ([]types.RankedSegment, error) {
	if n <= 0 || len(tr.Segments) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if progress != nil {
		progress.Report(ctx, 50, "Scoring transcript windows...")
	}

	picks := highlights.Select(highlights.BuildCandidates(tr, r.minClip, r.maxClip), n)
	timing := highlights.NewTiming(tr)

	out := make([]types.RankedSegment, 0, len(picks))
	for _, c := range picks {
		st, en := c.Start, c.End
		if fs, fe, ok := timing.Fit(c.Start, c.End, r.minClip, r.maxClip); ok {
			st, en = fs, fe
		}
		out = append(out, types.RankedSegment{
			Start:         st.Seconds(),
			End:           en.Seconds(),
			Text:          c.Text,
			Hook:          firstRunes(c.Text, hookRunes),
			Reason:        fmt.Sprintf("info %.1f, hook %.1f", c.InfoScore, c.HookScore),
			Category:      "general",
			ViralityScore: highlights.Virality(c.InfoScore, c.HookScore),
		})
	}
	return out, nil
}

func firstRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
