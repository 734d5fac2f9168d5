package heuristic

import (
	"context"
	"testing"
	"time"

	"github.com/forPelevin/hlclip/internal/types"
)

type progressLog struct{ values []int }

func (p *progressLog) Report(_ context.Context, percent int, _ string) {
	p.values = append(p.values, percent)
}

func TestRank_PicksDistinctScoredWindows(t *testing.T) {
	t.Parallel()

	tr := types.Transcript{Segments: []types.Segment{
		{Start: 0, End: 20, Text: "Welcome back to the channel."},
		{Start: 20, End: 40, Text: "Here is why this mistake is so important, remember step 1!"},
		{Start: 40, End: 60, Text: "Some filler talk about nothing much."},
		{Start: 60, End: 80, Text: "The secret? Never skip step 2, always measure 42 times."},
	}}
	log := &progressLog{}
	got, err := New(15*time.Second, 25*time.Second).Rank(context.Background(), tr, 2, log)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(got))
	}
	for _, s := range got {
		if s.End <= s.Start || s.End-s.Start > 25 {
			t.Fatalf("bad window %+v", s)
		}
		if s.ViralityScore < 1 || s.ViralityScore > 10 || s.Category != "general" || s.Hook == "" {
			t.Fatalf("bad metadata %+v", s)
		}
	}
	if got[0].ViralityScore < got[1].ViralityScore {
		t.Fatalf("segments must be best first: %v < %v", got[0].ViralityScore, got[1].ViralityScore)
	}
	if len(log.values) != 1 || log.values[0] != 50 {
		t.Fatalf("unexpected progress %v", log.values)
	}
}

func TestRank_EmptyInputs(t *testing.T) {
	t.Parallel()

	r := New(0, 0)
	if got, err := r.Rank(context.Background(), types.Transcript{}, 3, nil); got != nil || err != nil {
		t.Fatalf("empty transcript: %v %v", got, err)
	}
	tr := types.Transcript{Segments: []types.Segment{{Start: 0, End: 30, Text: "x"}}}
	if got, err := r.Rank(context.Background(), tr, 0, nil); got != nil || err != nil {
		t.Fatalf("n=0: %v %v", got, err)
	}
}
