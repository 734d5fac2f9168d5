package fusion

import (
	"sort"

	"github.com/forPelevin/hlclip/internal/types"
)

// Weights tune how much each auxiliary signal boosts the model's virality
// score. SceneWindow is the distance in seconds a cut may sit outside a
// segment and still count.
type Weights struct {
	Energy      float64 `yaml:"energy_weight"`
	Hype        float64 `yaml:"hype_weight"`
	Scene       float64 `yaml:"scene_weight"`
	SceneWindow float64 `yaml:"scene_window_sec"`
}

func DefaultWeights() Weights {
	return Weights{Energy: 1, Hype: 0.5, Scene: 0.3, SceneWindow: 2}
}

type Signals struct {
	Energy []types.EnergyWindow
	Hype   []types.HypeEvent
	Scenes []float64
}

// Rank scores every candidate against the signals and returns at most n of
// them, best first. Equal scores keep the model's order. The input slice is
// not modified.
func Rank(cands []types.RankedSegment, sig Signals, n int, w Weights) []types.RankedSegment {
	if len(cands) == 0 || n <= 0 {
		return nil
	}

	out := make([]types.RankedSegment, len(cands))
	copy(out, cands)

	for i := range out {
		c := &out[i]
		c.EnergyScore = energyScore(*c, sig.Energy)
		c.HypeScore = hypeScore(*c, sig.Hype)
		c.SceneProximity = sceneProximity(*c, sig.Scenes, w.SceneWindow)
	}
	normalizeEnergy(out)
	for i := range out {
		c := &out[i]
		c.CombinedScore = c.ViralityScore * (1 + w.Energy*c.EnergyNorm + w.Hype*c.HypeScore + w.Scene*c.SceneProximity)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CombinedScore > out[j].CombinedScore })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func overlaps(start, end float64, c types.RankedSegment) bool {
	return start < c.End && end > c.Start
}

func energyScore(c types.RankedSegment, windows []types.EnergyWindow) float64 {
	var sum float64
	n := 0
	for _, w := range windows {
		if overlaps(w.Start, w.End, c) {
			sum += w.RMS
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func hypeScore(c types.RankedSegment, events []types.HypeEvent) float64 {
	var sum float64
	n := 0
	for _, e := range events {
		if overlaps(e.Start, e.End, c) {
			sum += e.Score
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func sceneProximity(c types.RankedSegment, scenes []float64, window float64) float64 {
	for _, ts := range scenes {
		if ts >= c.Start-window && ts <= c.End+window {
			return 1
		}
	}
	return 0
}

// normalizeEnergy min-max scales EnergyScore into EnergyNorm. A flat signal
// normalizes to zero for everyone.
func normalizeEnergy(segs []types.RankedSegment) {
	lo, hi := segs[0].EnergyScore, segs[0].EnergyScore
	for _, s := range segs[1:] {
		lo = min(lo, s.EnergyScore)
		hi = max(hi, s.EnergyScore)
	}
	for i := range segs {
		if hi > lo {
			segs[i].EnergyNorm = (segs[i].EnergyScore - lo) / (hi - lo)
		} else {
			segs[i].EnergyNorm = 0
		}
	}
}
