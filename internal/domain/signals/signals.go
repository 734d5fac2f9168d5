package signals

import (
	"math"
	"sort"

	"github.com/forPelevin/hlclip/internal/types"
)

const (
	EnergyWindowSec = 1.0
	HypeWindowSec   = 0.5
	HypeMultiplier  = 2.0

	// MinEnergyTopK is the floor of EnergyTopK.
	MinEnergyTopK = 20
)

// RMSWindows splits mono PCM samples into consecutive windows of windowSec
// and returns the root-mean-square amplitude of each. The trailing partial
// window is kept.
func RMSWindows(samples []int16, sampleRate int, windowSec float64) []types.EnergyWindow {
	if sampleRate <= 0 || windowSec <= 0 || len(samples) == 0 {
		return nil
	}
	frames := int(windowSec * float64(sampleRate))
	if frames <= 0 {
		frames = 1
	}

	out := make([]types.EnergyWindow, 0, len(samples)/frames+1)
	for i := 0; i*frames < len(samples); i++ {
		lo := i * frames
		hi := min(lo+frames, len(samples))
		var sum float64
		for _, s := range samples[lo:hi] {
			v := float64(s)
			sum += v * v
		}
		start := float64(i) * windowSec
		out = append(out, types.EnergyWindow{
			Start: round3(start),
			End:   round3(start + windowSec),
			RMS:   math.Sqrt(sum / float64(hi-lo)),
		})
	}
	return out
}

// EnergyTopK is how many loud windows are kept for n requested clips.
func EnergyTopK(n, floor int) int {
	if floor <= 0 {
		floor = MinEnergyTopK
	}
	return max(floor, 4*n)
}

// TopEnergy returns the k loudest windows, loudest first.
func TopEnergy(windows []types.EnergyWindow, k int) []types.EnergyWindow {
	if k <= 0 || len(windows) == 0 {
		return nil
	}
	sorted := make([]types.EnergyWindow, len(windows))
	copy(sorted, windows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].RMS > sorted[j].RMS })
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

// DetectHype merges consecutive windows louder than mean + multiplier*std
// into events scored by how far their average sits above the mean.
func DetectHype(windows []types.EnergyWindow, multiplier float64) []types.HypeEvent {
	if len(windows) == 0 {
		return nil
	}
	mean, std := meanStd(windows)
	threshold := mean + multiplier*math.Max(std, 1e-6)

	var out []types.HypeEvent
	var cur *types.HypeEvent
	var sum float64
	count := 0
	flush := func() {
		if cur == nil {
			return
		}
		avg := sum / float64(count)
		cur.RMS = avg
		cur.Score = (avg - mean) / (std + 1e-6)
		out = append(out, *cur)
		cur, sum, count = nil, 0, 0
	}
	for _, w := range windows {
		if w.RMS < threshold {
			flush()
			continue
		}
		if cur == nil {
			cur = &types.HypeEvent{Start: w.Start, End: w.End}
		} else {
			cur.End = w.End
		}
		sum += w.RMS
		count++
	}
	flush()
	return out
}

func meanStd(windows []types.EnergyWindow) (float64, float64) {
	var sum float64
	for _, w := range windows {
		sum += w.RMS
	}
	mean := sum / float64(len(windows))
	var sq float64
	for _, w := range windows {
		d := w.RMS - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(windows)))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
