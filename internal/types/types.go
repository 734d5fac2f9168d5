package types

import "time"

type Transcript struct {
	Segments []Segment `json:"segments"`
}

type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words,omitempty"`
}

type Word struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

// Text joins all segment texts with single spaces.
func (t Transcript) Text() string {
	n := 0
	for _, s := range t.Segments {
		n += len(s.Text) + 1
	}
	b := make([]byte, 0, n)
	for _, s := range t.Segments {
		if s.Text == "" {
			continue
		}
		if len(b) > 0 {
			b = append(b, ' ')
		}
		b = append(b, s.Text...)
	}
	return string(b)
}

// Candidate is a transcript window scored by the local heuristic.
type Candidate struct {
	Start time.Duration
	End   time.Duration
	Text  string

	InfoScore float64
	HookScore float64
}

// RankedSegment is a highlight proposal plus the signals fused into its final score.
// Times are seconds on the source timeline.
type RankedSegment struct {
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Text     string  `json:"text"`
	Hook     string  `json:"hook"`
	Reason   string  `json:"reason"`
	Category string  `json:"category"`

	ViralityScore  float64 `json:"virality_score"`
	EnergyScore    float64 `json:"energy_score"`
	EnergyNorm     float64 `json:"energy_norm"`
	HypeScore      float64 `json:"hype_score"`
	SceneProximity float64 `json:"scene_proximity"`
	CombinedScore  float64 `json:"combined_score"`
}

// EnergyWindow is the RMS loudness of one audio slice.
type EnergyWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	RMS   float64 `json:"rms"`
}

// HypeEvent is a sustained loudness spike with a normalized intensity.
type HypeEvent struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	RMS   float64 `json:"rms"`
	Score float64 `json:"score"`
}

type Manifest struct {
	JobID    string         `json:"job_id"`
	Input    string         `json:"input"`
	Captions []string       `json:"captions,omitempty"`
	Clips    []ManifestClip `json:"clips"`
}

type ManifestClip struct {
	ID            string  `json:"id"`
	StartSec      float64 `json:"start_sec"`
	EndSec        float64 `json:"end_sec"`
	DurationSec   float64 `json:"duration_sec"`
	Text          string  `json:"text"`
	Hook          string  `json:"hook"`
	Reason        string  `json:"reason"`
	Category      string  `json:"category"`
	ViralityScore float64 `json:"virality_score"`
	CombinedScore float64 `json:"combined_score"`
	File          string  `json:"file"`
	Degraded      bool    `json:"degraded,omitempty"`
}
