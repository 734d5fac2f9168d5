package ranking

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/forPelevin/hlclip/internal/types"
)

type promptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// BuildPrompt asks for exactly n moments as a bare JSON array.
func BuildPrompt(tr types.Transcript, n int) (string, error) {
	segs := make([]promptSegment, 0, len(tr.Segments))
	for _, s := range tr.Segments {
		segs = append(segs, promptSegment{Start: s.Start, End: s.End, Text: strings.TrimSpace(s.Text)})
	}
	sb, err := json.MarshalIndent(segs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal transcript: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert at identifying viral video moments. "+
		"Analyze this video transcript and find the %d most engaging moments that would make great short-form clips.\n\n", n)
	b.WriteString("TRANSCRIPT WITH TIMESTAMPS:\n")
	b.Write(sb)
	b.WriteString("\n\nFULL TEXT:\n")
	b.WriteString(tr.Text())
	b.WriteString(`

ANALYSIS CRITERIA:
1. Hook potential: grabs attention in the first 3 seconds
2. Emotional impact: excitement, surprise, humor, controversy
3. Quotability: memorable one-liners or statements
4. Story arc: complete thought with setup and payoff
5. Context independence: makes sense without the full video

CLIP REQUIREMENTS:
- Each clip should be 15-60 seconds
- Start slightly before the key moment
- End after the payoff, never mid-sentence

Return ONLY a valid JSON array with this exact structure:
[
  {
    "start": <start_time_in_seconds>,
    "end": <end_time_in_seconds>,
    "text": "<exact quote from transcript>",
    "reason": "<why this moment is viral-worthy>",
    "hook": "<first 3 seconds text for caption>",
    "category": "<humor/educational/controversial/emotional/surprising>",
    "virality_score": <1-10 rating>
  }
]

Sort by virality_score (highest first). Return ONLY the JSON array, no other text.`)
	return b.String(), nil
}
