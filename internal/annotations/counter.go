// Package annotations counts manual and interpolated annotations in a job payload.
package annotations

import "encoding/json"

// Payload is the subset of a job annotation document the counter reads.
// Direct shapes are only counted, so they stay raw.
type Payload struct {
	Shapes []json.RawMessage `json:"shapes"`
	Tracks []Track           `json:"tracks"`
}

// Track is an object followed across frames.
type Track struct {
	Shapes []TrackShape `json:"shapes"`
}

// TrackShape is the per-frame state of a track.
type TrackShape struct {
	Frame    int  `json:"frame"`
	Keyframe bool `json:"keyframe"`
	Outside  bool `json:"outside"`
}

// Counts is the result of Count. Total is always Manual + Interpolated.
type Counts struct {
	Manual       int `json:"manual"`
	Interpolated int `json:"interpolated"`
	Total        int `json:"total"`
}

// Count folds a payload into manual and interpolated totals. Direct shapes
// and track keyframes are manual; other visible track frames are interpolated.
// Frames marked outside are not annotations and are skipped.
func Count(p Payload) Counts {
	manual := len(p.Shapes)
	interpolated := 0
	for _, tr := range p.Tracks {
		for _, s := range tr.Shapes {
			switch {
			case s.Outside:
			case s.Keyframe:
				manual++
			default:
				interpolated++
			}
		}
	}
	return Counts{Manual: manual, Interpolated: interpolated, Total: manual + interpolated}
}
