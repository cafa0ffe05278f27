package annotations

import (
	"encoding/json"
	"testing"
)

func TestCountMixedPayload(t *testing.T) {
	raw := `{
		"shapes": [{"type":"rectangle"},{"type":"polygon"}],
		"tracks": [{"shapes": [{"frame":0,"keyframe":true},{"frame":1,"keyframe":false},{"frame":2,"outside":true}]}]
	}`
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := Count(p)
	want := Counts{Manual: 3, Interpolated: 1, Total: 4}
	if got != want {
		t.Fatalf("Count = %+v, want %+v", got, want)
	}
}

func TestCountEmpty(t *testing.T) {
	if got := Count(Payload{}); got != (Counts{}) {
		t.Fatalf("empty payload should count zero, got %+v", got)
	}
}

func TestCountOutsideKeyframeIsSkipped(t *testing.T) {
	p := Payload{Tracks: []Track{
		{Shapes: []TrackShape{{Keyframe: true, Outside: true}, {Keyframe: true}}},
		{Shapes: []TrackShape{{}, {}, {Outside: true}}},
	}}
	got := Count(p)
	if got.Manual != 1 || got.Interpolated != 2 || got.Total != 3 {
		t.Fatalf("unexpected counts %+v", got)
	}
}
