package vision

import (
	"testing"

	"github.com/wfunc/egg-collector/internal/coordinate"
)

func TestHasCenterEggBoundary(t *testing.T) {
	tests := []struct {
		name   string
		yFrac  float64
		height int
		want   bool
	}{
		{"exactly at lower bound is in band", 0.25, 400, true},
		{"just below lower bound is not in band", 0.24, 400, false},
		{"exactly at upper bound is in band", 0.75, 400, true},
		{"just above upper bound is not in band", 0.76, 400, false},
		{"middle of band", 0.5, 400, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			y := int(tt.yFrac * float64(tt.height))
			event := DetectionEvent{
				FrameHeight: tt.height,
				FrameWidth:  640,
				Detections: []Detection{
					{Center: coordinate.Coordinate{X: 320, Y: uint16(y)}, Confidence: 0.9},
				},
			}
			if got := event.HasCenterEgg(DefaultCenterBand); got != tt.want {
				t.Errorf("HasCenterEgg() = %v, want %v (y=%d, h=%d)", got, tt.want, y, tt.height)
			}
		})
	}
}

func TestHasCenterEggNoDetections(t *testing.T) {
	event := DetectionEvent{FrameHeight: 480, FrameWidth: 640}
	if event.HasCenterEgg(DefaultCenterBand) {
		t.Error("HasCenterEgg() = true for empty detections, want false")
	}
}

func TestSelectPickTargetPrefersLargestY(t *testing.T) {
	event := DetectionEvent{
		FrameHeight: 480,
		FrameWidth:  640,
		Detections: []Detection{
			{Center: coordinate.Coordinate{X: 100, Y: 200}, Confidence: 0.95},
			{Center: coordinate.Coordinate{X: 300, Y: 350}, Confidence: 0.6},
		},
	}
	got, ok := event.SelectPickTarget()
	if !ok {
		t.Fatal("SelectPickTarget() returned ok=false")
	}
	if got.Center.Y != 350 {
		t.Errorf("selected Y = %d, want 350 (closest to robot)", got.Center.Y)
	}
}

func TestSelectPickTargetBreaksTiesByConfidence(t *testing.T) {
	event := DetectionEvent{
		FrameHeight: 480,
		FrameWidth:  640,
		Detections: []Detection{
			{Center: coordinate.Coordinate{X: 100, Y: 300}, Confidence: 0.4},
			{Center: coordinate.Coordinate{X: 300, Y: 300}, Confidence: 0.9},
		},
	}
	got, ok := event.SelectPickTarget()
	if !ok {
		t.Fatal("SelectPickTarget() returned ok=false")
	}
	if got.Confidence != 0.9 {
		t.Errorf("selected confidence = %v, want 0.9 (tie-break winner)", got.Confidence)
	}
}

func TestSelectPickTargetEmpty(t *testing.T) {
	event := DetectionEvent{FrameHeight: 480, FrameWidth: 640}
	if _, ok := event.SelectPickTarget(); ok {
		t.Error("SelectPickTarget() ok = true for empty detections, want false")
	}
}

func TestObstacleNear(t *testing.T) {
	near := ObstacleDistance{CM: 20}
	far := ObstacleDistance{CM: 40}
	if !near.ObstacleNear(DefaultObstacleNearCM) {
		t.Error("ObstacleNear() = false for 20cm with 30cm threshold, want true")
	}
	if far.ObstacleNear(DefaultObstacleNearCM) {
		t.Error("ObstacleNear() = true for 40cm with 30cm threshold, want false")
	}
}
