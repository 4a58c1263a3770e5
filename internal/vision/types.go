// Package vision holds the data types the control core consumes from
// the external vision subsystem: detections and obstacle readings. The
// vision subsystem itself (inference, frame capture, display) is out
// of scope; this package only models its output.
package vision

import "github.com/wfunc/egg-collector/internal/coordinate"

// Detection is one object found in a single vision frame.
type Detection struct {
	Center     coordinate.Coordinate
	Confidence float64
	ClassID    int
}

// DetectionEvent is a single vision frame's worth of detections.
type DetectionEvent struct {
	Timestamp    int64
	Detections   []Detection
	FrameHeight  int
	FrameWidth   int
}

// CenterBand describes the vertical fraction of the frame treated as
// "in front of the robot", configurable so tests can exercise boundary
// values without touching production defaults.
type CenterBand struct {
	Low  float64
	High float64
}

// DefaultCenterBand matches the 0.25-0.75 fraction used in production.
var DefaultCenterBand = CenterBand{Low: 0.25, High: 0.75}

// HasCenterEgg reports whether any detection in e falls within band's
// vertical fraction of the frame height.
func (e DetectionEvent) HasCenterEgg(band CenterBand) bool {
	if e.FrameHeight <= 0 {
		return false
	}
	h := float64(e.FrameHeight)
	for _, d := range e.Detections {
		frac := float64(d.Center.Y) / h
		if frac >= band.Low && frac <= band.High {
			return true
		}
	}
	return false
}

// SelectPickTarget chooses the detection to pick next: the one closest
// to the robot (largest Y), breaking ties by largest confidence. It
// reports false when there are no detections.
func (e DetectionEvent) SelectPickTarget() (Detection, bool) {
	if len(e.Detections) == 0 {
		return Detection{}, false
	}
	best := e.Detections[0]
	for _, d := range e.Detections[1:] {
		if d.Center.Y > best.Center.Y || (d.Center.Y == best.Center.Y && d.Confidence > best.Confidence) {
			best = d
		}
	}
	return best, true
}

// Targets returns every detection's center, ordered the same way
// SelectPickTarget would consume them (largest Y first, ties broken by
// confidence), for building a pick queue or a coordinate output frame.
func (e DetectionEvent) Targets() []coordinate.Coordinate {
	dets := append([]Detection(nil), e.Detections...)
	// simple insertion sort: detection counts per frame are small and
	// this keeps the ordering rule (largest Y, then confidence) in one
	// place instead of relying on sort.Slice's comparator semantics.
	for i := 1; i < len(dets); i++ {
		for j := i; j > 0; j-- {
			a, b := dets[j], dets[j-1]
			if a.Center.Y > b.Center.Y || (a.Center.Y == b.Center.Y && a.Confidence > b.Confidence) {
				dets[j], dets[j-1] = dets[j-1], dets[j]
			} else {
				break
			}
		}
	}
	coords := make([]coordinate.Coordinate, len(dets))
	for i, d := range dets {
		coords[i] = d.Center
	}
	return coords
}

// ObstacleDistance is a proximity reading, delivered standalone or
// piggy-backed on an Actor status reply.
type ObstacleDistance struct {
	CM        uint
	Timestamp int64
}

// DefaultObstacleNearCM is the distance below which ObstacleNear holds.
const DefaultObstacleNearCM = 30

// ObstacleNear reports whether d is within nearCM of the robot.
func (d ObstacleDistance) ObstacleNear(nearCM uint) bool {
	return d.CM < nearCM
}
