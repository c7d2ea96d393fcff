// Package detector provides hand detection interfaces and types for gesture recognition.
package detector

// Hand landmark indices following MediaPipe convention.
// See: https://developers.google.com/mediapipe/solutions/vision/hand_landmarker
const (
	Wrist        = 0
	ThumbCMC     = 1
	ThumbMCP     = 2
	ThumbIP      = 3
	ThumbTip     = 4
	IndexMCP     = 5
	IndexPIP     = 6
	IndexDIP     = 7
	IndexTip     = 8
	MiddleMCP    = 9
	MiddlePIP    = 10
	MiddleDIP    = 11
	MiddleTip    = 12
	RingMCP      = 13
	RingPIP      = 14
	RingDIP      = 15
	RingTip      = 16
	PinkyMCP     = 17
	PinkyPIP     = 18
	PinkyDIP     = 19
	PinkyTip     = 20
	NumLandmarks = 21
)

// Finger identifies one of the four tracked fingers. The thumb is not tracked.
type Finger int

const (
	Index Finger = iota
	Middle
	Ring
	Pinky
)

// Fingers lists the tracked fingers in landmark order.
var Fingers = [...]Finger{Index, Middle, Ring, Pinky}

var fingerJoints = [...]struct{ tip, pip int }{
	Index:  {IndexTip, IndexPIP},
	Middle: {MiddleTip, MiddlePIP},
	Ring:   {RingTip, RingPIP},
	Pinky:  {PinkyTip, PinkyPIP},
}

// String returns the finger name.
func (f Finger) String() string {
	switch f {
	case Index:
		return "index"
	case Middle:
		return "middle"
	case Ring:
		return "ring"
	case Pinky:
		return "pinky"
	}
	return "unknown"
}

// Point3D represents a 3D point in space with x, y, z coordinates.
// Coordinates are normalized to the image: x and y in [0,1], y growing downward.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// HandLandmarks represents the 21 hand landmarks detected by MediaPipe.
type HandLandmarks struct {
	Points     [NumLandmarks]Point3D `json:"points"`
	Handedness string                `json:"handedness"` // "Left" or "Right"
	Score      float64               `json:"score"`
}

// Extended reports whether the finger's tip sits above its PIP joint in image
// space. It assumes an upright hand facing the camera.
func (h *HandLandmarks) Extended(f Finger) bool {
	if h == nil || f < Index || f > Pinky {
		return false
	}
	j := fingerJoints[f]
	return h.Points[j.tip].Y < h.Points[j.pip].Y
}
