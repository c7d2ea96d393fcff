package detector

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results.
type MockDetector struct {
	mu    sync.Mutex
	hands []HandLandmarks
	err   error
	calls int
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetHands sets the hands that will be returned by Detect.
func (m *MockDetector) SetHands(hands []HandLandmarks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hands = hands
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many times Detect has been called.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Detect returns the pre-configured hands or error.
func (m *MockDetector) Detect(frame *gocv.Mat) ([]HandLandmarks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.hands, nil
}

// Close is a no-op for the mock detector.
func (m *MockDetector) Close() error {
	return nil
}

// uprightHand returns a right hand with the wrist and thumb placed and every
// tracked finger curled. Callers extend fingers with extendFinger.
func uprightHand() HandLandmarks {
	h := HandLandmarks{
		Handedness: "Right",
		Score:      0.95,
	}

	h.Points[Wrist] = Point3D{X: 0.5, Y: 0.8, Z: 0.0}

	h.Points[ThumbCMC] = Point3D{X: 0.55, Y: 0.75, Z: 0.0}
	h.Points[ThumbMCP] = Point3D{X: 0.60, Y: 0.70, Z: 0.0}
	h.Points[ThumbIP] = Point3D{X: 0.62, Y: 0.66, Z: 0.0}
	h.Points[ThumbTip] = Point3D{X: 0.60, Y: 0.63, Z: 0.0}

	// Curled: the tip folds back below the PIP joint.
	curl := func(mcp, x float64, base int) {
		h.Points[base] = Point3D{X: x, Y: mcp, Z: -0.02}
		h.Points[base+1] = Point3D{X: x, Y: mcp - 0.02, Z: -0.05}
		h.Points[base+2] = Point3D{X: x - 0.03, Y: mcp, Z: -0.04}
		h.Points[base+3] = Point3D{X: x - 0.05, Y: mcp + 0.02, Z: -0.02}
	}
	curl(0.70, 0.55, IndexMCP)
	curl(0.68, 0.50, MiddleMCP)
	curl(0.70, 0.45, RingMCP)
	curl(0.72, 0.40, PinkyMCP)

	return h
}

// extendFinger straightens a finger upward from its MCP joint.
func extendFinger(h *HandLandmarks, f Finger) {
	mcp := IndexMCP + int(f)*4
	base := h.Points[mcp]
	h.Points[mcp+1] = Point3D{X: base.X, Y: base.Y - 0.13, Z: 0.0}
	h.Points[mcp+2] = Point3D{X: base.X, Y: base.Y - 0.23, Z: 0.0}
	h.Points[mcp+3] = Point3D{X: base.X, Y: base.Y - 0.33, Z: 0.0}
}

// HandWithExtended returns an upright hand with exactly the given fingers extended.
func HandWithExtended(fingers ...Finger) HandLandmarks {
	h := uprightHand()
	for _, f := range fingers {
		extendFinger(&h, f)
	}
	return h
}

// FistLandmarks returns a preset HandLandmarks with every tracked finger curled (Rock).
func FistLandmarks() HandLandmarks {
	return HandWithExtended()
}

// OpenPalmLandmarks returns a preset HandLandmarks with all four fingers extended (Paper).
func OpenPalmLandmarks() HandLandmarks {
	return HandWithExtended(Index, Middle, Ring, Pinky)
}

// VictoryLandmarks returns a preset HandLandmarks with the index and middle fingers extended (Scissors).
func VictoryLandmarks() HandLandmarks {
	return HandWithExtended(Index, Middle)
}
