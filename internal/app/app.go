// Package app runs the capture loop that classifies gestures and publishes
// frames and gesture events.
package app

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayusman/rpscam/internal/capture"
	"github.com/ayusman/rpscam/internal/detector"
	"github.com/ayusman/rpscam/internal/frame"
	"github.com/ayusman/rpscam/internal/gesture"
)

// Pipeline timing defaults.
const (
	// DefaultRetryDelay is the pause after a failed frame read.
	DefaultRetryDelay = 100 * time.Millisecond
	// DefaultYieldInterval is the pause after each processed frame.
	DefaultYieldInterval = 10 * time.Millisecond
	// DefaultMaxConsecutiveFailures is how many failed reads in a row mark the
	// device unavailable. The loop keeps retrying regardless.
	DefaultMaxConsecutiveFailures = 50
)

// Publisher delivers gesture events to connected clients.
type Publisher interface {
	PublishGesture(name string) error
}

// DeviceState describes the camera as seen by the capture loop.
type DeviceState string

const (
	DeviceClosed      DeviceState = "closed"
	DeviceOK          DeviceState = "ok"
	DeviceUnavailable DeviceState = "unavailable"
)

// Config holds configuration options for the application.
type Config struct {
	// CameraID, FrameWidth and FrameHeight configure the device used when
	// Camera is nil.
	CameraID    int
	FrameWidth  int
	FrameHeight int
	Camera      capture.Camera
	// Detector defaults to MediaPipe, falling back to a detector that never finds a hand.
	Detector detector.Detector
	// Frames receives every mirrored frame. Required.
	Frames *frame.Latest
	Events Publisher
	Logger *slog.Logger

	Cooldown               time.Duration
	RetryDelay             time.Duration
	YieldInterval          time.Duration
	MaxConsecutiveFailures int

	// OnGesture is called after each emitted gesture.
	OnGesture func(gesture.Gesture)
}

// Status is a point-in-time view of the capture loop.
type Status struct {
	Running      bool        `json:"running"`
	Enabled      bool        `json:"enabled"`
	Device       DeviceState `json:"device"`
	Frames       uint64      `json:"frames"`
	ReadFailures int         `json:"read_failures"`
	Events       uint64      `json:"events"`
}

// App owns the camera and detector and runs the capture loop.
type App struct {
	config     Config
	logger     *slog.Logger
	camera     capture.Camera
	detector   detector.Detector
	classifier *gesture.Classifier
	debouncer  *gesture.Debouncer
	frames     *frame.Latest

	enabled atomic.Bool
	nFrames atomic.Uint64
	nEvents atomic.Uint64

	stateMu  sync.Mutex
	device   DeviceState
	failures int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new App with the given configuration. Detection starts enabled.
func New(config Config) *App {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.YieldInterval <= 0 {
		config.YieldInterval = DefaultYieldInterval
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if config.Frames == nil {
		config.Frames = frame.NewLatest(frame.DefaultJPEGQuality)
	}

	a := &App{
		config:    config,
		logger:    config.Logger.With("component", "app"),
		camera:    config.Camera,
		debouncer: gesture.NewDebouncer(config.Cooldown),
		frames:    config.Frames,
		device:    DeviceClosed,
	}
	if a.camera == nil {
		a.camera = capture.NewCamera(capture.Options{
			DeviceID: config.CameraID,
			Width:    config.FrameWidth,
			Height:   config.FrameHeight,
		})
	}

	d := config.Detector
	if d == nil {
		if mp, err := detector.NewMediaPipeDetector(detector.DefaultConfig()); err == nil {
			d = mp
			a.logger.Info("using MediaPipe hand detection")
		} else {
			a.logger.Warn("MediaPipe not available, gestures will not be detected", "error", err)
			d = detector.NewMockDetector()
		}
	}
	a.SetDetector(d)
	a.enabled.Store(true)

	return a
}

// SetDetector sets the hand detector implementation to use.
// It must be called before Start.
func (a *App) SetDetector(d detector.Detector) {
	a.detector = d
	a.classifier = gesture.NewClassifier(d)
}

// SetEnabled enables or disables gesture classification.
// Frames keep flowing to the stream while disabled.
func (a *App) SetEnabled(enabled bool) {
	a.enabled.Store(enabled)
	a.logger.Info("gesture detection toggled", "enabled", enabled)
}

// IsEnabled returns whether gesture classification is currently enabled.
func (a *App) IsEnabled() bool {
	return a.enabled.Load()
}

// Frames returns the shared latest-frame cell written by the loop.
func (a *App) Frames() *frame.Latest {
	return a.frames
}

// Start begins the capture loop. The loop runs until ctx is cancelled or Stop
// is called. A camera that cannot be opened is reported unavailable and
// reopened by the loop. Starting a running App is a no-op.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		if !closed(a.done) {
			return
		}
		// The loop ended with its parent context; release it before restarting.
		a.cancel()
	}

	if err := a.camera.Open(); err != nil {
		a.logger.Warn("camera not available, retrying", "error", err)
		a.setDevice(DeviceUnavailable)
	} else {
		a.setDevice(DeviceOK)
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.run(runCtx, a.done)

	a.logger.Info("capture loop started")
}

// Stop halts the capture loop, waits for it to exit and releases the camera
// and detector.
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel == nil {
		return
	}

	a.cancel()
	<-a.done
	a.cancel = nil
	a.done = nil

	if err := a.camera.Close(); err != nil {
		a.logger.Error("error closing camera", "error", err)
	}
	if err := a.detector.Close(); err != nil {
		a.logger.Error("error closing detector", "error", err)
	}
	a.setDevice(DeviceClosed)

	a.logger.Info("capture loop stopped")
}

// Status returns the current loop status.
func (a *App) Status() Status {
	a.mu.Lock()
	running := a.done != nil && !closed(a.done)
	a.mu.Unlock()

	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	return Status{
		Running:      running,
		Enabled:      a.IsEnabled(),
		Device:       a.device,
		Frames:       a.nFrames.Load(),
		ReadFailures: a.failures,
		Events:       a.nEvents.Load(),
	}
}

func (a *App) setDevice(state DeviceState) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.device = state
}

// closed reports whether ch has been closed without blocking.
func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
