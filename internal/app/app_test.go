package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ayusman/rpscam/internal/capture"
	"github.com/ayusman/rpscam/internal/detector"
	"github.com/ayusman/rpscam/internal/gesture"
	"gocv.io/x/gocv"
)

// recordingPublisher captures published gesture names.
type recordingPublisher struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (p *recordingPublisher) PublishGesture(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = append(p.names, name)
	return p.err
}

func (p *recordingPublisher) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.names...)
}

// unpluggedCamera fails to open a fixed number of times before delegating to
// the wrapped camera.
type unpluggedCamera struct {
	*capture.MockCamera
	mu        sync.Mutex
	openFails int
	opens     int
}

func (c *unpluggedCamera) Open() error {
	c.mu.Lock()
	c.opens++
	if c.openFails > 0 {
		c.openFails--
		c.mu.Unlock()
		return errors.New("device busy")
	}
	c.mu.Unlock()
	return c.MockCamera.Open()
}

func (c *unpluggedCamera) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestApp(t *testing.T, cam capture.Camera, d detector.Detector) (*App, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	a := New(Config{
		Camera:                 cam,
		Detector:               d,
		Events:                 pub,
		RetryDelay:             time.Millisecond,
		YieldInterval:          time.Millisecond,
		MaxConsecutiveFailures: 3,
	})
	return a, pub
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestApp_ObserveSteadyGesture(t *testing.T) {
	a, pub := newTestApp(t, capture.NewMockCamera(nil, false), detector.NewMockDetector())
	clock := &testClock{t: time.Unix(1700000000, 0)}
	a.debouncer.SetClock(clock.Now)

	for i := 0; i < 100; i++ {
		a.observe(gesture.Rock)
		clock.Advance(50 * time.Millisecond)
	}

	names := pub.Names()
	if len(names) != 1 || names[0] != "Rock" {
		t.Errorf("published %v, want [Rock]", names)
	}
	if got := a.Status().Events; got != 1 {
		t.Errorf("Status().Events = %d, want 1", got)
	}
}

func TestApp_ObserveTransition(t *testing.T) {
	var seen []gesture.Gesture
	pub := &recordingPublisher{}
	a := New(Config{
		Camera:    capture.NewMockCamera(nil, false),
		Detector:  detector.NewMockDetector(),
		Events:    pub,
		OnGesture: func(g gesture.Gesture) { seen = append(seen, g) },
	})
	clock := &testClock{t: time.Unix(1700000000, 0)}
	a.debouncer.SetClock(clock.Now)

	a.observe(gesture.Rock)
	clock.Advance(gesture.DefaultCooldown + time.Millisecond)
	a.observe(gesture.Paper)
	a.observe(gesture.Paper)

	names := pub.Names()
	if len(names) != 2 || names[0] != "Rock" || names[1] != "Paper" {
		t.Errorf("published %v, want [Rock Paper]", names)
	}
	if len(seen) != 2 || seen[0] != gesture.Rock || seen[1] != gesture.Paper {
		t.Errorf("OnGesture saw %v, want [Rock Paper]", seen)
	}
}

func TestApp_ObserveNoneKeepsDebounceState(t *testing.T) {
	a, pub := newTestApp(t, capture.NewMockCamera(nil, false), detector.NewMockDetector())
	clock := &testClock{t: time.Unix(1700000000, 0)}
	a.debouncer.SetClock(clock.Now)

	a.observe(gesture.Scissors)
	wantGesture, wantAt := a.debouncer.Last()

	for i := 0; i < 20; i++ {
		clock.Advance(time.Second)
		a.observe(gesture.None)
	}

	gotGesture, gotAt := a.debouncer.Last()
	if gotGesture != wantGesture || !gotAt.Equal(wantAt) {
		t.Errorf("debounce state changed: got (%v, %v), want (%v, %v)", gotGesture, gotAt, wantGesture, wantAt)
	}
	if len(pub.Names()) != 1 {
		t.Errorf("published %v, want only Scissors", pub.Names())
	}
}

func TestApp_PublishErrorIsNotFatal(t *testing.T) {
	a, pub := newTestApp(t, capture.NewMockCamera(nil, false), detector.NewMockDetector())
	pub.err = errors.New("hub closed")

	a.observe(gesture.Rock)

	if got := a.Status().Events; got != 1 {
		t.Errorf("Status().Events = %d, want 1", got)
	}
}

func TestApp_ReadFailuresMarkDeviceUnavailable(t *testing.T) {
	cam := capture.NewMockCamera(nil, false)
	a, _ := newTestApp(t, cam, detector.NewMockDetector())

	a.Start(context.Background())

	waitFor(t, "device unavailable", func() bool {
		return a.Status().Device == DeviceUnavailable
	})

	// The loop keeps retrying after the device is marked unavailable.
	reads := cam.Reads()
	waitFor(t, "more retries", func() bool { return cam.Reads() > reads })

	st := a.Status()
	if !st.Running {
		t.Error("loop should still be running")
	}
	if st.ReadFailures < 3 {
		t.Errorf("ReadFailures = %d, want >= 3", st.ReadFailures)
	}

	a.Stop()

	st = a.Status()
	if st.Running {
		t.Error("loop should not be running after Stop")
	}
	if st.Device != DeviceClosed {
		t.Errorf("Device = %s, want %s", st.Device, DeviceClosed)
	}
	if cam.IsOpen() {
		t.Error("camera should be closed after Stop")
	}
}

func TestApp_StartStopIdempotent(t *testing.T) {
	a, _ := newTestApp(t, capture.NewMockCamera(nil, false), detector.NewMockDetector())

	// Stop before Start is a no-op.
	a.Stop()

	a.Start(context.Background())
	a.Start(context.Background())

	a.Stop()
	a.Stop()
}

func TestApp_ContextCancelEndsLoop(t *testing.T) {
	cam := capture.NewMockCamera(nil, false)
	a, _ := newTestApp(t, cam, detector.NewMockDetector())

	ctx, cancel := context.WithCancel(context.Background())
	a.Start(ctx)
	cancel()

	a.mu.Lock()
	done := a.done
	a.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after context cancel")
	}

	if a.Status().Running {
		t.Error("Status().Running should be false once the loop has exited")
	}

	// A loop that ended with its context can be started again.
	a.Start(context.Background())
	if !a.Status().Running {
		t.Error("Status().Running should be true after restart")
	}

	a.Stop()
	if a.Status().Running {
		t.Error("Status().Running should be false after Stop")
	}
}

func TestApp_SetEnabled(t *testing.T) {
	a, _ := newTestApp(t, capture.NewMockCamera(nil, false), detector.NewMockDetector())

	if !a.IsEnabled() {
		t.Error("detection should be enabled by default")
	}
	a.SetEnabled(false)
	if a.IsEnabled() || a.Status().Enabled {
		t.Error("detection should be disabled")
	}
}

func newFrameCamera(t *testing.T) *capture.MockCamera {
	t.Helper()
	img := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { img.Close() })
	return capture.NewMockCamera([]*gocv.Mat{&img}, true)
}

func TestApp_Pipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	mock := detector.NewMockDetector()
	mock.SetHands([]detector.HandLandmarks{detector.FistLandmarks()})

	a, pub := newTestApp(t, newFrameCamera(t), mock)
	defer a.Frames().Close()

	a.Start(context.Background())
	defer a.Stop()

	waitFor(t, "frames", func() bool { return a.Frames().Seq() >= 10 })

	names := pub.Names()
	if len(names) != 1 || names[0] != "Rock" {
		t.Errorf("published %v, want exactly one Rock", names)
	}
	if a.Status().Device != DeviceOK {
		t.Errorf("Device = %s, want ok", a.Status().Device)
	}

	data, err := a.Frames().JPEG()
	if err != nil {
		t.Fatalf("JPEG() error = %v", err)
	}
	if len(data) == 0 {
		t.Error("expected encoded frame bytes")
	}
}

func TestApp_PipelineRecoversAfterFailures(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	cam := newFrameCamera(t)
	a, _ := newTestApp(t, cam, detector.NewMockDetector())
	defer a.Frames().Close()

	cam.Open()
	cam.FailNext(5)

	a.Start(context.Background())
	defer a.Stop()

	waitFor(t, "frame after failures", func() bool { return a.Frames().Seq() > 0 })

	st := a.Status()
	if st.Device != DeviceOK || st.ReadFailures != 0 {
		t.Errorf("status = %+v, want device ok with no failures", st)
	}
}

func TestApp_DetectorErrorStillStoresFrames(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	mock := detector.NewMockDetector()
	mock.SetError(errors.New("tracker offline"))

	a, pub := newTestApp(t, newFrameCamera(t), mock)
	defer a.Frames().Close()

	a.Start(context.Background())
	defer a.Stop()

	waitFor(t, "frames", func() bool { return a.Frames().Seq() >= 5 })

	if len(pub.Names()) != 0 {
		t.Errorf("published %v, want nothing", pub.Names())
	}
}

func TestApp_DisabledSkipsDetection(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	mock := detector.NewMockDetector()
	mock.SetHands([]detector.HandLandmarks{detector.OpenPalmLandmarks()})

	a, pub := newTestApp(t, newFrameCamera(t), mock)
	defer a.Frames().Close()
	a.SetEnabled(false)

	a.Start(context.Background())
	defer a.Stop()

	waitFor(t, "frames", func() bool { return a.Frames().Seq() >= 5 })

	if mock.Calls() != 0 {
		t.Errorf("detector called %d times while disabled", mock.Calls())
	}
	if len(pub.Names()) != 0 {
		t.Errorf("published %v while disabled", pub.Names())
	}
}

func TestApp_CameraMissingAtStart(t *testing.T) {
	cam := &unpluggedCamera{MockCamera: capture.NewMockCamera(nil, false), openFails: 1 << 30}
	a, _ := newTestApp(t, cam, detector.NewMockDetector())

	a.Start(context.Background())
	defer a.Stop()

	st := a.Status()
	if !st.Running {
		t.Fatal("loop should run without a camera")
	}
	if st.Device != DeviceUnavailable {
		t.Errorf("Device = %s, want %s", st.Device, DeviceUnavailable)
	}

	// The loop keeps trying to open the device.
	waitFor(t, "open retries", func() bool { return cam.Opens() >= 5 })

	if !a.Status().Running {
		t.Error("loop should still be running")
	}
}

func TestApp_CameraAppearsAfterStart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	cam := &unpluggedCamera{MockCamera: newFrameCamera(t), openFails: 3}
	pub := &recordingPublisher{}
	a := New(Config{
		Camera:                 cam,
		Detector:               detector.NewMockDetector(),
		Events:                 pub,
		RetryDelay:             20 * time.Millisecond,
		YieldInterval:          time.Millisecond,
		MaxConsecutiveFailures: 2,
	})
	defer a.Frames().Close()

	a.Start(context.Background())
	defer a.Stop()

	if got := a.Status().Device; got != DeviceUnavailable {
		t.Errorf("Device right after Start = %s, want %s", got, DeviceUnavailable)
	}

	waitFor(t, "first frame", func() bool { return a.Frames().Seq() > 0 })

	st := a.Status()
	if st.Device != DeviceOK || st.ReadFailures != 0 {
		t.Errorf("status = %+v, want device ok with no failures", st)
	}
	if cam.Opens() != 4 {
		t.Errorf("Open called %d times, want 4", cam.Opens())
	}
}

func TestApp_StalledDeviceIsReopened(t *testing.T) {
	cam := &unpluggedCamera{MockCamera: capture.NewMockCamera(nil, false)}
	a, _ := newTestApp(t, cam, detector.NewMockDetector())

	a.Start(context.Background())
	defer a.Stop()

	// MaxConsecutiveFailures is 3: every third failed read closes the device.
	waitFor(t, "reopen", func() bool { return cam.Opens() >= 3 })
}
