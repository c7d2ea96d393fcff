package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ayusman/rpscam/internal/app"
	"github.com/ayusman/rpscam/internal/capture"
	"github.com/ayusman/rpscam/internal/detector"
	"github.com/ayusman/rpscam/internal/frame"
	"github.com/ayusman/rpscam/internal/server"
	"github.com/ayusman/rpscam/internal/store"
	"github.com/gorilla/websocket"
	"gocv.io/x/gocv"
)

// system is a fully wired rpscam instance backed by a mock camera and detector.
type system struct {
	app      *app.App
	hub      *server.Hub
	detector *detector.MockDetector
	ts       *httptest.Server
}

func startSystem(t *testing.T) *system {
	t.Helper()

	// Left half white, right half black; mirrored output swaps them.
	img := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { img.Close() })
	gocv.Rectangle(&img, image.Rect(0, 0, 80, 120), color.RGBA{255, 255, 255, 0}, -1)

	cam := capture.NewMockCamera([]*gocv.Mat{&img}, true)
	mock := detector.NewMockDetector()

	st, err := store.New(filepath.Join(t.TempDir(), "data.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := server.NewHub(nil)
	go hub.Run(ctx)

	frames := frame.NewLatest(90)
	t.Cleanup(frames.Close)

	a := app.New(app.Config{
		Camera:   cam,
		Detector: mock,
		Frames:   frames,
		Events:   hub,
		Cooldown: 100 * time.Millisecond,
	})
	a.Start(ctx)
	t.Cleanup(a.Stop)

	srv := server.New(server.Config{
		Store:      st,
		Frames:     frames,
		Hub:        hub,
		Controller: a,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &system{app: a, hub: hub, detector: mock, ts: ts}
}

func (s *system) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/socket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type event struct {
	Event string `json:"event"`
	Data  struct {
		Gesture string `json:"gesture"`
		ID      string `json:"id"`
	} `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn) event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return ev
}

func TestE2E_GestureEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	sys := startSystem(t)
	conn := sys.dial(t)

	if ev := readEvent(t, conn); ev.Event != "connected" || ev.Data.ID == "" {
		t.Fatalf("first event = %+v, want connected with id", ev)
	}

	sequence := []struct {
		hand detector.HandLandmarks
		want string
	}{
		{detector.FistLandmarks(), "Rock"},
		{detector.OpenPalmLandmarks(), "Paper"},
		{detector.VictoryLandmarks(), "Scissors"},
	}

	for _, step := range sequence {
		sys.detector.SetHands([]detector.HandLandmarks{step.hand})

		ev := readEvent(t, conn)
		if ev.Event != "gesture_detected" || ev.Data.Gesture != step.want {
			t.Fatalf("event = %+v, want gesture_detected %s", ev, step.want)
		}
	}

	// A held gesture is not repeated.
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var extra event
	if err := conn.ReadJSON(&extra); err == nil {
		t.Errorf("unexpected repeated event %+v", extra)
	}
}

func TestE2E_VideoFeed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	sys := startSystem(t)

	resp, err := http.Get(sys.ts.URL + "/video_feed")
	if err != nil {
		t.Fatalf("GET /video_feed error = %v", err)
	}
	defer resp.Body.Close()

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("invalid Content-Type: %v", err)
	}

	part, err := multipart.NewReader(resp.Body, params["boundary"]).NextPart()
	if err != nil {
		t.Fatalf("NextPart() error = %v", err)
	}
	data, err := io.ReadAll(part)
	if err != nil {
		t.Fatalf("read part error = %v", err)
	}

	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		t.Fatalf("IMDecode() error = %v", err)
	}
	defer img.Close()

	if img.Cols() != 160 || img.Rows() != 120 {
		t.Fatalf("frame size = %dx%d, want 160x120", img.Cols(), img.Rows())
	}

	// The white half moved to the right.
	if left := img.GetVecbAt(60, 20)[0]; left > 50 {
		t.Errorf("left pixel = %d, want dark after mirroring", left)
	}
	if right := img.GetVecbAt(60, 140)[0]; right < 200 {
		t.Errorf("right pixel = %d, want bright after mirroring", right)
	}
}

func TestE2E_StatusAndDetectionToggle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	sys := startSystem(t)
	conn := sys.dial(t)
	readEvent(t, conn)

	client := sys.ts.Client()

	req, _ := http.NewRequest(http.MethodPut, sys.ts.URL+"/api/detection", bytes.NewBufferString(`{"enabled": false}`))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("PUT /api/detection error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// Let an in-flight iteration finish.
	time.Sleep(20 * time.Millisecond)
	calls := sys.detector.Calls()
	sys.detector.SetHands([]detector.HandLandmarks{detector.FistLandmarks()})
	time.Sleep(100 * time.Millisecond)
	if got := sys.detector.Calls(); got != calls {
		t.Errorf("detector called %d times while disabled", got-calls)
	}

	resp, err = client.Get(sys.ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status error = %v", err)
	}
	defer resp.Body.Close()

	var status struct {
		Running bool   `json:"running"`
		Enabled bool   `json:"enabled"`
		Device  string `json:"device"`
		Frames  int    `json:"frames"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status error = %v", err)
	}

	if !status.Running || status.Enabled || status.Device != "ok" {
		t.Errorf("status = %+v, want running, disabled, device ok", status)
	}
	if status.Frames == 0 {
		t.Error("expected frames to keep flowing while detection is disabled")
	}
	if status.Clients != 1 {
		t.Errorf("clients = %d, want 1", status.Clients)
	}
}

func TestE2E_SocketIOClient(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	sys := startSystem(t)

	url := "ws" + strings.TrimPrefix(sys.ts.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	read := func() string {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		return string(msg)
	}

	if open := read(); !strings.HasPrefix(open, `0{"sid":`) {
		t.Fatalf("open packet = %q", open)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if ack := read(); !strings.HasPrefix(ack, "40{") {
		t.Fatalf("connect ack = %q", ack)
	}
	if hello := read(); !strings.HasPrefix(hello, `42["connected"`) {
		t.Fatalf("connected event = %q", hello)
	}

	sys.detector.SetHands([]detector.HandLandmarks{detector.VictoryLandmarks()})

	want := `42["gesture_detected",{"gesture":"Scissors"}]`
	if got := read(); got != want {
		t.Errorf("event = %q, want %s", got, want)
	}
}
