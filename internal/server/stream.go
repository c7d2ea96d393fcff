package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ayusman/rpscam/internal/frame"
)

// Stream pacing defaults.
const (
	// DefaultWaitInterval is the pause while no frame has been captured yet.
	DefaultWaitInterval = 100 * time.Millisecond
	// DefaultFrameInterval is the pause between parts.
	DefaultFrameInterval = 50 * time.Millisecond
)

const boundary = "frame"

// FrameSource provides the latest frame encoded as JPEG.
type FrameSource interface {
	JPEG() ([]byte, error)
}

// StreamHandler serves the latest frame as a multipart MJPEG stream.
type StreamHandler struct {
	frames        FrameSource
	logger        *slog.Logger
	WaitInterval  time.Duration
	FrameInterval time.Duration
}

// NewStreamHandler creates a new StreamHandler reading from frames.
func NewStreamHandler(frames FrameSource, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		frames:        frames,
		logger:        logger.With("component", "stream"),
		WaitInterval:  DefaultWaitInterval,
		FrameInterval: DefaultFrameInterval,
	}
}

// ServeHTTP streams MJPEG parts until the client disconnects.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flush(w)

	ctx := r.Context()
	for {
		data, err := h.frames.JPEG()
		switch {
		case errors.Is(err, frame.ErrNoFrame):
			if !wait(ctx.Done(), h.WaitInterval) {
				return
			}
			continue
		case err != nil:
			h.logger.Debug("skipping frame", "error", err)
			if !wait(ctx.Done(), h.FrameInterval) {
				return
			}
			continue
		}

		if err := writePart(w, data); err != nil {
			return
		}
		flush(w)

		if !wait(ctx.Done(), h.FrameInterval) {
			return
		}
	}
}

func writePart(w http.ResponseWriter, data []byte) error {
	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(data))
	if _, err := w.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// wait pauses for d. It returns false if done closes first.
func wait(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}
