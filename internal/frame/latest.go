// Package frame holds the most recent captured frame for concurrent readers.
package frame

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// DefaultJPEGQuality is the JPEG quality used when none is configured.
const DefaultJPEGQuality = 80

// ErrNoFrame is returned when nothing has been stored yet.
var ErrNoFrame = errors.New("no frame captured yet")

// Latest is a mutex-guarded cell holding one frame.
//
// The cell is either empty or holds a complete, independent copy of the last
// stored frame. Every access to the held Mat happens under mu.
type Latest struct {
	mu      sync.Mutex
	mat     gocv.Mat
	set     bool
	seq     uint64
	quality int
}

// NewLatest creates an empty cell that encodes JPEGs at the given quality.
// Values outside 1..100 fall back to DefaultJPEGQuality.
func NewLatest(quality int) *Latest {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &Latest{
		quality: quality,
	}
}

// Store replaces the held frame with a deep copy of src.
// Empty frames are ignored.
func (l *Latest) Store(src *gocv.Mat) {
	if src == nil || src.Empty() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := src.Clone()
	if l.set {
		l.mat.Close()
	}
	l.mat = next
	l.set = true
	l.seq++
}

// Seq returns how many frames have been stored.
func (l *Latest) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Snapshot returns a copy of the held frame. The caller must Close it.
func (l *Latest) Snapshot() (gocv.Mat, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.set {
		return gocv.Mat{}, ErrNoFrame
	}
	return l.mat.Clone(), nil
}

// JPEG encodes the held frame while holding the lock and returns the bytes.
func (l *Latest) JPEG() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.set {
		return nil, ErrNoFrame
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, l.mat, []int{int(gocv.IMWriteJpegQuality), l.quality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

// Close releases the held frame. The cell is empty afterwards.
func (l *Latest) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.set {
		l.mat.Close()
		l.set = false
	}
}
