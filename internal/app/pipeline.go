package app

import (
	"context"
	"time"

	"github.com/ayusman/rpscam/internal/capture"
	"github.com/ayusman/rpscam/internal/gesture"
	"gocv.io/x/gocv"
)

// run is the capture loop. It is the only writer of the shared frame and the
// only emitter of gesture events.
//
// Each iteration:
//  1. Open the camera if needed, then read a frame; on failure log, pause
//     RetryDelay and retry
//  2. Mirror it horizontally
//  3. Classify it (when enabled) and pass the result through the debouncer
//  4. Store it as the latest frame
//  5. Pause YieldInterval
func (a *App) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		if !a.camera.IsOpen() {
			if err := a.camera.Open(); err != nil {
				a.readFailed(err)
				if !sleep(ctx, a.config.RetryDelay) {
					return
				}
				continue
			}
			a.logger.Info("camera opened")
		}

		img, err := a.camera.ReadFrame()
		if err != nil {
			a.readFailed(err)
			if !sleep(ctx, a.config.RetryDelay) {
				return
			}
			continue
		}
		a.readSucceeded()

		a.process(img)
		img.Close()

		if !sleep(ctx, a.config.YieldInterval) {
			return
		}
	}
}

// process mirrors, classifies and stores one frame.
func (a *App) process(img *gocv.Mat) {
	capture.Mirror(img)

	if a.IsEnabled() {
		g, err := a.classifier.Classify(img)
		if err != nil {
			a.logger.Warn("hand detection failed", "error", err)
		} else {
			a.observe(g)
		}
	}

	a.frames.Store(img)
	a.nFrames.Add(1)
}

// observe feeds one classification through the debouncer and emits it if it passes.
func (a *App) observe(g gesture.Gesture) {
	if !a.debouncer.Observe(g) {
		return
	}

	a.nEvents.Add(1)
	a.logger.Info("gesture detected", "gesture", g)

	if a.config.Events != nil {
		if err := a.config.Events.PublishGesture(g.String()); err != nil {
			a.logger.Warn("failed to publish gesture", "gesture", g, "error", err)
		}
	}
	if a.config.OnGesture != nil {
		a.config.OnGesture(g)
	}
}

func (a *App) readFailed(err error) {
	a.stateMu.Lock()
	a.failures++
	failures := a.failures
	limit := a.config.MaxConsecutiveFailures
	if failures == limit {
		a.device = DeviceUnavailable
	}
	a.stateMu.Unlock()

	// A device that stopped delivering frames is reopened on every multiple
	// of the limit.
	if failures%limit == 0 && a.camera.IsOpen() {
		if err := a.camera.Close(); err != nil {
			a.logger.Debug("failed to close camera before reopening", "error", err)
		}
	}

	switch {
	case failures < limit:
		a.logger.Warn("failed to grab frame", "error", err, "consecutive", failures)
	case failures == limit:
		a.logger.Error("camera unavailable, still retrying", "error", err, "consecutive", failures)
	default:
		a.logger.Debug("failed to grab frame", "error", err, "consecutive", failures)
	}
}

func (a *App) readSucceeded() {
	a.stateMu.Lock()
	recovered := a.device == DeviceUnavailable
	a.failures = 0
	a.device = DeviceOK
	a.stateMu.Unlock()

	if recovered {
		a.logger.Info("camera recovered")
	}
}

// sleep pauses for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
