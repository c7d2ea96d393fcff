package capture

import "gocv.io/x/gocv"

// flipHorizontal is OpenCV's flip code for mirroring around the vertical axis.
const flipHorizontal = 1

// Mirror flips frame left to right in place, giving a selfie view.
func Mirror(frame *gocv.Mat) {
	if frame == nil || frame.Empty() {
		return
	}
	gocv.Flip(*frame, frame, flipHorizontal)
}
