package capture

import (
	"testing"

	"gocv.io/x/gocv"
)

func TestMirror(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test that requires GoCV Mat creation")
	}

	// 1x3 single-channel frame: [10 20 30]
	frame := gocv.NewMatWithSize(1, 3, gocv.MatTypeCV8U)
	defer frame.Close()
	frame.SetUCharAt(0, 0, 10)
	frame.SetUCharAt(0, 1, 20)
	frame.SetUCharAt(0, 2, 30)

	Mirror(&frame)

	want := []uint8{30, 20, 10}
	for col, w := range want {
		if got := frame.GetUCharAt(0, col); got != w {
			t.Errorf("pixel %d = %d, want %d", col, got, w)
		}
	}
}

func TestMirror_NilAndEmpty(t *testing.T) {
	Mirror(nil)

	if testing.Short() {
		return
	}
	empty := gocv.NewMat()
	defer empty.Close()
	Mirror(&empty)
}
