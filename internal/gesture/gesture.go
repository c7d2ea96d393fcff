// Package gesture classifies hand poses into Rock, Paper or Scissors and
// gates repeated emissions.
package gesture

import (
	"fmt"

	"github.com/ayusman/rpscam/internal/detector"
	"gocv.io/x/gocv"
)

// Gesture is a classified hand pose. The zero value is None.
type Gesture int

const (
	// None means no hand was found or the pose is not one of the three gestures.
	None Gesture = iota
	Rock
	Paper
	Scissors
)

// String returns the display name used in events and logs.
func (g Gesture) String() string {
	switch g {
	case Rock:
		return "Rock"
	case Paper:
		return "Paper"
	case Scissors:
		return "Scissors"
	}
	return "None"
}

// MarshalText implements encoding.TextMarshaler.
func (g Gesture) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// Classify applies the finger rule to the first detected hand.
//
// Rule, in priority order:
//  1. all four fingers extended: Paper
//  2. exactly index and middle extended: Scissors
//  3. no finger extended: Rock
//  4. anything else: None
func Classify(hands []detector.HandLandmarks) Gesture {
	if len(hands) == 0 {
		return None
	}
	hand := &hands[0]

	var extended [len(detector.Fingers)]bool
	count := 0
	for _, f := range detector.Fingers {
		if hand.Extended(f) {
			extended[f] = true
			count++
		}
	}

	switch {
	case count == 4:
		return Paper
	case count == 2 && extended[detector.Index] && extended[detector.Middle]:
		return Scissors
	case count == 0:
		return Rock
	}
	return None
}

// Classifier runs the hand tracker on a frame and classifies the result.
type Classifier struct {
	detector detector.Detector
}

// NewClassifier creates a Classifier backed by the given detector.
func NewClassifier(d detector.Detector) *Classifier {
	return &Classifier{detector: d}
}

// Classify detects landmarks in frame and returns the gesture of the first hand.
func (c *Classifier) Classify(frame *gocv.Mat) (Gesture, error) {
	hands, err := c.detector.Detect(frame)
	if err != nil {
		return None, fmt.Errorf("detect hands: %w", err)
	}
	return Classify(hands), nil
}
