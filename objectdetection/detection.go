// Package objectdetection defines the detection type returned by the
// inference backends and the tools to filter and draw detections.
package objectdetection

import (
	"fmt"
	"image"
)

// Detection returns a bounding box around the object and a confidence score of the detection.
type Detection interface {
	// BoundingBox returns a bounding box around the detected object.
	BoundingBox() *image.Rectangle

	// Score returns a confidence score of the detection between 0.0 and 1.0.
	Score() float64

	// Label returns the class name of the object in the detection.
	Label() string
}

// ClassedDetection is a Detection that also reports the numeric class index
// assigned by the model. Backends return these so that callers keyed on the
// class index (overlay colors, per-class records) can recover it.
type ClassedDetection interface {
	Detection

	// ClassID returns the model's class index for the detection.
	ClassID() int
}

// NewDetection creates a simple 2D detection.
func NewDetection(boundingBox image.Rectangle, score float64, label string) Detection {
	return &detection2D{boundingBox: &boundingBox, score: score, label: label, classID: -1}
}

// NewClassedDetection creates a 2D detection tagged with the model's class index.
func NewClassedDetection(boundingBox image.Rectangle, score float64, label string, classID int) Detection {
	return &detection2D{boundingBox: &boundingBox, score: score, label: label, classID: classID}
}

// detection2D is a simple struct for storing 2D detections.
type detection2D struct {
	boundingBox *image.Rectangle
	score       float64
	label       string
	classID     int
}

// BoundingBox returns a bounding box around the detected object.
func (d *detection2D) BoundingBox() *image.Rectangle {
	return d.boundingBox
}

// Score returns a confidence score of the detection between 0.0 and 1.0.
func (d *detection2D) Score() float64 {
	return d.score
}

// Label returns the class name of the object in the detection.
func (d *detection2D) Label() string {
	return d.label
}

// ClassID returns the model's class index, or -1 when the detection was
// built without one.
func (d *detection2D) ClassID() int {
	return d.classID
}

// String turns the detection into a string.
func (d *detection2D) String() string {
	return fmt.Sprintf("Label: %v, Score: %.4f, Location: %v", d.label, d.score, d.boundingBox)
}
