package predictor

import (
	"github.com/pkg/errors"
)

// Defaults for the options a caller leaves zero.
const (
	DefaultConfidence = 0.25
	DefaultIoU        = 0.45
	DefaultOutputDir  = "predictions"
	DefaultInputSize  = 640
)

// Options configure a Predictor.
type Options struct {
	// ModelPath points at the model weights.
	ModelPath string
	// LabelPath optionally points at a text file with one class name per line.
	LabelPath string
	// Confidence is the minimum score for a detection to be reported.
	Confidence float64
	// IoU is the overlap threshold handed to the suppression step.
	IoU float64
	// Device selects where inference runs: "auto", "cpu", "cuda", "cuda:N"
	// or a bare GPU ordinal.
	Device string
	// OutputDir is where annotated copies are written.
	OutputDir string
	// NumThreads caps interpreter threads for backends that use them.
	NumThreads int
	// InputSize is the square input resolution for models that do not carry
	// one in their graph.
	InputSize int
	// TTA turns on test-time augmentation when the backend supports it.
	TTA bool
	// NoSave skips writing annotated output images.
	NoSave bool
}

// Validate fills in defaults and rejects thresholds outside their range.
func (o *Options) Validate() error {
	if o.Confidence == 0 {
		o.Confidence = DefaultConfidence
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return errors.Errorf("confidence threshold %v must be between 0 and 1", o.Confidence)
	}
	if o.IoU == 0 {
		o.IoU = DefaultIoU
	}
	if o.IoU < 0 || o.IoU > 1 {
		return errors.Errorf("IoU threshold %v must be between 0 and 1", o.IoU)
	}
	if o.OutputDir == "" {
		o.OutputDir = DefaultOutputDir
	}
	if o.InputSize <= 0 {
		o.InputSize = DefaultInputSize
	}
	return nil
}
