// Package inference loads pretrained object detection models and runs images
// through them. Model construction, device placement, and the suppression of
// overlapping boxes all happen inside the backing libraries; this package
// only shapes their inputs and outputs.
package inference

import (
	"bufio"
	"context"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/safeorbit-ai/stationguard/objectdetection"
)

// Config holds everything needed to load a detection model.
type Config struct {
	// ModelPath points at the model weights. The file extension picks the backend.
	ModelPath string
	// LabelPath optionally points at a text file with one class name per line.
	LabelPath string
	// Confidence is the minimum score for a detection to be kept.
	Confidence float64
	// IoU is the overlap threshold handed to the library's suppression step.
	// Backends whose graphs bake in their own suppression ignore it.
	IoU float64
	// Device selects where inference runs: "auto", "cpu", "cuda", "cuda:N"
	// or a bare GPU ordinal.
	Device string
	// NumThreads caps interpreter threads for backends that use them. Zero
	// means one thread per CPU.
	NumThreads int
	// InputSize is the square input resolution for models that do not carry
	// one in their graph.
	InputSize int
}

// A Detector runs a pretrained object detection model over single images.
type Detector interface {
	// Detect returns the detections the model found in the image, in image
	// pixel coordinates.
	Detect(ctx context.Context, img image.Image) ([]objectdetection.Detection, error)

	// ClassNames returns the model's class name table in class index order.
	ClassNames() []string

	// Close releases the native resources held by the model.
	Close() error
}

// An Augmenter is a Detector that can average predictions over transformed
// copies of the input. Callers probe for it when test-time augmentation is
// requested; none of the shipped backends implement it.
type Augmenter interface {
	// DetectWithAugmentation runs augmented inference over the image.
	DetectWithAugmentation(ctx context.Context, img image.Image) ([]objectdetection.Detection, error)
}

// Load builds the backend matching the model file's extension.
func Load(conf Config, logger golog.Logger) (Detector, error) {
	if _, err := os.Stat(conf.ModelPath); err != nil {
		return nil, errors.Wrapf(err, "model file not found at %s", conf.ModelPath)
	}
	switch ext := strings.ToLower(filepath.Ext(conf.ModelPath)); ext {
	case ".onnx":
		return newDNNDetector(conf, logger)
	case ".tflite":
		return newTFLiteDetector(conf, logger)
	default:
		return nil, errors.Errorf("model type %q is not implemented", ext)
	}
}

// resolveLabels reads the class name table for a model. A missing label path
// is not an error, the class indexes stand in as labels.
func resolveLabels(conf Config, logger golog.Logger) ([]string, error) {
	if conf.LabelPath == "" {
		logger.Debug("no label file given, using class indexes as labels")
		return nil, nil
	}
	labels, err := loadLabels(conf.LabelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read label file at %s", conf.LabelPath)
	}
	return labels, nil
}

// loadLabels reads a label file with one class name per line.
func loadLabels(filename string) ([]string, error) {
	labels := []string{}
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

// className resolves a class index against the label table, falling back to
// the bare index when there is no table or the index is out of its range.
func className(labels []string, classID int) string {
	if classID >= 0 && classID < len(labels) {
		return labels[classID]
	}
	return strconv.Itoa(classID)
}

// getIndex just returns the index of an int in an array of ints.
// Will return -1 if it's not there.
func getIndex(s []int, num int) int {
	for i, v := range s {
		if v == num {
			return i
		}
	}
	return -1
}
