// Package inject provides dependency injected detectors for predictable
// behavior during tests.
package inject

import (
	"context"
	"image"

	"github.com/safeorbit-ai/stationguard/inference"
	"github.com/safeorbit-ai/stationguard/objectdetection"
)

// Detector is an injected detector.
type Detector struct {
	inference.Detector
	DetectFunc     func(ctx context.Context, img image.Image) ([]objectdetection.Detection, error)
	ClassNamesFunc func() []string
	CloseFunc      func() error
}

// Detect calls the injected Detect or the real version.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
	if d.DetectFunc == nil {
		return d.Detector.Detect(ctx, img)
	}
	return d.DetectFunc(ctx, img)
}

// ClassNames calls the injected ClassNames or the real version.
func (d *Detector) ClassNames() []string {
	if d.ClassNamesFunc == nil {
		return d.Detector.ClassNames()
	}
	return d.ClassNamesFunc()
}

// Close calls the injected Close or the real version.
func (d *Detector) Close() error {
	if d.CloseFunc == nil {
		return d.Detector.Close()
	}
	return d.CloseFunc()
}

// Augmenter is an injected detector that also carries the augmentation
// capability.
type Augmenter struct {
	Detector
	DetectWithAugmentationFunc func(ctx context.Context, img image.Image) ([]objectdetection.Detection, error)
}

// DetectWithAugmentation calls the injected DetectWithAugmentation.
func (a *Augmenter) DetectWithAugmentation(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
	return a.DetectWithAugmentationFunc(ctx, img)
}
