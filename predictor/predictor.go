// Package predictor ties model loading, inference, drawing, and output
// writing together behind one facade. It owns no detection logic itself; the
// model backends do the heavy lifting and this package shapes their results
// and handles the files around them.
package predictor

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/safeorbit-ai/stationguard/inference"
	"github.com/safeorbit-ai/stationguard/objectdetection"
)

// batchExts are the image extensions picked up from a directory, compared
// case insensitively.
var batchExts = []string{".jpg", ".jpeg", ".png", ".bmp"}

// Record is one detection reshaped into plain fields.
type Record struct {
	ClassID    int
	ClassName  string
	Confidence float64
	// Box holds the corner coordinates x1, y1, x2, y2 in pixel space.
	Box [4]float64
}

// Result is everything produced for one processed image. It is immutable
// once returned.
type Result struct {
	ImagePath     string
	Width         int
	Height        int
	Records       []Record
	NumDetections int
	// OutputPath names the annotated copy, empty when saving is off.
	OutputPath string
}

// Predictor runs a detection model over images and writes annotated copies.
type Predictor struct {
	opts   Options
	det    inference.Detector
	logger golog.Logger
}

// New validates the options, loads the model backend, and prepares the
// output directory.
func New(opts Options, logger golog.Logger) (*Predictor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	det, err := inference.Load(inference.Config{
		ModelPath:  opts.ModelPath,
		LabelPath:  opts.LabelPath,
		Confidence: opts.Confidence,
		IoU:        opts.IoU,
		Device:     opts.Device,
		NumThreads: opts.NumThreads,
		InputSize:  opts.InputSize,
	}, logger)
	if err != nil {
		return nil, err
	}
	return NewFromDetector(det, opts, logger)
}

// NewFromDetector wraps an already built detector. Tests and embedders use
// this to skip the model file plumbing.
func NewFromDetector(det inference.Detector, opts Options, logger golog.Logger) (*Predictor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.TTA {
		if _, ok := det.(inference.Augmenter); !ok {
			logger.Warn("TTA requested but this model backend does not support it, continuing without augmentation")
		}
	}
	if !opts.NoSave {
		if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "unable to create output directory %s", opts.OutputDir)
		}
	}
	return &Predictor{opts: opts, det: det, logger: logger}, nil
}

// ClassNames returns the loaded model's class name table.
func (p *Predictor) ClassNames() []string {
	return p.det.ClassNames()
}

// SupportsTTA reports whether the model backend can run test-time
// augmentation.
func (p *Predictor) SupportsTTA() bool {
	_, ok := p.det.(inference.Augmenter)
	return ok
}

// PredictImage runs detection over one image and, unless saving is off,
// writes the annotated copy next to the other predictions.
func (p *Predictor) PredictImage(ctx context.Context, imagePath string) (*Result, error) {
	if _, err := os.Stat(imagePath); err != nil {
		return nil, errors.Wrapf(err, "image not found at %s", imagePath)
	}
	img, err := imaging.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to decode image %s", imagePath)
	}

	dets, err := p.detect(ctx, img)
	if err != nil {
		return nil, err
	}
	res := &Result{
		ImagePath:     imagePath,
		Width:         img.Bounds().Dx(),
		Height:        img.Bounds().Dy(),
		Records:       shapeRecords(dets),
		NumDetections: len(dets),
	}
	if !p.opts.NoSave {
		outPath, err := p.saveAnnotated(img, dets, imagePath)
		if err != nil {
			return nil, err
		}
		res.OutputPath = outPath
	}
	return res, nil
}

// ListImages returns the full paths of the image files directly under dir,
// sorted by name. Subdirectories are not descended into.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to list images in %s", dir)
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !lo.Contains(batchExts, strings.ToLower(filepath.Ext(entry.Name()))) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	return paths, nil
}

// BatchProgress is called once per image attempted during a batch run, with
// either the result or the error for that image.
type BatchProgress func(imagePath string, res *Result, err error)

// PredictBatch runs detection over every image in a directory. Files that
// fail are reported to progress, logged, and skipped; an empty directory
// returns an empty result list and no error. progress may be nil.
func (p *Predictor) PredictBatch(ctx context.Context, dir string, progress BatchProgress) ([]*Result, error) {
	paths, err := ListImages(dir)
	if err != nil {
		return nil, err
	}
	p.logger.Debugf("found %d images in %s", len(paths), dir)
	results := make([]*Result, 0, len(paths))
	for _, imagePath := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := p.PredictImage(ctx, imagePath)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			p.logger.Warnw("skipping image", "path", imagePath, "error", err)
			if progress != nil {
				progress(imagePath, nil, err)
			}
			continue
		}
		results = append(results, res)
		if progress != nil {
			progress(imagePath, res, nil)
		}
	}
	return results, nil
}

// Close releases the model backend.
func (p *Predictor) Close() error {
	return p.det.Close()
}

// detect routes through the augmented path when it was asked for and the
// backend can do it.
func (p *Predictor) detect(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
	if p.opts.TTA {
		if aug, ok := p.det.(inference.Augmenter); ok {
			return aug.DetectWithAugmentation(ctx, img)
		}
	}
	return p.det.Detect(ctx, img)
}

// saveAnnotated draws the detections over the image and writes it out as
// "<stem>_predicted<suffix>" in the output directory.
func (p *Predictor) saveAnnotated(img image.Image, dets []objectdetection.Detection, imagePath string) (string, error) {
	annotated, err := objectdetection.Overlay(img, dets)
	if err != nil {
		return "", err
	}
	suffix := filepath.Ext(imagePath)
	stem := strings.TrimSuffix(filepath.Base(imagePath), suffix)
	outPath := filepath.Join(p.opts.OutputDir, stem+"_predicted"+suffix)
	if err := imaging.Save(annotated, outPath); err != nil {
		return "", errors.Wrapf(err, "unable to save annotated image to %s", outPath)
	}
	p.logger.Infof("saved annotated image to %s", outPath)
	return outPath, nil
}

func shapeRecords(dets []objectdetection.Detection) []Record {
	records := make([]Record, 0, len(dets))
	for _, d := range dets {
		classID := -1
		if cd, ok := d.(objectdetection.ClassedDetection); ok {
			classID = cd.ClassID()
		}
		box := d.BoundingBox()
		records = append(records, Record{
			ClassID:    classID,
			ClassName:  d.Label(),
			Confidence: d.Score(),
			Box: [4]float64{
				float64(box.Min.X), float64(box.Min.Y),
				float64(box.Max.X), float64(box.Max.Y),
			},
		})
	}
	return records
}
