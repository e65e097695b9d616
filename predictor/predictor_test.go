package predictor_test

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/safeorbit-ai/stationguard/objectdetection"
	"github.com/safeorbit-ai/stationguard/predictor"
	"github.com/safeorbit-ai/stationguard/testutils"
	"github.com/safeorbit-ai/stationguard/testutils/inject"
)

func TestMain(m *testing.M) {
	testutils.VerifyTestMain(m)
}

func writeTestImage(t *testing.T, path string) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.NRGBA{uint8(x * 4), uint8(y * 5), 40, 255})
		}
	}
	test.That(t, imaging.Save(img, path), test.ShouldBeNil)
}

func twoDetections() []objectdetection.Detection {
	return []objectdetection.Detection{
		objectdetection.NewClassedDetection(image.Rect(4, 4, 24, 20), 0.91, "oxygen tank", 0),
		objectdetection.NewClassedDetection(image.Rect(30, 10, 60, 40), 0.42, "fire alarm", 3),
	}
}

// emptyDetector never finds anything.
func emptyDetector() *inject.Detector {
	return &inject.Detector{
		DetectFunc: func(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
			return []objectdetection.Detection{}, nil
		},
	}
}

func TestNewMissingModel(t *testing.T) {
	logger := golog.NewTestLogger(t)
	_, err := predictor.New(predictor.Options{
		ModelPath: filepath.Join(t.TempDir(), "missing.onnx"),
		OutputDir: t.TempDir(),
	}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "model file not found")
	test.That(t, os.IsNotExist(errors.Cause(err)), test.ShouldBeTrue)
}

func TestOptionDefaults(t *testing.T) {
	opts := predictor.Options{}
	test.That(t, opts.Validate(), test.ShouldBeNil)
	test.That(t, opts.Confidence, test.ShouldEqual, predictor.DefaultConfidence)
	test.That(t, opts.IoU, test.ShouldEqual, predictor.DefaultIoU)
	test.That(t, opts.OutputDir, test.ShouldEqual, predictor.DefaultOutputDir)
	test.That(t, opts.InputSize, test.ShouldEqual, predictor.DefaultInputSize)

	bad := predictor.Options{Confidence: 1.5}
	err := bad.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "between 0 and 1")

	bad = predictor.Options{IoU: -0.2}
	err = bad.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "IoU threshold")
}

func TestPredictImageMissing(t *testing.T) {
	logger := golog.NewTestLogger(t)
	p, err := predictor.NewFromDetector(emptyDetector(), predictor.Options{NoSave: true}, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = p.PredictImage(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "image not found")
	test.That(t, os.IsNotExist(errors.Cause(err)), test.ShouldBeTrue)
}

func TestPredictImageUnreadable(t *testing.T) {
	logger := golog.NewTestLogger(t)
	badPath := filepath.Join(t.TempDir(), "bad.jpg")
	test.That(t, os.WriteFile(badPath, []byte("not an image"), 0o600), test.ShouldBeNil)

	p, err := predictor.NewFromDetector(emptyDetector(), predictor.Options{NoSave: true}, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = p.PredictImage(context.Background(), badPath)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unable to decode image")
}

func TestPredictImage(t *testing.T) {
	logger := golog.NewTestLogger(t)
	srcDir, outDir := t.TempDir(), t.TempDir()
	imgPath := filepath.Join(srcDir, "bay4.jpg")
	writeTestImage(t, imgPath)

	det := &inject.Detector{
		DetectFunc: func(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
			return twoDetections(), nil
		},
	}
	p, err := predictor.NewFromDetector(det, predictor.Options{OutputDir: outDir}, logger)
	test.That(t, err, test.ShouldBeNil)

	res, err := p.PredictImage(context.Background(), imgPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.ImagePath, test.ShouldEqual, imgPath)
	test.That(t, res.Width, test.ShouldEqual, 64)
	test.That(t, res.Height, test.ShouldEqual, 48)
	test.That(t, res.NumDetections, test.ShouldEqual, 2)
	test.That(t, res.Records, test.ShouldHaveLength, 2)
	test.That(t, res.Records[0].ClassID, test.ShouldEqual, 0)
	test.That(t, res.Records[0].ClassName, test.ShouldEqual, "oxygen tank")
	test.That(t, res.Records[0].Confidence, test.ShouldAlmostEqual, 0.91, 1e-6)
	test.That(t, res.Records[0].Box, test.ShouldResemble, [4]float64{4, 4, 24, 20})
	test.That(t, res.Records[1].ClassID, test.ShouldEqual, 3)

	test.That(t, res.OutputPath, test.ShouldEqual, filepath.Join(outDir, "bay4_predicted.jpg"))
	_, err = os.Stat(res.OutputPath)
	test.That(t, err, test.ShouldBeNil)
}

func TestPredictImageNoSave(t *testing.T) {
	logger := golog.NewTestLogger(t)
	srcDir := t.TempDir()
	imgPath := filepath.Join(srcDir, "bay4.png")
	writeTestImage(t, imgPath)

	outDir := filepath.Join(srcDir, "never-created")
	p, err := predictor.NewFromDetector(emptyDetector(), predictor.Options{OutputDir: outDir, NoSave: true}, logger)
	test.That(t, err, test.ShouldBeNil)

	res, err := p.PredictImage(context.Background(), imgPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.OutputPath, test.ShouldEqual, "")
	_, err = os.Stat(outDir)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestOutputNaming(t *testing.T) {
	logger := golog.NewTestLogger(t)
	for _, suffix := range []string{".jpg", ".jpeg", ".png", ".bmp"} {
		srcDir, outDir := t.TempDir(), t.TempDir()
		imgPath := filepath.Join(srcDir, "module"+suffix)
		writeTestImage(t, imgPath)

		p, err := predictor.NewFromDetector(emptyDetector(), predictor.Options{OutputDir: outDir}, logger)
		test.That(t, err, test.ShouldBeNil)
		res, err := p.PredictImage(context.Background(), imgPath)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.OutputPath, test.ShouldEqual, filepath.Join(outDir, "module_predicted"+suffix))
		_, err = os.Stat(res.OutputPath)
		test.That(t, err, test.ShouldBeNil)
	}
}

func TestPredictBatch(t *testing.T) {
	logger := golog.NewTestLogger(t)
	srcDir, outDir := t.TempDir(), t.TempDir()
	writeTestImage(t, filepath.Join(srcDir, "a.jpg"))
	writeTestImage(t, filepath.Join(srcDir, "b.PNG"))
	test.That(t, os.WriteFile(filepath.Join(srcDir, "c.jpg"), []byte("garbage"), 0o600), test.ShouldBeNil)
	test.That(t, os.WriteFile(filepath.Join(srcDir, "notes.txt"), []byte("not an image"), 0o600), test.ShouldBeNil)
	test.That(t, os.Mkdir(filepath.Join(srcDir, "nested"), 0o755), test.ShouldBeNil)

	det := &inject.Detector{
		DetectFunc: func(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
			return twoDetections(), nil
		},
	}
	p, err := predictor.NewFromDetector(det, predictor.Options{OutputDir: outDir}, logger)
	test.That(t, err, test.ShouldBeNil)

	var attempted []string
	var failed []string
	progress := func(imagePath string, res *predictor.Result, err error) {
		attempted = append(attempted, imagePath)
		if err != nil {
			failed = append(failed, imagePath)
		}
	}

	results, err := p.PredictBatch(context.Background(), srcDir, progress)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results, test.ShouldHaveLength, 2)
	test.That(t, results[0].ImagePath, test.ShouldEqual, filepath.Join(srcDir, "a.jpg"))
	test.That(t, results[1].ImagePath, test.ShouldEqual, filepath.Join(srcDir, "b.PNG"))
	test.That(t, attempted, test.ShouldResemble, []string{
		filepath.Join(srcDir, "a.jpg"),
		filepath.Join(srcDir, "b.PNG"),
		filepath.Join(srcDir, "c.jpg"),
	})
	test.That(t, failed, test.ShouldResemble, []string{filepath.Join(srcDir, "c.jpg")})

	summary := predictor.Summarize(results)
	test.That(t, summary.TotalImages, test.ShouldEqual, 2)
	test.That(t, summary.TotalDetections, test.ShouldEqual, 4)
	test.That(t, summary.AveragePerImage, test.ShouldAlmostEqual, 2.0, 1e-6)
}

func TestListImages(t *testing.T) {
	srcDir := t.TempDir()
	writeTestImage(t, filepath.Join(srcDir, "b.bmp"))
	writeTestImage(t, filepath.Join(srcDir, "a.jpeg"))
	test.That(t, os.WriteFile(filepath.Join(srcDir, "readme.md"), []byte("docs"), 0o600), test.ShouldBeNil)

	paths, err := predictor.ListImages(srcDir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, paths, test.ShouldResemble, []string{
		filepath.Join(srcDir, "a.jpeg"),
		filepath.Join(srcDir, "b.bmp"),
	})
}

func TestPredictBatchEmptyDir(t *testing.T) {
	logger := golog.NewTestLogger(t)
	p, err := predictor.NewFromDetector(emptyDetector(), predictor.Options{NoSave: true}, logger)
	test.That(t, err, test.ShouldBeNil)
	results, err := p.PredictBatch(context.Background(), t.TempDir(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, results, test.ShouldHaveLength, 0)
}

func TestPredictBatchMissingDir(t *testing.T) {
	logger := golog.NewTestLogger(t)
	p, err := predictor.NewFromDetector(emptyDetector(), predictor.Options{NoSave: true}, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = p.PredictBatch(context.Background(), filepath.Join(t.TempDir(), "missing"), nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unable to list images")
}

func TestPredictBatchCancel(t *testing.T) {
	logger := golog.NewTestLogger(t)
	srcDir := t.TempDir()
	writeTestImage(t, filepath.Join(srcDir, "a.jpg"))

	p, err := predictor.NewFromDetector(emptyDetector(), predictor.Options{NoSave: true}, logger)
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.PredictBatch(ctx, srcDir, nil)
	test.That(t, err, test.ShouldBeError, context.Canceled)
}

func TestTTAWithoutAugmenter(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	srcDir := t.TempDir()
	imgPath := filepath.Join(srcDir, "a.jpg")
	writeTestImage(t, imgPath)

	det := &inject.Detector{
		DetectFunc: func(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
			return twoDetections()[:1], nil
		},
	}
	p, err := predictor.NewFromDetector(det, predictor.Options{TTA: true, NoSave: true}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(logs.FilterMessageSnippet("TTA requested").All()), test.ShouldEqual, 1)
	test.That(t, p.SupportsTTA(), test.ShouldBeFalse)

	res, err := p.PredictImage(context.Background(), imgPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.NumDetections, test.ShouldEqual, 1)
}

func TestTTAWithAugmenter(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	srcDir := t.TempDir()
	imgPath := filepath.Join(srcDir, "a.jpg")
	writeTestImage(t, imgPath)

	det := &inject.Augmenter{
		Detector: inject.Detector{
			DetectFunc: func(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
				return twoDetections()[:1], nil
			},
		},
		DetectWithAugmentationFunc: func(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
			return twoDetections(), nil
		},
	}
	p, err := predictor.NewFromDetector(det, predictor.Options{TTA: true, NoSave: true}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(logs.FilterMessageSnippet("TTA requested").All()), test.ShouldEqual, 0)
	test.That(t, p.SupportsTTA(), test.ShouldBeTrue)

	res, err := p.PredictImage(context.Background(), imgPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.NumDetections, test.ShouldEqual, 2)
}

func TestSummarize(t *testing.T) {
	results := []*predictor.Result{
		{NumDetections: 3, Records: []predictor.Record{
			{ClassName: "oxygen tank"}, {ClassName: "oxygen tank"}, {ClassName: "fire alarm"},
		}},
		{NumDetections: 1, Records: []predictor.Record{{ClassName: "fire alarm"}}},
		{NumDetections: 0},
	}
	s := predictor.Summarize(results)
	test.That(t, s.TotalImages, test.ShouldEqual, 3)
	test.That(t, s.TotalDetections, test.ShouldEqual, 4)
	test.That(t, s.AveragePerImage, test.ShouldAlmostEqual, 4.0/3.0, 1e-6)
	test.That(t, s.ClassCounts, test.ShouldResemble, map[string]int{"oxygen tank": 2, "fire alarm": 2})

	empty := predictor.Summarize(nil)
	test.That(t, empty.TotalImages, test.ShouldEqual, 0)
	test.That(t, empty.TotalDetections, test.ShouldEqual, 0)
	test.That(t, empty.AveragePerImage, test.ShouldEqual, 0.)
}

func TestClose(t *testing.T) {
	logger := golog.NewTestLogger(t)
	closed := false
	det := &inject.Detector{CloseFunc: func() error {
		closed = true
		return nil
	}}
	p, err := predictor.NewFromDetector(det, predictor.Options{NoSave: true}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Close(), test.ShouldBeNil)
	test.That(t, closed, test.ShouldBeTrue)
}

func TestClassNames(t *testing.T) {
	logger := golog.NewTestLogger(t)
	det := &inject.Detector{ClassNamesFunc: func() []string {
		return []string{"oxygen tank", "nitrogen tank"}
	}}
	p, err := predictor.NewFromDetector(det, predictor.Options{NoSave: true}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.ClassNames(), test.ShouldResemble, []string{"oxygen tank", "nitrogen tank"})
}
