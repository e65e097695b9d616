// Package main is the stationguard CLI itself.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/edaniels/golog"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/safeorbit-ai/stationguard/inference"
	"github.com/safeorbit-ai/stationguard/predictor"
)

const (
	// Flags.
	inferFlagSource     = "source"
	inferFlagModel      = "model"
	inferFlagLabels     = "labels"
	inferFlagConfidence = "conf"
	inferFlagIoU        = "iou"
	inferFlagDevice     = "device"
	inferFlagOutput     = "output"
	inferFlagSize       = "size"
	inferFlagThreads    = "threads"
	inferFlagTTA        = "tta"
	inferFlagNoSave     = "no-save"
)

func main() {
	var logger golog.Logger

	app := &cli.App{
		Name:  "stationguard",
		Usage: "detect safety equipment in station imagery",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     inferFlagSource,
				Aliases:  []string{"s"},
				Required: true,
				Usage:    "path to an image file or a directory of images",
			},
			&cli.StringFlag{
				Name:     inferFlagModel,
				Aliases:  []string{"m"},
				Required: true,
				Usage:    "path to the trained model file (.onnx or .tflite)",
			},
			&cli.StringFlag{
				Name:  inferFlagLabels,
				Usage: "path to a text file with one class name per line",
			},
			&cli.Float64Flag{
				Name:  inferFlagConfidence,
				Value: predictor.DefaultConfidence,
				Usage: "confidence threshold between 0 and 1",
			},
			&cli.Float64Flag{
				Name:  inferFlagIoU,
				Value: predictor.DefaultIoU,
				Usage: "IoU threshold for non-maximum suppression",
			},
			&cli.StringFlag{
				Name:  inferFlagDevice,
				Usage: "device to run on (auto, cpu, cuda, or a GPU index)",
			},
			&cli.StringFlag{
				Name:  inferFlagOutput,
				Value: predictor.DefaultOutputDir,
				Usage: "output directory for annotated predictions",
			},
			&cli.IntFlag{
				Name:  inferFlagSize,
				Value: predictor.DefaultInputSize,
				Usage: "square input size for models that do not carry one",
			},
			&cli.IntFlag{
				Name:  inferFlagThreads,
				Usage: "CPU threads for tflite models, all cores when unset",
			},
			&cli.BoolFlag{
				Name:  inferFlagTTA,
				Usage: "use test-time augmentation when the backend supports it",
			},
			&cli.BoolFlag{
				Name:  inferFlagNoSave,
				Usage: "do not save annotated images",
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				logger = golog.NewDebugLogger("stationguard")
			} else {
				logger = zap.NewNop().Sugar()
			}

			return nil
		},
		Action: func(c *cli.Context) error {
			return runInference(c, logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runInference(c *cli.Context, logger golog.Logger) (err error) {
	w := c.App.Writer
	printBanner(w, "Space Station Safety Object Detection - Inference")
	fmt.Fprintln(w)

	opts := predictor.Options{
		ModelPath:  c.String(inferFlagModel),
		LabelPath:  c.String(inferFlagLabels),
		Confidence: c.Float64(inferFlagConfidence),
		IoU:        c.Float64(inferFlagIoU),
		Device:     c.String(inferFlagDevice),
		OutputDir:  c.String(inferFlagOutput),
		NumThreads: c.Int(inferFlagThreads),
		InputSize:  c.Int(inferFlagSize),
		TTA:        c.Bool(inferFlagTTA),
		NoSave:     c.Bool(inferFlagNoSave),
	}
	device, err := inference.ParseDevice(opts.Device)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Loading model from: %s\n", opts.ModelPath)
	fmt.Fprintf(w, "Using device: %s\n", device)

	pred, err := predictor.New(opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, pred.Close())
	}()

	fmt.Fprintln(w, "Model loaded successfully!")
	if names := pred.ClassNames(); len(names) > 0 {
		fmt.Fprintf(w, "Classes: [%s]\n", strings.Join(names, ", "))
	}
	if opts.TTA {
		if pred.SupportsTTA() {
			fmt.Fprintln(w, "Using test-time augmentation")
		} else {
			fmt.Fprintln(w, "TTA is not supported by this model, continuing without augmentation")
		}
	}
	fmt.Fprintln(w)

	source := c.String(inferFlagSource)
	info, err := os.Stat(source)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "unable to read source %s", source)
	}
	switch {
	case err == nil && info.Mode().IsRegular():
		err = runSingle(c, pred, source)
	case err == nil && info.IsDir():
		err = runBatch(c, pred, source)
	default:
		return errors.Errorf("source %s is neither a file nor a directory", source)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Inference completed successfully!")
	if !opts.NoSave {
		fmt.Fprintf(w, "Predictions saved to: %s\n", opts.OutputDir)
	}
	return nil
}

func runSingle(c *cli.Context, pred *predictor.Predictor, imagePath string) error {
	w := c.App.Writer
	fmt.Fprintf(w, "Running inference on: %s\n", imagePath)
	fmt.Fprintln(w)

	res, err := pred.PredictImage(c.Context, imagePath)
	if err != nil {
		return err
	}

	printBanner(w, "RESULTS")
	fmt.Fprintf(w, "Image: %s\n", res.ImagePath)
	fmt.Fprintf(w, "Detections: %d\n", res.NumDetections)
	fmt.Fprintln(w)
	if len(res.Records) > 0 {
		fmt.Fprintln(w, "Detected objects:")
		for i, rec := range res.Records {
			fmt.Fprintf(w, "  %d. %s (confidence: %.3f)\n", i+1, rec.ClassName, rec.Confidence)
		}
	} else {
		fmt.Fprintln(w, "No objects detected.")
	}
	if res.OutputPath != "" {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Saved: %s\n", res.OutputPath)
	}
	return nil
}

func runBatch(c *cli.Context, pred *predictor.Predictor, dir string) error {
	w := c.App.Writer
	fmt.Fprintf(w, "Running batch inference on: %s\n", dir)
	fmt.Fprintln(w)

	paths, err := predictor.ListImages(dir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Fprintf(w, "No images found in %s\n", dir)
		return nil
	}
	fmt.Fprintf(w, "Found %d images\n", len(paths))
	fmt.Fprintln(w)

	progress := func(imagePath string, res *predictor.Result, err error) {
		fmt.Fprintf(w, "Processing: %s...\n", filepath.Base(imagePath))
		if err != nil {
			fmt.Fprintf(w, "  Error: %v\n", err)
		} else {
			fmt.Fprintf(w, "  Detected %d objects\n", res.NumDetections)
			if res.OutputPath != "" {
				fmt.Fprintf(w, "  Saved: %s\n", res.OutputPath)
			}
		}
		fmt.Fprintln(w)
	}
	results, err := pred.PredictBatch(c.Context, dir, progress)
	if err != nil {
		return err
	}

	summary := predictor.Summarize(results)
	printBanner(w, "SUMMARY")
	fmt.Fprintf(w, "Total images processed: %d\n", summary.TotalImages)
	fmt.Fprintf(w, "Total detections: %d\n", summary.TotalDetections)
	if summary.TotalImages > 0 {
		fmt.Fprintf(w, "Average detections per image: %.2f\n", summary.AveragePerImage)
	}
	if len(summary.ClassCounts) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, renderClassCounts(summary))
	}
	return nil
}

func printBanner(w io.Writer, title string) {
	line := strings.Repeat("=", 80)
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, line)
}

// renderClassCounts lays out a table of how often each class was detected
// across the batch.
func renderClassCounts(summary predictor.Summary) string {
	names := make([]string, 0, len(summary.ClassCounts))
	for name := range summary.ClassCounts {
		names = append(names, name)
	}
	sort.Strings(names)

	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Class", "Count"})
	for i, name := range names {
		t.AppendRow([]interface{}{
			fmt.Sprintf("%d", i+1),
			name,
			fmt.Sprintf("%d", summary.ClassCounts[name]),
		})
	}
	return t.Render()
}
