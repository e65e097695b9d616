package inference

import (
	"context"
	"image"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"gocv.io/x/gocv"

	"github.com/safeorbit-ai/stationguard/ml"
	"github.com/safeorbit-ai/stationguard/objectdetection"
)

// dnnDetector runs ONNX detection models through OpenCV's DNN module. The
// model output is expected in the YOLO layout, a [1, 4+numClasses, numBoxes]
// tensor of box centers, box sizes, and per class scores. Candidate boxes go
// through OpenCV's NMSBoxes, so the confidence and IoU thresholds are both
// live here.
type dnnDetector struct {
	net        gocv.Net
	classNames []string
	conf       float64
	iou        float64
	inputSize  int
	logger     golog.Logger
}

func newDNNDetector(conf Config, logger golog.Logger) (Detector, error) {
	device, err := ParseDevice(conf.Device)
	if err != nil {
		return nil, err
	}
	labels, err := resolveLabels(conf, logger)
	if err != nil {
		return nil, err
	}

	net := gocv.ReadNetFromONNX(conf.ModelPath)
	if net.Empty() {
		return nil, errors.Errorf("unable to read model from %s", conf.ModelPath)
	}
	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if device == DeviceCUDA {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "unable to run on device %q", device), net.Close())
	}
	if err := net.SetPreferableTarget(target); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "unable to run on device %q", device), net.Close())
	}
	logger.Debugf("loaded DNN model %s for device %q", conf.ModelPath, device)

	return &dnnDetector{
		net:        net,
		classNames: labels,
		conf:       conf.Confidence,
		iou:        conf.IoU,
		inputSize:  conf.InputSize,
		logger:     logger,
	}, nil
}

// Detect runs the image through the network and returns the surviving boxes
// in the image's pixel space.
func (d *dnnDetector) Detect(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, errors.Wrap(err, "unable to convert image for inference")
	}
	defer goutils.UncheckedErrorFunc(mat.Close)

	// pad to a square so the blob resize keeps the aspect ratio
	maxDim := max(mat.Rows(), mat.Cols())
	square := gocv.NewMatWithSize(maxDim, maxDim, gocv.MatTypeCV8UC3)
	defer goutils.UncheckedErrorFunc(square.Close)
	region := square.Region(image.Rect(0, 0, mat.Cols(), mat.Rows()))
	mat.CopyTo(&region)
	if err := region.Close(); err != nil {
		return nil, err
	}

	blob := gocv.BlobFromImage(square, 1.0/255.0, image.Pt(d.inputSize, d.inputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer goutils.UncheckedErrorFunc(blob.Close)
	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer goutils.UncheckedErrorFunc(output.Close)

	scale := float64(maxDim) / float64(d.inputSize)
	return d.decode(&output, scale, img.Bounds())
}

// decode walks the raw output columns, keeps every box whose best class
// score clears the confidence threshold, and lets NMSBoxes pick the winners.
func (d *dnnDetector) decode(output *gocv.Mat, scale float64, bounds image.Rectangle) ([]objectdetection.Detection, error) {
	sizes := output.Size()
	if len(sizes) != 3 || sizes[1] < 5 {
		return nil, errors.Errorf("unexpected model output shape %v", sizes)
	}
	rows, numBoxes := sizes[1], sizes[2]
	flat := output.Reshape(1, rows)
	defer goutils.UncheckedErrorFunc(flat.Close)

	boxes := make([]image.Rectangle, 0, numBoxes)
	scores := make([]float32, 0, numBoxes)
	classIDs := make([]int, 0, numBoxes)
	for i := 0; i < numBoxes; i++ {
		bestScore, bestClass := float32(0), 0
		for j := 4; j < rows; j++ {
			if s := flat.GetFloatAt(j, i); s > bestScore {
				bestScore, bestClass = s, j-4
			}
		}
		if float64(bestScore) < d.conf {
			continue
		}
		cx := flat.GetFloatAt(0, i)
		cy := flat.GetFloatAt(1, i)
		w := flat.GetFloatAt(2, i)
		h := flat.GetFloatAt(3, i)
		boxes = append(boxes, scaleBox(cx, cy, w, h, scale, bounds))
		scores = append(scores, bestScore)
		classIDs = append(classIDs, bestClass)
	}
	if len(boxes) == 0 {
		return []objectdetection.Detection{}, nil
	}

	keep := gocv.NMSBoxes(boxes, scores, float32(d.conf), float32(d.iou))
	detections := make([]objectdetection.Detection, 0, len(keep))
	for _, idx := range keep {
		if idx < 0 || idx >= len(boxes) {
			continue
		}
		detections = append(detections, objectdetection.NewClassedDetection(
			boxes[idx], float64(scores[idx]), className(d.classNames, classIDs[idx]), classIDs[idx]))
	}
	return detections, nil
}

// scaleBox maps a center/size box from blob coordinates back to the original
// image's pixel space, clamped to the image bounds.
func scaleBox(cx, cy, w, h float32, scale float64, bounds image.Rectangle) image.Rectangle {
	x1 := ml.Clamp(int(float64(cx-w/2)*scale), bounds.Min.X, bounds.Max.X)
	y1 := ml.Clamp(int(float64(cy-h/2)*scale), bounds.Min.Y, bounds.Max.Y)
	x2 := ml.Clamp(int(float64(cx+w/2)*scale), bounds.Min.X, bounds.Max.X)
	y2 := ml.Clamp(int(float64(cy+h/2)*scale), bounds.Min.Y, bounds.Max.Y)
	return image.Rect(x1, y1, x2, y2)
}

// ClassNames returns the model's class name table in class index order.
func (d *dnnDetector) ClassNames() []string {
	return d.classNames
}

// Close releases the network.
func (d *dnnDetector) Close() error {
	return d.net.Close()
}
