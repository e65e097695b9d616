package inference

import (
	"context"
	"image"
	"runtime"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	tflite "github.com/mattn/go-tflite"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/safeorbit-ai/stationguard/ml"
	"github.com/safeorbit-ai/stationguard/objectdetection"
)

// tfliteDetectionOutputs are the output tensors of a tflite detection graph,
// in the order the detection postprocess op emits them.
var tfliteDetectionOutputs = []string{"location", "category", "score", "number of detections"}

// tfliteBoxOrder is where xmin, ymin, xmax and ymax live within one box of
// the location tensor.
var tfliteBoxOrder = []int{1, 0, 3, 2}

// tfliteDetector runs .tflite detection models through the TensorFlow Lite C
// API. These graphs bake their own suppression step, so the IoU threshold is
// fixed at model export time and only the confidence filter applies here.
// They also only run on the CPU.
type tfliteDetector struct {
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter

	inputHeight int
	inputWidth  int
	inputType   tflite.TensorType

	classNames []string
	conf       float64
	logger     golog.Logger
}

func newTFLiteDetector(conf Config, logger golog.Logger) (Detector, error) {
	device, err := ParseDevice(conf.Device)
	if err != nil {
		return nil, err
	}
	if device == DeviceCUDA {
		return nil, errors.New(`tflite models run on the CPU only, use device "cpu" or "auto"`)
	}
	labels, err := resolveLabels(conf, logger)
	if err != nil {
		return nil, err
	}

	model := tflite.NewModelFromFile(conf.ModelPath)
	if model == nil {
		return nil, errors.Errorf("failed to load model from %s", conf.ModelPath)
	}
	numThreads := conf.NumThreads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	options := tflite.NewInterpreterOptions()
	if options == nil {
		model.Delete()
		return nil, errors.New("interpreter options failed to be created")
	}
	options.SetNumThread(numThreads)
	options.SetErrorReporter(func(msg string, userData interface{}) {
		logger.Warnw("tflite runtime error", "msg", msg)
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, errors.New("failed to create interpreter")
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, errors.New("failed to allocate tensors")
	}

	input := interpreter.GetInputTensor(0)
	d := &tfliteDetector{
		model:       model,
		options:     options,
		interpreter: interpreter,
		inputHeight: input.Dim(1),
		inputWidth:  input.Dim(2),
		inputType:   input.Type(),
		classNames:  labels,
		conf:        conf.Confidence,
		logger:      logger,
	}
	logger.Debugf("loaded tflite model %s with %dx%d %s input",
		conf.ModelPath, d.inputWidth, d.inputHeight, d.inputType)
	return d, nil
}

// Detect resizes the image to the model input, invokes the interpreter, and
// unpacks the output tensors into detections.
func (d *tfliteDetector) Detect(ctx context.Context, img image.Image) ([]objectdetection.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	origW, origH := img.Bounds().Dx(), img.Bounds().Dy()
	resized := resize.Resize(uint(d.inputWidth), uint(d.inputHeight), img, resize.Bilinear)

	input := d.interpreter.GetInputTensor(0)
	var status tflite.Status
	switch d.inputType {
	case tflite.UInt8:
		status = input.CopyFromBuffer(imageToUInt8Buffer(resized))
	case tflite.Float32:
		status = input.CopyFromBuffer(imageToFloat32Buffer(resized))
	default:
		return nil, errors.Errorf("invalid input tensor type %s, use uint8 or float32", d.inputType)
	}
	if status != tflite.OK {
		return nil, errors.New("copying image to the input tensor failed")
	}
	if status := d.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.New("invoke failed")
	}

	outputs, err := d.outputTensors()
	if err != nil {
		return nil, err
	}
	dets, err := unpackDetectionTensors(outputs, origW, origH, d.classNames)
	if err != nil {
		return nil, err
	}
	return objectdetection.NewScoreFilter(d.conf)(dets), nil
}

// outputTensors copies the interpreter's output tensors out into a named
// tensor map. Names follow the detection postprocess output order.
func (d *tfliteDetector) outputTensors() (ml.Tensors, error) {
	outputs := ml.Tensors{}
	for i := 0; i < d.interpreter.GetOutputTensorCount(); i++ {
		t := d.interpreter.GetOutputTensor(i)
		shape := make([]int, t.NumDims())
		for j := range shape {
			shape[j] = t.Dim(j)
		}
		var dense *tensor.Dense
		switch t.Type() {
		case tflite.Float32:
			data := make([]float32, len(t.Float32s()))
			copy(data, t.Float32s())
			dense = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
		case tflite.UInt8:
			data := make([]uint8, len(t.UInt8s()))
			copy(data, t.UInt8s())
			dense = tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
		default:
			return nil, errors.Errorf("unsupported output tensor type %s", t.Type())
		}
		name := "out" + strconv.Itoa(i)
		if i < len(tfliteDetectionOutputs) {
			name = tfliteDetectionOutputs[i]
		}
		outputs[name] = dense
	}
	return outputs, nil
}

// unpackDetectionTensors reshapes the output tensor map into detections, with
// the normalized box corners scaled back up to the original image size.
func unpackDetectionTensors(tensors ml.Tensors, origW, origH int, labels []string) ([]objectdetection.Detection, error) {
	locations, err := namedTensorData(tensors, "location")
	if err != nil {
		return nil, err
	}
	categories, err := namedTensorData(tensors, "category")
	if err != nil {
		return nil, err
	}
	scores, err := namedTensorData(tensors, "score")
	if err != nil {
		return nil, err
	}

	count := len(scores)
	if n, err := namedTensorData(tensors, "number of detections"); err == nil && len(n) > 0 && int(n[0]) < count {
		count = int(n[0])
	}
	if len(locations) < 4*count || len(categories) < count {
		return nil, errors.Errorf("tensor lengths do not add up to %d detections (%d locations, %d categories)",
			count, len(locations), len(categories))
	}

	detections := make([]objectdetection.Detection, 0, count)
	for i := 0; i < count; i++ {
		xmin := ml.Clamp(locations[4*i+getIndex(tfliteBoxOrder, 0)], 0, 1) * float64(origW)
		ymin := ml.Clamp(locations[4*i+getIndex(tfliteBoxOrder, 1)], 0, 1) * float64(origH)
		xmax := ml.Clamp(locations[4*i+getIndex(tfliteBoxOrder, 2)], 0, 1) * float64(origW)
		ymax := ml.Clamp(locations[4*i+getIndex(tfliteBoxOrder, 3)], 0, 1) * float64(origH)
		rect := image.Rect(int(xmin), int(ymin), int(xmax), int(ymax))
		classID := int(categories[i])
		detections = append(detections, objectdetection.NewClassedDetection(
			rect, scores[i], className(labels, classID), classID))
	}
	return detections, nil
}

// namedTensorData pulls one named tensor's backing data out as a []float64.
func namedTensorData(tensors ml.Tensors, name string) ([]float64, error) {
	dense, ok := tensors[name]
	if !ok {
		return nil, errors.Errorf("no tensor named %q among output tensors [%s]",
			name, strings.Join(ml.TensorNames(tensors), ", "))
	}
	return ml.ToFloat64Slice(dense.Data())
}

// imageToUInt8Buffer reads an image into a byte buffer, row major, one R, G
// and B byte per pixel.
func imageToUInt8Buffer(img image.Image) []uint8 {
	output := make([]uint8, img.Bounds().Dx()*img.Bounds().Dy()*3)
	i := 0
	for y := img.Bounds().Min.Y; y < img.Bounds().Max.Y; y++ {
		for x := img.Bounds().Min.X; x < img.Bounds().Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			output[i] = uint8(r >> 8)
			output[i+1] = uint8(g >> 8)
			output[i+2] = uint8(b >> 8)
			i += 3
		}
	}
	return output
}

// imageToFloat32Buffer is the float32 variant, with channel values scaled to
// [0, 1].
func imageToFloat32Buffer(img image.Image) []float32 {
	output := make([]float32, img.Bounds().Dx()*img.Bounds().Dy()*3)
	i := 0
	for y := img.Bounds().Min.Y; y < img.Bounds().Max.Y; y++ {
		for x := img.Bounds().Min.X; x < img.Bounds().Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			output[i] = float32(r>>8) / 255.0
			output[i+1] = float32(g>>8) / 255.0
			output[i+2] = float32(b>>8) / 255.0
			i += 3
		}
	}
	return output
}

// ClassNames returns the model's class name table in class index order.
func (d *tfliteDetector) ClassNames() []string {
	return d.classNames
}

// Close deletes the interpreter and its model.
func (d *tfliteDetector) Close() error {
	d.model.Delete()
	d.options.Delete()
	d.interpreter.Delete()
	return nil
}
