package ml

import (
	"sort"
	"testing"

	"go.viam.com/test"
	"gorgonia.org/tensor"

	"github.com/safeorbit-ai/stationguard/testutils"
)

func TestMain(m *testing.M) {
	testutils.VerifyTestMain(m)
}

func TestToFloat64Slice(t *testing.T) {
	out, err := ToFloat64Slice([]float32{0.25, 0.5})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []float64{0.25, 0.5})

	out, err = ToFloat64Slice([]uint8{3, 7})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []float64{3, 7})

	out, err = ToFloat64Slice([]int32{-2, 9})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []float64{-2, 9})

	out, err = ToFloat64Slice(float64(1.5))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []float64{1.5})

	_, err = ToFloat64Slice([]string{"nope"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "convert slice of []string")
}

func TestToFloat64SliceFromTensor(t *testing.T) {
	dense := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking([]float32{0.1, 0.2, 0.3, 0.4}))
	out, err := ToFloat64Slice(dense.Data())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldHaveLength, 4)
	test.That(t, out[3], test.ShouldAlmostEqual, 0.4, 1e-6)
}

func TestClamp(t *testing.T) {
	test.That(t, Clamp(0.5, 0., 1.), test.ShouldEqual, 0.5)
	test.That(t, Clamp(-0.1, 0., 1.), test.ShouldEqual, 0.)
	test.That(t, Clamp(1.3, 0., 1.), test.ShouldEqual, 1.)
	test.That(t, Clamp(12, 0, 10), test.ShouldEqual, 10)
}

func TestTensorNames(t *testing.T) {
	ts := Tensors{
		"location": tensor.New(tensor.WithShape(1, 1, 4), tensor.WithBacking([]float32{0, 0, 1, 1})),
		"score":    tensor.New(tensor.WithShape(1, 1), tensor.WithBacking([]float32{0.9})),
	}
	names := TensorNames(ts)
	sort.Strings(names)
	test.That(t, names, test.ShouldResemble, []string{"location", "score"})
}
