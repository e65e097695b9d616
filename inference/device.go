package inference

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Device names where the backing library should run a model.
type Device int

const (
	// DeviceAuto lets the library pick, which resolves to its default
	// backend on the hosts we target.
	DeviceAuto Device = iota
	// DeviceCPU forces CPU execution.
	DeviceCPU
	// DeviceCUDA asks for a CUDA capable GPU.
	DeviceCUDA
)

// String returns the device name as given on the command line.
func (d Device) String() string {
	switch d {
	case DeviceCPU:
		return "cpu"
	case DeviceCUDA:
		return "cuda"
	default:
		return "auto"
	}
}

// ParseDevice reads the device strings accepted on the command line: "auto"
// or empty, "cpu", "cuda", "cuda:N", or a bare GPU ordinal.
func ParseDevice(s string) (Device, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "" || s == "auto":
		return DeviceAuto, nil
	case s == "cpu":
		return DeviceCPU, nil
	case s == "cuda":
		return DeviceCUDA, nil
	case strings.HasPrefix(s, "cuda:"):
		if _, err := strconv.Atoi(strings.TrimPrefix(s, "cuda:")); err != nil {
			return DeviceAuto, errors.Errorf("device %q is not supported, use \"auto\", \"cpu\", \"cuda\", or a GPU index", s)
		}
		return DeviceCUDA, nil
	default:
		if _, err := strconv.Atoi(s); err == nil {
			return DeviceCUDA, nil
		}
		return DeviceAuto, errors.Errorf("device %q is not supported, use \"auto\", \"cpu\", \"cuda\", or a GPU index", s)
	}
}
