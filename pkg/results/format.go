package results

// Package results turns model detections into text lines, and writes them into the
// evaluation_<tag> directory, one file per input point cloud.

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cyclopcam/pcdetect/pkg/nn"
)

// Decimals that box values are rounded to before they are written
const DefaultRoundDecimals = 8

var ErrLabelOutOfRange = errors.New("Label index out of range of class table")

// Class names of the model that this tool was built for. Label 1 is "Socket", label 2 is "Plug".
var DefaultClassNames = []string{"Socket", "Plug"}

// ClassTable maps 1-based label indices to names. It is immutable once created.
type ClassTable struct {
	names []string
}

func NewClassTable(names []string) ClassTable {
	return ClassTable{names: append([]string(nil), names...)}
}

func (c ClassTable) Len() int {
	return len(c.names)
}

// Name returns the name of 1-based label index 'label'
func (c ClassTable) Name(label int) (string, error) {
	if label < 1 || label > len(c.names) {
		return "", fmt.Errorf("%w: label %v, table has %v classes", ErrLabelOutOfRange, label, len(c.names))
	}
	return c.names[label-1], nil
}

// Names returns a copy of the class names
func (c ClassTable) Names() []string {
	return append([]string(nil), c.names...)
}

// Formatter renders detections as text lines: "<label> <p0> ... <p6> \n"
type Formatter struct {
	Classes       ClassTable
	RoundDecimals int // Values are rounded half-to-even to this many decimals. Negative disables rounding.
}

func NewFormatter(classes ClassTable) *Formatter {
	return &Formatter{
		Classes:       classes,
		RoundDecimals: DefaultRoundDecimals,
	}
}

// Format renders the detections of one sample, in the order that the model returned them.
// An out of range label fails the whole sample.
func (f *Formatter) Format(dets []nn.Detection) ([]string, error) {
	lines := make([]string, 0, len(dets))
	for i, d := range dets {
		name, err := f.Classes.Name(d.Label)
		if err != nil {
			return nil, fmt.Errorf("Detection %v: %w", i, err)
		}
		lines = append(lines, f.FormatLine(name, d.Box))
	}
	return lines, nil
}

// FormatLine renders one line. Every value is followed by a space, including the last one.
func (f *Formatter) FormatLine(name string, box nn.Box3D) string {
	s := strings.Builder{}
	s.WriteString(name)
	s.WriteByte(' ')
	for _, v := range box {
		if f.RoundDecimals >= 0 {
			v = RoundFloat32(v, f.RoundDecimals)
		}
		s.WriteString(FormatFloat32(v))
		s.WriteByte(' ')
	}
	s.WriteByte('\n')
	return s.String()
}

// RoundFloat32 rounds half-to-even in float32 arithmetic, the way numpy's round() does on a float32 array.
// Like numpy, a value whose scaled form overflows float32 becomes an infinity.
func RoundFloat32(v float32, decimals int) float32 {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return v
	}
	scale := float32(math.Pow10(decimals))
	scaled := v * scale
	return float32(math.RoundToEven(float64(scaled))) / scale
}

// FormatFloat32 produces the shortest text that round-trips the float32 value.
// Whole numbers keep a trailing ".0", and magnitudes outside [1e-4, 1e16) use exponent form,
// eg "1.0", "0.1", "-2.5", "1e-05", "1.5e+16".
func FormatFloat32(v float32) string {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 32)
	}
	s := strconv.FormatFloat(f, 'f', -1, 32)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}
