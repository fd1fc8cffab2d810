package pointcloud

import (
	"fmt"
	"os"
	"strings"

	"github.com/sbinet/npyio"
)

// Decode a NumPy array of float32 or float64.
// The array must hold a multiple of NumColumns values, and if it is 2D, it must have NumColumns columns.
func readNpy(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrMalformedSample, path, err)
	}
	shape := r.Header.Descr.Shape
	total := 1
	for _, d := range shape {
		total *= d
	}
	if total%NumColumns != 0 {
		return nil, fmt.Errorf("%w: %v has shape %v, which can't be reshaped to (N, %v)", ErrMalformedSample, path, shape, NumColumns)
	}
	if len(shape) == 2 && shape[1] != NumColumns {
		return nil, fmt.Errorf("%w: %v has shape %v, expected (N, %v)", ErrMalformedSample, path, shape, NumColumns)
	}

	var points []float32
	// Strip the byte order character, eg "<f4" -> "f4"
	switch strings.TrimLeft(r.Header.Descr.Type, "<>|=") {
	case "f4":
		if err := r.Read(&points); err != nil {
			return nil, fmt.Errorf("%w: %v: %v", ErrMalformedSample, path, err)
		}
	case "f8":
		var wide []float64
		if err := r.Read(&wide); err != nil {
			return nil, fmt.Errorf("%w: %v: %v", ErrMalformedSample, path, err)
		}
		points = make([]float32, len(wide))
		for i, v := range wide {
			points[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("%w: %v has dtype %v, expected float32 or float64", ErrMalformedSample, path, r.Header.Descr.Type)
	}

	if len(points) != total {
		return nil, fmt.Errorf("%w: %v decoded %v values, header says %v", ErrMalformedSample, path, len(points), total)
	}
	if r.Header.Descr.Fortran && len(shape) == 2 {
		points = fortranToRowMajor(points, shape[0], shape[1])
	}
	return points, nil
}

func fortranToRowMajor(src []float32, rows, cols int) []float32 {
	dst := make([]float32, len(src))
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			dst[r*cols+c] = src[c*rows+r]
		}
	}
	return dst
}
