package pointcloud

// Package pointcloud finds point cloud files on disk and decodes them into (N, 4) float32 rows.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Number of values per point: x, y, z, intensity
const NumColumns = 4

// Size in bytes of one point in a .bin file
const BinPointSize = NumColumns * 4

const ExtBin = ".bin"
const ExtNpy = ".npy"

var ErrInvalidPath = errors.New("Input path does not exist")
var ErrUnsupportedFormat = errors.New("Unsupported point cloud format")
var ErrMalformedSample = errors.New("Malformed point cloud sample")

// Sample is one decoded point cloud
type Sample struct {
	Path      string
	FrameID   int       // Position of Path in the sorted file list
	NumPoints int       // Number of rows
	Points    []float32 // Row-major, NumPoints x NumColumns
}

// CheckExtension returns ErrUnsupportedFormat if we can't decode files with this extension
func CheckExtension(ext string) error {
	if ext != ExtBin && ext != ExtNpy {
		return fmt.Errorf("%w: '%v' (expected %v or %v)", ErrUnsupportedFormat, ext, ExtBin, ExtNpy)
	}
	return nil
}

// Enumerate returns the point cloud files to process, sorted lexicographically.
// If root is a directory, we list every entry whose name ends with ext (not recursive).
// Hidden files (name starts with '.') are not listed.
// If root is a file, the list is just that file.
func Enumerate(root, ext string) ([]string, error) {
	st, err := os.Stat(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, root)
	} else if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return []string{root}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("Failed to list %v: %w", root, err)
	}
	files := []string{}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		files = append(files, filepath.Join(root, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// LoadSample reads a point cloud file, decoding it according to ext.
func LoadSample(path, ext string, frameID int) (*Sample, error) {
	var points []float32
	var err error
	switch ext {
	case ExtBin:
		points, err = readBin(path)
	case ExtNpy:
		points, err = readNpy(path)
	default:
		return nil, CheckExtension(ext)
	}
	if err != nil {
		return nil, err
	}
	return &Sample{
		Path:      path,
		FrameID:   frameID,
		NumPoints: len(points) / NumColumns,
		Points:    points,
	}, nil
}

// Raw little-endian float32 buffer
func readBin(path string) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw)%BinPointSize != 0 {
		return nil, fmt.Errorf("%w: %v is %v bytes, which is not a multiple of %v", ErrMalformedSample, path, len(raw), BinPointSize)
	}
	points := make([]float32, len(raw)/4)
	for i := range points {
		points[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return points, nil
}
