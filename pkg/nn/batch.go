package nn

import "github.com/cyclopcam/pcdetect/pkg/pointcloud"

// Batch is the unit of input that a model consumes per forward pass.
// Our pipeline always builds batches of exactly one sample.
// Points has a leading batch index column, so every row is (batch_idx, x, y, z, intensity).
// Sparse point cloud models need that column to know which sample a point belongs to.
type Batch struct {
	BatchSize int
	FrameIDs  []int     // One per sample
	NumPoints int       // Total rows in Points
	Points    []float32 // Row-major, NumPoints x BatchColumns
}

// Values per row in Batch.Points
const BatchColumns = pointcloud.NumColumns + 1

// Collate wraps a single sample into a batch of size 1.
// Every point is tagged with batch index 0.
func Collate(sample *pointcloud.Sample) *Batch {
	n := sample.NumPoints
	points := make([]float32, n*BatchColumns)
	for i := 0; i < n; i++ {
		dst := points[i*BatchColumns : (i+1)*BatchColumns]
		dst[0] = 0
		copy(dst[1:], sample.Points[i*pointcloud.NumColumns:(i+1)*pointcloud.NumColumns])
	}
	return &Batch{
		BatchSize: 1,
		FrameIDs:  []int{sample.FrameID},
		NumPoints: n,
		Points:    points,
	}
}

// Row returns point i of the batch, including the batch index column
func (b *Batch) Row(i int) []float32 {
	return b.Points[i*BatchColumns : (i+1)*BatchColumns]
}

// SamplePoints returns the rows that belong to sample 'idx', without the batch index column
func (b *Batch) SamplePoints(idx int) []float32 {
	out := []float32{}
	for i := 0; i < b.NumPoints; i++ {
		row := b.Row(i)
		if int(row[0]) == idx {
			out = append(out, row[1:]...)
		}
	}
	return out
}
