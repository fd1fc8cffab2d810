package clusterdet

import "math"

type point struct {
	X, Y, Z float64
}

// spatialIndex buckets points into a 2D grid, with a cell size equal to eps,
// so that a neighbourhood query only has to look at the 3x3 cells around a point.
type spatialIndex struct {
	cellSize float64
	grid     map[int64][]int
}

func newSpatialIndex(cellSize float64, points []point) *spatialIndex {
	si := &spatialIndex{
		cellSize: cellSize,
		grid:     make(map[int64][]int, len(points)/4+1),
	}
	for i, p := range points {
		id := cellID(si.cell(p.X), si.cell(p.Y))
		si.grid[id] = append(si.grid[id], i)
	}
	return si
}

func (si *spatialIndex) cell(v float64) int64 {
	return int64(math.Floor(v / si.cellSize))
}

func zigzag(v int64) int64 {
	if v >= 0 {
		return 2 * v
	}
	return -2*v - 1
}

// Szudzik pairing of the two (zigzag encoded) cell coordinates
func cellID(cx, cy int64) int64 {
	a := zigzag(cx)
	b := zigzag(cy)
	if a >= b {
		return a*a + a + b
	}
	return a + b*b
}

// neighbours returns the indices of all points within eps of points[idx], in the XY plane.
// The result includes idx itself.
func (si *spatialIndex) neighbours(points []point, idx int, eps float64) []int {
	p := points[idx]
	eps2 := eps * eps
	cx := si.cell(p.X)
	cy := si.cell(p.Y)
	result := []int{}
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for _, j := range si.grid[cellID(cx+dx, cy+dy)] {
				ddx := points[j].X - p.X
				ddy := points[j].Y - p.Y
				if ddx*ddx+ddy*ddy <= eps2 {
					result = append(result, j)
				}
			}
		}
	}
	return result
}

const (
	unvisited = 0
	noise     = -1
)

// dbscan groups points into clusters. Clusters are returned in the order in which they
// were discovered, and the point indices of each cluster are sorted ascending.
// Noise points are not returned.
func dbscan(points []point, eps float64, minPoints int) [][]int {
	if len(points) == 0 {
		return nil
	}
	si := newSpatialIndex(eps, points)
	labels := make([]int, len(points))
	nClusters := 0

	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		seeds := si.neighbours(points, i, eps)
		if len(seeds) < minPoints {
			labels[i] = noise
			continue
		}
		nClusters++
		labels[i] = nClusters
		for j := 0; j < len(seeds); j++ {
			idx := seeds[j]
			if labels[idx] == noise {
				// border point
				labels[idx] = nClusters
			}
			if labels[idx] != unvisited {
				continue
			}
			labels[idx] = nClusters
			more := si.neighbours(points, idx, eps)
			if len(more) >= minPoints {
				seeds = append(seeds, more...)
			}
		}
	}

	clusters := make([][]int, nClusters)
	for i, label := range labels {
		if label > 0 {
			clusters[label-1] = append(clusters[label-1], i)
		}
	}
	return clusters
}
