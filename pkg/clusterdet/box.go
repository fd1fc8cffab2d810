package clusterdet

import (
	"math"

	"github.com/cyclopcam/pcdetect/pkg/nn"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// principalAxis returns the unit vector of greatest variance of the points in the XY plane.
// Falls back to the X axis for a single point, or if the eigen decomposition fails.
func principalAxis(points []point) (ax, ay float64) {
	if len(points) < 2 {
		return 1, 0
	}
	xy := mat.NewDense(len(points), 2, nil)
	for i, p := range points {
		xy.Set(i, 0, p.X)
		xy.Set(i, 1, p.Y)
	}
	cov := mat.NewSymDense(2, nil)
	stat.CovarianceMatrix(cov, xy, nil)

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return 1, 0
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// Eigenvalues are in ascending order, so the principal axis is the last column
	ax = vecs.At(0, 1)
	ay = vecs.At(1, 1)
	if ax == 0 && ay == 0 {
		return 1, 0
	}
	return ax, ay
}

// fitBox returns the oriented bounding box of the points. The box is aligned to the principal
// axis of the points in the XY plane. dx is measured along that axis, and dy across it.
// The Z extent is axis aligned.
func fitBox(points []point) nn.Box3D {
	ax, ay := principalAxis(points)
	heading := nn.FoldHeading(float32(math.Atan2(ay, ax)))
	ax32, ay32 := nn.HeadingAxis(heading)
	ax, ay = float64(ax32), float64(ay32)

	minAlong, maxAlong := math.Inf(1), math.Inf(-1)
	minPerp, maxPerp := math.Inf(1), math.Inf(-1)
	minZ, maxZ := math.Inf(1), math.Inf(-1)
	for _, p := range points {
		along := p.X*ax + p.Y*ay
		perp := -p.X*ay + p.Y*ax
		minAlong = math.Min(minAlong, along)
		maxAlong = math.Max(maxAlong, along)
		minPerp = math.Min(minPerp, perp)
		maxPerp = math.Max(maxPerp, perp)
		minZ = math.Min(minZ, p.Z)
		maxZ = math.Max(maxZ, p.Z)
	}

	midAlong := (minAlong + maxAlong) / 2
	midPerp := (minPerp + maxPerp) / 2
	cx := midAlong*ax - midPerp*ay
	cy := midAlong*ay + midPerp*ax

	return nn.MakeBox3D(
		float32(cx),
		float32(cy),
		float32((minZ+maxZ)/2),
		float32(maxAlong-minAlong),
		float32(maxPerp-minPerp),
		float32(maxZ-minZ),
		heading,
	)
}
