package clusterdet

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pcdetect/pkg/config"
	"github.com/cyclopcam/pcdetect/pkg/nn"
	"github.com/cyclopcam/pcdetect/pkg/pointcloud"
	"github.com/stretchr/testify/require"
)

func testConfig() config.ClusterConfig {
	return config.ClusterConfig{
		Eps:       0.05,
		MinPoints: 10,
		MinZ:      -10,
		ClassPriors: [][]float64{
			{0.08, 0.05, 0.04},
			{0.06, 0.04, 0.03},
		},
	}
}

// Append a grid of points covering the box [x0, x0+nx*step] x [y0, y0+ny*step],
// with one layer of points at each of the given heights.
func addGrid(pts []float32, x0, y0 float64, nx, ny int, step float64, zs ...float64) []float32 {
	for _, z := range zs {
		for i := 0; i <= nx; i++ {
			for j := 0; j <= ny; j++ {
				pts = append(pts, float32(x0+float64(i)*step), float32(y0+float64(j)*step), float32(z), 0.5)
			}
		}
	}
	return pts
}

func TestDBSCAN(t *testing.T) {
	require.Nil(t, dbscan(nil, 1, 1))

	points := []point{{0, 0, 0}, {0.1, 0, 0}, {0.2, 0, 0}, {5, 5, 0}, {-3, -3, 0}, {-3.1, -3, 0}}
	clusters := dbscan(points, 0.15, 2)
	require.Equal(t, [][]int{{0, 1, 2}, {4, 5}}, clusters)

	// With a larger minimum, nothing is dense enough
	require.Empty(t, dbscan(points, 0.15, 4))
}

func TestCellIDNegative(t *testing.T) {
	seen := map[int64]bool{}
	for x := int64(-3); x <= 3; x++ {
		for y := int64(-3); y <= 3; y++ {
			id := cellID(x, y)
			require.False(t, seen[id], "collision at %v,%v", x, y)
			seen[id] = true
		}
	}
}

func TestDetectTwoObjects(t *testing.T) {
	d, err := NewDetector(logs.NewTestingLog(t), testConfig())
	require.NoError(t, err)

	pts := []float32{}
	pts = addGrid(pts, 0, 0, 8, 5, 0.01, 0, 0.04)  // 0.08 x 0.05 x 0.04 -> class 1
	pts = addGrid(pts, 1, 1, 6, 4, 0.01, 0, 0.03)  // 0.06 x 0.04 x 0.03 -> class 2
	pts = append(pts, 5, 5, 0, 1)                  // noise
	pts = addGrid(pts, 3, 3, 8, 5, 0.01, -20, -19) // below min_z

	dets := d.Detect(pts)
	require.Len(t, dets, 2)

	a := dets[0]
	require.Equal(t, 1, a.Label)
	require.InDelta(t, 1, a.Score, 1e-3)
	cx, cy, cz := a.Box.Center()
	require.InDelta(t, 0.04, cx, 1e-5)
	require.InDelta(t, 0.025, cy, 1e-5)
	require.InDelta(t, 0.02, cz, 1e-5)
	dx, dy, dz := a.Box.Size()
	require.InDelta(t, 0.08, dx, 1e-5)
	require.InDelta(t, 0.05, dy, 1e-5)
	require.InDelta(t, 0.04, dz, 1e-5)
	require.InDelta(t, 0, a.Box.Heading(), 1e-4)

	b := dets[1]
	require.Equal(t, 2, b.Label)
	cx, cy, _ = b.Box.Center()
	require.InDelta(t, 1.03, cx, 1e-5)
	require.InDelta(t, 1.02, cy, 1e-5)
	require.Less(t, b.Score, float32(1.0001))
	require.Greater(t, b.Score, float32(0.99))

	// Same input, same output
	require.Equal(t, dets, d.Detect(pts))
}

func TestDetectRotated(t *testing.T) {
	d, err := NewDetector(logs.NewTestingLog(t), testConfig())
	require.NoError(t, err)

	// A heading beyond Pi/2 comes back folded by a half turn
	for _, angle := range []float64{0.3, 2.0} {
		c, s := math.Cos(angle), math.Sin(angle)
		pts := []float32{}
		for i := 0; i <= 20; i++ {
			for j := 0; j <= 5; j++ {
				u := float64(i)*0.01 - 0.1
				v := float64(j)*0.01 - 0.025
				pts = append(pts, float32(3+u*c-v*s), float32(-2+u*s+v*c), 0, 0)
			}
		}
		dets := d.Detect(pts)
		require.Len(t, dets, 1)
		box := dets[0].Box
		want := angle
		if want > math.Pi/2 {
			want -= math.Pi
		}
		require.InDelta(t, want, box.Heading(), 1e-4)
		dx, dy, dz := box.Size()
		require.InDelta(t, 0.2, dx, 1e-4)
		require.InDelta(t, 0.05, dy, 1e-4)
		require.InDelta(t, 0, dz, 1e-6)
		cx, cy, _ := box.Center()
		require.InDelta(t, 3, cx, 1e-4)
		require.InDelta(t, -2, cy, 1e-4)
	}
}

func TestNewDetectorValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Eps = 0
	_, err := NewDetector(logs.NewTestingLog(t), cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.ClassPriors = [][]float64{{1, 2}}
	_, err = NewDetector(logs.NewTestingLog(t), cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.ClassPriors = nil
	_, err = NewDetector(logs.NewTestingLog(t), cfg)
	require.Error(t, err)
}

func TestModelLifecycle(t *testing.T) {
	d, err := NewDetector(logs.NewTestingLog(t), testConfig())
	require.NoError(t, err)
	model := nn.NewModel(d, 2, nn.DatasetInfo{PointFeatures: 4, Extension: pointcloud.ExtBin})
	defer model.Close()
	ctx := context.Background()

	dir := t.TempDir()
	require.Error(t, model.LoadCheckpoint(ctx, filepath.Join(dir, "missing.pth")))
	require.Equal(t, nn.ModelStateInitialized, model.State())
	require.Error(t, model.LoadCheckpoint(ctx, dir))

	ckpt := filepath.Join(dir, "epoch_80.pth")
	require.NoError(t, os.WriteFile(ckpt, []byte("weights"), 0644))
	require.NoError(t, model.LoadCheckpoint(ctx, ckpt))
	require.NoError(t, model.Prepare(ctx))

	pts := addGrid(nil, 0, 0, 8, 5, 0.01, 0, 0.04)
	sample := &pointcloud.Sample{NumPoints: len(pts) / pointcloud.NumColumns, Points: pts}
	dets, err := model.Infer(ctx, nn.Collate(sample))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Len(t, dets[0], 1)
	require.Equal(t, 1, dets[0][0].Label)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = model.Infer(cancelled, nn.Collate(sample))
	require.ErrorIs(t, err, context.Canceled)
}
