package clusterdet

// Package clusterdet is a CPU object detector without learned weights.
// It finds objects as dense clusters of points, and labels each cluster by comparing
// its box with a size prior per class. It is useful for testing the pipeline end to end,
// and on hosts without an inference server.

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/chewxy/math32"
	"github.com/cyclopcam/pcdetect/pkg/config"
	"github.com/cyclopcam/pcdetect/pkg/log"
	"github.com/cyclopcam/pcdetect/pkg/nn"
	"github.com/cyclopcam/pcdetect/pkg/pointcloud"
)

type Detector struct {
	log        log.Log
	cfg        config.ClusterConfig
	checkpoint string
}

func NewDetector(logger log.Log, cfg config.ClusterConfig) (*Detector, error) {
	if cfg.Eps <= 0 {
		return nil, fmt.Errorf("Cluster eps must be positive, not %v", cfg.Eps)
	}
	if cfg.MinPoints < 1 {
		return nil, fmt.Errorf("Cluster min_points must be at least 1, not %v", cfg.MinPoints)
	}
	if len(cfg.ClassPriors) == 0 {
		return nil, fmt.Errorf("Cluster detector needs at least one class prior")
	}
	for i, p := range cfg.ClassPriors {
		if len(p) != 3 {
			return nil, fmt.Errorf("Class prior %v must be [dx, dy, dz], not %v", i, p)
		}
	}
	return &Detector{
		log: log.NewPrefixLogger(logger, "Cluster:"),
		cfg: cfg,
	}, nil
}

func (d *Detector) Name() string {
	return "cluster"
}

// LoadCheckpoint has no parameters to load. It only ensures that the checkpoint
// is a readable file, so that a bad path fails the same way it would with a real model.
func (d *Detector) LoadCheckpoint(ctx context.Context, filename string) error {
	st, err := os.Stat(filename)
	if err != nil {
		return err
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("Checkpoint %v is not a regular file", filename)
	}
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	f.Close()
	d.checkpoint = filename
	d.log.Infof("Using checkpoint %v (cluster detector has no learned parameters)", filename)
	return nil
}

func (d *Detector) Prepare(ctx context.Context) error {
	return nil
}

func (d *Detector) Infer(ctx context.Context, batch *nn.Batch) ([][]nn.Detection, error) {
	out := make([][]nn.Detection, batch.BatchSize)
	for i := 0; i < batch.BatchSize; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = d.Detect(batch.SamplePoints(i))
	}
	return out, nil
}

func (d *Detector) Close() {
}

// Detect finds objects in a flat list of (x, y, z, intensity) points.
// Detections are in cluster discovery order, which only depends on the order of the points.
func (d *Detector) Detect(raw []float32) []nn.Detection {
	n := len(raw) / pointcloud.NumColumns
	points := make([]point, 0, n)
	for i := 0; i < n; i++ {
		p := raw[i*pointcloud.NumColumns:]
		if float64(p[2]) < d.cfg.MinZ {
			continue
		}
		points = append(points, point{X: float64(p[0]), Y: float64(p[1]), Z: float64(p[2])})
	}

	dets := []nn.Detection{}
	for _, cluster := range dbscan(points, d.cfg.Eps, d.cfg.MinPoints) {
		if len(cluster) < d.cfg.MinPoints {
			continue
		}
		members := make([]point, len(cluster))
		for i, idx := range cluster {
			members[i] = points[idx]
		}
		box := fitBox(members)
		label, dist := d.classify(box)
		dets = append(dets, nn.Detection{
			Label: label,
			Score: math32.Exp(-float32(dist)),
			Box:   box,
		})
	}
	return dets
}

// classify returns the 1-based label of the class prior closest to the size of the box,
// and the distance to that prior. The long and short horizontal sides are compared
// irrespective of which one is dx.
func (d *Detector) classify(box nn.Box3D) (label int, dist float64) {
	dx, dy, dz := box.Size()
	long, short := sortPair(float64(dx), float64(dy))
	best := math.Inf(1)
	for i, prior := range d.cfg.ClassPriors {
		plong, pshort := sortPair(prior[0], prior[1])
		e := sq(long-plong) + sq(short-pshort) + sq(float64(dz)-prior[2])
		if e < best {
			best = e
			label = i + 1
		}
	}
	return label, math.Sqrt(best)
}

func sortPair(a, b float64) (float64, float64) {
	if a >= b {
		return a, b
	}
	return b, a
}

func sq(v float64) float64 {
	return v * v
}
