package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pcdetect/pkg/metrics"
	"github.com/cyclopcam/pcdetect/pkg/nn"
	"github.com/cyclopcam/pcdetect/pkg/pointcloud"
	"github.com/cyclopcam/pcdetect/pkg/resultdb"
	"github.com/cyclopcam/pcdetect/pkg/results"
	"github.com/stretchr/testify/require"
)

// fakeDetector returns one detection per sample, built from the sample's first point
type fakeDetector struct {
	frames   []int
	label    int
	inferErr error
}

func (f *fakeDetector) Name() string                                       { return "fake" }
func (f *fakeDetector) LoadCheckpoint(ctx context.Context, fn string) error { return nil }
func (f *fakeDetector) Prepare(ctx context.Context) error                  { return nil }
func (f *fakeDetector) Close()                                             {}

func (f *fakeDetector) Infer(ctx context.Context, batch *nn.Batch) ([][]nn.Detection, error) {
	if f.inferErr != nil {
		return nil, f.inferErr
	}
	f.frames = append(f.frames, batch.FrameIDs[0])
	pts := batch.SamplePoints(0)
	dets := []nn.Detection{}
	if len(pts) != 0 {
		dets = append(dets, nn.Detection{
			Label: f.label,
			Score: 0.5,
			Box:   nn.MakeBox3D(pts[0], pts[1], pts[2], 4, 5, 6, 0.1),
		})
	}
	return [][]nn.Detection{dets}, nil
}

func writeBin(t *testing.T, fn string, points ...float32) {
	f, err := os.Create(fn)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, binary.Write(f, binary.LittleEndian, points))
}

type testRig struct {
	input  string
	output string
	det    *fakeDetector
	runner *Runner
}

func newRig(t *testing.T) *testRig {
	rig := &testRig{
		input:  t.TempDir(),
		output: t.TempDir(),
		det:    &fakeDetector{label: 2},
	}
	factory := func(dataset nn.DatasetInfo) (*nn.Model, error) {
		return nn.NewModel(rig.det, 2, dataset), nil
	}
	formatter := results.NewFormatter(results.NewClassTable(results.DefaultClassNames))
	rig.runner = NewRunner(logs.NewTestingLog(t), factory, formatter, Options{
		DataPath:   rig.input,
		Extension:  pointcloud.ExtBin,
		Checkpoint: "output/ckpt/epoch_80.pth",
		OutputRoot: rig.output,
		OnError:    FailurePolicyAbort,
	})
	return rig
}

func (rig *testRig) addThreeSamples(t *testing.T) {
	writeBin(t, filepath.Join(rig.input, "a.bin"), 1, 2, 3, 0.5)
	writeBin(t, filepath.Join(rig.input, "c.bin"), 7, 8, 9, 0.5, 0, 0, 0, 0)
	writeBin(t, filepath.Join(rig.input, "b.bin"), 4, 5, 6, 0.5)
}

func (rig *testRig) readOutput(t *testing.T, name string) string {
	raw, err := os.ReadFile(filepath.Join(rig.output, "evaluation_80", name))
	require.NoError(t, err)
	return string(raw)
}

func TestRunScenario(t *testing.T) {
	rig := newRig(t)
	rig.addThreeSamples(t)

	summary, err := rig.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "80", summary.Tag)
	require.Equal(t, 3, summary.NumSamples)
	require.Equal(t, 3, summary.NumWritten)
	require.Equal(t, 0, summary.NumSkipped)
	require.Equal(t, []int{0, 1, 2}, rig.det.frames)

	outDir := filepath.Join(rig.output, "evaluation_80")
	require.Equal(t, outDir, summary.OutputDir)
	require.Equal(t, []string{
		filepath.Join(outDir, "a.txt"),
		filepath.Join(outDir, "b.txt"),
		filepath.Join(outDir, "c.txt"),
	}, summary.OutputFiles)

	require.Equal(t, "Plug 1.0 2.0 3.0 4.0 5.0 6.0 0.1 \n", rig.readOutput(t, "a.txt"))
	require.Equal(t, "Plug 4.0 5.0 6.0 4.0 5.0 6.0 0.1 \n", rig.readOutput(t, "b.txt"))
	require.Equal(t, "Plug 7.0 8.0 9.0 4.0 5.0 6.0 0.1 \n", rig.readOutput(t, "c.txt"))
	require.Equal(t, int64(3), summary.Stages.Get(StageInfer).Samples)
}

func TestRunIdempotent(t *testing.T) {
	rig := newRig(t)
	rig.addThreeSamples(t)

	_, err := rig.runner.Run(context.Background())
	require.NoError(t, err)
	first := rig.readOutput(t, "c.txt")

	// Leave junk in an output file, to ensure that it is truncated
	require.NoError(t, os.WriteFile(filepath.Join(rig.output, "evaluation_80", "c.txt"), []byte("junk junk junk junk junk junk junk junk\n"), 0644))

	_, err = rig.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, rig.readOutput(t, "c.txt"))
}

func TestRunEmptyDirectory(t *testing.T) {
	rig := newRig(t)
	summary, err := rig.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, summary.NumSamples)
	require.Equal(t, 0, summary.NumWritten)
	entries, err := os.ReadDir(filepath.Join(rig.output, "evaluation_80"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRunNoDetections(t *testing.T) {
	rig := newRig(t)
	require.NoError(t, os.WriteFile(filepath.Join(rig.input, "empty.bin"), nil, 0644))
	_, err := rig.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "", rig.readOutput(t, "empty.txt"))
}

func TestRunMalformedSample(t *testing.T) {
	rig := newRig(t)
	rig.addThreeSamples(t)
	require.NoError(t, os.WriteFile(filepath.Join(rig.input, "b.bin"), make([]byte, 17), 0644))

	summary, err := rig.runner.Run(context.Background())
	require.ErrorIs(t, err, pointcloud.ErrMalformedSample)
	require.Equal(t, 1, summary.NumWritten)
	require.FileExists(t, filepath.Join(rig.output, "evaluation_80", "a.txt"))
	require.NoFileExists(t, filepath.Join(rig.output, "evaluation_80", "c.txt"))

	rig.runner.OnError = FailurePolicySkip
	summary, err = rig.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.NumWritten)
	require.Equal(t, 1, summary.NumSkipped)
	require.FileExists(t, filepath.Join(rig.output, "evaluation_80", "c.txt"))
}

func TestRunLabelOutOfRange(t *testing.T) {
	rig := newRig(t)
	rig.addThreeSamples(t)
	rig.det.label = 3

	_, err := rig.runner.Run(context.Background())
	require.ErrorIs(t, err, results.ErrLabelOutOfRange)
	require.NoFileExists(t, filepath.Join(rig.output, "evaluation_80", "a.txt"))

	rig.runner.OnError = FailurePolicySkip
	summary, err := rig.runner.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, summary.NumSkipped)
}

func TestRunInferenceErrorIsFatal(t *testing.T) {
	rig := newRig(t)
	rig.addThreeSamples(t)
	boom := errors.New("boom")
	rig.det.inferErr = boom
	rig.runner.OnError = FailurePolicySkip

	summary, err := rig.runner.Run(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, summary.NumSkipped)
}

func TestRunFailsBeforeModelWork(t *testing.T) {
	rig := newRig(t)
	rig.addThreeSamples(t)
	built := false
	rig.runner.newModel = func(dataset nn.DatasetInfo) (*nn.Model, error) {
		built = true
		return nn.NewModel(rig.det, 2, dataset), nil
	}

	rig.runner.Checkpoint = "output/ckpt/latest.pth"
	_, err := rig.runner.Run(context.Background())
	require.ErrorIs(t, err, results.ErrCheckpointTagMissing)

	rig.runner.Checkpoint = "output/ckpt/epoch_80.pth"
	rig.runner.Extension = ".pcd"
	_, err = rig.runner.Run(context.Background())
	require.ErrorIs(t, err, pointcloud.ErrUnsupportedFormat)

	rig.runner.Extension = pointcloud.ExtBin
	rig.runner.DataPath = filepath.Join(rig.input, "missing")
	_, err = rig.runner.Run(context.Background())
	require.ErrorIs(t, err, pointcloud.ErrInvalidPath)

	require.False(t, built)
}

func TestRunCancelled(t *testing.T) {
	rig := newRig(t)
	rig.addThreeSamples(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := rig.runner.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, summary.NumWritten)
}

func TestRunWithMetricsAndDB(t *testing.T) {
	rig := newRig(t)
	rig.addThreeSamples(t)
	db, err := resultdb.Open(logs.NewTestingLog(t), filepath.Join(t.TempDir(), "results.sqlite"))
	require.NoError(t, err)
	defer db.Close()
	rig.runner.DB = db
	rig.runner.Metrics = metrics.New()

	summary, err := rig.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.RunUUID, 36)

	runs, err := db.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, resultdb.RunStatusFinished, runs[0].Status)
	require.Equal(t, "fake", runs[0].Backend)
	require.Equal(t, 3, runs[0].NumSamples)

	samples, err := db.Samples(runs[0].ID)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	require.Equal(t, filepath.Join(rig.input, "b.bin"), samples[1].InputPath)
	require.Equal(t, 2, samples[2].NumPoints)

	counts, err := db.LabelCounts(runs[0].ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"Plug": 3}, counts)

	fn := filepath.Join(t.TempDir(), "pcdetect.prom")
	require.NoError(t, rig.runner.Metrics.WriteTextfile(fn))
	raw, err := os.ReadFile(fn)
	require.NoError(t, err)
	require.Contains(t, string(raw), `pcdetect_samples_total{status="ok"} 3`)
	require.Contains(t, string(raw), `pcdetect_points_total 4`)
}

// brokenStore accepts runs, but fails to record any sample
type brokenStore struct {
	finished *resultdb.Run
	runErr   error
}

func (s *brokenStore) StartRun(checkpoint, tag, backend, inputPath string) (*resultdb.Run, error) {
	return &resultdb.Run{UUID: "00000000-0000-0000-0000-000000000001", Tag: tag}, nil
}

func (s *brokenStore) FinishRun(run *resultdb.Run, runErr error, numSamples, numSkipped int) error {
	s.finished = run
	s.runErr = runErr
	return nil
}

func (s *brokenStore) AddSample(run *resultdb.Run, sample *resultdb.Sample, dets []nn.Detection, labelNames []string) error {
	return errors.New("disk full")
}

func TestRunRecordFailureCountsOnce(t *testing.T) {
	rig := newRig(t)
	rig.addThreeSamples(t)
	store := &brokenStore{}
	rig.runner.DB = store
	rig.runner.Metrics = metrics.New()

	_, err := rig.runner.Run(context.Background())
	require.ErrorContains(t, err, "disk full")
	require.NotNil(t, store.finished)
	require.Error(t, store.runErr)

	fn := filepath.Join(t.TempDir(), "pcdetect.prom")
	require.NoError(t, rig.runner.Metrics.WriteTextfile(fn))
	raw, err := os.ReadFile(fn)
	require.NoError(t, err)
	require.Contains(t, string(raw), `pcdetect_samples_total{status="failed"} 1`)
	require.NotContains(t, string(raw), `status="ok"`)
	require.NotContains(t, string(raw), `pcdetect_detections_total{`)
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("skip")
	require.NoError(t, err)
	require.Equal(t, FailurePolicySkip, p)
	p, err = ParseFailurePolicy("")
	require.NoError(t, err)
	require.Equal(t, FailurePolicyAbort, p)
	_, err = ParseFailurePolicy("retry")
	require.Error(t, err)
	require.Equal(t, "skip", FailurePolicySkip.String())
}
