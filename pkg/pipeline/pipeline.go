package pipeline

// Package pipeline runs a trained detection model over every point cloud file in a directory,
// and writes one text file of detections per input file.

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyclopcam/pcdetect/pkg/log"
	"github.com/cyclopcam/pcdetect/pkg/metrics"
	"github.com/cyclopcam/pcdetect/pkg/nn"
	"github.com/cyclopcam/pcdetect/pkg/perfstats"
	"github.com/cyclopcam/pcdetect/pkg/pointcloud"
	"github.com/cyclopcam/pcdetect/pkg/resultdb"
	"github.com/cyclopcam/pcdetect/pkg/results"
)

// FailurePolicy decides what happens when a single sample can't be loaded, formatted, or written.
// Model errors are always fatal.
type FailurePolicy int

const (
	FailurePolicyAbort FailurePolicy = iota // Stop the run
	FailurePolicySkip                       // Log a warning, and continue with the next sample
)

func (p FailurePolicy) String() string {
	switch p {
	case FailurePolicyAbort:
		return "abort"
	case FailurePolicySkip:
		return "skip"
	}
	return fmt.Sprintf("FailurePolicy(%d)", int(p))
}

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "abort", "":
		return FailurePolicyAbort, nil
	case "skip":
		return FailurePolicySkip, nil
	}
	return FailurePolicyAbort, fmt.Errorf("Unknown failure policy '%v' (expected abort or skip)", s)
}

// Names of the timed stages
const (
	StageLoad  = "load"
	StageInfer = "infer"
	StageWrite = "write"
)

// ModelFactory builds a model in the Initialized state, for the given dataset
type ModelFactory func(dataset nn.DatasetInfo) (*nn.Model, error)

type Options struct {
	DataPath   string // Directory of point cloud files, or a single file
	Extension  string // ".bin" or ".npy"
	Checkpoint string // eg "output/ckpt/epoch_80.pth"
	OutputRoot string // evaluation_<tag> is created inside here
	OnError    FailurePolicy
}

// ResultStore records runs, and the samples written by them. *resultdb.ResultDB is the real one.
type ResultStore interface {
	StartRun(checkpoint, tag, backend, inputPath string) (*resultdb.Run, error)
	FinishRun(run *resultdb.Run, runErr error, numSamples, numSkipped int) error
	AddSample(run *resultdb.Run, sample *resultdb.Sample, dets []nn.Detection, labelNames []string) error
}

type Runner struct {
	Options
	Formatter *results.Formatter
	Metrics   *metrics.Metrics // Optional
	DB        ResultStore      // Optional

	log      log.Log
	newModel ModelFactory
}

// Summary describes a completed (or aborted) run
type Summary struct {
	Tag         string            // Checkpoint tag, eg "80"
	OutputDir   string            // eg "evaluation_80"
	NumSamples  int               // Files found
	NumWritten  int               // Output files written
	NumSkipped  int               // Samples skipped under FailurePolicySkip
	OutputFiles []string          // In the same order as the input files
	Stages      *perfstats.Stages // Time spent per stage
	RunUUID     string            // Only set when a result DB is attached
}

func NewRunner(logger log.Log, newModel ModelFactory, formatter *results.Formatter, opt Options) *Runner {
	return &Runner{
		Options:   opt,
		Formatter: formatter,
		log:       logger,
		newModel:  newModel,
	}
}

// sampleError is a failure of a single sample, which may be skipped depending on the policy
type sampleError struct {
	stage string
	err   error
}

func (e *sampleError) Error() string {
	return fmt.Sprintf("%v: %v", e.stage, e.err)
}

func (e *sampleError) Unwrap() error {
	return e.err
}

// Run processes every sample in order, one at a time.
// Output files written before a fatal error are left in place.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		Stages: perfstats.NewStages(),
	}

	if err := pointcloud.CheckExtension(r.Extension); err != nil {
		return summary, err
	}
	tag, err := results.CheckpointTag(r.Checkpoint)
	if err != nil {
		return summary, err
	}
	summary.Tag = tag

	files, err := pointcloud.Enumerate(r.DataPath, r.Extension)
	if err != nil {
		return summary, err
	}
	summary.NumSamples = len(files)
	r.log.Infof("Total number of samples: %v", len(files))

	model, err := r.newModel(nn.DatasetInfo{
		NumSamples:    len(files),
		PointFeatures: pointcloud.NumColumns,
		Extension:     r.Extension,
	})
	if err != nil {
		return summary, fmt.Errorf("Failed to build model: %w", err)
	}
	defer model.Close()

	if err := model.LoadCheckpoint(ctx, r.Checkpoint); err != nil {
		return summary, err
	}
	if err := model.Prepare(ctx); err != nil {
		return summary, err
	}

	writer, err := results.NewWriter(r.log, r.OutputRoot, tag)
	if err != nil {
		return summary, err
	}
	summary.OutputDir = writer.Dir

	var run *resultdb.Run
	if r.DB != nil {
		run, err = r.DB.StartRun(r.Checkpoint, tag, model.Backend(), r.DataPath)
		if err != nil {
			return summary, fmt.Errorf("Failed to record run: %w", err)
		}
		summary.RunUUID = run.UUID
	}

	err = r.runSamples(ctx, model, writer, run, files, summary)

	if r.DB != nil {
		if dbErr := r.DB.FinishRun(run, err, summary.NumWritten, summary.NumSkipped); dbErr != nil {
			r.log.Errorf("Failed to record end of run: %v", dbErr)
		}
	}
	if summary.NumWritten != 0 {
		r.log.Infof("Stage timings: %v", summary.Stages.Summary())
	}
	return summary, err
}

func (r *Runner) runSamples(ctx context.Context, model *nn.Model, writer *results.Writer, run *resultdb.Run, files []string, summary *Summary) error {
	for frameID, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.log.Infof("Detect sample: %v", path)
		err := r.runSample(ctx, model, writer, run, path, frameID, summary)
		if err == nil {
			continue
		}
		var se *sampleError
		if r.OnError == FailurePolicySkip && errors.As(err, &se) {
			r.log.Warnf("Skipping %v: %v", path, err)
			summary.NumSkipped++
			if r.Metrics != nil {
				r.Metrics.SampleDone(metrics.StatusSkipped)
			}
			continue
		}
		if r.Metrics != nil {
			r.Metrics.SampleDone(metrics.StatusFailed)
		}
		return fmt.Errorf("Sample %v: %w", path, err)
	}
	return nil
}

func (r *Runner) observe(stages *perfstats.Stages, stage string, f func() error) error {
	d, err := stages.Time(stage, f)
	if r.Metrics != nil {
		r.Metrics.ObserveStage(stage, d)
	}
	return err
}

func (r *Runner) runSample(ctx context.Context, model *nn.Model, writer *results.Writer, run *resultdb.Run, path string, frameID int, summary *Summary) error {
	var sample *pointcloud.Sample
	err := r.observe(summary.Stages, StageLoad, func() error {
		var err error
		sample, err = pointcloud.LoadSample(path, r.Extension, frameID)
		return err
	})
	if err != nil {
		return &sampleError{stage: StageLoad, err: err}
	}

	var dets [][]nn.Detection
	err = r.observe(summary.Stages, StageInfer, func() error {
		var err error
		dets, err = model.Infer(ctx, nn.Collate(sample))
		return err
	})
	if err != nil {
		return err
	}

	lines, err := r.Formatter.Format(dets[0])
	if err != nil {
		return &sampleError{stage: "format", err: err}
	}

	var outputPath string
	err = r.observe(summary.Stages, StageWrite, func() error {
		var err error
		outputPath, err = writer.Write(path, lines)
		return err
	})
	if err != nil {
		return &sampleError{stage: StageWrite, err: err}
	}

	summary.NumWritten++
	summary.OutputFiles = append(summary.OutputFiles, outputPath)

	// Format succeeded, so every label has a name
	names := make([]string, len(dets[0]))
	for i, d := range dets[0] {
		names[i], _ = r.Formatter.Classes.Name(d.Label)
	}

	if r.DB != nil {
		row := &resultdb.Sample{
			FrameID:    frameID,
			InputPath:  path,
			OutputPath: outputPath,
			NumPoints:  sample.NumPoints,
		}
		if err := r.DB.AddSample(run, row, dets[0], names); err != nil {
			return fmt.Errorf("Failed to record sample: %w", err)
		}
	}
	if r.Metrics != nil {
		r.Metrics.SampleDone(metrics.StatusOK)
		r.Metrics.AddPoints(sample.NumPoints)
		for _, name := range names {
			r.Metrics.AddDetection(name)
		}
	}
	return nil
}
