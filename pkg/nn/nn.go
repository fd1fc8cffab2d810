package nn

// Package nn is the interface layer between the point cloud pipeline and a 3D object detection model.
// To build a model from configuration, use the nnload package.

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Number of box parameters produced for every detection: center x/y/z, dx/dy/dz, heading
const BoxParams = 7

var ErrModelNotReady = errors.New("Model is not ready for inference")
var ErrInvalidStateTransition = errors.New("Invalid model state transition")

// ObjectDetector is a 3D object detection backend, such as a remote inference server,
// or a CPU implementation.
// Backends are inference-only. There is no training or gradient surface here.
type ObjectDetector interface {
	// Name of the backend, for logs
	Name() string

	// LoadCheckpoint applies trained parameters from a checkpoint file
	LoadCheckpoint(ctx context.Context, filename string) error

	// Prepare puts the model into evaluation mode, on whatever device it runs on
	Prepare(ctx context.Context) error

	// Infer runs one forward pass over the batch, and returns the detections for each sample in the batch
	Infer(ctx context.Context, batch *Batch) ([][]Detection, error)

	// Close releases the backend's resources
	Close()
}

// DatasetInfo describes the dataset that a model is built for
type DatasetInfo struct {
	NumSamples    int    // Number of samples in the dataset
	PointFeatures int    // Values per point, excluding the batch index column (eg 4 for x,y,z,intensity)
	Extension     string // File extension of the samples (eg ".bin")
}

type ModelState int

const (
	ModelStateInitialized  ModelState = iota // Constructed, no parameters yet
	ModelStateParamsLoaded                   // Checkpoint applied
	ModelStateReady                          // In evaluation mode, ready for inference
)

func (s ModelState) String() string {
	switch s {
	case ModelStateInitialized:
		return "Initialized"
	case ModelStateParamsLoaded:
		return "ParamsLoaded"
	case ModelStateReady:
		return "Ready"
	}
	return fmt.Sprintf("ModelState(%d)", int(s))
}

// Model wraps an ObjectDetector, and enforces the lifecycle
// Initialized -> ParamsLoaded -> Ready.
// A model is only used for inference, so once it is Ready, it is never mutated again.
type Model struct {
	NumClasses int
	Dataset    DatasetInfo

	detector   ObjectDetector
	stateLock  sync.Mutex
	state      ModelState
	checkpoint string
}

// NewModel returns a model in the Initialized state
func NewModel(detector ObjectDetector, numClasses int, dataset DatasetInfo) *Model {
	return &Model{
		NumClasses: numClasses,
		Dataset:    dataset,
		detector:   detector,
		state:      ModelStateInitialized,
	}
}

func (m *Model) State() ModelState {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	return m.state
}

// Checkpoint returns the filename of the checkpoint that was loaded (or empty)
func (m *Model) Checkpoint() string {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	return m.checkpoint
}

func (m *Model) Backend() string {
	return m.detector.Name()
}

func (m *Model) transition(from, to ModelState) error {
	if m.state != from {
		return fmt.Errorf("%w: %v -> %v (model is %v)", ErrInvalidStateTransition, from, to, m.state)
	}
	m.state = to
	return nil
}

// LoadCheckpoint moves the model from Initialized to ParamsLoaded
func (m *Model) LoadCheckpoint(ctx context.Context, filename string) error {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	if m.state != ModelStateInitialized {
		return m.transition(ModelStateInitialized, ModelStateParamsLoaded)
	}
	if err := m.detector.LoadCheckpoint(ctx, filename); err != nil {
		return fmt.Errorf("Failed to load checkpoint %v: %w", filename, err)
	}
	m.checkpoint = filename
	return m.transition(ModelStateInitialized, ModelStateParamsLoaded)
}

// Prepare moves the model from ParamsLoaded to Ready
func (m *Model) Prepare(ctx context.Context) error {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	if m.state != ModelStateParamsLoaded {
		return m.transition(ModelStateParamsLoaded, ModelStateReady)
	}
	if err := m.detector.Prepare(ctx); err != nil {
		return fmt.Errorf("Failed to prepare %v model: %w", m.detector.Name(), err)
	}
	return m.transition(ModelStateParamsLoaded, ModelStateReady)
}

// Infer runs the model on a batch. The model must be Ready.
// Errors from the backend are returned as-is, wrapped with context.
func (m *Model) Infer(ctx context.Context, batch *Batch) ([][]Detection, error) {
	if state := m.State(); state != ModelStateReady {
		return nil, fmt.Errorf("%w (state is %v)", ErrModelNotReady, state)
	}
	dets, err := m.detector.Infer(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("%v inference failed: %w", m.detector.Name(), err)
	}
	if len(dets) != batch.BatchSize {
		return nil, fmt.Errorf("%v inference returned %v results for a batch of %v", m.detector.Name(), len(dets), batch.BatchSize)
	}
	return dets, nil
}

// Close releases the backend
func (m *Model) Close() {
	m.detector.Close()
}
