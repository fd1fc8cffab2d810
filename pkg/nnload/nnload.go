package nnload

// Package nnload wraps up our 'nn' interface layer, and has concrete references to our
// detection backends (Triton, and the CPU cluster detector), so that you can just call
// one function to build a model, and not need to know about the implementation details.

import (
	"fmt"

	"github.com/cyclopcam/pcdetect/pkg/clusterdet"
	"github.com/cyclopcam/pcdetect/pkg/config"
	"github.com/cyclopcam/pcdetect/pkg/log"
	"github.com/cyclopcam/pcdetect/pkg/nn"
	"github.com/cyclopcam/pcdetect/pkg/triton"
)

// Backends returns the names of the backends that Build understands
func Backends() []string {
	return []string{config.BackendCluster, config.BackendTriton}
}

// Build creates the detector named by cfg.Model.Backend, and wraps it in a Model
// that is in the Initialized state. The caller must still load a checkpoint and prepare the model.
func Build(logger log.Log, cfg *config.Config, numClasses int, dataset nn.DatasetInfo) (*nn.Model, error) {
	if numClasses < 1 {
		return nil, fmt.Errorf("Model needs at least one class")
	}

	var detector nn.ObjectDetector
	switch cfg.Model.Backend {
	case config.BackendTriton:
		logger.Infof("Using Triton model '%v' at %v", cfg.Model.Triton.Model, cfg.Model.Triton.URL)
		detector = triton.NewClient(logger, cfg.Model.Triton)
	case config.BackendCluster:
		if len(cfg.Model.Cluster.ClassPriors) != numClasses {
			return nil, fmt.Errorf("Cluster detector has %v class priors, but the model has %v classes", len(cfg.Model.Cluster.ClassPriors), numClasses)
		}
		logger.Infof("Using CPU cluster detector (eps %v, min points %v)", cfg.Model.Cluster.Eps, cfg.Model.Cluster.MinPoints)
		det, err := clusterdet.NewDetector(logger, cfg.Model.Cluster)
		if err != nil {
			return nil, err
		}
		detector = det
	default:
		return nil, fmt.Errorf("Unrecognized model backend '%v' (expected one of %v)", cfg.Model.Backend, Backends())
	}

	return nn.NewModel(detector, numClasses, dataset), nil
}
