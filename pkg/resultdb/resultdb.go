// Package resultdb keeps an index of detection runs in SQLite, so that results from
// different checkpoints can be queried and compared without re-parsing the text files.
package resultdb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/pcdetect/pkg/nn"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RunStatusRunning  = "running"
	RunStatusFinished = "finished"
	RunStatusFailed   = "failed"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

// One invocation of the detection pipeline
type Run struct {
	BaseModel
	UUID       string      `json:"uuid"`
	Checkpoint string      `json:"checkpoint"`
	Tag        string      `json:"tag"` // eg "80" for epoch_80.pth
	Backend    string      `json:"backend"`
	InputPath  string      `json:"inputPath"`
	StartedAt  dbh.IntTime `json:"startedAt"`
	FinishedAt dbh.IntTime `json:"finishedAt"`
	Status     string      `json:"status"`
	NumSamples int         `json:"numSamples"` // Samples written
	NumSkipped int         `json:"numSkipped"` // Samples skipped because of errors
}

// One point cloud file, and the text file that we wrote for it
type Sample struct {
	BaseModel
	RunID         int64  `json:"runID"`
	FrameID       int    `json:"frameID"`
	InputPath     string `json:"inputPath"`
	OutputPath    string `json:"outputPath"`
	NumPoints     int    `json:"numPoints"`
	NumDetections int    `json:"numDetections"`
}

type Detection struct {
	BaseModel
	SampleID  int64   `json:"sampleID"`
	Label     int     `json:"label"`
	LabelName string  `json:"labelName"`
	Score     float32 `json:"score"`
	X         float32 `json:"x"`
	Y         float32 `json:"y"`
	Z         float32 `json:"z"`
	DX        float32 `gorm:"column:dx" json:"dx"`
	DY        float32 `gorm:"column:dy" json:"dy"`
	DZ        float32 `gorm:"column:dz" json:"dz"`
	Heading   float32 `json:"heading"`
}

// Box returns the 7 box parameters in model order
func (d *Detection) Box() nn.Box3D {
	return nn.MakeBox3D(d.X, d.Y, d.Z, d.DX, d.DY, d.DZ, d.Heading)
}

type ResultDB struct {
	log logs.Log
	db  *gorm.DB
}

// Open or create a result DB
func Open(log logs.Log, dbFilename string) (*ResultDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbFilename), 0755); err != nil {
		return nil, fmt.Errorf("Failed to create directory for result database %v: %w", dbFilename, err)
	}
	log.Infof("Opening result DB at '%v'", dbFilename)
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(dbFilename), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open result database %v: %w", dbFilename, err)
	}
	return &ResultDB{
		log: log,
		db:  db,
	}, nil
}

func (r *ResultDB) Close() {
	if sqlDB, err := r.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// StartRun records the start of a run, and returns it
func (r *ResultDB) StartRun(checkpoint, tag, backend, inputPath string) (*Run, error) {
	run := &Run{
		UUID:       uuid.NewString(),
		Checkpoint: checkpoint,
		Tag:        tag,
		Backend:    backend,
		InputPath:  inputPath,
		StartedAt:  dbh.MakeIntTime(time.Now()),
		Status:     RunStatusRunning,
	}
	if err := r.db.Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// FinishRun marks the run as finished or failed
func (r *ResultDB) FinishRun(run *Run, runErr error, numSamples, numSkipped int) error {
	run.FinishedAt = dbh.MakeIntTime(time.Now())
	run.NumSamples = numSamples
	run.NumSkipped = numSkipped
	run.Status = RunStatusFinished
	if runErr != nil {
		run.Status = RunStatusFailed
	}
	return r.db.Model(run).Updates(map[string]any{
		"finished_at": run.FinishedAt,
		"num_samples": run.NumSamples,
		"num_skipped": run.NumSkipped,
		"status":      run.Status,
	}).Error
}

// AddSample records one written output file, and its detections, in a single transaction.
// labelNames must be parallel to dets.
func (r *ResultDB) AddSample(run *Run, sample *Sample, dets []nn.Detection, labelNames []string) error {
	if len(dets) != len(labelNames) {
		return fmt.Errorf("AddSample: %v detections but %v label names", len(dets), len(labelNames))
	}
	sample.RunID = run.ID
	sample.NumDetections = len(dets)
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sample).Error; err != nil {
			return err
		}
		if len(dets) == 0 {
			return nil
		}
		rows := make([]Detection, len(dets))
		for i, d := range dets {
			x, y, z := d.Box.Center()
			dx, dy, dz := d.Box.Size()
			rows[i] = Detection{
				SampleID:  sample.ID,
				Label:     d.Label,
				LabelName: labelNames[i],
				Score:     d.Score,
				X:         x,
				Y:         y,
				Z:         z,
				DX:        dx,
				DY:        dy,
				DZ:        dz,
				Heading:   d.Box.Heading(),
			}
		}
		return tx.Create(&rows).Error
	})
}

// Runs returns all runs, most recent first
func (r *ResultDB) Runs() ([]Run, error) {
	runs := []Run{}
	err := r.db.Order("id DESC").Find(&runs).Error
	return runs, err
}

// Samples returns the samples of a run, in frame order
func (r *ResultDB) Samples(runID int64) ([]Sample, error) {
	samples := []Sample{}
	err := r.db.Where("run_id = ?", runID).Order("frame_id").Find(&samples).Error
	return samples, err
}

// Detections returns the detections of a sample, in the order that the model produced them
func (r *ResultDB) Detections(sampleID int64) ([]Detection, error) {
	dets := []Detection{}
	err := r.db.Where("sample_id = ?", sampleID).Order("id").Find(&dets).Error
	return dets, err
}

// LabelCounts returns the number of detections per label name for a run
func (r *ResultDB) LabelCounts(runID int64) (map[string]int, error) {
	type labelCount struct {
		LabelName string
		Count     int
	}
	rows := []labelCount{}
	err := r.db.Raw(`SELECT detection.label_name AS label_name, COUNT(*) AS count FROM detection
		INNER JOIN sample ON sample.id = detection.sample_id
		WHERE sample.run_id = ? GROUP BY detection.label_name`, runID).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, c := range rows {
		counts[c.LabelName] = c.Count
	}
	return counts, nil
}
