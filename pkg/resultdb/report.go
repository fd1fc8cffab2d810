package resultdb

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/cyclopcam/pcdetect/pkg/nn"
	"gorm.io/gorm"
)

var ErrRunNotFound = errors.New("Run not found")

// LineFormatter renders one detection as a line of text, including the trailing newline.
// *results.Formatter is one.
type LineFormatter interface {
	FormatLine(name string, box nn.Box3D) string
}

// RunByUUID returns ErrRunNotFound if there is no such run
func (r *ResultDB) RunByUUID(runUUID string) (*Run, error) {
	run := Run{}
	if err := r.db.Where("uuid = ?", runUUID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrRunNotFound, runUUID)
		}
		return nil, err
	}
	return &run, nil
}

// WriteRunList writes one line per run, most recent first, with the number of detections per class
func (r *ResultDB) WriteRunList(w io.Writer) error {
	runs, err := r.Runs()
	if err != nil {
		return err
	}
	for _, run := range runs {
		counts, err := r.LabelCounts(run.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%v %v tag=%v backend=%v status=%v samples=%v skipped=%v detections=%v\n",
			run.UUID, run.StartedAt.Get().Format(time.RFC3339), run.Tag, run.Backend, run.Status,
			run.NumSamples, run.NumSkipped, formatCounts(counts))
	}
	return nil
}

// WriteRun writes the samples of a run in frame order. Each sample is followed by its
// detections, in the same form as the lines of its output file.
func (r *ResultDB) WriteRun(w io.Writer, runUUID string, format LineFormatter) error {
	run, err := r.RunByUUID(runUUID)
	if err != nil {
		return err
	}
	samples, err := r.Samples(run.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Run %v: checkpoint %v, status %v, %v samples\n", run.UUID, run.Checkpoint, run.Status, len(samples))
	for _, s := range samples {
		fmt.Fprintf(w, "%v %v -> %v (%v points)\n", s.FrameID, s.InputPath, s.OutputPath, s.NumPoints)
		dets, err := r.Detections(s.ID)
		if err != nil {
			return err
		}
		for _, d := range dets {
			io.WriteString(w, "  "+format.FormatLine(d.LabelName, d.Box()))
		}
	}
	return nil
}

// eg "Plug:3,Socket:1", or "-" if there are none
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}
	parts := []string{}
	for _, name := range slices.Sorted(maps.Keys(counts)) {
		parts = append(parts, fmt.Sprintf("%v:%v", name, counts[name]))
	}
	return strings.Join(parts, ",")
}
