package results

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/pcdetect/pkg/log"
)

const checkpointTagStart = "epoch_"
const checkpointTagEnd = ".pth"

// Prefix of the output directory. The full name is evaluation_<tag>
const OutputDirPrefix = "evaluation_"

var ErrCheckpointTagMissing = errors.New("Checkpoint filename does not contain 'epoch_<N>.pth'")

// CheckpointTag extracts the text between "epoch_" and ".pth" in the checkpoint's filename.
// For example "model/epoch_80.pth" gives "80".
// Only the base name is inspected, so directories that happen to contain "epoch_" don't matter.
func CheckpointTag(checkpoint string) (string, error) {
	base := filepath.Base(checkpoint)
	end := strings.LastIndex(base, checkpointTagEnd)
	if end < 0 {
		return "", fmt.Errorf("%w: %v", ErrCheckpointTagMissing, checkpoint)
	}
	start := strings.LastIndex(base[:end], checkpointTagStart)
	if start < 0 {
		return "", fmt.Errorf("%w: %v", ErrCheckpointTagMissing, checkpoint)
	}
	tag := base[start+len(checkpointTagStart) : end]
	if tag == "" {
		return "", fmt.Errorf("%w: %v has an empty epoch", ErrCheckpointTagMissing, checkpoint)
	}
	return tag, nil
}

// OutputDirName returns "evaluation_<tag>"
func OutputDirName(tag string) string {
	return OutputDirPrefix + tag
}

// Writer writes one text file per input sample into the evaluation directory
type Writer struct {
	Dir string // The evaluation_<tag> directory
	log log.Log
}

// NewWriter creates the evaluation_<tag> directory under root, if it doesn't exist yet
func NewWriter(logger log.Log, root, tag string) (*Writer, error) {
	dir := filepath.Join(root, OutputDirName(tag))
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		logger.Infof("No evaluation directory, creating %v", dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create output directory '%v': %w", dir, err)
	}
	return &Writer{
		Dir: dir,
		log: logger,
	}, nil
}

// OutputPath returns the output file for an input file: the input's base name, with its extension replaced by ".txt"
func (w *Writer) OutputPath(inputPath string) string {
	base := filepath.Base(inputPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(w.Dir, base+".txt")
}

// Write truncates (or creates) the output file for inputPath, and writes the lines in order.
// The file is always closed, even if a write fails half way.
func (w *Writer) Write(inputPath string, lines []string) (outputPath string, err error) {
	outputPath = w.OutputPath(inputPath)
	f, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	bw := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err = bw.WriteString(line); err != nil {
			return outputPath, fmt.Errorf("Failed to write %v: %w", outputPath, err)
		}
	}
	if err = bw.Flush(); err != nil {
		return outputPath, fmt.Errorf("Failed to write %v: %w", outputPath, err)
	}
	return outputPath, nil
}
