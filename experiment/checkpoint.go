package experiment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Noofbiz/framecast/config"
	"github.com/Noofbiz/framecast/models"
)

// ErrNoCheckpoint is returned when a checkpoint or the metadata needed to
// resume an experiment is missing or unreadable.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Checkpoint names one of the two weight artifacts of an experiment.
type Checkpoint string

const (
	// Latest is overwritten after every epoch.
	Latest Checkpoint = "latest"
	// Best holds the weights of the epoch with the lowest validation loss.
	Best Checkpoint = "best"
)

// Checkpoints reads and writes the weight artifacts of a layout.
type Checkpoints struct {
	layout Layout
}

func (c Checkpoints) path(kind Checkpoint) (string, error) {
	switch kind {
	case Latest:
		return c.layout.ModelLatest, nil
	case Best:
		return c.layout.ModelBest, nil
	default:
		return "", fmt.Errorf("unknown checkpoint %q", kind)
	}
}

// Save overwrites the kind checkpoint with the weights of m.
func (c Checkpoints) Save(kind Checkpoint, m models.Model) error {
	path, err := c.path(kind)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := models.Save(&buf, m); err != nil {
		return fmt.Errorf("save %s checkpoint: %w", kind, err)
	}
	return writeFileAtomic(path, buf.Bytes())
}

// Load rebuilds the model stored in the kind checkpoint.
func (c Checkpoints) Load(kind Checkpoint) (models.Model, error) {
	path, err := c.path(kind)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s checkpoint %s: %w: %v", kind, path, ErrNoCheckpoint, err)
	}
	defer fh.Close()
	m, err := models.Load(fh)
	if err != nil {
		if errors.Is(err, models.ErrShapeMismatch) || errors.Is(err, models.ErrUnknownModel) {
			return nil, fmt.Errorf("%s checkpoint %s: %w", kind, path, err)
		}
		return nil, fmt.Errorf("%s checkpoint %s: %w: %v", kind, path, ErrNoCheckpoint, err)
	}
	return m, nil
}

// Exists reports whether the kind checkpoint was written.
func (c Checkpoints) Exists(kind Checkpoint) bool {
	path, err := c.path(kind)
	return err == nil && fileExists(path)
}

// Metadata is the run record saved next to the checkpoints. It can be read
// without loading any weights.
type Metadata struct {
	Config    config.Config       `json:"args"`
	Optimizer models.AdamState    `json:"optimizer"`
	Scheduler models.PlateauState `json:"scheduler"`
	Model     string              `json:"model"`
	RunID     string              `json:"run_id"`
}

// SaveMetadata writes md to path as indented JSON.
func SaveMetadata(path string, md Metadata) error {
	data, err := encodeMetadata(md)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func encodeMetadata(md Metadata) ([]byte, error) {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

// LoadMetadata reads metadata written by SaveMetadata.
func LoadMetadata(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("metadata %s: %w: %v", path, ErrNoCheckpoint, err)
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, fmt.Errorf("metadata %s: %w: %v", path, ErrNoCheckpoint, err)
	}
	return md, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}
