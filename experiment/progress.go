package experiment

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/Noofbiz/framecast/models"
)

// ProgressLog records the losses of a training run: one entry per epoch and
// one per batch, with batch numbers increasing across epochs. Non-finite
// losses are saved as null and load as NaN.
type ProgressLog struct {
	TrainLoss      models.Floats[float64] `json:"train_loss"`
	ValidationLoss models.Floats[float64] `json:"validation_loss"`
	EpochNr        []int                  `json:"epoch_nr"`
	BatchLoss      models.Floats[float64] `json:"batch_loss"`
	BatchNr        []int                  `json:"batch_nr"`
}

// RecordEpoch appends the average losses of epoch.
func (p *ProgressLog) RecordEpoch(epoch int, trainLoss, validationLoss float64) {
	p.EpochNr = append(p.EpochNr, epoch)
	p.TrainLoss = append(p.TrainLoss, trainLoss)
	p.ValidationLoss = append(p.ValidationLoss, validationLoss)
}

// RecordBatch appends one training batch loss and returns its batch number.
func (p *ProgressLog) RecordBatch(loss float64) int {
	nr := 0
	if n := len(p.BatchNr); n > 0 {
		nr = p.BatchNr[n-1] + 1
	}
	p.BatchNr = append(p.BatchNr, nr)
	p.BatchLoss = append(p.BatchLoss, loss)
	return nr
}

// LastEpoch returns the most recent recorded epoch, or -1 if none.
func (p *ProgressLog) LastEpoch() int {
	if len(p.EpochNr) == 0 {
		return -1
	}
	return p.EpochNr[len(p.EpochNr)-1]
}

// BestValidationLoss returns the lowest recorded validation loss and its
// epoch, or +Inf and -1 if no epoch was recorded. NaN losses are skipped.
func (p *ProgressLog) BestValidationLoss() (loss float64, epoch int) {
	loss, epoch = math.Inf(1), -1
	for i, v := range p.ValidationLoss {
		if v < loss {
			loss, epoch = v, p.EpochNr[i]
		}
	}
	return loss, epoch
}

// Save writes the log as JSON.
func (p *ProgressLog) Save(path string) error {
	data, err := p.encode()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func (p *ProgressLog) encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode progress log: %w", err)
	}
	return data, nil
}

// LoadProgressLog reads a log written by Save.
func LoadProgressLog(path string) (*ProgressLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read progress log: %w", err)
	}
	var p ProgressLog
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode progress log %s: %w", path, err)
	}
	if len(p.TrainLoss) != len(p.EpochNr) || len(p.ValidationLoss) != len(p.EpochNr) || len(p.BatchLoss) != len(p.BatchNr) {
		return nil, fmt.Errorf("progress log %s has inconsistent lengths", path)
	}
	return &p, nil
}
