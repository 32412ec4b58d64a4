package models

import (
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/Noofbiz/framecast/video"
)

// BatchMSE scores whole batches of predicted windows in one gomlx graph
// running on the pure Go simplego backend. Graphs are compiled once per batch
// shape. It is not safe for concurrent use.
type BatchMSE struct {
	backend backends.Backend
	exec    *graph.Exec
}

// NewBatchMSE creates the backend and the per-clip squared error graph.
func NewBatchMSE() (*BatchMSE, error) {
	backend, err := simplego.New("")
	if err != nil {
		return nil, fmt.Errorf("batch mse: backend: %w", err)
	}
	// [clips, frames, height, width] -> [clips]
	exec, err := graph.NewExec(backend, func(pred, target *graph.Node) *graph.Node {
		return graph.ReduceMean(graph.Square(graph.Sub(pred, target)), 1, 2, 3)
	})
	if err != nil {
		backend.Finalize()
		return nil, fmt.Errorf("batch mse: graph: %w", err)
	}
	return &BatchMSE{backend: backend, exec: exec}, nil
}

// Compute returns the mean squared error of every clip of pred against the
// clip at the same index of target.
func (m *BatchMSE) Compute(pred, target *video.Batch) ([]float64, error) {
	if pred.Size() != target.Size() || pred.Length() != target.Length() {
		return nil, fmt.Errorf("batch mse: %dx%d predicted vs %dx%d target windows: %w",
			pred.Size(), pred.Length(), target.Size(), target.Length(), ErrShapeMismatch)
	}
	p, t := pred.ToTensor(), target.ToTensor()
	defer p.FinalizeAll()
	defer t.FinalizeAll()
	if !p.Shape().Equal(t.Shape()) {
		return nil, fmt.Errorf("batch mse: %s vs %s: %w", p.Shape(), t.Shape(), ErrShapeMismatch)
	}

	out, err := m.exec.Exec(p, t)
	if err != nil {
		return nil, fmt.Errorf("batch mse: %w", err)
	}
	defer out[0].FinalizeAll()
	flat := tensors.CopyFlatData[float32](out[0])
	losses := make([]float64, len(flat))
	for i, v := range flat {
		losses[i] = float64(v)
	}
	return losses, nil
}

// Close releases the compiled graphs and the backend.
func (m *BatchMSE) Close() {
	m.exec.Finalize()
	m.backend.Finalize()
}
