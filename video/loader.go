package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
)

// LoaderConfig holds the batching parameters for a Loader.
type LoaderConfig struct {
	// BatchSize is the number of clips per batch (default 16).
	BatchSize int
	// Workers is the number of goroutines loading batches in the background.
	// If zero, runtime.NumCPU() is used.
	Workers int
	// Shuffle randomizes the clip order on every Iterate call.
	Shuffle bool
	// Seed drives shuffling and augmentation.
	Seed int64
	// Logger receives a warning for every batch whose clips had to be
	// cropped to a common length. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Loader turns a Dataset into batches, prefetching them with a pool of
// background workers. Batches are delivered in order.
type Loader struct {
	ds  *Dataset
	cfg LoaderConfig
	rng *rand.Rand
}

// NewLoader creates a Loader over ds.
func NewLoader(ds *Dataset, cfg LoaderConfig) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loader{ds: ds, cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

// Len returns the number of batches per pass over the dataset.
func (l *Loader) Len() int {
	n := l.ds.Len()
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

type loadedBatch struct {
	idx   int
	batch *Batch
	err   error
}

// Iterate loads every batch and calls fn on it in batch order. Returning an
// error from fn stops iteration (background loading is cancelled) and that
// error is returned.
func (l *Loader) Iterate(ctx context.Context, fn func(*Batch) error) error {
	n := l.ds.Len()
	if n == 0 {
		return nil
	}

	// Order and per-clip seeds are drawn serially from the loader rng so that
	// a run is reproducible regardless of worker scheduling.
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		l.rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	seeds := make([]int64, n)
	for i := range seeds {
		seeds[i] = l.rng.Int63()
	}

	numBatches := l.Len()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int)
	results := make(chan loadedBatch, l.cfg.Workers)

	workers := l.cfg.Workers
	if workers > numBatches {
		workers = numBatches
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				start := idx * l.cfg.BatchSize
				end := min(start+l.cfg.BatchSize, n)
				b, err := l.load(order[start:end], seeds[start:end])
				select {
				case results <- loadedBatch{idx: idx, batch: b, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := 0; i < numBatches; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	pending := make(map[int]loadedBatch)
	next := 0
	for next < numBatches {
		r, ok := pending[next]
		if !ok {
			select {
			case r, ok = <-results:
				if !ok {
					if err := ctx.Err(); err != nil {
						return err
					}
					return fmt.Errorf("loader stopped after %d of %d batches", next, numBatches)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
			if r.idx != next {
				pending[r.idx] = r
				continue
			}
		} else {
			delete(pending, next)
		}
		if r.err != nil {
			return fmt.Errorf("load batch %d: %w", r.idx, r.err)
		}
		if err := fn(r.batch); err != nil {
			return err
		}
		next++
	}
	return nil
}

func (l *Loader) load(indices []int, seeds []int64) (*Batch, error) {
	clips := make([]Clip, len(indices))
	for i, idx := range indices {
		c, err := l.ds.Clip(idx, rand.New(rand.NewSource(seeds[i])))
		if err != nil {
			return nil, err
		}
		clips[i] = c
	}
	clips, cropped := CropToShortest(clips)
	if len(cropped) > 0 {
		l.cfg.Logger.Warn("cropped clips to the shortest in the batch",
			"length", clips[0].Len(), "clips", cropped)
	}
	return NewBatch(clips)
}
