// Package local implements shmem.Runtime inside a single process. Each PE is
// a goroutine, each PE's copy of a symmetric allocation is a separate
// region, and remote operations act directly on the target PE's region.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/weiihann/shmembench/shmem"
	"golang.org/x/sync/errgroup"
)

// Runtime identity reported through shmem.Runtime.Info.
const (
	Name         = "shmembench-local"
	VersionMajor = 1
	VersionMinor = 5
)

// Config controls the shape of a World.
type Config struct {
	NumPEs int
	// HeapSize limits the symmetric bytes each PE may hold at once.
	// Zero means unlimited.
	HeapSize int
}

// World is the shared state of one PE group.
type World struct {
	cfg     Config
	barrier *barrier

	mu    sync.Mutex
	slots map[int]*slot
}

// NewWorld creates a PE group.
func NewWorld(cfg Config) (*World, error) {
	if cfg.NumPEs < 1 {
		return nil, fmt.Errorf("local: need at least one PE, got %d", cfg.NumPEs)
	}

	if cfg.HeapSize < 0 {
		return nil, fmt.Errorf("local: negative heap size %d", cfg.HeapSize)
	}

	return &World{
		cfg:     cfg,
		barrier: newBarrier(cfg.NumPEs),
		slots:   make(map[int]*slot),
	}, nil
}

// PE returns the runtime handle for PE id. Each handle must be used by a
// single goroutine.
func (w *World) PE(id int) *PE {
	if id < 0 || id >= w.cfg.NumPEs {
		panic(fmt.Sprintf("local: PE %d out of range [0,%d)", id, w.cfg.NumPEs))
	}

	return &PE{world: w, id: id}
}

// Abort wakes every PE blocked in a barrier with shmem.ErrAborted and makes
// later barriers fail the same way.
func (w *World) Abort() {
	w.barrier.abort()
}

// slot returns the symmetric allocation with index k, creating it on first
// use.
func (w *World) slot(k int) *slot {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.slots[k]
	if !ok {
		s = &slot{
			regions: make([]*region, w.cfg.NumPEs),
			cells:   make([]*cell, w.cfg.NumPEs),
		}
		w.slots[k] = s
	}

	return s
}

func (w *World) publishRegion(s *slot, pe int, r *region) {
	w.mu.Lock()
	s.regions[pe] = r
	w.mu.Unlock()
}

func (w *World) publishCell(s *slot, pe int, c *cell) {
	w.mu.Lock()
	s.cells[pe] = c
	w.mu.Unlock()
}

// release drops PE pe's reference to slot k and forgets the slot once every
// PE has released it.
func (w *World) release(k int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.slots[k]
	if !ok {
		return
	}

	s.released++
	if s.released == w.cfg.NumPEs {
		delete(w.slots, k)
	}
}

// Run creates a World with cfg and runs fn once per PE, each in its own
// goroutine. A PE that returns an error aborts the group so peers blocked in
// a barrier return instead of hanging. The error of the PE that failed first
// is preferred over the resulting shmem.ErrAborted errors.
func Run(
	ctx context.Context,
	cfg Config,
	fn func(ctx context.Context, rt shmem.Runtime) error,
) error {
	w, err := NewWorld(cfg)
	if err != nil {
		return err
	}

	errs := make([]error, cfg.NumPEs)

	var g errgroup.Group

	for id := 0; id < cfg.NumPEs; id++ {
		id := id
		g.Go(func() error {
			pe := w.PE(id)

			err := shmem.Guard(func() error {
				defer pe.Finalize()

				return fn(ctx, pe)
			})
			if err != nil {
				err = fmt.Errorf("PE %d: %w", id, err)
				errs[id] = err
				w.Abort()
			}

			return err
		})
	}

	_ = g.Wait()

	return rootCause(errs)
}

func rootCause(errs []error) error {
	var primary, aborted []error

	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, shmem.ErrAborted):
			aborted = append(aborted, err)
		default:
			primary = append(primary, err)
		}
	}

	if len(primary) > 0 {
		return errors.Join(primary...)
	}

	return errors.Join(aborted...)
}
