package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/weiihann/shmembench/shmem"
)

// Root is the PE every routine targets.
const Root = 0

// ErrNotImplemented is returned for routines without a measured loop.
var ErrNotImplemented = errors.New("routine not implemented")

type routineFunc func(ctx context.Context, d *Driver, cfg Config, sizes []int) ([]Sample, *int32, error)

// routines maps every routine to its measured loop. A routine missing here
// fails instead of reporting timings it never took.
var routines = map[Routine]routineFunc{
	Get:          benchGet,
	Put:          benchPut,
	AtomicAdd:    benchAtomicAdd,
	AtomicCmpSwp: benchAtomicCmpSwp,
	AtomicFetch:  benchAtomicFetch,
	AtomicInc:    benchAtomicInc,
	Barrier:      benchBarrier,
	AtomicSwap:   benchAtomicSwap,
	AtomicSet:    benchAtomicSet,

	GetNBI:         benchGetNBI,
	PutNBI:         benchPutNBI,
	AtomicFetchNBI: benchAtomicFetchNBI,
	Broadcast:      benchBroadcast,
	FCollect:       benchFCollect,
	AllToAll:       benchAllToAll,
}

// Driver runs measured loops on one PE. Every PE of the group must run the
// same routine with the same configuration.
type Driver struct {
	rt     shmem.Runtime
	logger *slog.Logger

	// sink receives results the timed loops would otherwise drop, so the
	// calls producing them stay in the loop.
	sink int32

	ready func()
}

// OnReady registers fn to run once the routine's symmetric memory is in
// place, just before the first timed loop. It does not run if allocation
// fails.
func (d *Driver) OnReady(fn func()) {
	d.ready = fn
}

func (d *Driver) markReady() {
	if d.ready != nil {
		d.ready()
		d.ready = nil
	}
}

// NewDriver creates a Driver for the given PE.
func NewDriver(rt shmem.Runtime, logger *slog.Logger) *Driver {
	return &Driver{
		rt:     rt,
		logger: logger.With(slog.Int("pe", rt.MyPE())),
	}
}

// Run executes cfg.Routine. sizes is only used by routines that sweep
// message sizes and must then be non-empty.
func (d *Driver) Run(ctx context.Context, cfg Config, sizes []int) (*Result, error) {
	fn, ok := routines[cfg.Routine]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, cfg.Routine)
	}

	if cfg.NTimes < 1 {
		return nil, fmt.Errorf("%w: ntimes must be at least 1, got %d",
			ErrInvalidConfig, cfg.NTimes)
	}

	if cfg.Bidirectional && (!cfg.Routine.PointToPoint() || d.rt.NumPEs()%2 != 0) {
		return nil, fmt.Errorf(
			"%w: bidirectional %s needs a point-to-point routine and an even PE count, got %d PEs",
			ErrInvalidConfig, cfg.Routine, d.rt.NumPEs(),
		)
	}

	if cfg.Routine.UsesMsgSize() && len(sizes) == 0 {
		return nil, fmt.Errorf("%w: %s needs at least one message size",
			ErrInvalidSize, cfg.Routine)
	}

	d.logger.DebugContext(ctx, "starting routine",
		slog.String("routine", cfg.Routine.String()),
		slog.Int("ntimes", cfg.NTimes),
		slog.Int("sizes", len(sizes)),
	)

	samples, readback, err := fn(ctx, d, cfg, sizes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Routine, err)
	}

	return &Result{
		Routine:  cfg.Routine,
		NTimes:   cfg.NTimes,
		NumPEs:   d.rt.NumPEs(),
		Samples:  samples,
		Readback: readback,

		Bidirectional: cfg.Bidirectional,
	}, nil
}

// measure drains outstanding operations, aligns all PEs, and times loop up
// to the point where every PE has drained and arrived again.
func (d *Driver) measure(ctx context.Context, size int, loop func()) Sample {
	d.rt.Quiet()
	d.rt.BarrierAll()

	start := time.Now()

	loop()

	d.rt.Quiet()
	d.rt.BarrierAll()

	s := Sample{Size: size, Elapsed: time.Since(start)}

	d.logger.DebugContext(ctx, "sample",
		slog.Int("size", s.Size),
		slog.Duration("elapsed", s.Elapsed),
	)

	return s
}

func benchGet(ctx context.Context, d *Driver, cfg Config, sizes []int) ([]Sample, *int32, error) {
	return d.get(ctx, cfg, sizes, false)
}

func benchGetNBI(ctx context.Context, d *Driver, cfg Config, sizes []int) ([]Sample, *int32, error) {
	return d.get(ctx, cfg, sizes, true)
}

func benchPut(ctx context.Context, d *Driver, cfg Config, sizes []int) ([]Sample, *int32, error) {
	return d.put(ctx, cfg, sizes, false)
}

func benchPutNBI(ctx context.Context, d *Driver, cfg Config, sizes []int) ([]Sample, *int32, error) {
	return d.put(ctx, cfg, sizes, true)
}

// get times reads of the root's copy. Non-blocking reads are completed by
// the quiet that closes each measurement.
func (d *Driver) get(ctx context.Context, cfg Config, sizes []int, nbi bool) ([]Sample, *int32, error) {
	maxSize := MaxSize(sizes)

	src, err := d.rt.AllocWith(maxSize, IndexPattern)
	if err != nil {
		return nil, nil, fmt.Errorf("allocate source: %w", err)
	}
	defer src.Free()

	target := d.target(cfg)

	get := src.Get
	if nbi {
		get = src.GetNBI
	}

	dst := make([]byte, maxSize)
	d.markReady()
	d.rt.BarrierAll()

	samples := make([]Sample, 0, len(sizes))
	for _, size := range sizes {
		view := dst[:size]
		samples = append(samples, d.measure(ctx, size, func() {
			for i := 0; i < cfg.NTimes; i++ {
				get(view, 0, target)
			}
		}))
	}

	return samples, nil, nil
}

func (d *Driver) put(ctx context.Context, cfg Config, sizes []int, nbi bool) ([]Sample, *int32, error) {
	maxSize := MaxSize(sizes)

	dst, err := d.rt.Alloc(maxSize)
	if err != nil {
		return nil, nil, fmt.Errorf("allocate target: %w", err)
	}
	defer dst.Free()

	target := d.target(cfg)

	put := dst.Put
	if nbi {
		put = dst.PutNBI
	}

	src := make([]byte, maxSize)
	Fill(src, PEPattern(d.rt.MyPE()))
	d.markReady()
	d.rt.BarrierAll()

	samples := make([]Sample, 0, len(sizes))
	for _, size := range sizes {
		view := src[:size]
		samples = append(samples, d.measure(ctx, size, func() {
			for i := 0; i < cfg.NTimes; i++ {
				put(view, 0, target)
			}
		}))
	}

	return samples, nil, nil
}

// target is the PE a point-to-point routine talks to: the root, or the
// caller's pair partner in a bidirectional run.
func (d *Driver) target(cfg Config) int {
	if cfg.Bidirectional {
		return d.rt.MyPE() ^ 1
	}

	return Root
}

// collective times ntimes calls of step per size. dst is allocated with
// blocks*maxSize bytes; step performs one complete collective, including
// its closing barrier.
func (d *Driver) collective(
	ctx context.Context,
	cfg Config,
	sizes []int,
	blocks int,
	step func(dst shmem.Buffer, size int),
) ([]Sample, *int32, error) {
	dst, err := d.rt.Alloc(blocks * MaxSize(sizes))
	if err != nil {
		return nil, nil, fmt.Errorf("allocate target: %w", err)
	}
	defer dst.Free()

	d.markReady()
	d.rt.BarrierAll()

	samples := make([]Sample, 0, len(sizes))
	for _, size := range sizes {
		samples = append(samples, d.measure(ctx, size, func() {
			for i := 0; i < cfg.NTimes; i++ {
				step(dst, size)
			}
		}))
	}

	return samples, nil, nil
}

func benchBroadcast(ctx context.Context, d *Driver, cfg Config, sizes []int) ([]Sample, *int32, error) {
	src := make([]byte, MaxSize(sizes))
	Fill(src, IndexPattern)

	return d.collective(ctx, cfg, sizes, 1, func(dst shmem.Buffer, size int) {
		broadcastStep(d.rt, dst, src[:size])
	})
}

func benchFCollect(ctx context.Context, d *Driver, cfg Config, sizes []int) ([]Sample, *int32, error) {
	src := make([]byte, MaxSize(sizes))
	Fill(src, PEPattern(d.rt.MyPE()))

	return d.collective(ctx, cfg, sizes, d.rt.NumPEs(), func(dst shmem.Buffer, size int) {
		fcollectStep(d.rt, dst, src[:size])
	})
}

func benchAllToAll(ctx context.Context, d *Driver, cfg Config, sizes []int) ([]Sample, *int32, error) {
	npes := d.rt.NumPEs()
	src := make([]byte, npes*MaxSize(sizes))
	Fill(src, PEPattern(d.rt.MyPE()))

	return d.collective(ctx, cfg, sizes, npes, func(dst shmem.Buffer, size int) {
		allToAllStep(d.rt, dst, src[:npes*size], size)
	})
}

// broadcastStep copies the root's block to the start of dst on every other
// PE.
func broadcastStep(rt shmem.Runtime, dst shmem.Buffer, block []byte) {
	if rt.MyPE() == Root {
		for pe := 0; pe < rt.NumPEs(); pe++ {
			if pe != Root {
				dst.Put(block, 0, pe)
			}
		}
	}

	rt.BarrierAll()
}

// fcollectStep places the caller's block at offset MyPE*len(block) of dst
// on every PE, the caller included.
func fcollectStep(rt shmem.Runtime, dst shmem.Buffer, block []byte) {
	off := rt.MyPE() * len(block)
	for pe := 0; pe < rt.NumPEs(); pe++ {
		dst.Put(block, off, pe)
	}

	rt.BarrierAll()
}

// allToAllStep sends block j of src (size bytes each) to PE j, where it
// lands at offset MyPE*size.
func allToAllStep(rt shmem.Runtime, dst shmem.Buffer, src []byte, size int) {
	off := rt.MyPE() * size
	for pe := 0; pe < rt.NumPEs(); pe++ {
		dst.Put(src[pe*size:(pe+1)*size], off, pe)
	}

	rt.BarrierAll()
}

// atomic allocates the root cell, times loop once, and optionally reads the
// root value back after every PE has finished.
func (d *Driver) atomic(
	ctx context.Context,
	readback bool,
	loop func(c shmem.Cell),
) ([]Sample, *int32, error) {
	c, err := d.rt.AllocCell(0)
	if err != nil {
		return nil, nil, fmt.Errorf("allocate cell: %w", err)
	}
	defer c.Free()

	d.markReady()
	d.rt.BarrierAll()

	s := d.measure(ctx, 0, func() { loop(c) })

	if !readback {
		return []Sample{s}, nil, nil
	}

	v := c.Fetch(Root)
	d.logger.DebugContext(ctx, "root cell after timed loop",
		slog.Int("value", int(v)),
	)

	return []Sample{s}, &v, nil
}

func benchAtomicAdd(ctx context.Context, d *Driver, cfg Config, _ []int) ([]Sample, *int32, error) {
	return d.atomic(ctx, true, func(c shmem.Cell) {
		for i := 0; i < cfg.NTimes; i++ {
			c.Add(1, Root)
		}
	})
}

// benchAtomicCmpSwp compares against 0 and swaps in the caller's PE id. Only
// the first swap on the root cell succeeds; the rest measure failed
// compares.
func benchAtomicCmpSwp(ctx context.Context, d *Driver, cfg Config, _ []int) ([]Sample, *int32, error) {
	swap := int32(d.rt.MyPE())

	return d.atomic(ctx, false, func(c shmem.Cell) {
		for i := 0; i < cfg.NTimes; i++ {
			d.sink = c.CompareSwap(0, swap, Root)
		}
	})
}

func benchAtomicFetch(ctx context.Context, d *Driver, cfg Config, _ []int) ([]Sample, *int32, error) {
	return d.atomic(ctx, false, func(c shmem.Cell) {
		for i := 0; i < cfg.NTimes; i++ {
			d.sink = c.Fetch(Root)
		}
	})
}

// benchAtomicFetchNBI issues ntimes non-blocking fetches of the root cell;
// the quiet closing the measurement completes them.
func benchAtomicFetchNBI(ctx context.Context, d *Driver, cfg Config, _ []int) ([]Sample, *int32, error) {
	return d.atomic(ctx, false, func(c shmem.Cell) {
		for i := 0; i < cfg.NTimes; i++ {
			c.FetchNBI(&d.sink, Root)
		}
	})
}

func benchAtomicInc(ctx context.Context, d *Driver, cfg Config, _ []int) ([]Sample, *int32, error) {
	return d.atomic(ctx, true, func(c shmem.Cell) {
		for i := 0; i < cfg.NTimes; i++ {
			c.Inc(Root)
		}
	})
}

func benchAtomicSwap(ctx context.Context, d *Driver, cfg Config, _ []int) ([]Sample, *int32, error) {
	v := int32(d.rt.MyPE())

	return d.atomic(ctx, false, func(c shmem.Cell) {
		for i := 0; i < cfg.NTimes; i++ {
			d.sink = c.Swap(v, Root)
		}
	})
}

func benchAtomicSet(ctx context.Context, d *Driver, cfg Config, _ []int) ([]Sample, *int32, error) {
	v := int32(d.rt.MyPE())

	return d.atomic(ctx, false, func(c shmem.Cell) {
		for i := 0; i < cfg.NTimes; i++ {
			c.Set(v, Root)
		}
	})
}

func benchBarrier(ctx context.Context, d *Driver, cfg Config, _ []int) ([]Sample, *int32, error) {
	d.markReady()
	d.rt.BarrierAll()

	s := d.measure(ctx, 0, func() {
		for i := 0; i < cfg.NTimes; i++ {
			d.rt.BarrierAll()
		}
	})

	return []Sample{s}, nil, nil
}
