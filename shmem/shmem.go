// Package shmem defines the one-sided communication surface the benchmark
// driver measures: a runtime handle per processing element (PE), symmetric
// buffers, and symmetric atomic cells.
//
// Symmetric memory is never exposed as a plain slice. Every PE may read and
// write any other PE's copy at any time, so the only way to touch it is
// through Buffer and Cell, and the only ordering guarantees are the ones
// BarrierAll and Quiet provide.
package shmem

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted is raised (as a panic value) out of blocking calls when
	// another PE in the group failed.
	ErrAborted = errors.New("shmem: PE group aborted")

	// ErrHeapExhausted is returned when a symmetric allocation does not fit.
	ErrHeapExhausted = errors.New("shmem: symmetric heap exhausted")

	// ErrFinalized is returned by calls made after Finalize.
	ErrFinalized = errors.New("shmem: runtime finalized")
)

// Info describes the runtime implementation.
type Info struct {
	Name  string
	Major int
	Minor int
}

// Version returns the "major.minor" string.
func (i Info) Version() string {
	return fmt.Sprintf("%d.%d", i.Major, i.Minor)
}

// Runtime is a single PE's handle on the PE group.
//
// Alloc, AllocWith, AllocCell, Buffer.Free and Cell.Free are collective: all
// PEs must call them in the same order with the same sizes, and each call
// ends with an implicit barrier.
type Runtime interface {
	Info() Info
	MyPE() int
	NumPEs() int

	// BarrierAll blocks until every PE has entered the barrier. It also
	// completes all outstanding one-sided operations of the caller.
	BarrierAll()

	// Quiet blocks until all one-sided operations issued by the caller are
	// complete.
	Quiet()

	Alloc(size int) (Buffer, error)
	// AllocWith allocates a buffer and fills the local copy with gen(i)
	// for every byte offset i before the implicit barrier.
	AllocWith(size int, gen func(i int) byte) (Buffer, error)
	// AllocCell allocates a 32-bit cell holding init on every PE.
	AllocCell(init int32) (Cell, error)

	// Finalize releases the runtime. The PE must not be used afterwards.
	Finalize() error
}

// Buffer is a symmetric byte buffer. Offsets address the same relative
// location on every PE. Range violations panic, like slice indexing.
type Buffer interface {
	Len() int
	// Get copies len(dst) bytes starting at off from pe's copy into dst.
	Get(dst []byte, off, pe int)
	// Put copies src into pe's copy starting at off.
	Put(src []byte, off, pe int)
	// GetNBI and PutNBI are the non-blocking forms. They return at once;
	// the copy happens by the caller's next Quiet or BarrierAll, and dst
	// or src must not be touched before then.
	GetNBI(dst []byte, off, pe int)
	PutNBI(src []byte, off, pe int)
	Free() error
}

// Cell is a symmetric 32-bit integer supporting remote atomics.
type Cell interface {
	Add(v int32, pe int)
	Inc(pe int)
	Fetch(pe int) int32
	// FetchNBI stores pe's value into *dst by the caller's next Quiet.
	FetchNBI(dst *int32, pe int)
	// CompareSwap stores v on pe if the current value equals cond and
	// returns the previous value.
	CompareSwap(cond, v int32, pe int) int32
	Swap(v int32, pe int) int32
	Set(v int32, pe int)
	Free() error
}

// Guard runs fn and converts an ErrAborted panic into an error. Other panics
// propagate.
func Guard(fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		if e, ok := r.(error); ok && errors.Is(e, ErrAborted) {
			err = e
			return
		}

		panic(r)
	}()

	return fn()
}

// Pending is a PE's queue of issued but incomplete non-blocking operations.
// The zero value is empty.
type Pending struct {
	ops []func()
}

// Add queues op.
func (p *Pending) Add(op func()) {
	p.ops = append(p.ops, op)
}

// Len returns the number of outstanding operations.
func (p *Pending) Len() int { return len(p.ops) }

// Complete runs every queued operation in issue order and empties the queue.
func (p *Pending) Complete() {
	for i, op := range p.ops {
		op()
		p.ops[i] = nil
	}

	p.ops = p.ops[:0]
}

// CheckRange panics if [off, off+n) is outside a buffer of length size.
func CheckRange(off, n, size int) {
	if off < 0 || n < 0 || off+n > size {
		panic(fmt.Sprintf(
			"shmem: range [%d:%d] out of bounds for buffer of %d bytes",
			off, off+n, size,
		))
	}
}
