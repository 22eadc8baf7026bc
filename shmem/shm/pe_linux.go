//go:build linux

package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/weiihann/shmembench/shmem"
)

// PE is one process's handle on a segment. It implements shmem.Runtime.
//
// Allocations are bump-allocated from the PE's own heap. Since every PE
// makes the same allocations in the same order, an allocation lands at the
// same offset in every heap, which is what makes the heap symmetric.
type PE struct {
	seg       *Segment
	id        int
	next      int64
	finalized bool
	pending   shmem.Pending
}

var _ shmem.Runtime = (*PE)(nil)

// Attach maps the segment at path as PE id.
func Attach(path string, id int) (*PE, error) {
	seg, err := Open(path)
	if err != nil {
		return nil, err
	}

	if id < 0 || id >= seg.npes {
		seg.Close()
		return nil, fmt.Errorf("shm: PE %d out of range [0,%d)", id, seg.npes)
	}

	atomic.AddUint32(seg.word(0x24), 1)

	return &PE{seg: seg, id: id}, nil
}

// AttachFromEnv attaches using the variables set by the launcher.
func AttachFromEnv() (shmem.Runtime, error) {
	path, id, err := peFromEnv()
	if err != nil {
		return nil, err
	}

	return Attach(path, id)
}

// Info implements shmem.Runtime.
func (p *PE) Info() shmem.Info {
	return shmem.Info{Name: Name, Major: VersionMajor, Minor: VersionMinor}
}

// MyPE implements shmem.Runtime.
func (p *PE) MyPE() int { return p.id }

// NumPEs implements shmem.Runtime.
func (p *PE) NumPEs() int { return p.seg.npes }

// BarrierAll implements shmem.Runtime.
func (p *PE) BarrierAll() {
	p.pending.Complete()
	p.seg.barrier()
}

// Quiet implements shmem.Runtime. Blocking gets, puts and atomics are plain
// loads and stores into the mapping; Quiet performs the queued non-blocking
// ones.
func (p *PE) Quiet() { p.pending.Complete() }

// Alloc implements shmem.Runtime.
func (p *PE) Alloc(size int) (shmem.Buffer, error) {
	return p.AllocWith(size, nil)
}

// AllocWith implements shmem.Runtime. The local copy is zeroed when gen is
// nil, since freed heap space is reused.
func (p *PE) AllocWith(size int, gen func(i int) byte) (shmem.Buffer, error) {
	off, err := p.reserve(int64(size))
	if err != nil {
		return nil, err
	}

	local := p.seg.heap(p.id)[off : off+int64(size)]
	if gen == nil {
		clear(local)
	} else {
		for i := range local {
			local[i] = gen(i)
		}
	}

	p.BarrierAll()

	return &buffer{pe: p, off: off, size: size}, nil
}

// AllocCell implements shmem.Runtime.
func (p *PE) AllocCell(init int32) (shmem.Cell, error) {
	off, err := p.reserve(4)
	if err != nil {
		return nil, err
	}

	c := &cell{pe: p, off: off}
	atomic.StoreInt32(c.target(p.id), init)
	p.BarrierAll()

	return c, nil
}

// Finalize implements shmem.Runtime.
func (p *PE) Finalize() error {
	if p.finalized {
		return shmem.ErrFinalized
	}

	p.pending.Complete()
	p.finalized = true

	return p.seg.Close()
}

func (p *PE) reserve(size int64) (int64, error) {
	if p.finalized {
		return 0, shmem.ErrFinalized
	}

	if size < 0 {
		return 0, fmt.Errorf("shm: negative allocation size %d", size)
	}

	off := p.next
	end := off + alignUp(size, heapAlign)
	if end > p.seg.heapSize {
		return 0, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			shmem.ErrHeapExhausted, size, off, p.seg.heapSize)
	}

	p.next = end

	return off, nil
}

// release returns space to the heap. Only the most recent allocation can be
// given back; anything else stays reserved until the PE finalizes.
func (p *PE) release(off, size int64) error {
	if p.finalized {
		return shmem.ErrFinalized
	}

	p.BarrierAll()

	if off+alignUp(size, heapAlign) == p.next {
		p.next = off
	}

	return nil
}

type buffer struct {
	pe    *PE
	off   int64
	size  int
	freed bool
}

func (b *buffer) Len() int { return b.size }

func (b *buffer) region(pe int) []byte {
	return b.pe.seg.heap(pe)[b.off : b.off+int64(b.size)]
}

func (b *buffer) Get(dst []byte, off, pe int) {
	shmem.CheckRange(off, len(dst), b.size)
	copy(dst, b.region(pe)[off:])
}

func (b *buffer) Put(src []byte, off, pe int) {
	shmem.CheckRange(off, len(src), b.size)
	copy(b.region(pe)[off:], src)
}

func (b *buffer) GetNBI(dst []byte, off, pe int) {
	shmem.CheckRange(off, len(dst), b.size)
	b.pe.pending.Add(func() { copy(dst, b.region(pe)[off:]) })
}

func (b *buffer) PutNBI(src []byte, off, pe int) {
	shmem.CheckRange(off, len(src), b.size)
	b.pe.pending.Add(func() { copy(b.region(pe)[off:], src) })
}

func (b *buffer) Free() error {
	if b.freed {
		return nil
	}

	b.freed = true

	return b.pe.release(b.off, int64(b.size))
}

type cell struct {
	pe    *PE
	off   int64
	freed bool
}

func (c *cell) target(pe int) *int32 {
	return (*int32)(unsafe.Pointer(&c.pe.seg.heap(pe)[c.off]))
}

func (c *cell) Add(v int32, pe int) { atomic.AddInt32(c.target(pe), v) }

func (c *cell) Inc(pe int) { atomic.AddInt32(c.target(pe), 1) }

func (c *cell) Fetch(pe int) int32 { return atomic.LoadInt32(c.target(pe)) }

func (c *cell) FetchNBI(dst *int32, pe int) {
	c.pe.pending.Add(func() { *dst = c.Fetch(pe) })
}

func (c *cell) CompareSwap(cond, v int32, pe int) int32 {
	t := c.target(pe)
	for {
		old := atomic.LoadInt32(t)
		if old != cond {
			return old
		}

		if atomic.CompareAndSwapInt32(t, cond, v) {
			return old
		}
	}
}

func (c *cell) Swap(v int32, pe int) int32 { return atomic.SwapInt32(c.target(pe), v) }

func (c *cell) Set(v int32, pe int) { atomic.StoreInt32(c.target(pe), v) }

func (c *cell) Free() error {
	if c.freed {
		return nil
	}

	c.freed = true

	return c.pe.release(c.off, 4)
}
