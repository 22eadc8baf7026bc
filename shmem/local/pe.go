package local

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/weiihann/shmembench/shmem"
)

// slot is one symmetric allocation: index i holds PE i's copy.
type slot struct {
	regions  []*region
	cells    []*cell
	released int
}

// region is one PE's copy of a symmetric buffer. The lock stands in for the
// ordering a NIC gives concurrent remote accesses to the same memory.
type region struct {
	mu   sync.RWMutex
	data []byte
}

type cell struct {
	v atomic.Int32
}

// PE is a single PE's view of a World. It implements shmem.Runtime.
type PE struct {
	world     *World
	id        int
	nextSlot  int
	heapUsed  int
	finalized bool
	pending   shmem.Pending
}

var _ shmem.Runtime = (*PE)(nil)

// Info implements shmem.Runtime.
func (p *PE) Info() shmem.Info {
	return shmem.Info{Name: Name, Major: VersionMajor, Minor: VersionMinor}
}

// MyPE implements shmem.Runtime.
func (p *PE) MyPE() int { return p.id }

// NumPEs implements shmem.Runtime.
func (p *PE) NumPEs() int { return p.world.cfg.NumPEs }

// BarrierAll implements shmem.Runtime.
func (p *PE) BarrierAll() {
	p.pending.Complete()
	p.world.barrier.wait()
}

// Quiet implements shmem.Runtime. Blocking operations finish before they
// return; Quiet completes the non-blocking ones.
func (p *PE) Quiet() { p.pending.Complete() }

// Alloc implements shmem.Runtime.
func (p *PE) Alloc(size int) (shmem.Buffer, error) {
	return p.AllocWith(size, nil)
}

// AllocWith implements shmem.Runtime.
func (p *PE) AllocWith(size int, gen func(i int) byte) (shmem.Buffer, error) {
	if err := p.reserve(size); err != nil {
		return nil, err
	}

	r := &region{data: make([]byte, size)}
	if gen != nil {
		for i := range r.data {
			r.data[i] = gen(i)
		}
	}

	k := p.nextSlot
	p.nextSlot++

	s := p.world.slot(k)
	p.world.publishRegion(s, p.id, r)
	p.BarrierAll()

	return &buffer{pe: p, slot: s, index: k, size: size}, nil
}

// AllocCell implements shmem.Runtime.
func (p *PE) AllocCell(init int32) (shmem.Cell, error) {
	if err := p.reserve(4); err != nil {
		return nil, err
	}

	c := &cell{}
	c.v.Store(init)

	k := p.nextSlot
	p.nextSlot++

	s := p.world.slot(k)
	p.world.publishCell(s, p.id, c)
	p.BarrierAll()

	return &atomicCell{pe: p, slot: s, index: k}, nil
}

// Finalize implements shmem.Runtime.
func (p *PE) Finalize() error {
	if p.finalized {
		return shmem.ErrFinalized
	}

	p.pending.Complete()
	p.finalized = true

	return nil
}

func (p *PE) reserve(size int) error {
	if p.finalized {
		return shmem.ErrFinalized
	}

	if size < 0 {
		return fmt.Errorf("local: negative allocation size %d", size)
	}

	limit := p.world.cfg.HeapSize
	if limit > 0 && p.heapUsed+size > limit {
		return fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			shmem.ErrHeapExhausted, size, p.heapUsed, limit)
	}

	p.heapUsed += size

	return nil
}

func (p *PE) free(index, size int) error {
	if p.finalized {
		return shmem.ErrFinalized
	}

	p.BarrierAll()
	p.world.release(index)
	p.heapUsed -= size

	return nil
}

type buffer struct {
	pe    *PE
	slot  *slot
	index int
	size  int
	freed bool
}

func (b *buffer) Len() int { return b.size }

func (b *buffer) Get(dst []byte, off, pe int) {
	shmem.CheckRange(off, len(dst), b.size)

	r := b.slot.regions[pe]
	r.mu.RLock()
	copy(dst, r.data[off:off+len(dst)])
	r.mu.RUnlock()
}

func (b *buffer) Put(src []byte, off, pe int) {
	shmem.CheckRange(off, len(src), b.size)

	r := b.slot.regions[pe]
	r.mu.Lock()
	copy(r.data[off:off+len(src)], src)
	r.mu.Unlock()
}

func (b *buffer) GetNBI(dst []byte, off, pe int) {
	shmem.CheckRange(off, len(dst), b.size)
	b.pe.pending.Add(func() { b.Get(dst, off, pe) })
}

func (b *buffer) PutNBI(src []byte, off, pe int) {
	shmem.CheckRange(off, len(src), b.size)
	b.pe.pending.Add(func() { b.Put(src, off, pe) })
}

func (b *buffer) Free() error {
	if b.freed {
		return nil
	}

	b.freed = true

	return b.pe.free(b.index, b.size)
}

type atomicCell struct {
	pe    *PE
	slot  *slot
	index int
	freed bool
}

func (c *atomicCell) target(pe int) *atomic.Int32 {
	return &c.slot.cells[pe].v
}

func (c *atomicCell) Add(v int32, pe int) { c.target(pe).Add(v) }

func (c *atomicCell) Inc(pe int) { c.target(pe).Add(1) }

func (c *atomicCell) Fetch(pe int) int32 { return c.target(pe).Load() }

func (c *atomicCell) FetchNBI(dst *int32, pe int) {
	c.pe.pending.Add(func() { *dst = c.Fetch(pe) })
}

func (c *atomicCell) CompareSwap(cond, v int32, pe int) int32 {
	t := c.target(pe)
	for {
		old := t.Load()
		if old != cond {
			return old
		}

		if t.CompareAndSwap(cond, v) {
			return old
		}
	}
}

func (c *atomicCell) Swap(v int32, pe int) int32 { return c.target(pe).Swap(v) }

func (c *atomicCell) Set(v int32, pe int) { c.target(pe).Store(v) }

func (c *atomicCell) Free() error {
	if c.freed {
		return nil
	}

	c.freed = true

	return c.pe.free(c.index, 4)
}
