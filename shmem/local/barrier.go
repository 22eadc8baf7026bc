package local

import (
	"sync"

	"github.com/weiihann/shmembench/shmem"
)

// barrier is a reusable counting barrier. The generation number changes
// every time the last PE arrives, which releases the waiters of that round
// without letting them fall through the next one.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	n       int
	count   int
	gen     uint64
	aborted bool
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n}
	b.cond = sync.NewCond(&b.mu)

	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.aborted {
		panic(shmem.ErrAborted)
	}

	gen := b.gen
	b.count++

	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()

		return
	}

	for gen == b.gen && !b.aborted {
		b.cond.Wait()
	}

	if gen == b.gen {
		panic(shmem.ErrAborted)
	}
}

func (b *barrier) abort() {
	b.mu.Lock()
	b.aborted = true
	b.cond.Broadcast()
	b.mu.Unlock()
}
