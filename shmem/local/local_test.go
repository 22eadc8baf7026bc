package local

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiihann/shmembench/shmem"
)

func TestNewWorldRejectsEmptyGroup(t *testing.T) {
	_, err := NewWorld(Config{NumPEs: 0})
	require.Error(t, err)

	_, err = NewWorld(Config{NumPEs: 2, HeapSize: -1})
	require.Error(t, err)
}

func TestRunIdentity(t *testing.T) {
	var seen [4]atomic.Bool

	err := Run(context.Background(), Config{NumPEs: 4},
		func(_ context.Context, rt shmem.Runtime) error {
			assert.Equal(t, 4, rt.NumPEs())
			assert.Equal(t, Name, rt.Info().Name)
			assert.Equal(t, "1.5", rt.Info().Version())
			seen[rt.MyPE()].Store(true)

			return nil
		})
	require.NoError(t, err)

	for i := range seen {
		assert.True(t, seen[i].Load(), "PE %d never ran", i)
	}
}

func TestBarrierOrdersPhases(t *testing.T) {
	const rounds = 50

	var arrived atomic.Int64

	err := Run(context.Background(), Config{NumPEs: 3},
		func(_ context.Context, rt shmem.Runtime) error {
			for round := 1; round <= rounds; round++ {
				arrived.Add(1)
				rt.BarrierAll()

				if got := arrived.Load(); got < int64(round*3) {
					t.Errorf("round %d: %d arrivals visible after barrier",
						round, got)
				}

				rt.BarrierAll()
			}

			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, int64(rounds*3), arrived.Load())
}

func TestPutThenGetAcrossPEs(t *testing.T) {
	err := Run(context.Background(), Config{NumPEs: 2},
		func(_ context.Context, rt shmem.Runtime) error {
			buf, err := rt.AllocWith(8, func(i int) byte {
				return byte(rt.MyPE()*10 + i)
			})
			if err != nil {
				return err
			}
			defer buf.Free()

			// Each PE reads the other PE's initial pattern.
			peer := 1 - rt.MyPE()
			got := make([]byte, 4)
			buf.Get(got, 2, peer)
			assert.Equal(t,
				[]byte{byte(peer*10 + 2), byte(peer*10 + 3),
					byte(peer*10 + 4), byte(peer*10 + 5)},
				got)

			rt.BarrierAll()

			if rt.MyPE() == 1 {
				buf.Put([]byte{0xAA, 0xBB}, 0, 0)
			}

			rt.Quiet()
			rt.BarrierAll()

			if rt.MyPE() == 0 {
				local := make([]byte, 2)
				buf.Get(local, 0, 0)
				assert.Equal(t, []byte{0xAA, 0xBB}, local)
			}

			return nil
		})
	require.NoError(t, err)
}

func TestAtomicCellOps(t *testing.T) {
	const ntimes = 100

	var final atomic.Int32

	err := Run(context.Background(), Config{NumPEs: 4},
		func(_ context.Context, rt shmem.Runtime) error {
			c, err := rt.AllocCell(0)
			if err != nil {
				return err
			}
			defer c.Free()

			for i := 0; i < ntimes; i++ {
				c.Add(1, 0)
			}

			rt.BarrierAll()

			if rt.MyPE() == 0 {
				final.Store(c.Fetch(0))
			}

			rt.BarrierAll()

			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, int32(ntimes*4), final.Load())
}

func TestCompareSwapSingleWinner(t *testing.T) {
	var winners atomic.Int32

	err := Run(context.Background(), Config{NumPEs: 4},
		func(_ context.Context, rt shmem.Runtime) error {
			c, err := rt.AllocCell(-1)
			if err != nil {
				return err
			}
			defer c.Free()

			if prev := c.CompareSwap(-1, int32(rt.MyPE()), 0); prev == -1 {
				winners.Add(1)
			}

			rt.BarrierAll()

			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, int32(1), winners.Load())
}

func TestSwapAndSet(t *testing.T) {
	err := Run(context.Background(), Config{NumPEs: 1},
		func(_ context.Context, rt shmem.Runtime) error {
			c, err := rt.AllocCell(7)
			if err != nil {
				return err
			}
			defer c.Free()

			assert.Equal(t, int32(7), c.Swap(9, 0))
			c.Set(11, 0)
			c.Inc(0)
			assert.Equal(t, int32(12), c.Fetch(0))

			return nil
		})
	require.NoError(t, err)
}

func TestHeapLimit(t *testing.T) {
	err := Run(context.Background(), Config{NumPEs: 2, HeapSize: 16},
		func(_ context.Context, rt shmem.Runtime) error {
			buf, err := rt.Alloc(16)
			if err != nil {
				return err
			}

			_, err = rt.Alloc(1)
			if !errors.Is(err, shmem.ErrHeapExhausted) {
				t.Errorf("second alloc: got %v, want ErrHeapExhausted", err)
			}

			if err := buf.Free(); err != nil {
				return err
			}

			again, err := rt.Alloc(16)
			if err != nil {
				return err
			}

			return again.Free()
		})
	require.NoError(t, err)
}

func TestFailingPEAbortsPeers(t *testing.T) {
	boom := errors.New("boom")

	err := Run(context.Background(), Config{NumPEs: 3},
		func(_ context.Context, rt shmem.Runtime) error {
			if rt.MyPE() == 2 {
				return boom
			}

			// Would hang forever without the abort.
			rt.BarrierAll()

			return nil
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, shmem.ErrAborted)
}

func TestOutOfRangeAccessPanics(t *testing.T) {
	w, err := NewWorld(Config{NumPEs: 1})
	require.NoError(t, err)

	pe := w.PE(0)
	buf, err := pe.Alloc(4)
	require.NoError(t, err)

	assert.Panics(t, func() { buf.Get(make([]byte, 5), 0, 0) })
	assert.Panics(t, func() { buf.Put([]byte{1}, 4, 0) })
	require.NoError(t, buf.Free())
	require.NoError(t, pe.Finalize())
	assert.ErrorIs(t, pe.Finalize(), shmem.ErrFinalized)
}

func TestNonBlockingOpsCompleteOnQuiet(t *testing.T) {
	err := Run(context.Background(), Config{NumPEs: 2},
		func(_ context.Context, rt shmem.Runtime) error {
			buf, err := rt.AllocWith(4, func(i int) byte { return byte(rt.MyPE()*10 + i) })
			if err != nil {
				return err
			}
			defer buf.Free()

			c, err := rt.AllocCell(7)
			if err != nil {
				return err
			}
			defer c.Free()

			if rt.MyPE() == 1 {
				// PE 0 never writes its copy, so anything seen here came
				// from this PE.
				buf.PutNBI([]byte("abcd"), 0, 0)

				var v int32 = -1
				c.FetchNBI(&v, 0)

				got := make([]byte, 2)
				buf.GetNBI(got, 2, 0)

				before := make([]byte, 4)
				buf.Get(before, 0, 0)
				assert.Equal(t, []byte{0, 1, 2, 3}, before, "put landed before quiet")
				assert.Equal(t, int32(-1), v, "fetch landed before quiet")
				assert.Equal(t, []byte{0, 0}, got, "get landed before quiet")

				rt.Quiet()

				after := make([]byte, 4)
				buf.Get(after, 0, 0)
				assert.Equal(t, "abcd", string(after))
				assert.Equal(t, int32(7), v)
				assert.Equal(t, "cd", string(got), "get completes after the earlier put")
			}

			rt.BarrierAll()

			return nil
		})
	require.NoError(t, err)
}

func TestBarrierCompletesNonBlockingPuts(t *testing.T) {
	err := Run(context.Background(), Config{NumPEs: 3},
		func(_ context.Context, rt shmem.Runtime) error {
			buf, err := rt.Alloc(3)
			if err != nil {
				return err
			}
			defer buf.Free()

			buf.PutNBI([]byte{byte(rt.MyPE() + 1)}, rt.MyPE(), 0)
			rt.BarrierAll()

			if rt.MyPE() == 0 {
				got := make([]byte, 3)
				buf.Get(got, 0, 0)
				assert.Equal(t, []byte{1, 2, 3}, got)
			}

			rt.BarrierAll()

			return nil
		})
	require.NoError(t, err)
}
