//go:build linux

package shm

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/weiihann/shmembench/shmem"
	"golang.org/x/sys/unix"
)

// Linux futex operations. The segment is shared between processes, so the
// private variants cannot be used.
const (
	futexWait = 0
	futexWake = 1
)

// spinsBeforePark bounds how long a barrier waiter polls before sleeping in
// the kernel.
const spinsBeforePark = 2000

// Segment is a mapped segment file.
type Segment struct {
	file *os.File
	mem  []byte
	path string

	npes     int
	heapSize int64
}

// Create makes a new segment file at path for npes PEs with heapSize bytes
// of symmetric heap each. The file must not exist.
func Create(path string, npes int, heapSize int64) (*Segment, error) {
	hs, total, err := Layout(npes, heapSize)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(total); err != nil {
		cleanup()
		return nil, fmt.Errorf("resize segment %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(total),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mmap segment %s: %w", path, err)
	}

	s := &Segment{file: file, mem: mem, path: path, npes: npes, heapSize: hs}

	copy(s.mem[0:8], segmentMagic)
	atomic.StoreUint32(s.word(0x08), segmentVersion)
	atomic.StoreUint32(s.word(0x0C), uint32(npes))
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&s.mem[0x10])), uint64(hs))

	return s, nil
}

// Open maps an existing segment file and validates its header.
func Open(path string) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat segment %s: %w", path, err)
	}

	if info.Size() < headerSize {
		file.Close()
		return nil, fmt.Errorf("segment %s too small: %d bytes", path, info.Size())
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmap segment %s: %w", path, err)
	}

	s := &Segment{file: file, mem: mem, path: path}

	if err := s.validate(info.Size()); err != nil {
		s.Close()
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}

	return s, nil
}

func (s *Segment) validate(size int64) error {
	if string(s.mem[0:8]) != segmentMagic {
		return fmt.Errorf("bad magic %q", s.mem[0:8])
	}

	if v := atomic.LoadUint32(s.word(0x08)); v != segmentVersion {
		return fmt.Errorf("unsupported version %d", v)
	}

	s.npes = int(atomic.LoadUint32(s.word(0x0C)))
	s.heapSize = int64(atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.mem[0x10]))))

	_, total, err := Layout(s.npes, s.heapSize)
	if err != nil {
		return err
	}

	if total != size {
		return fmt.Errorf("size %d does not match %d PEs of %d bytes",
			size, s.npes, s.heapSize)
	}

	return nil
}

// Path returns the segment file path.
func (s *Segment) Path() string { return s.path }

// NumPEs returns the PE count recorded in the header.
func (s *Segment) NumPEs() int { return s.npes }

// HeapSize returns the per-PE heap size recorded in the header.
func (s *Segment) HeapSize() int64 { return s.heapSize }

// Attached returns how many PEs have attached so far.
func (s *Segment) Attached() int {
	return int(atomic.LoadUint32(s.word(0x24)))
}

// Abort marks the group as failed and wakes every barrier waiter.
func (s *Segment) Abort() {
	atomic.StoreUint32(s.word(0x20), 1)
	atomic.AddUint32(s.word(0x1C), 1)
	wake(s.word(0x1C))
}

func (s *Segment) aborted() bool {
	return atomic.LoadUint32(s.word(0x20)) != 0
}

// Close unmaps the segment and closes the file.
func (s *Segment) Close() error {
	var err error
	if s.mem != nil {
		if uerr := unix.Munmap(s.mem); uerr != nil {
			err = fmt.Errorf("munmap segment %s: %w", s.path, uerr)
		}

		s.mem = nil
	}

	if s.file != nil {
		if cerr := s.file.Close(); cerr != nil && err == nil {
			err = cerr
		}

		s.file = nil
	}

	return err
}

// Remove closes the segment and deletes its file.
func (s *Segment) Remove() error {
	cerr := s.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove segment %s: %w", s.path, err)
	}

	return cerr
}

func (s *Segment) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[off]))
}

// heap returns PE pe's symmetric heap.
func (s *Segment) heap(pe int) []byte {
	start := int64(headerSize) + int64(pe)*s.heapSize

	return s.mem[start : start+s.heapSize : start+s.heapSize]
}

// barrier is a central counting barrier. The last PE to arrive resets the
// count before it bumps the generation, so a PE released early cannot have
// its next arrival wiped out.
func (s *Segment) barrier() {
	count, gen := s.word(0x18), s.word(0x1C)

	// Load the generation before checking the flag. Abort sets the flag
	// before it bumps the generation, so a PE racing with Abort either
	// sees the flag here or parks on a generation that has already moved.
	g := atomic.LoadUint32(gen)

	if s.aborted() {
		panic(shmem.ErrAborted)
	}

	if atomic.AddUint32(count, 1) == uint32(s.npes) {
		atomic.StoreUint32(count, 0)
		atomic.AddUint32(gen, 1)
		wake(gen)

		return
	}

	for spins := 0; atomic.LoadUint32(gen) == g; spins++ {
		if spins < spinsBeforePark {
			runtime.Gosched()
			continue
		}

		wait(gen, g)
	}

	if s.aborted() {
		panic(shmem.ErrAborted)
	}
}

func wait(addr *uint32, val uint32) {
	// EAGAIN (value already changed) and EINTR both mean "re-check".
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexWait, uintptr(val), 0, 0, 0)
}

func wake(addr *uint32) {
	_, _, _ = unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexWake, uintptr(1<<31-1), 0, 0, 0)
}
