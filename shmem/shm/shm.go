// Package shm implements shmem.Runtime across processes. One segment file,
// normally under /dev/shm, holds a small header followed by one symmetric
// heap per PE; every PE process maps the whole file, so a remote get, put or
// atomic is a plain memory access into the target PE's heap.
//
// Segment layout:
//
//	0x00  magic          [8]byte "SHMBENCH"
//	0x08  version        uint32
//	0x0C  npes           uint32
//	0x10  heap size      uint64  per PE, multiple of 64
//	0x18  barrier count  uint32
//	0x1C  barrier gen    uint32
//	0x20  aborted        uint32
//	0x24  attached       uint32
//	0x80  heap of PE 0, then PE 1, ...
package shm

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// Environment variables a launched PE process reads to find its segment.
const (
	EnvSegment = "SHMEMBENCH_SEGMENT"
	EnvPE      = "SHMEMBENCH_PE"
)

// Runtime identity reported through shmem.Runtime.Info.
const (
	Name         = "shmembench-shm"
	VersionMajor = 1
	VersionMinor = 5
)

const (
	segmentMagic   = "SHMBENCH"
	segmentVersion = uint32(1)
	headerSize     = 128
	heapAlign      = 64
)

// ErrUnsupported is returned on platforms without shared mappings.
var ErrUnsupported = errors.New("shm: shared-memory runtime not supported on this platform")

// SegmentPath returns the file path for a segment name, preferring /dev/shm.
func SegmentPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", "shmembench_"+name)
	}

	return filepath.Join(os.TempDir(), "shmembench_"+name)
}

// Launched reports whether this process was started as a PE by a launcher.
func Launched() bool {
	return os.Getenv(EnvSegment) != ""
}

// Layout returns the per-PE heap size rounded up to the heap alignment and
// the total segment size for npes PEs.
func Layout(npes int, heapSize int64) (int64, int64, error) {
	if npes < 1 {
		return 0, 0, fmt.Errorf("shm: need at least one PE, got %d", npes)
	}

	if heapSize < 1 {
		return 0, 0, fmt.Errorf("shm: heap size must be positive, got %d", heapSize)
	}

	hs := alignUp(heapSize, heapAlign)
	if hs > (math.MaxInt-headerSize)/int64(npes) {
		return 0, 0, fmt.Errorf("shm: segment for %d PEs of %d bytes overflows", npes, hs)
	}

	return hs, int64(headerSize) + int64(npes)*hs, nil
}

func alignUp(n, align int64) int64 {
	return (n + align - 1) / align * align
}

// peFromEnv reads the segment path and PE id set by the launcher.
func peFromEnv() (string, int, error) {
	path := os.Getenv(EnvSegment)
	if path == "" {
		return "", 0, fmt.Errorf("shm: %s is not set", EnvSegment)
	}

	pe, err := strconv.Atoi(os.Getenv(EnvPE))
	if err != nil {
		return "", 0, fmt.Errorf("shm: parse %s: %w", EnvPE, err)
	}

	return path, pe, nil
}
