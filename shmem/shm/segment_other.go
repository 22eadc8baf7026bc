//go:build !linux

package shm

import "github.com/weiihann/shmembench/shmem"

// Segment is unavailable on this platform.
type Segment struct{}

func Create(string, int, int64) (*Segment, error) { return nil, ErrUnsupported }

func Open(string) (*Segment, error) { return nil, ErrUnsupported }

func AttachFromEnv() (shmem.Runtime, error) { return nil, ErrUnsupported }

func (s *Segment) Path() string { return "" }
func (s *Segment) NumPEs() int { return 0 }
func (s *Segment) HeapSize() int64 { return 0 }
func (s *Segment) Attached() int { return 0 }
func (s *Segment) Abort() {}
func (s *Segment) Close() error { return ErrUnsupported }
func (s *Segment) Remove() error { return ErrUnsupported }
