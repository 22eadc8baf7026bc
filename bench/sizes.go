package bench

import (
	"errors"
	"fmt"
	"slices"
)

// DefaultMaxExponent bounds the default sweep: 2^0 through 2^20 bytes.
const DefaultMaxExponent = 20

// ErrInvalidSize is returned for message sizes that cannot form a sweep.
var ErrInvalidSize = errors.New("invalid message size")

// ResolveSizes builds the message-size sweep. An explicit list wins and is
// returned in the given order. Otherwise maxSize selects every power of two up
// to and including it. With neither, the default 1 B to 1 MiB sweep is
// used.
func ResolveSizes(explicit []int, maxSize *int) ([]int, error) {
	if len(explicit) > 0 {
		for _, size := range explicit {
			if size < 1 {
				return nil, fmt.Errorf("%w: %d (sizes must be positive)",
					ErrInvalidSize, size)
			}
		}

		return slices.Clone(explicit), nil
	}

	if maxSize != nil {
		if *maxSize < 1 {
			return nil, fmt.Errorf("%w: maximum %d (must be at least 1)",
				ErrInvalidSize, *maxSize)
		}

		return powersOfTwo(*maxSize), nil
	}

	return powersOfTwo(1 << DefaultMaxExponent), nil
}

func powersOfTwo(limit int) []int {
	var sizes []int
	for size := 1; size > 0 && size <= limit; size <<= 1 {
		sizes = append(sizes, size)
	}

	return sizes
}

// MaxSize returns the largest entry of a non-empty sweep.
func MaxSize(sizes []int) int {
	return slices.Max(sizes)
}

// MinSize returns the smallest entry of a non-empty sweep.
func MinSize(sizes []int) int {
	return slices.Min(sizes)
}
