package util

import (
	"math/bits"

	"golang.org/x/exp/constraints"
)

// Pixel is the sample type of a frame plane. 8 bit planes store uint8,
// 10 and 12 bit planes store uint16.
type Pixel interface {
	~uint8 | ~uint16
}

func Min[T constraints.Ordered](args ...T) T {
	if len(args) == 0 {
		return *new(T)
	}

	min := args[0]
	for _, arg := range args[1:] {
		if arg < min {
			min = arg
		}
	}
	return min
}

func Max[T constraints.Ordered](args ...T) T {
	if len(args) == 0 {
		return *new(T)
	}

	max := args[0]
	for _, arg := range args[1:] {
		if arg > max {
			max = arg
		}
	}
	return max
}

// Clip3 clamps value to the inclusive range [low, high].
func Clip3[T constraints.Ordered](value T, low T, high T) T {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

// FloorLog2 returns floor(log2(n)) for n > 0.
func FloorLog2(n int) int {
	if n <= 0 {
		return 0
	}
	return bits.Len(uint(n)) - 1
}

// Align rounds value up to the next multiple of alignment, which must be a
// power of two.
func Align(value int, alignment int) int {
	return (value + alignment - 1) &^ (alignment - 1)
}

func DivideBy2(n int) int { return n >> 1 }

func DivideBy4(n int) int { return n >> 2 }

func DivideBy16(n int) int { return n >> 4 }

func MultiplyBy4(n int) int { return n << 2 }

// RightShiftWithRounding shifts value right by count bits, rounding half up.
func RightShiftWithRounding(value int, count int) int {
	return (value + (1 << count >> 1)) >> count
}
