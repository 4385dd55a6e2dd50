package dsp

import (
	"github.com/kpfaulkner/av1-go/util"
)

const (
	// CdefBorder is the number of border samples the filter reads on each
	// side of a processing unit.
	CdefBorder = 2
	// CdefLargeValue marks an out-of-picture sample in a bordered working
	// block. It is strictly outside the valid range of 8, 10 and 12 bit
	// pixels, so the kernel can tell "no neighbor" from a real sample.
	CdefLargeValue = 0x4000
)

// CdefDirectionFunc estimates the dominant edge direction and variance of the
// 8x8 block at src[idx].
type CdefDirectionFunc[P util.Pixel] func(src []P, idx int, stride int) (direction int, variance int32)

// CdefFilterFunc runs the nonlinear directional filter over a width x height
// block of the bordered uint16 working buffer at src[idx], writing the result
// to dst[dstIdx]. Samples equal to CdefLargeValue contribute nothing.
type CdefFilterFunc[P util.Pixel] func(src []uint16, idx int, stride int,
	width int, height int, primaryStrength int, secondaryStrength int,
	damping int, direction int, dst []P, dstIdx int, dstStride int)

// Funcs is the capability table of filter kernels the pipeline calls into.
// Accelerated backends replace individual entries; the reference entries are
// portable Go.
type Funcs[P util.Pixel] struct {
	CdefDirection CdefDirectionFunc[P]
	CdefFilter    CdefFilterFunc[P]
}

// ReferenceFuncs returns the portable kernels for the given bit depth.
func ReferenceFuncs[P util.Pixel](bitdepth int) Funcs[P] {
	coeffShift := bitdepth - 8
	return Funcs[P]{
		CdefDirection: func(src []P, idx int, stride int) (int, int32) {
			return cdefDirection(src, idx, stride, coeffShift)
		},
		CdefFilter: func(src []uint16, idx int, stride int, width int, height int,
			primaryStrength int, secondaryStrength int, damping int, direction int,
			dst []P, dstIdx int, dstStride int) {
			cdefFilter(src, idx, stride, width, height, primaryStrength,
				secondaryStrength, damping, direction, coeffShift, dst, dstIdx, dstStride)
		},
	}
}

var cdefDivisionTable = [8]int32{840, 420, 280, 210, 168, 140, 120, 105}

var cdefDivisionTableOdd = [3]int32{420, 210, 140}

func square(x int32) int32 { return x * x }

// cdefDirection computes directional partial sums over the 8x8 block and
// picks the direction with the largest cost. The variance is the gap between
// the best cost and the cost of the orthogonal direction.
func cdefDirection[P util.Pixel](src []P, idx int, stride int, coeffShift int) (int, int32) {
	var cost [8]int32
	var partial [8][15]int32
	for i := 0; i < 8; i++ {
		for j := 0; j < 8; j++ {
			x := int32(src[idx+i*stride+j]>>coeffShift) - 128
			partial[0][i+j] += x
			partial[1][i+j/2] += x
			partial[2][i] += x
			partial[3][3+i-j/2] += x
			partial[4][7+i-j] += x
			partial[5][3-i/2+j] += x
			partial[6][j] += x
			partial[7][i/2+j] += x
		}
	}
	for i := 0; i < 8; i++ {
		cost[2] += square(partial[2][i])
		cost[6] += square(partial[6][i])
	}
	cost[2] *= cdefDivisionTable[7]
	cost[6] *= cdefDivisionTable[7]
	for i := 0; i < 7; i++ {
		cost[0] += (square(partial[0][i]) + square(partial[0][14-i])) * cdefDivisionTable[i]
		cost[4] += (square(partial[4][i]) + square(partial[4][14-i])) * cdefDivisionTable[i]
	}
	cost[0] += square(partial[0][7]) * cdefDivisionTable[7]
	cost[4] += square(partial[4][7]) * cdefDivisionTable[7]
	for i := 1; i < 8; i += 2 {
		for j := 0; j < 5; j++ {
			cost[i] += square(partial[i][3+j])
		}
		cost[i] *= cdefDivisionTable[7]
		for j := 0; j < 3; j++ {
			cost[i] += (square(partial[i][j]) + square(partial[i][10-j])) * cdefDivisionTableOdd[j]
		}
	}
	direction := 0
	bestCost := int32(0)
	for i := 0; i < 8; i++ {
		if cost[i] > bestCost {
			bestCost = cost[i]
			direction = i
		}
	}
	variance := (bestCost - cost[(direction+4)&7]) >> 10
	return direction, variance
}

// cdefDirectionOffsets lists, per direction, the {row, column} offsets of the
// two primary taps on one side of the filtered sample.
var cdefDirectionOffsets = [8][2][2]int{
	{{-1, 1}, {-2, 2}},
	{{0, 1}, {-1, 2}},
	{{0, 1}, {0, 2}},
	{{0, 1}, {1, 2}},
	{{1, 1}, {2, 2}},
	{{1, 0}, {2, 1}},
	{{1, 0}, {2, 0}},
	{{1, 0}, {2, -1}},
}

var cdefPrimaryTaps = [2][2]int32{{4, 2}, {3, 3}}

var cdefSecondaryTaps = [2]int32{2, 1}

// constrain limits a neighbor difference so that only differences below the
// strength threshold pass through at full weight.
func constrain(diff int32, threshold int32, damping int) int32 {
	if threshold == 0 {
		return 0
	}
	abs := diff
	sign := int32(1)
	if diff < 0 {
		abs = -diff
		sign = -1
	}
	shift := util.Max(0, damping-util.FloorLog2(int(threshold)))
	return sign * util.Clip3(threshold-(abs>>shift), 0, abs)
}

func cdefFilter[P util.Pixel](src []uint16, idx int, stride int,
	width int, height int, primaryStrength int, secondaryStrength int,
	damping int, direction int, coeffShift int, dst []P, dstIdx int, dstStride int) {
	priTaps := cdefPrimaryTaps[(primaryStrength>>coeffShift)&1]
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			pos := idx + y*stride + x
			pixel := int32(src[pos])
			sum := int32(0)
			minValue := pixel
			maxValue := pixel

			accumulate := func(value int32, tap int32, strength int) {
				if value == CdefLargeValue {
					return
				}
				sum += tap * constrain(value-pixel, int32(strength), damping)
				if value < minValue {
					minValue = value
				}
				if value > maxValue {
					maxValue = value
				}
			}

			for k := 0; k < 2; k++ {
				if primaryStrength != 0 {
					dy := cdefDirectionOffsets[direction][k][0]
					dx := cdefDirectionOffsets[direction][k][1]
					accumulate(int32(src[pos+dy*stride+dx]), priTaps[k], primaryStrength)
					accumulate(int32(src[pos-dy*stride-dx]), priTaps[k], primaryStrength)
				}
				if secondaryStrength != 0 {
					for _, rotation := range [2]int{2, 6} {
						d := (direction + rotation) & 7
						dy := cdefDirectionOffsets[d][k][0]
						dx := cdefDirectionOffsets[d][k][1]
						accumulate(int32(src[pos+dy*stride+dx]), cdefSecondaryTaps[k], secondaryStrength)
						accumulate(int32(src[pos-dy*stride-dx]), cdefSecondaryTaps[k], secondaryStrength)
					}
				}
			}

			offset := int32(8)
			if sum < 0 {
				offset = 7
			}
			dst[dstIdx+y*dstStride+x] = P(util.Clip3(pixel+((offset+sum)>>4), minValue, maxValue))
		}
	}
}
