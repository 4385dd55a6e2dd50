package cdef

import (
	"github.com/kpfaulkner/av1-go/buffer"
	"github.com/kpfaulkner/av1-go/dsp"
	"github.com/kpfaulkner/av1-go/util"
)

const (
	// unitSize is the largest addressable filter unit in luma pixels; one
	// strength index applies per unit.
	unitSize = 64
	// unitSizeWithBorders is the row stride of the bordered working block.
	unitSizeWithBorders = unitSize + 2*dsp.CdefBorder

	// step64x64 is the 4x4-grid step of one 64x64 unit.
	step64x64 = 16
	// blockStep is the filter sub-block size in luma pixels.
	blockStep    = 8
	blockStep4x4 = 2

	maxWindowWidth  = 1024
	maxWindowHeight = 512
)

// uvDirectionTable remaps a luma direction to the chroma direction, indexed
// by [subsamplingX][subsamplingY][lumaDirection]. The values are fixed by the
// format; reproducing them exactly is required for bit-exact output.
var uvDirectionTable = [2][2][8]uint8{
	{{0, 1, 2, 3, 4, 5, 6, 7}, {1, 2, 2, 2, 3, 4, 6, 0}},
	{{7, 0, 2, 4, 5, 6, 6, 6}, {0, 1, 2, 3, 4, 5, 6, 7}},
}

// Config carries the already-decoded per-frame filter parameters. How the
// strengths are derived from the bitstream is the caller's concern.
type Config struct {
	// SuperBlockSize is 64 or 128 luma pixels; it only affects the
	// sequential row-lag schedule. Zero means 64.
	SuperBlockSize int

	Rows4x4    int
	Columns4x4 int

	Damping int

	// Per strength index (up to 8 entries).
	YPrimaryStrength    []uint8
	YSecondaryStrength  []uint8
	UVPrimaryStrength   []uint8
	UVSecondaryStrength []uint8

	// StrengthIndex holds one strength table index per 64x64 unit;
	// -1 disables filtering for the unit (plain copy).
	StrengthIndex [][]int8

	// Skip holds the per-4x4-block skip flags from the block parameters.
	Skip [][]bool
}

// Filter applies the constrained directional enhancement filter to one frame.
// It reads the loop-filtered source buffer and writes a distinct destination
// buffer; working blocks read unfiltered neighbors from the source, so the
// destination must not alias it. With a worker pool Apply processes the frame
// in bounded windows fanned out over the pool; without one, or when the
// caller drives ApplyForOneSuperBlockRow directly, units are filtered
// superblock row by superblock row with the cross-row lag schedule, writing
// straight to the destination.
type Filter[P util.Pixel] struct {
	cfg   Config
	funcs dsp.Funcs[P]
	pool  *util.WorkerPool
	src   *buffer.YUVBuffer[P]
	dst   *buffer.YUVBuffer[P]

	planes       int
	subsamplingX [3]int
	subsamplingY [3]int
	rows4x4      int
	columns4x4   int

	windowWidth  int
	windowHeight int
	window       []P

	cdefBlock []uint16
}

// NewFilter builds a filter pass over src/dst. A nil pool selects the
// single-threaded path.
func NewFilter[P util.Pixel](cfg Config, funcs dsp.Funcs[P], pool *util.WorkerPool,
	src *buffer.YUVBuffer[P], dst *buffer.YUVBuffer[P]) *Filter[P] {
	if cfg.SuperBlockSize == 0 {
		cfg.SuperBlockSize = 64
	}
	f := &Filter[P]{
		cfg:        cfg,
		funcs:      funcs,
		pool:       pool,
		src:        src,
		dst:        dst,
		planes:     src.NumPlanes(),
		rows4x4:    cfg.Rows4x4,
		columns4x4: cfg.Columns4x4,
	}
	for plane := 0; plane < f.planes; plane++ {
		f.subsamplingX[plane] = src.SubsamplingX(plane)
		f.subsamplingY[plane] = src.SubsamplingY(plane)
	}
	if pool != nil {
		f.windowWidth = util.Min(util.Align(src.Width(buffer.PlaneY), unitSize), maxWindowWidth)
		f.windowHeight = util.Min(util.Align(src.Height(buffer.PlaneY), unitSize), maxWindowHeight)
		f.window = make([]P, f.planes*f.windowWidth*f.windowHeight)
	}
	f.cdefBlock = make([]uint16, 3*unitSizeWithBorders*unitSizeWithBorders)
	return f
}

// Apply filters the whole frame.
func (f *Filter[P]) Apply() {
	if f.pool != nil {
		f.applyThreaded()
		return
	}
	sb4x4 := f.cfg.SuperBlockSize / 4
	for row4x4 := 0; row4x4 < f.rows4x4; row4x4 += sb4x4 {
		f.ApplyForOneSuperBlockRow(row4x4, sb4x4, row4x4+sb4x4 >= f.rows4x4)
	}
}

// ApplyForOneSuperBlockRow filters one superblock row in the single-threaded
// path. The bottom 8 luma rows of each superblock row are deferred until the
// next row starts, because their working blocks read pixels below them; the
// last row finishes everything immediately. For a 128 superblock on the last
// row the deferred rows are finished only on the first 64-pixel iteration.
func (f *Filter[P]) ApplyForOneSuperBlockRow(row4x4Start int, sb4x4 int, isLastRow bool) {
	for y := 0; y < sb4x4; y += step64x64 {
		row4x4 := row4x4Start + y
		if row4x4 >= f.rows4x4 {
			return
		}

		// Finish the two deferred 4x4 rows of the previous superblock row.
		if row4x4 > 0 && (!isLastRow || y == 0) {
			f.applyForOneSuperBlockRowHelper(row4x4-blockStep4x4, blockStep4x4)
		}

		blockHeight4x4 := util.Min(step64x64, f.rows4x4-row4x4)
		height4x4 := blockHeight4x4 - util.IfThenElse(isLastRow, 0, blockStep4x4)
		if height4x4 > 0 {
			f.applyForOneSuperBlockRowHelper(row4x4, height4x4)
		}
	}
}

func (f *Filter[P]) applyForOneSuperBlockRowHelper(row4x4 int, blockHeight4x4 int) {
	for column4x4 := 0; column4x4 < f.columns4x4; column4x4 += step64x64 {
		index := int(f.cfg.StrengthIndex[util.DivideBy16(row4x4)][util.DivideBy16(column4x4)])
		blockWidth4x4 := util.Min(step64x64, f.columns4x4-column4x4)
		f.applyCdefForOneUnit(f.cdefBlock, index, blockWidth4x4, blockHeight4x4, row4x4, column4x4, false)
	}
}

// applyForOneRowInWindow filters every 64x64 unit of one 64-row band of a
// window. Bands only read the authoritative source buffer, so they are
// independent of each other and of execution order.
func (f *Filter[P]) applyForOneRowInWindow(row4x4 int, column4x4Start int, cdefBlock []uint16) {
	maxColumn4x4 := util.Min(util.DivideBy4(f.windowWidth), f.columns4x4-column4x4Start)
	for column4x4InWindow := 0; column4x4InWindow < maxColumn4x4; column4x4InWindow += step64x64 {
		column4x4 := column4x4Start + column4x4InWindow
		index := int(f.cfg.StrengthIndex[util.DivideBy16(row4x4)][util.DivideBy16(column4x4)])
		blockWidth4x4 := util.Min(step64x64, f.columns4x4-column4x4)
		blockHeight4x4 := util.Min(step64x64, f.rows4x4-row4x4)
		f.applyCdefForOneUnit(cdefBlock, index, blockWidth4x4, blockHeight4x4, row4x4, column4x4, true)
	}
}

// applyThreaded processes the frame window by window in raster order. Within
// a window every 64-row band is an independent job; most bands go to the
// pool and the remainder run inline so the submitting thread works instead of
// idling at the barrier. Once the barrier clears, the window scratch is
// copied back into the destination frame and the next window begins.
func (f *Filter[P]) applyThreaded() {
	numWorkers := f.pool.NumWorkers()
	windowHeight4x4 := util.DivideBy4(f.windowHeight)
	for row4x4 := 0; row4x4 < f.rows4x4; row4x4 += windowHeight4x4 {
		actualWindowHeight4x4 := util.Min(windowHeight4x4, f.rows4x4-row4x4)
		verticalUnits := util.DivideBy16(actualWindowHeight4x4 + 15)
		for column4x4 := 0; column4x4 < f.columns4x4; column4x4 += util.DivideBy4(f.windowWidth) {
			jobsForPool := verticalUnits * numWorkers / (numWorkers + 1)
			pending := util.NewBlockingCounter(jobsForPool)
			jobCount := 0
			for row64 := 0; row64 < actualWindowHeight4x4; row64 += step64x64 {
				bandRow4x4 := row4x4 + row64
				bandColumn4x4 := column4x4
				if jobCount < jobsForPool {
					f.pool.Schedule(func() {
						var cdefBlock [3 * unitSizeWithBorders * unitSizeWithBorders]uint16
						f.applyForOneRowInWindow(bandRow4x4, bandColumn4x4, cdefBlock[:])
						pending.Decrement()
					})
				} else {
					var cdefBlock [3 * unitSizeWithBorders * unitSizeWithBorders]uint16
					f.applyForOneRowInWindow(bandRow4x4, bandColumn4x4, cdefBlock[:])
				}
				jobCount++
			}
			pending.Wait()

			for plane := 0; plane < f.planes; plane++ {
				ssx := f.subsamplingX[plane]
				ssy := f.subsamplingY[plane]
				planeRow := util.MultiplyBy4(row4x4) >> ssy
				planeColumn := util.MultiplyBy4(column4x4) >> ssx
				copyWidth := util.Min(f.columns4x4-column4x4, util.DivideBy4(f.windowWidth))
				copyWidth = util.Min(util.MultiplyBy4(copyWidth)>>ssx, f.src.Width(plane)-planeColumn)
				copyHeight := util.Min(f.rows4x4-row4x4, windowHeight4x4)
				copyHeight = util.Min(util.MultiplyBy4(copyHeight)>>ssy, f.src.Height(plane)-planeRow)
				copyPixels(f.window, plane*f.windowWidth*f.windowHeight, f.windowWidth,
					f.dst.Plane(plane),
					f.dst.OriginOffset(plane)+planeRow*f.dst.Stride(plane)+planeColumn,
					f.dst.Stride(plane), copyWidth, copyHeight)
			}
		}
	}
}

// getCdefBufferAndStride returns where the filtered output of the unit at
// (startX, startY) of the given plane goes: the window scratch for threaded
// window jobs, the destination frame otherwise.
func (f *Filter[P]) getCdefBufferAndStride(startX int, startY int, plane int, toWindow bool) ([]P, int, int) {
	if toWindow {
		stride := f.windowWidth
		columnWindow := startX % (f.windowWidth >> f.subsamplingX[plane])
		rowWindow := startY % (f.windowHeight >> f.subsamplingY[plane])
		idx := plane*f.windowWidth*f.windowHeight + rowWindow*stride + columnWindow
		return f.window, idx, stride
	}
	stride := f.dst.Stride(plane)
	return f.dst.Plane(plane), f.dst.OriginOffset(plane) + startY*stride + startX, stride
}

// directionIdx returns the index of the 8x8 luma window the direction
// estimator reads for the sub-block at (row4x4, column4x4). At the right and
// bottom picture edges the window is shifted back inside the picture so the
// estimator never reads out-of-picture samples.
func (f *Filter[P]) directionIdx(row4x4 int, column4x4 int) int {
	y := util.Min(util.MultiplyBy4(row4x4), f.src.Height(buffer.PlaneY)-blockStep)
	x := util.Min(util.MultiplyBy4(column4x4), f.src.Width(buffer.PlaneY)-blockStep)
	stride := f.src.Stride(buffer.PlaneY)
	return f.src.OriginOffset(buffer.PlaneY) + util.Max(0, y)*stride + util.Max(0, x)
}

// skipUnit reports whether all four 4x4 blocks co-located with the 8x8 unit
// at (row4x4, column4x4) are skip blocks.
func (f *Filter[P]) skipUnit(row4x4 int, column4x4 int) bool {
	row1 := util.Min(row4x4+1, f.rows4x4-1)
	column1 := util.Min(column4x4+1, f.columns4x4-1)
	return f.cfg.Skip[row4x4][column4x4] && f.cfg.Skip[row4x4][column1] &&
		f.cfg.Skip[row1][column4x4] && f.cfg.Skip[row1][column1]
}

// scalePrimaryStrength applies the variance-adaptive scaling of the luma
// primary strength.
func scalePrimaryStrength(primaryStrength int, variance int32) int {
	if variance == 0 {
		return 0
	}
	varianceStrength := 0
	if variance>>6 != 0 {
		varianceStrength = util.Min(util.FloorLog2(int(variance>>6)), 12)
	}
	return (primaryStrength*(4+varianceStrength) + 8) >> 4
}

// applyCdefForOneUnit filters one unit of up to 64x64 luma pixels. The filter
// itself operates in 8x8 sub-blocks, 4x4 for subsampled chroma.
func (f *Filter[P]) applyCdefForOneUnit(cdefBlock []uint16, index int,
	blockWidth4x4 int, blockHeight4x4 int, row4x4Start int, column4x4Start int,
	toWindow bool) {
	var cdefBuffer [3][]P
	var cdefIdxRowBase [3]int
	var cdefStride [3]int
	var cdefRowBaseStride [3]int
	var srcIdxRowBase [3]int
	var srcRowBaseStride [3]int
	var columnStep [3]int
	for plane := 0; plane < f.planes; plane++ {
		startY := util.MultiplyBy4(row4x4Start) >> f.subsamplingY[plane]
		startX := util.MultiplyBy4(column4x4Start) >> f.subsamplingX[plane]
		cdefBuffer[plane], cdefIdxRowBase[plane], cdefStride[plane] =
			f.getCdefBufferAndStride(startX, startY, plane, toWindow)
		cdefRowBaseStride[plane] = cdefStride[plane] * (blockStep >> f.subsamplingY[plane])
		srcIdxRowBase[plane] = f.src.OriginOffset(plane) + startY*f.src.Stride(plane) + startX
		srcRowBaseStride[plane] = f.src.Stride(plane) * (blockStep >> f.subsamplingY[plane])
		columnStep[plane] = blockStep >> f.subsamplingX[plane]
	}

	if index == -1 {
		for plane := 0; plane < f.planes; plane++ {
			copyPixels(f.src.Plane(plane), srcIdxRowBase[plane], f.src.Stride(plane),
				cdefBuffer[plane], cdefIdxRowBase[plane], cdefStride[plane],
				util.MultiplyBy4(blockWidth4x4)>>f.subsamplingX[plane],
				util.MultiplyBy4(blockHeight4x4)>>f.subsamplingY[plane])
		}
		return
	}

	f.prepareCdefBlock(blockWidth4x4, blockHeight4x4, row4x4Start, column4x4Start, cdefBlock)

	computeDirectionAndVariance := f.cfg.YPrimaryStrength[index] != 0
	if f.planes > 1 {
		computeDirectionAndVariance = (f.cfg.YPrimaryStrength[index] | f.cfg.UVPrimaryStrength[index]) != 0
	}

	for row4x4 := row4x4Start; row4x4 < row4x4Start+blockHeight4x4; row4x4 += blockStep4x4 {
		cdefIdx := cdefIdxRowBase
		srcIdx := srcIdxRowBase
		for column4x4 := column4x4Start; column4x4 < column4x4Start+blockWidth4x4; column4x4 += blockStep4x4 {
			skip := f.skipUnit(row4x4, column4x4)
			var directionY int
			var direction int
			var primaryStrength int
			var secondaryStrength int

			for plane := 0; plane < f.planes; plane++ {
				ssx := f.subsamplingX[plane]
				ssy := f.subsamplingY[plane]
				blockWidth := blockStep >> ssx
				blockHeight := blockStep >> ssy

				if skip { // no filtering, bit-identical copy
					copyPixels(f.src.Plane(plane), srcIdx[plane], f.src.Stride(plane),
						cdefBuffer[plane], cdefIdx[plane], cdefStride[plane],
						blockWidth, blockHeight)
					continue
				}

				if plane == buffer.PlaneY {
					variance := int32(0)
					if computeDirectionAndVariance {
						directionY, variance = f.funcs.CdefDirection(
							f.src.Plane(plane), f.directionIdx(row4x4, column4x4), f.src.Stride(plane))
					}
					primaryStrength = int(f.cfg.YPrimaryStrength[index])
					secondaryStrength = int(f.cfg.YSecondaryStrength[index])
					direction = util.IfThenElse(primaryStrength == 0, 0, directionY)
					primaryStrength = scalePrimaryStrength(primaryStrength, variance)
				} else {
					primaryStrength = int(f.cfg.UVPrimaryStrength[index])
					secondaryStrength = int(f.cfg.UVSecondaryStrength[index])
					direction = util.IfThenElse(primaryStrength == 0, 0,
						int(uvDirectionTable[ssx][ssy][directionY]))
				}

				if primaryStrength|secondaryStrength == 0 {
					copyPixels(f.src.Plane(plane), srcIdx[plane], f.src.Stride(plane),
						cdefBuffer[plane], cdefIdx[plane], cdefStride[plane],
						blockWidth, blockHeight)
					continue
				}

				cdefSrcIdx := plane*unitSizeWithBorders*unitSizeWithBorders +
					dsp.CdefBorder*unitSizeWithBorders + dsp.CdefBorder +
					(util.MultiplyBy4(row4x4-row4x4Start)>>ssy)*unitSizeWithBorders +
					(util.MultiplyBy4(column4x4-column4x4Start)>>ssx)
				damping := f.cfg.Damping - util.IfThenElse(plane == buffer.PlaneY, 0, 1)
				f.funcs.CdefFilter(cdefBlock, cdefSrcIdx, unitSizeWithBorders,
					blockWidth, blockHeight, primaryStrength, secondaryStrength,
					damping, direction, cdefBuffer[plane], cdefIdx[plane], cdefStride[plane])
			}

			for plane := 0; plane < f.planes; plane++ {
				cdefIdx[plane] += columnStep[plane]
				srcIdx[plane] += columnStep[plane]
			}
		}

		for plane := 0; plane < f.planes; plane++ {
			cdefIdxRowBase[plane] += cdefRowBaseStride[plane]
			srcIdxRowBase[plane] += srcRowBaseStride[plane]
		}
	}
}

// prepareCdefBlock builds the bordered uint16 working copy of the unit from
// the source frame. Out-of-picture border samples get the large-value
// sentinel so the kernel can exclude them; in-picture borders copy real
// neighboring samples, which for the bottom rows belong to the not yet
// filtered next superblock row.
func (f *Filter[P]) prepareCdefBlock(blockWidth4x4 int, blockHeight4x4 int,
	row4x4 int, column4x4 int, cdefBlock []uint16) {
	for plane := 0; plane < f.planes; plane++ {
		cdefIdx := plane*unitSizeWithBorders*unitSizeWithBorders + dsp.CdefBorder
		ssx := f.subsamplingX[plane]
		ssy := f.subsamplingY[plane]
		startX := util.MultiplyBy4(column4x4) >> ssx
		startY := util.MultiplyBy4(row4x4) >> ssy
		planeWidth := f.src.Width(plane)
		planeHeight := f.src.Height(plane)
		blockWidth := util.MultiplyBy4(blockWidth4x4) >> ssx
		blockHeight := util.MultiplyBy4(blockHeight4x4) >> ssy
		// unitWidth/unitHeight match blockWidth/blockHeight except at the
		// frame boundary, where they round the block up to a whole number
		// of 8x8 (4x4 chroma) sub-blocks.
		unitWidth := util.Align(blockWidth, util.IfThenElse(ssx > 0, 4, 8))
		unitHeight := util.Align(blockHeight, util.IfThenElse(ssy > 0, 4, 8))
		isFrameLeft := column4x4 == 0
		isFrameRight := startX+blockWidth >= planeWidth
		isFrameTop := row4x4 == 0
		isFrameBottom := startY+blockHeight >= planeHeight
		src := f.src.Plane(plane)
		srcStride := f.src.Stride(plane)
		srcIdx := f.src.OriginOffset(plane) +
			(startY-util.IfThenElse(isFrameTop, 0, dsp.CdefBorder))*srcStride + startX

		for y := 0; y < dsp.CdefBorder; y++ {
			if isFrameTop {
				fillSentinel(cdefBlock, cdefIdx-dsp.CdefBorder, unitWidth+2*dsp.CdefBorder)
			} else {
				copyRowForCdef(src, srcIdx, blockWidth, unitWidth, isFrameLeft, isFrameRight,
					cdefBlock, cdefIdx)
				srcIdx += srcStride
			}
			cdefIdx += unitSizeWithBorders
		}

		for y := 0; y < blockHeight; y++ {
			copyRowForCdef(src, srcIdx, blockWidth, unitWidth, isFrameLeft, isFrameRight,
				cdefBlock, cdefIdx)
			cdefIdx += unitSizeWithBorders
			srcIdx += srcStride
		}

		for y := 0; y < dsp.CdefBorder+unitHeight-blockHeight; y++ {
			if isFrameBottom {
				fillSentinel(cdefBlock, cdefIdx-dsp.CdefBorder, unitWidth+2*dsp.CdefBorder)
			} else {
				copyRowForCdef(src, srcIdx, blockWidth, unitWidth, isFrameLeft, isFrameRight,
					cdefBlock, cdefIdx)
				srcIdx += srcStride
			}
			cdefIdx += unitSizeWithBorders
		}
	}
}

// copyRowForCdef copies one row of a unit plus its side borders into the
// working block. dstIdx addresses the first body sample; the left border is
// written at negative offsets from it.
func copyRowForCdef[P util.Pixel](src []P, srcIdx int, blockWidth int, unitWidth int,
	isFrameLeft bool, isFrameRight bool, dst []uint16, dstIdx int) {
	if isFrameLeft {
		fillSentinel(dst, dstIdx-dsp.CdefBorder, dsp.CdefBorder)
	} else {
		for x := -dsp.CdefBorder; x < 0; x++ {
			dst[dstIdx+x] = uint16(src[srcIdx+x])
		}
	}
	for x := 0; x < blockWidth; x++ {
		dst[dstIdx+x] = uint16(src[srcIdx+x])
	}
	if isFrameRight {
		fillSentinel(dst, dstIdx+blockWidth, unitWidth+dsp.CdefBorder-blockWidth)
	} else {
		for x := blockWidth; x < unitWidth+dsp.CdefBorder; x++ {
			dst[dstIdx+x] = uint16(src[srcIdx+x])
		}
	}
}

func fillSentinel(dst []uint16, idx int, count int) {
	for i := 0; i < count; i++ {
		dst[idx+i] = dsp.CdefLargeValue
	}
}

// copyPixels copies a width x height block between plane buffers.
func copyPixels[P util.Pixel](src []P, srcIdx int, srcStride int,
	dst []P, dstIdx int, dstStride int, width int, height int) {
	for y := 0; y < height; y++ {
		copy(dst[dstIdx:dstIdx+width], src[srcIdx:srcIdx+width])
		srcIdx += srcStride
		dstIdx += dstStride
	}
}
