package cdef

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpfaulkner/av1-go/buffer"
	"github.com/kpfaulkner/av1-go/dsp"
	"github.com/kpfaulkner/av1-go/util"
)

func newTestFrame(t *testing.T, pool *buffer.BufferPool[uint8], width int, height int) *buffer.Handle[uint8] {
	t.Helper()
	h, err := pool.GetFreeBuffer()
	require.NoError(t, err)
	require.NoError(t, h.Buffer().Realloc(8, false, width, height, 1, 1, 16, 16, 16, 16))
	return h
}

// fillPseudoRandom writes a deterministic pattern into the visible region of
// every plane.
func fillPseudoRandom(yuv *buffer.YUVBuffer[uint8], seed uint32) {
	s := seed
	for plane := 0; plane < yuv.NumPlanes(); plane++ {
		data := yuv.Plane(plane)
		idx := yuv.OriginOffset(plane)
		for y := 0; y < yuv.Height(plane); y++ {
			for x := 0; x < yuv.Width(plane); x++ {
				s = s*1664525 + 1013904223
				data[idx+x] = uint8(s >> 24)
			}
			idx += yuv.Stride(plane)
		}
	}
}

// visiblePlane copies the visible region of one plane for comparison.
func visiblePlane(yuv *buffer.YUVBuffer[uint8], plane int) [][]uint8 {
	out := util.MakeMatrix2D[uint8](yuv.Height(plane), yuv.Width(plane))
	idx := yuv.OriginOffset(plane)
	for y := range out {
		copy(out[y], yuv.Plane(plane)[idx:idx+yuv.Width(plane)])
		idx += yuv.Stride(plane)
	}
	return out
}

func testConfig(width int, height int) Config {
	rows4x4 := height / 4
	columns4x4 := width / 4
	return Config{
		Rows4x4:             rows4x4,
		Columns4x4:          columns4x4,
		Damping:             5,
		YPrimaryStrength:    []uint8{8},
		YSecondaryStrength:  []uint8{4},
		UVPrimaryStrength:   []uint8{6},
		UVSecondaryStrength: []uint8{2},
		StrengthIndex:       util.MakeMatrix2D[int8](util.DivideBy16(rows4x4)+1, util.DivideBy16(columns4x4)+1),
		Skip:                util.MakeMatrix2D[bool](rows4x4, columns4x4),
	}
}

func runFilter(t *testing.T, cfg Config, workers int, width int, height int, seed uint32) [][][]uint8 {
	t.Helper()
	pool := buffer.NewBufferPool[uint8](nil)
	defer pool.Close()
	src := newTestFrame(t, pool, width, height)
	defer src.Release()
	dst := newTestFrame(t, pool, width, height)
	defer dst.Release()
	fillPseudoRandom(src.Buffer().Buffer(), seed)

	var workerPool *util.WorkerPool
	if workers > 0 {
		workerPool = util.NewWorkerPool(workers)
		defer workerPool.Shutdown()
	}
	f := NewFilter(cfg, dsp.ReferenceFuncs[uint8](8), workerPool,
		src.Buffer().Buffer(), dst.Buffer().Buffer())
	f.Apply()

	out := make([][][]uint8, dst.Buffer().Buffer().NumPlanes())
	for plane := range out {
		out[plane] = visiblePlane(dst.Buffer().Buffer(), plane)
	}
	return out
}

func TestSkipUnitsCopiedBitIdentical(t *testing.T) {
	const width, height = 128, 128
	pool := buffer.NewBufferPool[uint8](nil)
	defer pool.Close()
	src := newTestFrame(t, pool, width, height)
	defer src.Release()
	dst := newTestFrame(t, pool, width, height)
	defer dst.Release()
	fillPseudoRandom(src.Buffer().Buffer(), 7)

	cfg := testConfig(width, height)
	for _, row := range cfg.Skip {
		for i := range row {
			row[i] = true
		}
	}

	f := NewFilter(cfg, dsp.ReferenceFuncs[uint8](8), nil,
		src.Buffer().Buffer(), dst.Buffer().Buffer())
	f.Apply()

	for plane := 0; plane < 3; plane++ {
		assert.Equal(t, visiblePlane(src.Buffer().Buffer(), plane),
			visiblePlane(dst.Buffer().Buffer(), plane), "plane %d", plane)
	}
}

func TestDisabledUnitsCopied(t *testing.T) {
	const width, height = 128, 64
	cfg := testConfig(width, height)
	for _, row := range cfg.StrengthIndex {
		for i := range row {
			row[i] = -1
		}
	}

	filtered := runFilter(t, cfg, 0, width, height, 11)

	// Re-create the identical source to compare against.
	pool := buffer.NewBufferPool[uint8](nil)
	defer pool.Close()
	src := newTestFrame(t, pool, width, height)
	defer src.Release()
	fillPseudoRandom(src.Buffer().Buffer(), 11)
	for plane := 0; plane < 3; plane++ {
		assert.Equal(t, visiblePlane(src.Buffer().Buffer(), plane), filtered[plane], "plane %d", plane)
	}
}

func TestZeroStrengthCopies(t *testing.T) {
	const width, height = 64, 64
	cfg := testConfig(width, height)
	cfg.YPrimaryStrength = []uint8{0}
	cfg.YSecondaryStrength = []uint8{0}
	cfg.UVPrimaryStrength = []uint8{0}
	cfg.UVSecondaryStrength = []uint8{0}

	filtered := runFilter(t, cfg, 0, width, height, 23)

	pool := buffer.NewBufferPool[uint8](nil)
	defer pool.Close()
	src := newTestFrame(t, pool, width, height)
	defer src.Release()
	fillPseudoRandom(src.Buffer().Buffer(), 23)
	for plane := 0; plane < 3; plane++ {
		assert.Equal(t, visiblePlane(src.Buffer().Buffer(), plane), filtered[plane], "plane %d", plane)
	}
}

func TestScalePrimaryStrength(t *testing.T) {
	// Zero variance suppresses the primary filter entirely.
	assert.Zero(t, scalePrimaryStrength(16, 0))
	// variance 4096 = 64<<6: strength 16 scales to (16*(4+6)+8)>>4 = 10.
	assert.Equal(t, 10, scalePrimaryStrength(16, 4096))
	// Small nonzero variance keeps the minimum scaling of 4/16.
	assert.Equal(t, 4, scalePrimaryStrength(16, 1))
}

func TestUVDirectionRemap(t *testing.T) {
	// 4:4:4 and 4:2:0 chroma keep the luma direction unchanged.
	for d := 0; d < 8; d++ {
		assert.Equal(t, uint8(d), uvDirectionTable[0][0][d])
		assert.Equal(t, uint8(d), uvDirectionTable[1][1][d])
	}
	// Asymmetric subsampling skews the direction.
	assert.Equal(t, uint8(7), uvDirectionTable[1][0][0])
	assert.Equal(t, uint8(5), uvDirectionTable[1][0][4])
	assert.Equal(t, uint8(1), uvDirectionTable[0][1][0])
	assert.Equal(t, uint8(3), uvDirectionTable[0][1][4])
}

func TestDeterministicAcrossWorkerCounts(t *testing.T) {
	const width, height = 192, 320
	cfg := testConfig(width, height)

	one := runFilter(t, cfg, 1, width, height, 99)
	four := runFilter(t, cfg, 4, width, height, 99)
	seven := runFilter(t, cfg, 7, width, height, 99)

	assert.Equal(t, one, four)
	assert.Equal(t, one, seven)
}

func TestThreadedMatchesSequential(t *testing.T) {
	const width, height = 192, 192
	cfg := testConfig(width, height)

	sequential := runFilter(t, cfg, 0, width, height, 41)
	threaded := runFilter(t, cfg, 3, width, height, 41)

	assert.Equal(t, sequential, threaded)
}

func runFilterPoisoned(t *testing.T, cfg Config, width int, height int, poison uint8) [][][]uint8 {
	t.Helper()
	pool := buffer.NewBufferPool[uint8](nil)
	defer pool.Close()
	src := newTestFrame(t, pool, width, height)
	defer src.Release()
	dst := newTestFrame(t, pool, width, height)
	defer dst.Release()

	// Poison every allocated sample, then overwrite the visible region, so
	// the out-of-picture padding holds nothing but the poison value.
	yuv := src.Buffer().Buffer()
	for plane := 0; plane < yuv.NumPlanes(); plane++ {
		data := yuv.Plane(plane)
		for i := range data {
			data[i] = poison
		}
	}
	fillPseudoRandom(yuv, 5)

	f := NewFilter(cfg, dsp.ReferenceFuncs[uint8](8), nil,
		src.Buffer().Buffer(), dst.Buffer().Buffer())
	f.Apply()

	out := make([][][]uint8, yuv.NumPlanes())
	for plane := range out {
		out[plane] = visiblePlane(dst.Buffer().Buffer(), plane)
	}
	return out
}

func TestEdgeOutputIndependentOfOutOfPictureSamples(t *testing.T) {
	// A frame that is not a multiple of the unit size exercises the border
	// sentinel on the right and bottom edges. Units at the picture edge see
	// the sentinel, never replicated padding, so the padding content must
	// not influence the output.
	const width, height = 100, 72
	cfg := testConfig(width, height)

	a := runFilterPoisoned(t, cfg, width, height, 50)
	b := runFilterPoisoned(t, cfg, width, height, 200)
	assert.Equal(t, a, b)
}

func TestSuperBlockRowLagCoversWholeFrame(t *testing.T) {
	const width, height = 128, 192
	pool := buffer.NewBufferPool[uint8](nil)
	defer pool.Close()
	src := newTestFrame(t, pool, width, height)
	defer src.Release()
	dst := newTestFrame(t, pool, width, height)
	defer dst.Release()
	fillPseudoRandom(src.Buffer().Buffer(), 3)

	cfg := testConfig(width, height)
	f := NewFilter(cfg, dsp.ReferenceFuncs[uint8](8), nil,
		src.Buffer().Buffer(), dst.Buffer().Buffer())

	// Drive the filter the way the decode loop does, one superblock row at
	// a time, and compare with the whole-frame entry point.
	rows4x4 := cfg.Rows4x4
	for row4x4 := 0; row4x4 < rows4x4; row4x4 += 16 {
		f.ApplyForOneSuperBlockRow(row4x4, 16, row4x4+16 >= rows4x4)
	}
	rowByRow := visiblePlane(dst.Buffer().Buffer(), buffer.PlaneY)

	whole := runFilter(t, cfg, 0, width, height, 3)
	assert.Equal(t, whole[buffer.PlaneY], rowByRow)
}

func TestSuperBlockRowEntryWithWorkerPool(t *testing.T) {
	const width, height = 128, 128
	pool := buffer.NewBufferPool[uint8](nil)
	defer pool.Close()
	src := newTestFrame(t, pool, width, height)
	defer src.Release()
	dst := newTestFrame(t, pool, width, height)
	defer dst.Release()
	fillPseudoRandom(src.Buffer().Buffer(), 29)

	workers := util.NewWorkerPool(3)
	defer workers.Shutdown()

	// The row-by-row entry point bypasses the windowed path: it must write
	// to the destination frame even when the filter holds a worker pool.
	cfg := testConfig(width, height)
	f := NewFilter(cfg, dsp.ReferenceFuncs[uint8](8), workers,
		src.Buffer().Buffer(), dst.Buffer().Buffer())
	for row4x4 := 0; row4x4 < cfg.Rows4x4; row4x4 += 16 {
		f.ApplyForOneSuperBlockRow(row4x4, 16, row4x4+16 >= cfg.Rows4x4)
	}

	whole := runFilter(t, cfg, 0, width, height, 29)
	for plane := 0; plane < 3; plane++ {
		assert.Equal(t, whole[plane], visiblePlane(dst.Buffer().Buffer(), plane), "plane %d", plane)
	}
}

func TestLagSchedule128SuperBlock(t *testing.T) {
	const width, height = 128, 256
	cfg := testConfig(width, height)
	cfg.SuperBlockSize = 128

	with128 := runFilter(t, cfg, 0, width, height, 17)
	cfg.SuperBlockSize = 64
	with64 := runFilter(t, cfg, 0, width, height, 17)

	// The lag schedule changes the order units are processed in, not the
	// result: both superblock sizes read the same source pixels.
	assert.Equal(t, with64, with128)
}
