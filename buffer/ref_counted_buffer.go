package buffer

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/kpfaulkner/av1-go/util"
)

// Reference frame slots.
const (
	ReferenceFrameIntra = iota
	ReferenceFrameLast
	ReferenceFrameLast2
	ReferenceFrameLast3
	ReferenceFrameGolden
	ReferenceFrameBackward
	ReferenceFrameAlternate2
	ReferenceFrameAlternate
	NumReferenceFrameTypes
)

const (
	// MaxSegments is the number of segmentation ids a frame can use.
	MaxSegments = 8
	// SegmentFeatureMax is the number of per-segment features.
	SegmentFeatureMax = 8
)

// Segmentation holds the per-frame segmentation feature configuration.
type Segmentation struct {
	FeatureEnabled      [MaxSegments][SegmentFeatureMax]bool
	FeatureData         [MaxSegments][SegmentFeatureMax]int16
	SegmentIDPreSkip    bool
	LastActiveSegmentID int8
}

// copySegmentationParameters copies the feature configuration fields of
// Segmentation; the remaining fields are frame-local and not part of the
// snapshot a reference frame carries.
func copySegmentationParameters(from *Segmentation, to *Segmentation) {
	to.FeatureEnabled = from.FeatureEnabled
	to.FeatureData = from.FeatureData
	to.SegmentIDPreSkip = from.SegmentIDPreSkip
	to.LastActiveSegmentID = from.LastActiveSegmentID
}

// GlobalMotion is the global motion model of one reference frame slot.
type GlobalMotion struct {
	Type   int
	Params [6]int32
}

// SymbolContext is the adaptive symbol-probability snapshot a decoded frame
// exposes to frames that use it as a reference.
type SymbolContext struct {
	IntraFrameYModeCdf []uint16
	UpdateCounts       []uint16
}

// Clone deep-copies the context so the stored snapshot cannot alias the
// decoder's live state.
func (c *SymbolContext) Clone() SymbolContext {
	out := SymbolContext{
		IntraFrameYModeCdf: make([]uint16, len(c.IntraFrameYModeCdf)),
		UpdateCounts:       make([]uint16, len(c.UpdateCounts)),
	}
	copy(out.IntraFrameYModeCdf, c.IntraFrameYModeCdf)
	copy(out.UpdateCounts, c.UpdateCounts)
	return out
}

func (c *SymbolContext) resetCounters() {
	clear(c.UpdateCounts)
}

// FrameState tracks how far a frame has progressed through decoding.
type FrameState int

const (
	FrameStateUnknown FrameState = iota
	FrameStateStarted
	FrameStateParsed
	FrameStateDecoded
)

// abortedProgress marks a buffer whose decode was cancelled. Any row
// comparison against it succeeds, so waiters unblock; the ok result of
// WaitUntil tells them the content is unusable.
const abortedProgress = math.MaxInt32

// FrameGeometry is the frame-size state copied from a parsed frame header.
type FrameGeometry struct {
	Width         int
	Height        int
	UpscaledWidth int
	RenderWidth   int
	RenderHeight  int
	Rows4x4       int
	Columns4x4    int

	RefreshFrameFlags uint8
	IsIntra           bool
}

// RefCountedBuffer is one decoded frame plus the side state other frames need
// to reference it. Buffers are owned by a BufferPool for their whole life and
// reach clients only through reference-counted Handles.
type RefCountedBuffer[P util.Pixel] struct {
	pool *BufferPool[P]

	yuv          YUVBuffer[P]
	frameBuffer  FrameBuffer[P]
	storageBound bool

	inUse bool
	refs  atomic.Int32

	frameState FrameState

	progressMu   sync.Mutex
	progressCond *sync.Cond
	progressRow  int

	hdrCllSet    bool
	hdrMdcvSet   bool
	itutT35Set   bool

	upscaledWidth int
	frameWidth    int
	frameHeight   int
	renderWidth   int
	renderHeight  int
	rows4x4       int
	columns4x4    int

	segmentationMap [][]int8
	segmentation    Segmentation
	globalMotion    [NumReferenceFrameTypes]GlobalMotion
	frameContext    SymbolContext
	motionField     [][]int8
}

func newRefCountedBuffer[P util.Pixel](pool *BufferPool[P]) *RefCountedBuffer[P] {
	b := &RefCountedBuffer[P]{pool: pool, progressRow: -1}
	b.progressCond = sync.NewCond(&b.progressMu)
	return b
}

// Buffer returns the frame's pixel planes.
func (b *RefCountedBuffer[P]) Buffer() *YUVBuffer[P] { return &b.yuv }

// Realloc binds pixel storage to the buffer. The pool-wide mutex is held for
// the entire call, provider invocation included: providers are caller
// supplied and not required to be reentrant, so at most one binding is in
// flight process-wide at any instant. Binding a buffer whose storage is
// already bound is a caller bug and panics; release and re-acquire first.
func (b *RefCountedBuffer[P]) Realloc(bitdepth int, monochrome bool, width int, height int,
	subsamplingX int, subsamplingY int,
	leftBorder int, rightBorder int, topBorder int, bottomBorder int) error {
	b.pool.mu.Lock()
	defer b.pool.mu.Unlock()
	if b.storageBound {
		panic("av1: frame storage already bound; release and re-acquire before rebinding")
	}

	format := ComposeImageFormat(monochrome, subsamplingX, subsamplingY)
	info, err := ComputeFrameBufferInfo(bitdepth, format, width, height,
		leftBorder, rightBorder, topBorder, bottomBorder, frameBufferStrideAlignment)
	if err != nil {
		return err
	}
	if err := b.pool.notifySizeChangedLocked(info); err != nil {
		return err
	}
	fb, err := b.pool.provider.GetFrameBuffer(info)
	if err != nil {
		return err
	}
	b.frameBuffer = fb
	b.yuv.attach(info, fb)
	b.storageBound = true
	return nil
}

// SetFrameDimensions copies frame geometry from a parsed header and resizes
// the per-4x4 metadata grids to match.
func (b *RefCountedBuffer[P]) SetFrameDimensions(g FrameGeometry) {
	b.upscaledWidth = g.UpscaledWidth
	b.frameWidth = g.Width
	b.frameHeight = g.Height
	b.renderWidth = g.RenderWidth
	b.renderHeight = g.RenderHeight
	b.rows4x4 = g.Rows4x4
	b.columns4x4 = g.Columns4x4
	if g.RefreshFrameFlags != 0 && !g.IsIntra {
		b.motionField = util.MakeMatrix2D[int8](util.DivideBy2(g.Rows4x4), util.DivideBy2(g.Columns4x4))
	}
	b.segmentationMap = util.MakeMatrix2D[int8](g.Rows4x4, g.Columns4x4)
}

func (b *RefCountedBuffer[P]) FrameWidth() int { return b.frameWidth }

func (b *RefCountedBuffer[P]) FrameHeight() int { return b.frameHeight }

func (b *RefCountedBuffer[P]) UpscaledWidth() int { return b.upscaledWidth }

func (b *RefCountedBuffer[P]) RenderWidth() int { return b.renderWidth }

func (b *RefCountedBuffer[P]) RenderHeight() int { return b.renderHeight }

func (b *RefCountedBuffer[P]) Rows4x4() int { return b.rows4x4 }

func (b *RefCountedBuffer[P]) Columns4x4() int { return b.columns4x4 }

// SegmentationMap returns the per-4x4 segmentation id grid.
func (b *RefCountedBuffer[P]) SegmentationMap() [][]int8 { return b.segmentationMap }

// SetGlobalMotions stores the global motion models of the inter reference
// slots. The intra slot keeps its identity model.
func (b *RefCountedBuffer[P]) SetGlobalMotions(globalMotions *[NumReferenceFrameTypes]GlobalMotion) {
	for ref := ReferenceFrameLast; ref <= ReferenceFrameAlternate; ref++ {
		b.globalMotion[ref].Params = globalMotions[ref].Params
	}
}

// GlobalMotions returns the stored per-slot global motion models.
func (b *RefCountedBuffer[P]) GlobalMotions() *[NumReferenceFrameTypes]GlobalMotion {
	return &b.globalMotion
}

// SetFrameContext snapshots the adaptive symbol context with its update
// counters cleared, ready for forward updates by referencing frames.
func (b *RefCountedBuffer[P]) SetFrameContext(context SymbolContext) {
	b.frameContext = context.Clone()
	b.frameContext.resetCounters()
}

// FrameContext returns the stored symbol context snapshot.
func (b *RefCountedBuffer[P]) FrameContext() *SymbolContext { return &b.frameContext }

func (b *RefCountedBuffer[P]) GetSegmentationParameters(segmentation *Segmentation) {
	copySegmentationParameters(&b.segmentation, segmentation)
}

func (b *RefCountedBuffer[P]) SetSegmentationParameters(segmentation Segmentation) {
	copySegmentationParameters(&segmentation, &b.segmentation)
}

func (b *RefCountedBuffer[P]) FrameState() FrameState { return b.frameState }

func (b *RefCountedBuffer[P]) SetFrameState(state FrameState) { b.frameState = state }

func (b *RefCountedBuffer[P]) SetHdrCll() { b.hdrCllSet = true }

func (b *RefCountedBuffer[P]) SetHdrMdcv() { b.hdrMdcvSet = true }

func (b *RefCountedBuffer[P]) SetItutT35() { b.itutT35Set = true }

func (b *RefCountedBuffer[P]) HdrCllSet() bool { return b.hdrCllSet }

func (b *RefCountedBuffer[P]) HdrMdcvSet() bool { return b.hdrMdcvSet }

func (b *RefCountedBuffer[P]) ItutT35Set() bool { return b.itutT35Set }

// SetProgress records that decoding has completed up to and including the
// given superblock row and wakes any thread waiting on it. Progress never
// moves backwards and an aborted buffer stays aborted.
func (b *RefCountedBuffer[P]) SetProgress(row int) {
	b.progressMu.Lock()
	if b.progressRow != abortedProgress && row > b.progressRow {
		b.progressRow = row
	}
	b.progressMu.Unlock()
	b.progressCond.Broadcast()
}

// WaitUntil blocks until decoding has progressed to the given row or the
// buffer is aborted. ok reports whether the content is usable.
func (b *RefCountedBuffer[P]) WaitUntil(row int) (progress int, ok bool) {
	b.progressMu.Lock()
	defer b.progressMu.Unlock()
	for b.progressRow < row {
		b.progressCond.Wait()
	}
	return b.progressRow, b.progressRow != abortedProgress
}

// Abort marks the buffer's progress as permanently failed so that waiters
// unblock instead of hanging. In-flight work is not stopped; holders must
// discard the buffer's content.
func (b *RefCountedBuffer[P]) Abort() {
	b.progressMu.Lock()
	b.progressRow = abortedProgress
	b.progressMu.Unlock()
	b.progressCond.Broadcast()
}

// claim resets the per-frame state of a free buffer. Called with the pool
// mutex held.
func (b *RefCountedBuffer[P]) claim() {
	b.inUse = true
	b.frameState = FrameStateUnknown
	b.hdrCllSet = false
	b.hdrMdcvSet = false
	b.itutT35Set = false
	b.refs.Store(1)
	b.progressMu.Lock()
	b.progressRow = -1
	b.progressMu.Unlock()
}

// Handle is a reference-counted borrow of a pool-owned buffer. Dropping the
// last handle returns the buffer to its pool.
type Handle[P util.Pixel] struct {
	buf *RefCountedBuffer[P]
}

// Buffer returns the underlying buffer. The result must not be used after
// the last handle is released.
func (h *Handle[P]) Buffer() *RefCountedBuffer[P] { return h.buf }

// Clone takes an additional reference on the buffer.
func (h *Handle[P]) Clone() *Handle[P] {
	h.buf.refs.Add(1)
	return &Handle[P]{buf: h.buf}
}

// Release drops this handle's reference. The last release returns the buffer
// to the pool; releasing an already released handle is a no-op.
func (h *Handle[P]) Release() {
	if h.buf == nil {
		return
	}
	buf := h.buf
	h.buf = nil
	if buf.refs.Add(-1) == 0 {
		buf.pool.returnUnusedBuffer(buf)
	}
}
