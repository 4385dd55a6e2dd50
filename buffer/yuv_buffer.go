package buffer

import (
	"github.com/kpfaulkner/av1-go/util"
)

// PlaneY, PlaneU and PlaneV index the planes of a YUVBuffer.
const (
	PlaneY = iota
	PlaneU
	PlaneV
	MaxPlanes
)

// YUVBuffer is one frame's pixel planes. The storage itself comes from a
// FrameBufferProvider; YUVBuffer only records geometry and the offset of the
// visible (0,0) sample inside each padded plane.
type YUVBuffer[P util.Pixel] struct {
	bitdepth     int
	monochrome   bool
	subsamplingX int
	subsamplingY int

	width  int
	height int

	leftBorder   int
	rightBorder  int
	topBorder    int
	bottomBorder int

	stride [3]int
	plane  [3][]P
	origin [3]int
}

func (y *YUVBuffer[P]) Bitdepth() int { return y.bitdepth }

func (y *YUVBuffer[P]) IsMonochrome() bool { return y.monochrome }

// NumPlanes returns 1 for monochrome frames and 3 otherwise.
func (y *YUVBuffer[P]) NumPlanes() int {
	return util.IfThenElse(y.monochrome, 1, MaxPlanes)
}

// SubsamplingX returns the horizontal chroma subsampling of the given plane.
func (y *YUVBuffer[P]) SubsamplingX(plane int) int {
	return util.IfThenElse(plane == PlaneY, 0, y.subsamplingX)
}

// SubsamplingY returns the vertical chroma subsampling of the given plane.
func (y *YUVBuffer[P]) SubsamplingY(plane int) int {
	return util.IfThenElse(plane == PlaneY, 0, y.subsamplingY)
}

// Width returns the visible width of the given plane in samples.
func (y *YUVBuffer[P]) Width(plane int) int {
	ss := y.SubsamplingX(plane)
	return (y.width + ss) >> ss
}

// Height returns the visible height of the given plane in samples.
func (y *YUVBuffer[P]) Height(plane int) int {
	ss := y.SubsamplingY(plane)
	return (y.height + ss) >> ss
}

// Stride returns the row stride of the given plane in samples.
func (y *YUVBuffer[P]) Stride(plane int) int { return y.stride[plane] }

// Plane returns the full padded plane, including borders.
func (y *YUVBuffer[P]) Plane(plane int) []P { return y.plane[plane] }

// OriginOffset returns the index of the visible (0,0) sample inside Plane.
// Rows above and columns left of the origin are border samples.
func (y *YUVBuffer[P]) OriginOffset(plane int) int { return y.origin[plane] }

// attach points the buffer at newly bound pixel storage.
func (y *YUVBuffer[P]) attach(info FrameBufferInfo, fb FrameBuffer[P]) {
	y.bitdepth = info.Bitdepth
	y.monochrome = info.Format == ImageFormatMonochrome400
	y.subsamplingX, y.subsamplingY = info.Format.Subsampling()
	y.width = info.Width
	y.height = info.Height
	y.leftBorder = info.LeftBorder
	y.rightBorder = info.RightBorder
	y.topBorder = info.TopBorder
	y.bottomBorder = info.BottomBorder

	for plane := 0; plane < y.NumPlanes(); plane++ {
		ssx := y.SubsamplingX(plane)
		ssy := y.SubsamplingY(plane)
		y.stride[plane] = fb.Stride[plane]
		y.plane[plane] = fb.Plane[plane]
		y.origin[plane] = (info.TopBorder>>ssy)*fb.Stride[plane] + info.LeftBorder>>ssx
	}
}

// detach drops the plane references once storage is released.
func (y *YUVBuffer[P]) detach() {
	for plane := 0; plane < MaxPlanes; plane++ {
		y.plane[plane] = nil
		y.stride[plane] = 0
		y.origin[plane] = 0
	}
}
