package buffer

import (
	"fmt"
	"sync"

	"github.com/kpfaulkner/av1-go/util"
)

// ImageFormat describes the chroma layout of a frame.
type ImageFormat int

const (
	ImageFormatYUV420 ImageFormat = iota
	ImageFormatYUV422
	ImageFormatYUV444
	ImageFormatMonochrome400
)

func (f ImageFormat) String() string {
	switch f {
	case ImageFormatYUV420:
		return "YUV420"
	case ImageFormatYUV422:
		return "YUV422"
	case ImageFormatYUV444:
		return "YUV444"
	case ImageFormatMonochrome400:
		return "Monochrome400"
	}
	return fmt.Sprintf("ImageFormat(%d)", int(f))
}

// Subsampling returns the chroma subsampling factors implied by the format.
func (f ImageFormat) Subsampling() (x int, y int) {
	switch f {
	case ImageFormatYUV422:
		return 1, 0
	case ImageFormatYUV444:
		return 0, 0
	default:
		return 1, 1
	}
}

// ComposeImageFormat maps a monochrome flag plus subsampling factors back to
// an ImageFormat.
func ComposeImageFormat(monochrome bool, subsamplingX int, subsamplingY int) ImageFormat {
	if monochrome {
		return ImageFormatMonochrome400
	}
	if subsamplingX == 0 {
		return ImageFormatYUV444
	}
	if subsamplingY == 0 {
		return ImageFormatYUV422
	}
	return ImageFormatYUV420
}

// FrameBufferInfo is the geometry a provider needs to allocate pixel storage
// for one frame. Strides and sizes are in samples, not bytes. Borders are
// given in luma samples and are shifted for the chroma planes.
type FrameBufferInfo struct {
	Bitdepth int
	Format   ImageFormat
	Width    int
	Height   int

	LeftBorder   int
	RightBorder  int
	TopBorder    int
	BottomBorder int

	StrideAlignment int

	YStride  int
	YHeight  int
	UVStride int
	UVHeight int
}

// YPlaneSize returns the number of samples in the padded luma plane.
func (info *FrameBufferInfo) YPlaneSize() int {
	return info.YStride * info.YHeight
}

// UVPlaneSize returns the number of samples in one padded chroma plane.
func (info *FrameBufferInfo) UVPlaneSize() int {
	return info.UVStride * info.UVHeight
}

// TotalSize returns the number of samples needed for all planes of the frame.
func (info *FrameBufferInfo) TotalSize() int {
	return info.YPlaneSize() + 2*info.UVPlaneSize()
}

// ComputeFrameBufferInfo validates the requested geometry and fills in the
// per-plane strides and heights.
func ComputeFrameBufferInfo(bitdepth int, format ImageFormat, width int, height int,
	leftBorder int, rightBorder int, topBorder int, bottomBorder int,
	strideAlignment int) (FrameBufferInfo, error) {
	if bitdepth != 8 && bitdepth != 10 && bitdepth != 12 {
		return FrameBufferInfo{}, fmt.Errorf("unsupported bitdepth %d", bitdepth)
	}
	if width <= 0 || height <= 0 {
		return FrameBufferInfo{}, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if leftBorder < 0 || rightBorder < 0 || topBorder < 0 || bottomBorder < 0 {
		return FrameBufferInfo{}, fmt.Errorf("negative border")
	}
	if strideAlignment <= 0 || strideAlignment&(strideAlignment-1) != 0 {
		return FrameBufferInfo{}, fmt.Errorf("stride alignment %d is not a power of two", strideAlignment)
	}

	info := FrameBufferInfo{
		Bitdepth:        bitdepth,
		Format:          format,
		Width:           width,
		Height:          height,
		LeftBorder:      leftBorder,
		RightBorder:     rightBorder,
		TopBorder:       topBorder,
		BottomBorder:    bottomBorder,
		StrideAlignment: strideAlignment,
	}
	info.YStride = util.Align(leftBorder+width+rightBorder, strideAlignment)
	info.YHeight = topBorder + height + bottomBorder
	if format != ImageFormatMonochrome400 {
		ssx, ssy := format.Subsampling()
		uvWidth := (width + ssx) >> ssx
		uvHeight := (height + ssy) >> ssy
		info.UVStride = util.Align((leftBorder>>ssx)+uvWidth+(rightBorder>>ssx), strideAlignment)
		info.UVHeight = (topBorder >> ssy) + uvHeight + (bottomBorder >> ssy)
	}
	return info, nil
}

// FrameBuffer is one frame's pixel storage as handed out by a provider. Plane
// slices span the full padded plane, origin at the padded top-left sample.
// PrivateData is opaque to the pool and is handed back to the provider on
// release.
type FrameBuffer[P util.Pixel] struct {
	Plane       [3][]P
	Stride      [3]int
	PrivateData any
}

// FrameBufferProvider supplies and reclaims pixel storage for the buffer
// pool. Implementations are not required to be safe for concurrent use: the
// pool serializes every call under its own mutex.
type FrameBufferProvider[P util.Pixel] interface {
	GetFrameBuffer(info FrameBufferInfo) (FrameBuffer[P], error)
	ReleaseFrameBuffer(fb FrameBuffer[P])
}

// SizeChangedNotifier is optionally implemented by a FrameBufferProvider that
// wants to be told before the first binding of a new frame geometry.
type SizeChangedNotifier interface {
	OnFrameBufferSizeChanged(info FrameBufferInfo) error
}

// internalFrameBufferList is the default provider used when the caller does
// not supply one. Freed slabs are kept on a free list and reused for later
// frames of any size; the list never shrinks.
type internalFrameBufferList[P util.Pixel] struct {
	mu   sync.Mutex
	free [][]P
}

func (l *internalFrameBufferList[P]) GetFrameBuffer(info FrameBufferInfo) (FrameBuffer[P], error) {
	total := info.TotalSize()

	l.mu.Lock()
	var data []P
	for i, slab := range l.free {
		if cap(slab) >= total {
			data = slab[:total]
			l.free = append(l.free[:i], l.free[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	if data == nil {
		data = make([]P, total)
	} else {
		clear(data)
	}

	fb := FrameBuffer[P]{PrivateData: data}
	fb.Plane[0] = data[:info.YPlaneSize()]
	fb.Stride[0] = info.YStride
	if info.Format != ImageFormatMonochrome400 {
		uvSize := info.UVPlaneSize()
		offset := info.YPlaneSize()
		fb.Plane[1] = data[offset : offset+uvSize]
		fb.Plane[2] = data[offset+uvSize : offset+2*uvSize]
		fb.Stride[1] = info.UVStride
		fb.Stride[2] = info.UVStride
	}
	return fb, nil
}

func (l *internalFrameBufferList[P]) ReleaseFrameBuffer(fb FrameBuffer[P]) {
	data, ok := fb.PrivateData.([]P)
	if !ok {
		return
	}
	l.mu.Lock()
	l.free = append(l.free, data)
	l.mu.Unlock()
}
