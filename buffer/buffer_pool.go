package buffer

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/kpfaulkner/av1-go/util"
)

// frameBufferStrideAlignment is the row alignment requested from providers.
const frameBufferStrideAlignment = 16

// BufferPool owns a growing collection of frame buffers and hands them out to
// the decode pipeline as reference-counted handles. Recycled buffers stay in
// the collection; the pool never shrinks.
type BufferPool[P util.Pixel] struct {
	mu      sync.Mutex
	buffers []*RefCountedBuffer[P]
	closed  bool

	provider FrameBufferProvider[P]
	notifier SizeChangedNotifier

	lastInfo     FrameBufferInfo
	haveLastInfo bool
}

// NewBufferPool creates a pool drawing pixel storage from the given provider.
// A nil provider selects an internal allocator.
func NewBufferPool[P util.Pixel](provider FrameBufferProvider[P]) *BufferPool[P] {
	if provider == nil {
		provider = &internalFrameBufferList[P]{}
	}
	p := &BufferPool[P]{provider: provider}
	p.notifier, _ = provider.(SizeChangedNotifier)
	return p
}

// GetFreeBuffer returns a handle to a free buffer, growing the collection if
// every buffer is in use. The buffer's per-frame state (progress, frame
// state, HDR metadata flags) is reset; pixel storage is not bound yet.
func (p *BufferPool[P]) GetFreeBuffer() (*Handle[P], error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		err := errors.New("buffer pool is closed")
		log.Error(err)
		return nil, err
	}
	for _, b := range p.buffers {
		if !b.inUse {
			b.claim()
			p.mu.Unlock()
			return &Handle[P]{buf: b}, nil
		}
	}
	p.mu.Unlock()

	b := newRefCountedBuffer(p)
	b.claim()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		err := errors.New("buffer pool is closed")
		log.Error(err)
		return nil, err
	}
	p.buffers = append(p.buffers, b)
	p.mu.Unlock()
	return &Handle[P]{buf: b}, nil
}

// Abort signals every in-use buffer so that threads blocked on buffer
// progress unblock. Used for whole-pipeline cancellation on fatal failure.
func (p *BufferPool[P]) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.buffers {
		if b.inUse {
			b.Abort()
		}
	}
}

// notifySizeChangedLocked tells the provider about a new frame geometry
// before its first binding. Called with the pool mutex held.
func (p *BufferPool[P]) notifySizeChangedLocked(info FrameBufferInfo) error {
	if p.notifier == nil {
		return nil
	}
	if p.haveLastInfo && p.lastInfo == info {
		return nil
	}
	if err := p.notifier.OnFrameBufferSizeChanged(info); err != nil {
		return err
	}
	p.lastInfo = info
	p.haveLastInfo = true
	return nil
}

// returnUnusedBuffer recycles a buffer once its last handle is released.
func (p *BufferPool[P]) returnUnusedBuffer(b *RefCountedBuffer[P]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !b.inUse {
		panic("av1: buffer returned to pool is not in use")
	}
	b.inUse = false
	if b.storageBound {
		p.provider.ReleaseFrameBuffer(b.frameBuffer)
		b.frameBuffer = FrameBuffer[P]{}
		b.yuv.detach()
		b.storageBound = false
	}
}

// Close marks the pool unusable. Buffers still in use at close time are a
// caller defect: they are logged and counted in the returned error rather
// than silently leaked.
func (p *BufferPool[P]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	inUse := 0
	for _, b := range p.buffers {
		if b.inUse {
			log.Error("frame buffer still in use at pool close")
			inUse++
		}
	}
	if inUse > 0 {
		return fmt.Errorf("%d frame buffer(s) still in use at pool close", inUse)
	}
	return nil
}
