package capture

import "sync"

// PlaneLayout describes one plane of a padded row-major frame buffer.
type PlaneLayout struct {
	Offset   int
	Stride   int
	RowBytes int
	Rows     int
}

// PackedSize returns the unpadded byte count of the planes.
func PackedSize(planes []PlaneLayout) int {
	total := 0
	for _, plane := range planes {
		total += plane.RowBytes * plane.Rows
	}
	return total
}

// PackPlanes copies the planes of src into dst with row padding removed,
// returning the number of bytes written. dst must be at least
// PackedSize(planes) long. A plane whose stride already equals its row
// length is copied in one pass.
func PackPlanes(dst, src []byte, planes []PlaneLayout) int {
	written := 0
	for _, plane := range planes {
		if plane.Stride == plane.RowBytes {
			length := plane.RowBytes * plane.Rows
			written += copy(dst[written:], src[plane.Offset:plane.Offset+length])
			continue
		}
		for row := 0; row < plane.Rows; row++ {
			start := plane.Offset + row*plane.Stride
			written += copy(dst[written:], src[start:start+plane.RowBytes])
		}
	}
	return written
}

// FrameBufferPool hands out scratch buffers for padding-stripped frames. One
// persistent buffer up to maxPersistent bytes is reused across frames;
// larger requests get a one-shot allocation that is never retained, so a
// single oversized frame cannot pin memory for the life of the pipeline.
type FrameBufferPool struct {
	mu            sync.Mutex
	maxPersistent int
	buf           []byte
}

// NewFrameBufferPool builds a pool with the given persistent ceiling.
// A ceiling <= 0 disables reuse entirely.
func NewFrameBufferPool(maxPersistent int) *FrameBufferPool {
	return &FrameBufferPool{maxPersistent: maxPersistent}
}

// Get returns a buffer of exactly size bytes. The returned slice is only
// valid until the next Get call when it comes from the persistent buffer.
func (p *FrameBufferPool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	if size > p.maxPersistent {
		return make([]byte, size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cap(p.buf) < size {
		p.buf = make([]byte, size)
	}
	return p.buf[:size]
}

// Pack strips padding from src into a pooled buffer and returns it.
func (p *FrameBufferPool) Pack(src []byte, planes []PlaneLayout) []byte {
	dst := p.Get(PackedSize(planes))
	PackPlanes(dst, src, planes)
	return dst
}
