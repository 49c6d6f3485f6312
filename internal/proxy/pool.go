package proxy

import (
	"sync"
)

// copyBufferSize matches io.Copy's default.
const copyBufferSize = 32 * 1024

// bufferPool recycles relay buffers. It satisfies httputil.BufferPool so the
// reverse proxy and tunnels draw from the same pool.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() []byte {
	return *p.pool.Get().(*[]byte)
}

// Put returns b to the pool. Buffers of another size are dropped.
func (p *bufferPool) Put(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}

var sharedBuffers = newBufferPool(copyBufferSize)
