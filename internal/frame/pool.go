package frame

import "sync"

// DefaultBufferSize fits a standard 1500-byte MTU frame plus header slack.
const DefaultBufferSize = 2048

// Pool is a free list of Frame buffers, safe for concurrent acquire and
// release from multiple links and the diagnostic injection path. It grows
// on demand; the only allocation failure mode is the process running out
// of memory.
type Pool struct {
	bufSize int
	pool    sync.Pool
}

// NewPool creates a pool handing out buffers of at least bufSize bytes.
func NewPool(bufSize int) *Pool {
	if bufSize < DefaultBufferSize {
		bufSize = DefaultBufferSize
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() interface{} {
		return &Frame{buf: make([]byte, p.bufSize)}
	}
	return p
}

// Acquire returns an unsealed Frame whose buffer holds at least minSize
// bytes. The returned frame aliases no other live acquisition.
func (p *Pool) Acquire(minSize int) *Frame {
	f := p.pool.Get().(*Frame)
	if len(f.buf) < minSize {
		f.buf = make([]byte, minSize)
	}
	f.data = nil
	f.Origin = ""
	return f
}

// Release returns a frame to the free list. The caller must not touch the
// frame afterwards.
func (p *Pool) Release(f *Frame) {
	if f == nil {
		return
	}
	p.pool.Put(f)
}
