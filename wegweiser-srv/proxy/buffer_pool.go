package proxy

import (
	"io"
	"sync"
)

// defaultBufferSize matches the internal buffer size of io.Copy.
const defaultBufferSize = 32 * 1024

// bufferPool reuses copy buffers across tunnels to keep GC pressure low.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, defaultBufferSize)
		return &buf
	},
}

// copyBuffer is io.Copy with a pooled buffer.
func copyBuffer(dst io.Writer, src io.Reader) (written int64, err error) {
	buf := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buf)
	return io.CopyBuffer(dst, src, *buf)
}
