package codec

import (
	"bytes"
	"sync"
)

// Pool provides reusable scratch buffers for frame encode/decode, mirroring
// the teacher's frameHeaderPool/bufferPool/byteSlicePool (rpc/handler.go)
// generalized from one fixed message type to arbitrary framed payloads.
type Pool struct {
	headers sync.Pool
	buffers sync.Pool
}

// NewPool returns a ready-to-use Pool.
func NewPool() *Pool {
	p := &Pool{}
	p.headers.New = func() any {
		b := make([]byte, FrameHeaderSize)
		return &b
	}
	p.buffers.New = func() any { return &bytes.Buffer{} }
	return p
}

// GetHeader returns a FrameHeaderSize-length scratch slice.
func (p *Pool) GetHeader() *[]byte { return p.headers.Get().(*[]byte) }

// PutHeader returns a scratch slice obtained from GetHeader.
func (p *Pool) PutHeader(b *[]byte) { p.headers.Put(b) }

// GetBuffer returns a reset scratch buffer.
func (p *Pool) GetBuffer() *bytes.Buffer {
	b := p.buffers.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// PutBuffer returns a scratch buffer obtained from GetBuffer.
func (p *Pool) PutBuffer(b *bytes.Buffer) { p.buffers.Put(b) }

// DefaultPool is shared by callers that have no reason to keep a private one.
var DefaultPool = NewPool()
