package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Registered compression algorithm names, per spec §6 grpc-encoding values.
const (
	NameGzip = "gzip"
	NameZstd = "zstd"
)

// gzipCompressor implements Compressor using the stdlib gzip package.
// Grounded on the teacher's rpc.GzipCompressor, including its sync.Pool
// reader/writer reuse.
type gzipCompressor struct {
	writers sync.Pool
	readers sync.Pool
}

// NewGzip returns a pooled gzip Compressor.
func NewGzip() Compressor {
	c := &gzipCompressor{}
	c.writers.New = func() any { return gzip.NewWriter(nil) }
	c.readers.New = func() any { return new(gzip.Reader) }
	return c
}

func (c *gzipCompressor) Name() string { return NameGzip }

func (c *gzipCompressor) Compress(data []byte) ([]byte, error) {
	buf := DefaultPool.GetBuffer()
	defer DefaultPool.PutBuffer(buf)
	w := c.writers.Get().(*gzip.Writer)
	defer c.writers.Put(w)
	w.Reset(buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip compress close: %w", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (c *gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r := c.readers.Get().(*gzip.Reader)
	defer c.readers.Put(r)
	if err := r.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("gzip decompress reset: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	return out, nil
}

// zstdCompressor implements Compressor using klauspost/compress/zstd, the
// zstd implementation pulled transitively into the retrieved corpus
// (docker-compose, keploy-keploy both require github.com/klauspost/compress).
type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd returns a Compressor backed by a shared zstd encoder/decoder pair.
// zstd.Encoder/Decoder are safe for concurrent use once constructed.
func NewZstd() (Compressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: new encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: new decoder: %w", err)
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (c *zstdCompressor) Name() string { return NameZstd }

func (c *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (c *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// Registry is a name-keyed set of compressors, used to build the
// grpc-accept-encoding header and to resolve an incoming grpc-encoding.
// Grounded on the teacher's compressorRegistry (rpc/compression.go).
type Registry struct {
	mu          sync.RWMutex
	compressors map[string]Compressor
}

// NewRegistry returns an empty compressor registry.
func NewRegistry() *Registry {
	return &Registry{compressors: make(map[string]Compressor)}
}

// Register adds or replaces a compressor under its Name().
func (r *Registry) Register(c Compressor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compressors[c.Name()] = c
}

// Get looks up a compressor by name.
func (r *Registry) Get(name string) (Compressor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.compressors[name]
	return c, ok
}

// Names returns the registered compressor names, suitable for joining into
// a grpc-accept-encoding header value.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.compressors))
	for name := range r.compressors {
		names = append(names, name)
	}
	return names
}
