package transport

import (
	"context"
	"net/http"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tailrpc/tailrpc/client"
)

// Wrapper adapts one http.Request in place before it is sent, returning a
// release func to be called once the call completes (used by the
// concurrency-limit stage to free its semaphore slot).
type Wrapper func(ctx context.Context, req *http.Request) (release func(), err error)

// Pipeline is the ordered request-modifier chain from spec §4.6: "add
// origin, user-agent, grpc-timeout, concurrency limit, rate limit". The
// add-origin/user-agent/grpc-timeout stages already live in
// client.Invoker.buildRequest; Pipeline supplies the two connection-level
// stages that buildRequest cannot express on its own: concurrency limiting
// and rate limiting, applied in that order after the per-call stages run.
type Pipeline struct {
	stages []Wrapper
}

// NewPipeline builds a Pipeline from stages, applied in the given order.
func NewPipeline(stages ...Wrapper) *Pipeline {
	return &Pipeline{stages: stages}
}

// Apply runs every stage in order and returns a combined release func that
// unwinds all of them, in reverse order, once the call completes.
func (p *Pipeline) Apply(ctx context.Context, req *http.Request) (release func(), err error) {
	releases := make([]func(), 0, len(p.stages))
	release = func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, stage := range p.stages {
		r, err := stage(ctx, req)
		if err != nil {
			release()
			return func() {}, err
		}
		if r != nil {
			releases = append(releases, r)
		}
	}
	return release, nil
}

// ConcurrencyLimit bounds the number of simultaneous in-flight calls this
// connection will allow, using golang.org/x/sync/semaphore's weighted
// semaphore in place of a hand-rolled buffered-channel counter, per spec
// §4.6's "concurrency limit" pipeline stage.
func ConcurrencyLimit(n int) Wrapper {
	sem := semaphore.NewWeighted(int64(n))
	return func(ctx context.Context, _ *http.Request) (func(), error) {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		return func() { sem.Release(1) }, nil
	}
}

// RateLimit throttles outgoing requests through limiter (see
// NewRateLimiter), waiting on golang.org/x/time/rate.Limiter — the corpus's idiomatic choice for
// token-bucket limiting, per spec §4.6's "rate limit" pipeline stage.
func RateLimit(limiter *rate.Limiter) Wrapper {
	return func(ctx context.Context, _ *http.Request) (func(), error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return func() {}, nil
	}
}

// NewRateLimiter constructs a rate.Limiter allowing r requests/sec with
// burst b.
func NewRateLimiter(r rate.Limit, b int) *rate.Limiter {
	return rate.NewLimiter(r, b)
}

// pipelineConn wraps a client.Conn so every Do call runs through a
// Pipeline's connection-level stages before the request is issued.
type pipelineConn struct {
	inner client.Conn
	pipe  *Pipeline
}

// WithPipeline returns a client.Conn that applies pipeline's stages to
// every outgoing request before delegating to inner.
func WithPipeline(inner client.Conn, pipeline *Pipeline) client.Conn {
	return &pipelineConn{inner: inner, pipe: pipeline}
}

func (c *pipelineConn) Do(req *http.Request) (*http.Response, error) {
	release, err := c.pipe.Apply(req.Context(), req)
	if err != nil {
		return nil, err
	}
	defer release()
	return c.inner.Do(req)
}
