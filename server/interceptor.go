package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tailrpc/tailrpc/metadata"
	"github.com/tailrpc/tailrpc/status"
)

// UnaryInvoker is the next link in a unary interceptor chain.
type UnaryInvoker func(ctx context.Context, req []byte, md metadata.MD) ([]byte, metadata.MD, error)

// UnaryInterceptor wraps a UnaryInvoker, e.g. for logging, recovery, or
// metrics. Grounded on the teacher's Interceptor/chainedInterceptor
// (rpc/interceptors.go), generalized from interface{} request/response
// pairs to this module's []byte message boundary, and re-pointed at
// go.uber.org/zap for structured logging, matching the ambient logging
// stack the rest of this module uses.
type UnaryInterceptor func(ctx context.Context, method string, req []byte, md metadata.MD, next UnaryInvoker) ([]byte, metadata.MD, error)

// Chain composes interceptors so the first one runs outermost.
func Chain(interceptors ...UnaryInterceptor) UnaryInterceptor {
	return func(ctx context.Context, method string, req []byte, md metadata.MD, next UnaryInvoker) ([]byte, metadata.MD, error) {
		final := next
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			wrapped := final
			final = func(ctx context.Context, req []byte, md metadata.MD) ([]byte, metadata.MD, error) {
				return interceptor(ctx, method, req, md, wrapped)
			}
		}
		return final(ctx, req, md)
	}
}

// LoggingInterceptor logs the method name, duration and outcome of every
// call via a zap logger.
func LoggingInterceptor(logger *zap.Logger) UnaryInterceptor {
	return func(ctx context.Context, method string, req []byte, md metadata.MD, next UnaryInvoker) ([]byte, metadata.MD, error) {
		start := time.Now()
		resp, trailer, err := next(ctx, req, md)
		fields := []zap.Field{zap.String("method", method), zap.Duration("duration", time.Since(start))}
		if err != nil {
			logger.Warn("rpc failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("rpc completed", fields...)
		}
		return resp, trailer, err
	}
}

// RecoveryInterceptor converts a panic in the handler chain into an
// Internal error instead of crashing the serving goroutine.
func RecoveryInterceptor() UnaryInterceptor {
	return func(ctx context.Context, method string, req []byte, md metadata.MD, next UnaryInvoker) (resp []byte, trailer metadata.MD, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = status.Newf(status.Internal, "panic in handler %s: %v", method, r).Err()
			}
		}()
		return next(ctx, req, md)
	}
}

// MetricsInterceptor accumulates simple per-server call counters.
type MetricsInterceptor struct {
	RequestCount int64
	SuccessCount int64
	FailureCount int64
}

// Intercept implements UnaryInterceptor.
func (m *MetricsInterceptor) Intercept(ctx context.Context, method string, req []byte, md metadata.MD, next UnaryInvoker) ([]byte, metadata.MD, error) {
	m.RequestCount++
	resp, trailer, err := next(ctx, req, md)
	if err != nil {
		m.FailureCount++
	} else {
		m.SuccessCount++
	}
	return resp, trailer, err
}
