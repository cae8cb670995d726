package main

import (
	"context"
	"strings"
	"time"

	"stockflow/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.Context()); err != nil {
			return err
		}
	}
	return s.ServerStream.RecvMsg(m)
}

func unaryInterceptor(limiter rateLimiter, metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		span := startCall(metrics, info.FullMethod)
		start := time.Now()
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				span.End(err)
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		span.End(err)
		logCall(logger, "unary", info.FullMethod, start, err)
		return resp, err
	}
}

func streamInterceptor(limiter rateLimiter, metrics *observability.Metrics, logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		span := startCall(metrics, info.FullMethod)
		start := time.Now()
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		span.End(err)
		logCall(logger, "stream", info.FullMethod, start, err)
		return err
	}
}

func startCall(metrics *observability.Metrics, method string) *observability.CallSpan {
	if metrics == nil || !shouldTrackMethod(method) {
		return &observability.CallSpan{}
	}
	return metrics.Start(method)
}

func logCall(logger zerolog.Logger, kind, method string, start time.Time, err error) {
	if err == nil || !shouldTrackMethod(method) {
		return
	}
	logger.Warn().
		Err(err).
		Str("kind", kind).
		Str("method", method).
		Dur("elapsed", time.Since(start)).
		Msg("grpc call failed")
}

func shouldTrackMethod(method string) bool {
	return method != "" && !strings.HasPrefix(method, "/grpc.reflection.")
}
