package transport

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/mohammadhprp/ratelimiting/internal/admission"
	"github.com/mohammadhprp/ratelimiting/internal/middleware"
	"github.com/mohammadhprp/ratelimiting/internal/rules"
)

// UnaryAdmissionInterceptor rejects unary calls the decider blocks or
// throttles. Methods whose full name starts with one of exempt skip admission.
func UnaryAdmissionInterceptor(decider middleware.Decider, logger *zap.Logger, exempt ...string) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if isExempt(info.FullMethod, exempt) {
			return handler(ctx, req)
		}

		d, err := admit(ctx, decider, logger, info.FullMethod)
		if err != nil {
			if d.Outcome == admission.OutcomeThrottled {
				_ = grpc.SetHeader(ctx, retryAfterMD(d))
			}
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAdmissionInterceptor is the streaming counterpart of
// UnaryAdmissionInterceptor. Admission runs once when the stream opens.
func StreamAdmissionInterceptor(decider middleware.Decider, logger *zap.Logger, exempt ...string) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if isExempt(info.FullMethod, exempt) {
			return handler(srv, ss)
		}

		d, err := admit(ss.Context(), decider, logger, info.FullMethod)
		if err != nil {
			if d.Outcome == admission.OutcomeThrottled {
				_ = ss.SetHeader(retryAfterMD(d))
			}
			return err
		}
		return handler(srv, ss)
	}
}

func admit(ctx context.Context, decider middleware.Decider, logger *zap.Logger, fullMethod string) (admission.Decision, error) {
	d, err := decider.Decide(ctx, requestFromContext(ctx, fullMethod))
	if err != nil {
		logger.Debug("admission interrupted", zap.String("method", fullMethod), zap.Error(err))
		return d, status.FromContextError(err).Err()
	}

	switch d.Outcome {
	case admission.OutcomeBlocked:
		return d, status.Error(codes.PermissionDenied, "forbidden")
	case admission.OutcomeThrottled:
		return d, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	default:
		return d, nil
	}
}

// requestFromContext describes a gRPC call as a rules.Request: the full method
// is the path, the peer is the remote address and incoming metadata become
// headers.
func requestFromContext(ctx context.Context, fullMethod string) *rules.Request {
	req := &rules.Request{
		Method: http.MethodPost,
		Path:   fullMethod,
		Header: http.Header{},
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		req.RemoteAddr = p.Addr.String()
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for key, values := range md {
			if strings.HasPrefix(key, ":") {
				continue
			}
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
	}

	return req
}

func retryAfterMD(d admission.Decision) metadata.MD {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return metadata.Pairs("retry-after", strconv.Itoa(secs))
}

func isExempt(fullMethod string, exempt []string) bool {
	for _, prefix := range exempt {
		if strings.HasPrefix(fullMethod, prefix) {
			return true
		}
	}
	return false
}
