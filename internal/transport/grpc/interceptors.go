package grpcx

import (
	"context"
	"crypto/subtle"
	"runtime/debug"
	"strings"
	"time"

	"github.com/bcrosbie/personaliz/internal/domain"
	"github.com/bcrosbie/personaliz/internal/metrics"
	"github.com/bcrosbie/personaliz/internal/rpccontract"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const requestIDHeader = "x-request-id"

type contextKey int

const (
	requestIDKey contextKey = iota
	authorizedKey
)

func RecoveryUnaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (response any, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				logger.Error("panic recovered",
					zap.String("method", info.FullMethod),
					zap.Any("panic", recovered),
					zap.String("request_id", RequestID(ctx)),
					zap.ByteString("stack", debug.Stack()),
				)
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// AuthUnaryInterceptor guards write methods with a shared token. An empty
// token disables the check and marks every caller as authorized.
func AuthUnaryInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if token == "" {
			return handler(context.WithValue(ctx, authorizedKey, true), req)
		}

		matches := subtle.ConstantTimeCompare([]byte(extractToken(ctx)), []byte(token)) == 1
		if _, isWriteMethod := rpccontract.WriteMethods[info.FullMethod]; isWriteMethod && !matches {
			return nil, status.Error(codes.Unauthenticated, "invalid authentication token")
		}
		return handler(context.WithValue(ctx, authorizedKey, matches), req)
	}
}

// LoggingUnaryInterceptor assigns a request id, echoes it as a response
// header, and logs one line per call.
func LoggingUnaryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		started := time.Now()
		requestID := incomingRequestID(ctx)
		ctx = context.WithValue(ctx, requestIDKey, requestID)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDHeader, requestID))

		response, err := handler(ctx, req)
		code := status.Code(err)
		if code == codes.Unknown {
			code = status.Code(mapError(err))
		}
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("request_id", requestID),
			zap.Duration("duration", time.Since(started)),
			zap.String("code", code.String()),
		}
		if err != nil {
			logger.Warn("grpc request failed", append(fields, zap.Error(err))...)
		} else {
			logger.Info("grpc request", fields...)
		}
		metrics.ObserveRequest("grpc", info.FullMethod, code.String(), started)
		return response, err
	}
}

func ErrorUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		response, err := handler(ctx, req)
		if err == nil {
			return response, nil
		}

		if status.Code(err) != codes.Unknown {
			return nil, err
		}

		return nil, mapError(err)
	}
}

// RequestID returns the id assigned by LoggingUnaryInterceptor, if any.
func RequestID(ctx context.Context) string {
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

func authorized(ctx context.Context) bool {
	value, _ := ctx.Value(authorizedKey).(bool)
	return value
}

func mapError(err error) error {
	appError, ok := domain.AsAppError(err)
	if !ok {
		return status.Error(codes.Internal, "internal server error")
	}
	switch appError.Code {
	case domain.CodeInvalidArgument:
		return status.Error(codes.InvalidArgument, appError.Message)
	case domain.CodeNotFound:
		return status.Error(codes.NotFound, appError.Message)
	case domain.CodeConflict:
		return status.Error(codes.AlreadyExists, appError.Message)
	case domain.CodeUnavailable:
		return status.Error(codes.Unavailable, appError.Message)
	case domain.CodeExternalCheckFailed:
		return status.Error(codes.FailedPrecondition, appError.Message)
	case domain.CodeUnauthenticated:
		return status.Error(codes.Unauthenticated, appError.Message)
	default:
		return status.Error(codes.Internal, appError.Message)
	}
}

func incomingRequestID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		if id := strings.TrimSpace(first(md.Get(requestIDHeader))); id != "" {
			return id
		}
	}
	return uuid.NewString()
}

func extractToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}

	token := strings.TrimSpace(first(md.Get(rpccontract.TokenHeader)))
	if token != "" {
		return token
	}

	authHeader := strings.TrimSpace(first(md.Get("authorization")))
	const bearer = "Bearer "
	if strings.HasPrefix(authHeader, bearer) {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, bearer))
	}
	return ""
}

func first(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[0]
}
