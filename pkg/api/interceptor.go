package api

import (
	"context"
	"time"

	"github.com/cuemby/rgmanager/pkg/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// LoggingInterceptor logs every unary call with its duration and status
// code. Reads log at debug, writes at info and failures at warn.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	logger := log.WithComponent("api")

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		event := logger.Info()
		switch {
		case err != nil:
			event = logger.Warn().Err(err)
		case isReadOnlyMethod(info.FullMethod):
			event = logger.Debug()
		}
		event.
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("API call")

		return resp, err
	}
}

// isReadOnlyMethod reports whether a method only reads state
func isReadOnlyMethod(method string) bool {
	switch method {
	case MethodListGroups, MethodGetMembership, MethodGetHistory, MethodWatchEvents:
		return true
	}
	return false
}
