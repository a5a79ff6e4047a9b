package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dsmmcken/qgate/internal/worker"
)

// leaseError maps worker admission failures to gRPC status codes.
func leaseError(err error) error {
	switch {
	case errors.Is(err, worker.ErrMaxRequestsExceeded):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, worker.ErrQueueIsClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

// workerError converts a worker reply failure to a gRPC status.
//
// Statuses without a direct mapping come back as Unknown with the
// original code in the x-reply-status-code trailer.
func workerError(ctx context.Context, err error) error {
	var resp *worker.ResponseError
	if !errors.As(err, &resp) {
		return status.Error(codes.Unknown, err.Error())
	}
	msg := fmt.Sprintf("%v", resp.Msg)
	switch resp.Status {
	case 404, 410:
		return status.Error(codes.NotFound, msg)
	case 403:
		return status.Error(codes.PermissionDenied, msg)
	case 401:
		return status.Error(codes.Unauthenticated, msg)
	case 500:
		return status.Error(codes.Internal, msg)
	default:
		_ = grpc.SetTrailer(ctx, metadata.Pairs(
			"x-reply-status-code", strconv.FormatInt(resp.Status, 10),
		))
		return status.Error(codes.Unknown, msg)
	}
}
