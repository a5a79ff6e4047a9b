package service

import (
	"context"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dsmmcken/qgate/internal/worker"
)

func TestLeaseErrorMapping(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code codes.Code
	}{
		{worker.ErrMaxRequestsExceeded, codes.ResourceExhausted},
		{worker.ErrQueueIsClosed, codes.Unavailable},
		{fmt.Errorf("boom"), codes.Unknown},
	} {
		if got := status.Code(leaseError(tc.err)); got != tc.code {
			t.Errorf("leaseError(%v) = %v, want %v", tc.err, got, tc.code)
		}
	}
}

func TestWorkerErrorMapping(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		status int64
		code   codes.Code
	}{
		{404, codes.NotFound},
		{410, codes.NotFound},
		{403, codes.PermissionDenied},
		{401, codes.Unauthenticated},
		{500, codes.Internal},
		{418, codes.Unknown},
	} {
		err := workerError(ctx, &worker.ResponseError{Status: tc.status, Msg: "nope"})
		if got := status.Code(err); got != tc.code {
			t.Errorf("workerError(%d) = %v, want %v", tc.status, got, tc.code)
		}
	}
	// Non-response errors map to Unknown.
	if got := status.Code(workerError(ctx, worker.ErrWorkerProcessDead)); got != codes.Unknown {
		t.Errorf("workerError(process dead) = %v, want Unknown", got)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	c := codec{}
	in := &PingRequest{Echo: "hello"}
	data, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out := new(PingRequest)
	if err := c.Unmarshal(data, out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Echo != "hello" {
		t.Errorf("echo = %q, want hello", out.Echo)
	}
	if c.Name() != CodecName {
		t.Errorf("codec name = %q", c.Name())
	}
}
