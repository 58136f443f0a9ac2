package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/msgsync/internal/store"
	intsync "github.com/matheus3301/msgsync/internal/sync"
)

// toStatus maps domain errors onto gRPC codes.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, intsync.ErrInvalidMessage), errors.Is(err, store.ErrInvalidRecord):
		code = codes.InvalidArgument
	case errors.Is(err, intsync.ErrNotFound), errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, intsync.ErrAlreadySending), errors.Is(err, intsync.ErrNotRetryable):
		code = codes.FailedPrecondition
	case errors.Is(err, intsync.ErrOffline):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

func invalidArgument(op string, err error) error {
	return grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", op, err)
}
