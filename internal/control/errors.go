package control

import (
	"context"
	"errors"
	"os"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/aseba-hub/compiler"
	"github.com/signalsfoundry/aseba-hub/core"
	"github.com/signalsfoundry/aseba-hub/network"
)

// ToStatusError maps hub and node errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, network.ErrNodeNotFound),
		errors.Is(err, network.ErrNetworkNotFound),
		errors.Is(err, core.ErrUnknownName),
		errors.Is(err, core.ErrNoScriptForNode),
		errors.Is(err, os.ErrNotExist):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, core.ErrDuplicateName),
		errors.Is(err, network.ErrNodeExists):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, core.ErrOutOfSpace),
		errors.Is(err, network.ErrNoFreeID):
		return status.Error(codes.ResourceExhausted, err.Error())

	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, core.ErrCompileFailure),
		errors.Is(err, core.ErrInvalidSize),
		errors.Is(err, compiler.ErrNoCode):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, network.ErrManagerClosed):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
