package nbi

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Rusteze-AP/simulation-controller/core"
	"github.com/Rusteze-AP/simulation-controller/internal/controller"
	"github.com/Rusteze-AP/simulation-controller/internal/observer"
)

// ErrInvalidArgument is used for malformed requests rejected before they
// reach the controller.
var ErrInvalidArgument = errors.New("invalid argument")

// ToStatusError maps control-plane errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, controller.ErrLookupMiss),
		errors.Is(err, core.ErrNodeNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, controller.ErrInvalidIntent),
		errors.Is(err, controller.ErrLoadFailed),
		errors.Is(err, core.ErrSelfLoop):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, controller.ErrNoTopology):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, controller.ErrClosed),
		errors.Is(err, observer.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
