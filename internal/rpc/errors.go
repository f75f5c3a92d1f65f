package rpc

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/beammedia/control-plane/internal/errs"
)

// grpcError translates the engine error taxonomy (spec §7) into a gRPC
// status, the way the teacher's balance_service.go turns ledger errors into
// status.Errorf calls at its API boundary.
func grpcError(err error) error {
	if err == nil {
		return nil
	}

	var e *errs.Error
	if !errors.As(err, &e) {
		return status.Error(codes.Internal, err.Error())
	}

	switch e.Kind {
	case errs.KindInsufficientBalance:
		return status.Error(codes.FailedPrecondition, e.Error())
	case errs.KindInvalidInput:
		return status.Error(codes.InvalidArgument, e.Error())
	case errs.KindNotFound:
		return status.Error(codes.NotFound, e.Error())
	case errs.KindBusy, errs.KindTransient:
		return status.Error(codes.Unavailable, e.Error())
	case errs.KindTimeout:
		return status.Error(codes.DeadlineExceeded, e.Error())
	case errs.KindTerminalProvider:
		return status.Error(codes.FailedPrecondition, e.Error())
	default:
		return status.Error(codes.Internal, e.Error())
	}
}
