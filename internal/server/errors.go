package server

import (
	"context"
	"errors"

	"AgentLedger/internal/errs"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var classCodes = map[errs.Class]codes.Code{
	errs.ClassQualification: codes.PermissionDenied,
	errs.ClassAuthorization: codes.PermissionDenied,
	errs.ClassThreshold:     codes.InvalidArgument,
	errs.ClassValidation:    codes.InvalidArgument,
	errs.ClassBalance:       codes.FailedPrecondition,
	errs.ClassState:         codes.FailedPrecondition,
	errs.ClassParticipation: codes.FailedPrecondition,
	errs.ClassTiming:        codes.FailedPrecondition,
	errs.ClassInternal:      codes.Internal,
}

// grpcCode maps a ledger error to a gRPC status code. Lookups that miss are
// NotFound and a second dispute is AlreadyExists; everything else follows
// the rejection class.
func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, errUnavailable):
		return codes.Unavailable
	}
	e, ok := errs.From(err)
	if !ok {
		return codes.Internal
	}
	switch e.Code() {
	case errs.CodeOrderNotFound, errs.CodeDisputeNotFound:
		return codes.NotFound
	case errs.CodeDisputeAlreadyExists:
		return codes.AlreadyExists
	}
	if c, ok := classCodes[e.Class()]; ok {
		return c
	}
	return codes.Internal
}

// toStatus converts err to a gRPC status error. The ledger code travels in
// the message prefix so JSON clients can branch on it.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := grpcCode(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}
