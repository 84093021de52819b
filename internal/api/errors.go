package api

import (
	"errors"

	"github.com/matheus3301/bizchat/internal/auth"
	"github.com/matheus3301/bizchat/internal/remote"
	intsync "github.com/matheus3301/bizchat/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps an engine error onto a gRPC status so clients can tell a
// bad request from a server rejection or an unreachable backend.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, intsync.ErrStale):
		return grpcstatus.Error(codes.Aborted, err.Error())
	case errors.Is(err, auth.ErrNotAuthenticated), remote.IsUnauthorized(err):
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	}

	switch remote.KindOf(err) {
	case remote.KindValidation:
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case remote.KindApplication, remote.KindState:
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case remote.KindTransport:
		return grpcstatus.Error(codes.Unavailable, err.Error())
	}
	return grpcstatus.Errorf(codes.Internal, "%v", err)
}
