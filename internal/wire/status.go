package wire

import (
	"context"
	"errors"

	pkgerrors "github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mcules/dstore/internal/bufpool"
	"github.com/mcules/dstore/internal/layerstore"
	"github.com/mcules/dstore/internal/model"
	"github.com/mcules/dstore/internal/workers"
)

// ToStatus converts a server-side error into a gRPC status carrying the code
// of its sentinel.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, bufpool.ErrAllocationExhausted):
		code = codes.ResourceExhausted
	case errors.Is(err, layerstore.ErrLayerNotFound):
		code = codes.NotFound
	case errors.Is(err, model.ErrInvalidGraph),
		errors.Is(err, model.ErrInvalidComposition),
		errors.Is(err, ErrBadRequest):
		code = codes.InvalidArgument
	case errors.Is(err, ErrTransport):
		code = codes.DataLoss
	case errors.Is(err, workers.ErrStopped):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// FromStatus maps a gRPC status back onto the sentinel errors so callers can
// use errors.Is. Anything without a sentinel counts as a transport failure.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var base error
	switch st.Code() {
	case codes.ResourceExhausted:
		base = bufpool.ErrAllocationExhausted
	case codes.NotFound:
		base = layerstore.ErrLayerNotFound
	case codes.InvalidArgument:
		base = ErrBadRequest
	case codes.Canceled:
		base = context.Canceled
	case codes.DeadlineExceeded:
		base = context.DeadlineExceeded
	default:
		base = ErrTransport
	}
	return pkgerrors.Wrapf(base, "remote %s: %s", st.Code(), st.Message())
}
