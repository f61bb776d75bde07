package api

import (
	"context"
	"errors"

	"github.com/cuemby/rgmanager/pkg/types"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
)

const errorDomain = "rgmanager"

// Error reasons carried in google.rpc.ErrorInfo
const (
	ReasonGroupNotFound           = "GROUP_NOT_FOUND"
	ReasonDependencyUnsatisfiable = "DEPENDENCY_UNSATISFIABLE"
	ReasonNotQuorate              = "NOT_QUORATE"
	ReasonGroupFrozen             = "GROUP_FROZEN"
	ReasonGroupExcluded           = "GROUP_EXCLUDED"
	ReasonNodeNotMember           = "NODE_NOT_MEMBER"
	ReasonNotLeader               = "NOT_LEADER"
)

var reasons = []struct {
	err    error
	code   codes.Code
	reason string
}{
	{types.ErrGroupNotFound, codes.NotFound, ReasonGroupNotFound},
	{types.ErrDependencyUnsatisfiable, codes.FailedPrecondition, ReasonDependencyUnsatisfiable},
	{types.ErrNotQuorate, codes.Unavailable, ReasonNotQuorate},
	{types.ErrGroupFrozen, codes.FailedPrecondition, ReasonGroupFrozen},
	{types.ErrGroupExcluded, codes.FailedPrecondition, ReasonGroupExcluded},
	{types.ErrNodeNotMember, codes.InvalidArgument, ReasonNodeNotMember},
	{types.ErrNotLeader, codes.Unavailable, ReasonNotLeader},
}

// ToStatus converts a manager error to a gRPC status error
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}

	var st *status.Status
	var details []protoadapt.MessageV1
	for _, r := range reasons {
		if !errors.Is(err, r.err) {
			continue
		}
		if st == nil {
			st = status.New(r.code, err.Error())
		}
		details = append(details, &errdetails.ErrorInfo{Reason: r.reason, Domain: errorDomain})
	}
	if st == nil {
		return status.Error(codes.Internal, err.Error())
	}

	withInfo, derr := st.WithDetails(details...)
	if derr != nil {
		return st.Err()
	}
	return withInfo.Err()
}

// FromStatus converts a gRPC status error back to an error wrapping the
// matching sentinels, so callers can use errors.Is across the wire
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return err
	}

	var sentinels []error
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		for _, r := range reasons {
			if r.reason == info.GetReason() {
				sentinels = append(sentinels, r.err)
			}
		}
	}
	if len(sentinels) == 0 {
		return err
	}
	return &remoteError{msg: st.Message(), errs: sentinels}
}

// remoteError keeps the server's message and unwraps to the sentinels
type remoteError struct {
	msg  string
	errs []error
}

func (e *remoteError) Error() string   { return e.msg }
func (e *remoteError) Unwrap() []error { return e.errs }
