package grpcapi

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"qrattend.org/internal/attendance"
)

const errorDomain = "qrattend.org"

// toStatus converts service errors into gRPC statuses. The failure kind and
// its fields travel in an ErrorInfo detail so clients can rebuild the typed error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	kind, ok := attendance.KindOf(err)
	if !ok {
		if errors.Is(err, attendance.ErrInvalidInput) {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if errors.Is(err, attendance.ErrNotFound) {
			return status.Error(codes.NotFound, err.Error())
		}
		return status.Error(codes.Internal, "internal error")
	}

	code := codes.FailedPrecondition
	meta := map[string]string{}
	switch kind {
	case attendance.KindAuthorization:
		code = codes.PermissionDenied
	case attendance.KindNotFound:
		code = codes.NotFound
		var nf *attendance.NotFoundError
		if errors.As(err, &nf) {
			meta["resource"] = nf.Resource
			meta["id"] = nf.ID
		}
	case attendance.KindTokenNotPending:
		var np *attendance.TokenNotPendingError
		if errors.As(err, &np) {
			meta["status"] = string(np.Status)
		}
	case attendance.KindTokenExpired:
		var te *attendance.TokenExpiredError
		if errors.As(err, &te) {
			meta["expires_at"] = te.ExpiresAt.UTC().Format(time.RFC3339Nano)
		}
	case attendance.KindPrecondition:
		var pe *attendance.PreconditionError
		if errors.As(err, &pe) {
			meta["subject"] = pe.Subject
			meta["action"] = string(pe.Action)
			meta["open_entries"] = strconv.Itoa(pe.OpenEntries)
			meta["reason"] = pe.Reason
		}
	}

	st := status.New(code, err.Error())
	withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   string(kind),
		Domain:   errorDomain,
		Metadata: meta,
	})
	if derr != nil {
		return st.Err()
	}
	return withInfo.Err()
}

// fromStatus rebuilds the typed attendance error carried by a gRPC status.
// Statuses without a recognised detail pass through unchanged.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || err == nil {
		return err
	}
	if st.Code() == codes.InvalidArgument {
		return fmt.Errorf("%w: %s", attendance.ErrInvalidInput, st.Message())
	}
	var info *errdetails.ErrorInfo
	for _, d := range st.Details() {
		if ei, ok := d.(*errdetails.ErrorInfo); ok && ei.GetDomain() == errorDomain {
			info = ei
			break
		}
	}
	if info == nil {
		if st.Code() == codes.NotFound {
			return &attendance.NotFoundError{Resource: "token"}
		}
		return err
	}
	meta := info.GetMetadata()
	switch attendance.Kind(info.GetReason()) {
	case attendance.KindAuthorization:
		return &attendance.AuthorizationError{Reason: st.Message()}
	case attendance.KindNotFound:
		return &attendance.NotFoundError{Resource: meta["resource"], ID: meta["id"]}
	case attendance.KindTokenNotPending:
		return &attendance.TokenNotPendingError{Status: attendance.Status(meta["status"])}
	case attendance.KindTokenExpired:
		at, _ := time.Parse(time.RFC3339Nano, meta["expires_at"])
		return &attendance.TokenExpiredError{ExpiresAt: at}
	case attendance.KindPrecondition:
		open, _ := strconv.Atoi(meta["open_entries"])
		return &attendance.PreconditionError{
			Subject:     meta["subject"],
			Action:      attendance.Action(meta["action"]),
			OpenEntries: open,
			Reason:      meta["reason"],
		}
	}
	return err
}
