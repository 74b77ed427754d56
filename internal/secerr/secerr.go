// Package secerr defines the typed errors surfaced by the security control plane.
//
// Every error carries a stable code, a status class expressed as a gRPC code and an
// optional detail payload, so callers can tell which gate failed (permission,
// step-up, approval, rate limit) and prompt the matching remediation.
package secerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code identifies the failed gate.
type Code string

const (
	CodePermissionDenied         Code = "PERMISSION_DENIED"
	CodeRoleRequired             Code = "ROLE_REQUIRED"
	CodeStepUpRequired           Code = "STEP_UP_REQUIRED"
	CodeStepUpFailed             Code = "STEP_UP_FAILED"
	CodeApprovalRequired         Code = "APPROVAL_REQUIRED"
	CodeActionNotPending         Code = "ACTION_NOT_PENDING"
	CodeActionExpired            Code = "ACTION_EXPIRED"
	CodeSelfApproval             Code = "SELF_APPROVAL_FORBIDDEN"
	CodeRateLimitExceeded        Code = "RATE_LIMIT_EXCEEDED"
	CodeSupportModeInactive      Code = "SUPPORT_MODE_INACTIVE"
	CodeNotAuthorizedSupportUser Code = "NOT_AUTHORIZED_SUPPORT_USER"
	CodeAuditWriteFailure        Code = "AUDIT_WRITE_FAILURE"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeInvalidInput             Code = "INVALID_INPUT"
)

// Error is a structured control plane failure.
type Error struct {
	Code    Code
	Status  codes.Code
	Message string
	Detail  map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on code so callers can compare against the exported sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// GRPCStatus lets status.FromError and status.Code understand control plane errors.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Status, e.Message)
}

// Sentinels for errors.Is comparisons.
var (
	ErrPermissionDenied         = &Error{Code: CodePermissionDenied, Status: codes.PermissionDenied, Message: "permission denied"}
	ErrRoleRequired             = &Error{Code: CodeRoleRequired, Status: codes.PermissionDenied, Message: "role required"}
	ErrStepUpRequired           = &Error{Code: CodeStepUpRequired, Status: codes.PermissionDenied, Message: "step-up authentication required"}
	ErrStepUpFailed             = &Error{Code: CodeStepUpFailed, Status: codes.Unauthenticated, Message: "step-up verification failed"}
	ErrApprovalRequired         = &Error{Code: CodeApprovalRequired, Status: codes.FailedPrecondition, Message: "approval required"}
	ErrActionNotPending         = &Error{Code: CodeActionNotPending, Status: codes.FailedPrecondition, Message: "action is not pending"}
	ErrActionExpired            = &Error{Code: CodeActionExpired, Status: codes.FailedPrecondition, Message: "action has expired"}
	ErrSelfApproval             = &Error{Code: CodeSelfApproval, Status: codes.PermissionDenied, Message: "maker cannot approve own action"}
	ErrRateLimitExceeded        = &Error{Code: CodeRateLimitExceeded, Status: codes.ResourceExhausted, Message: "rate limit exceeded"}
	ErrSupportModeInactive      = &Error{Code: CodeSupportModeInactive, Status: codes.FailedPrecondition, Message: "support mode is not active"}
	ErrNotAuthorizedSupportUser = &Error{Code: CodeNotAuthorizedSupportUser, Status: codes.PermissionDenied, Message: "not the authorized support user"}
	ErrAuditWriteFailure        = &Error{Code: CodeAuditWriteFailure, Status: codes.Unavailable, Message: "audit log unavailable"}
	ErrNotFound                 = &Error{Code: CodeNotFound, Status: codes.NotFound, Message: "not found"}
	ErrInvalidInput             = &Error{Code: CodeInvalidInput, Status: codes.InvalidArgument, Message: "invalid input"}
)

func newErr(tmpl *Error, msg string, detail map[string]any, cause error) *Error {
	if msg == "" {
		msg = tmpl.Message
	}
	return &Error{Code: tmpl.Code, Status: tmpl.Status, Message: msg, Detail: detail, cause: cause}
}

func PermissionDenied(permission string) *Error {
	return newErr(ErrPermissionDenied, "missing permission "+permission, map[string]any{"permission": permission}, nil)
}

func RoleRequired(role string) *Error {
	return newErr(ErrRoleRequired, "missing role "+role, map[string]any{"role": role}, nil)
}

func StepUpRequired() *Error {
	return newErr(ErrStepUpRequired, "", nil, nil)
}

func StepUpFailed(method string, cause error) *Error {
	return newErr(ErrStepUpFailed, "", map[string]any{"method": method}, cause)
}

func ApprovalRequired(actionID string) *Error {
	return newErr(ErrApprovalRequired, "", map[string]any{"action_id": actionID}, nil)
}

func ActionNotPending(actionID, status string) *Error {
	return newErr(ErrActionNotPending, fmt.Sprintf("action %s is %s", actionID, status),
		map[string]any{"action_id": actionID, "status": status}, nil)
}

func ActionExpired(actionID string, expiredAt time.Time) *Error {
	return newErr(ErrActionExpired, "", map[string]any{"action_id": actionID, "expires_at": expiredAt.UTC()}, nil)
}

func SelfApproval(actionID string) *Error {
	return newErr(ErrSelfApproval, "", map[string]any{"action_id": actionID}, nil)
}

// RateLimitExceeded reports the remaining quota and when the oldest counted record leaves the window.
func RateLimitExceeded(limit, remaining int, resetAt time.Time) *Error {
	return newErr(ErrRateLimitExceeded, "", map[string]any{
		"limit":     limit,
		"remaining": remaining,
		"reset_at":  resetAt.UTC(),
	}, nil)
}

func SupportModeInactive() *Error {
	return newErr(ErrSupportModeInactive, "", nil, nil)
}

func NotAuthorizedSupportUser() *Error {
	return newErr(ErrNotAuthorizedSupportUser, "", nil, nil)
}

func AuditWriteFailure(cause error) *Error {
	return newErr(ErrAuditWriteFailure, "", nil, cause)
}

func NotFound(what string) *Error {
	return newErr(ErrNotFound, what+" not found", nil, nil)
}

func InvalidInput(format string, args ...any) *Error {
	return newErr(ErrInvalidInput, fmt.Sprintf(format, args...), nil, nil)
}

// As extracts the control plane error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps an error to the HTTP status of its class. Unknown errors map to 500.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case CodeActionExpired:
		return http.StatusGone
	case CodeApprovalRequired:
		return http.StatusAccepted
	}
	switch e.Status {
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.NotFound:
		return http.StatusNotFound
	case codes.InvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
