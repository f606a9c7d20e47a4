// Package clawerr defines Clawline's closed set of wire error codes and a
// tagged error type that carries one of them end to end, from storage and
// domain packages up through the WebSocket and HTTP front doors.
package clawerr

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Code is one of the fixed wire error codes a client can receive, either as
// a websocket "error" frame's Code field, an auth_result/pair_result reason,
// or mapped to an HTTP status on the media plane.
type Code string

const (
	CodeAuthFailed            Code = "auth_failed"
	CodeTokenRevoked          Code = "token_revoked"
	CodeInvalidMessage        Code = "invalid_message"
	CodePayloadTooLarge       Code = "payload_too_large"
	CodeAssetNotFound         Code = "asset_not_found"
	CodeRateLimited           Code = "rate_limited"
	CodePairRejected          Code = "pair_rejected"
	CodePairDenied            Code = "pair_denied"
	CodePairTimeout           Code = "pair_timeout"
	CodeDeviceNotApproved     Code = "device_not_approved"
	CodeSessionReplaced       Code = "session_replaced"
	CodeUploadFailedRetryable Code = "upload_failed_retryable"
	CodeServerError           Code = "server_error"
	CodeBindNotAllowed        Code = "bind_not_allowed"
	CodeDBCorrupt             Code = "db_corrupt"
	CodeDBLocked              Code = "db_locked"
	CodeLockUnavailable       Code = "lock_unavailable"
	CodeMediaUnavailable      Code = "media_unavailable"
	CodeAdapterUnavailable    Code = "adapter_unavailable"
)

// HTTPStatus maps a wire code to the HTTP status the media plane should
// answer with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeAuthFailed, CodeTokenRevoked:
		return http.StatusUnauthorized
	case CodeInvalidMessage:
		return http.StatusBadRequest
	case CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeAssetNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodePairRejected, CodePairDenied, CodeDeviceNotApproved:
		return http.StatusForbidden
	case CodePairTimeout:
		return http.StatusRequestTimeout
	case CodeUploadFailedRetryable, CodeMediaUnavailable, CodeDBLocked, CodeLockUnavailable, CodeAdapterUnavailable:
		return http.StatusServiceUnavailable
	case CodeBindNotAllowed:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// CloseCode maps a wire code to the websocket close code used when the
// connection cannot continue, per the front door's close-code table: most
// validation/auth failures close 1008, internal failures close 1011, and a
// session takeover or a pair_result failure closes 1000 (normal closure —
// the client is expected to reconnect or has been told no).
func (c Code) CloseCode() int {
	switch c {
	case CodeSessionReplaced, CodePairRejected, CodePairDenied, CodePairTimeout:
		return websocket.CloseNormalClosure // 1000
	case CodeServerError:
		return websocket.CloseInternalServerErr // 1011
	case CodeInvalidMessage, CodeAuthFailed, CodeTokenRevoked, CodeRateLimited, CodeDeviceNotApproved:
		return websocket.ClosePolicyViolation // 1008
	default:
		return websocket.ClosePolicyViolation // 1008
	}
}

// Error is a Clawline domain error tagged with a closed wire code.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a tagged error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds a tagged error around an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// As extracts a *Error from err, falling back to CodeServerError for
// anything that isn't already tagged.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if ok := asError(err, &ce); ok {
		return ce
	}
	return &Error{Code: CodeServerError, Message: "internal error", cause: err}
}

func asError(err error, target **Error) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
