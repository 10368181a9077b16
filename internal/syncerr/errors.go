package syncerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of failure categories the engine reasons about.
type Kind string

const (
	KindNetworkOffline   Kind = "NETWORK_OFFLINE"
	KindTimeout          Kind = "TIMEOUT"
	KindAuthRequired     Kind = "AUTH_REQUIRED"
	KindPermissionDenied Kind = "PERMISSION_DENIED"
	KindQuotaExceeded    Kind = "QUOTA_EXCEEDED"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindDocTooLarge      Kind = "DOC_TOO_LARGE"
	KindConflict         Kind = "CONFLICT"
	KindValidationFailed Kind = "VALIDATION_FAILED"
	KindNotFound         Kind = "NOT_FOUND"
	KindTransient        Kind = "TRANSIENT"
	KindUnavailable      Kind = "UNAVAILABLE"
	KindCanceled         Kind = "CANCELED"
	KindUnknown          Kind = "UNKNOWN"
)

// Kinds lists every member of the taxonomy in a stable order.
var Kinds = []Kind{
	KindNetworkOffline,
	KindTimeout,
	KindAuthRequired,
	KindPermissionDenied,
	KindQuotaExceeded,
	KindRateLimited,
	KindDocTooLarge,
	KindConflict,
	KindValidationFailed,
	KindNotFound,
	KindTransient,
	KindUnavailable,
	KindCanceled,
	KindUnknown,
}

var (
	ErrNetworkOffline   = &CloudError{Kind: KindNetworkOffline}
	ErrTimeout          = &CloudError{Kind: KindTimeout}
	ErrAuthRequired     = &CloudError{Kind: KindAuthRequired}
	ErrPermissionDenied = &CloudError{Kind: KindPermissionDenied}
	ErrQuotaExceeded    = &CloudError{Kind: KindQuotaExceeded}
	ErrRateLimited      = &CloudError{Kind: KindRateLimited}
	ErrDocTooLarge      = &CloudError{Kind: KindDocTooLarge}
	ErrConflict         = &CloudError{Kind: KindConflict}
	ErrValidationFailed = &CloudError{Kind: KindValidationFailed}
	ErrNotFound         = &CloudError{Kind: KindNotFound}
	ErrTransient        = &CloudError{Kind: KindTransient}
	ErrUnavailable      = &CloudError{Kind: KindUnavailable}
	ErrCanceled         = &CloudError{Kind: KindCanceled}
	ErrUnknown          = &CloudError{Kind: KindUnknown}
)

// Retryable reports whether failures of this kind are worth another attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetworkOffline, KindTimeout, KindAuthRequired, KindQuotaExceeded,
		KindRateLimited, KindTransient, KindUnavailable:
		return true
	case KindPermissionDenied, KindDocTooLarge, KindConflict, KindValidationFailed,
		KindNotFound, KindCanceled, KindUnknown:
		return false
	default:
		return false
	}
}

// UserMessage is the default message shown for a kind.
func (k Kind) UserMessage() string {
	switch k {
	case KindNetworkOffline:
		return "You appear to be offline. Changes will sync when the connection returns."
	case KindTimeout:
		return "The server took too long to respond. We'll keep trying."
	case KindAuthRequired:
		return "Please sign in again to keep syncing."
	case KindPermissionDenied:
		return "You don't have permission to change this project."
	case KindQuotaExceeded:
		return "Storage quota reached. Syncing will resume when space is available."
	case KindRateLimited:
		return "Too many requests right now. We'll retry shortly."
	case KindDocTooLarge:
		return "This project is too large to save."
	case KindConflict:
		return "This project was changed on another device."
	case KindValidationFailed:
		return "The project data is invalid and could not be saved."
	case KindNotFound:
		return "The project could not be found."
	case KindTransient:
		return "A temporary server problem occurred. We'll retry shortly."
	case KindUnavailable:
		return "The sync service is unavailable. We'll retry shortly."
	case KindCanceled:
		return "The operation was canceled."
	case KindUnknown:
		return "Something went wrong while syncing."
	default:
		return "Something went wrong while syncing."
	}
}

// HTTPStatus maps a kind to the status code used when it crosses the HTTP API.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNetworkOffline, KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindQuotaExceeded:
		return http.StatusInsufficientStorage
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDocTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindConflict:
		return http.StatusConflict
	case KindValidationFailed:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusBadGateway
	case KindCanceled:
		return 499
	case KindUnknown:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ConflictDetails describes a rejected optimistic-concurrency write.
type ConflictDetails struct {
	ExpectedRevision int64 `json:"expectedRevision"`
	CurrentRevision  int64 `json:"currentRevision"`
}

// CloudError is the classified form of every remote failure. It is never
// mutated after construction.
type CloudError struct {
	Kind        Kind
	Retryable   bool
	UserMessage string
	Op          string
	Conflict    *ConflictDetails
	Cause       error
}

func New(kind Kind, op string, cause error) *CloudError {
	return &CloudError{
		Kind:        kind,
		Retryable:   kind.Retryable(),
		UserMessage: kind.UserMessage(),
		Op:          op,
		Cause:       cause,
	}
}

func Newf(kind Kind, op, format string, args ...any) *CloudError {
	return New(kind, op, fmt.Errorf(format, args...))
}

// Conflict builds a CONFLICT error carrying both revisions.
func Conflict(op string, expected, current int64) *CloudError {
	e := New(KindConflict, op, fmt.Errorf("expected revision %d, current revision %d", expected, current))
	e.Conflict = &ConflictDetails{ExpectedRevision: expected, CurrentRevision: current}
	return e
}

func (e *CloudError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CloudError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches any CloudError of the same kind, so errors.Is(err, ErrConflict) works.
func (e *CloudError) Is(target error) bool {
	t, ok := target.(*CloudError)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// WithOp returns a copy of e attributed to op.
func (e *CloudError) WithOp(op string) *CloudError {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Op = op
	return &cp
}

// KindOf classifies err and returns its kind. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

type cloudErrorJSON struct {
	Kind      Kind             `json:"kind"`
	Retryable bool             `json:"retryable"`
	Message   string           `json:"message"`
	Op        string           `json:"op,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	Conflict  *ConflictDetails `json:"conflict,omitempty"`
}

func (e *CloudError) MarshalJSON() ([]byte, error) {
	out := cloudErrorJSON{
		Kind:      e.Kind,
		Retryable: e.Retryable,
		Message:   e.UserMessage,
		Op:        e.Op,
		Conflict:  e.Conflict,
	}
	if e.Cause != nil {
		out.Detail = e.Cause.Error()
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a CloudError rendered by MarshalJSON. The cause comes
// back as plain text.
func (e *CloudError) UnmarshalJSON(data []byte) error {
	var in cloudErrorJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = CloudError{
		Kind:        in.Kind,
		Retryable:   in.Retryable,
		UserMessage: in.Message,
		Op:          in.Op,
		Conflict:    in.Conflict,
	}
	if in.Detail != "" {
		e.Cause = errors.New(in.Detail)
	}
	return nil
}
