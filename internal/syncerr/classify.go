package syncerr

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/aws/smithy-go"
	"github.com/lib/pq"
)

type statusCoder interface {
	StatusCode() int
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Classify maps any error to a CloudError. The mapping is deterministic and
// performs no I/O. Errors it does not recognise become UNKNOWN, which is not
// retried.
func Classify(err error) *CloudError {
	if err == nil {
		return nil
	}
	var ce *CloudError
	if errors.As(err, &ce) && ce != nil {
		return ce
	}
	return New(classifyKind(err), "", err)
}

// ClassifyOp is Classify with the operation name attached to fresh classifications.
func ClassifyOp(op string, err error) *CloudError {
	if err == nil {
		return nil
	}
	var ce *CloudError
	if errors.As(err, &ce) && ce != nil {
		if ce.Op == "" {
			return ce.WithOp(op)
		}
		return ce
	}
	return New(classifyKind(err), op, err)
}

func classifyKind(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if kind, ok := smithyKind(apiErr.ErrorCode()); ok {
			return kind
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if kind, ok := postgresKind(pqErr.Code); ok {
			return kind
		}
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		if kind, ok := statusKind(sc.StatusCode()); ok {
			return kind
		}
	}
	var hsc httpStatusCoder
	if errors.As(err, &hsc) {
		if kind, ok := statusKind(hsc.HTTPStatusCode()); ok {
			return kind
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH):
		return KindNetworkOffline
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return KindTimeout
		}
		return KindNetworkOffline
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetworkOffline
	}

	return signatureKind(err.Error())
}

// StatusKind maps an HTTP status code to a kind.
func StatusKind(status int) Kind {
	if kind, ok := statusKind(status); ok {
		return kind
	}
	return KindUnknown
}

func statusKind(status int) (Kind, bool) {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindValidationFailed, true
	case http.StatusUnauthorized:
		return KindAuthRequired, true
	case http.StatusForbidden:
		return KindPermissionDenied, true
	case http.StatusNotFound:
		return KindNotFound, true
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout, true
	case http.StatusConflict, http.StatusPreconditionFailed:
		return KindConflict, true
	case http.StatusRequestEntityTooLarge:
		return KindDocTooLarge, true
	case http.StatusTooManyRequests:
		return KindRateLimited, true
	case http.StatusInternalServerError, http.StatusBadGateway:
		return KindTransient, true
	case http.StatusServiceUnavailable:
		return KindUnavailable, true
	case http.StatusInsufficientStorage:
		return KindQuotaExceeded, true
	}
	if status >= 500 && status <= 599 {
		return KindTransient, true
	}
	return "", false
}

func smithyKind(code string) (Kind, bool) {
	switch code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return KindNotFound, true
	case "AccessDenied", "AllAccessDisabled":
		return KindPermissionDenied, true
	case "ExpiredToken", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidToken":
		return KindAuthRequired, true
	case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequestsException":
		return KindRateLimited, true
	case "EntityTooLarge":
		return KindDocTooLarge, true
	case "RequestTimeout", "RequestTimeoutException":
		return KindTimeout, true
	case "InternalError", "ServiceUnavailable":
		return KindTransient, true
	case "PreconditionFailed", "ConditionalRequestConflict":
		return KindConflict, true
	case "InvalidArgument", "InvalidRequest", "BadDigest", "InvalidDigest":
		return KindValidationFailed, true
	}
	return "", false
}

func postgresKind(code pq.ErrorCode) (Kind, bool) {
	switch code {
	case "42501":
		return KindPermissionDenied, true
	case "53100":
		return KindQuotaExceeded, true
	case "53300":
		return KindRateLimited, true
	case "57014":
		return KindTimeout, true
	case "40001", "40P01":
		return KindTransient, true
	case "54000":
		return KindDocTooLarge, true
	}
	switch code.Class() {
	case "08":
		return KindNetworkOffline, true
	case "28":
		return KindAuthRequired, true
	case "57":
		return KindUnavailable, true
	case "22", "23":
		return KindValidationFailed, true
	case "53":
		return KindTransient, true
	}
	return "", false
}

func signatureKind(msg string) Kind {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "connection reset"):
		return KindNetworkOffline
	case strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "rate limit"):
		return KindRateLimited
	case strings.Contains(msg, "quota"):
		return KindQuotaExceeded
	case strings.Contains(msg, "permission denied"):
		return KindPermissionDenied
	}
	return KindUnknown
}
