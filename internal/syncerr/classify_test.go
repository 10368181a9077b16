package syncerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatusError struct{ status int }

func (e fakeStatusError) Error() string   { return fmt.Sprintf("http status %d", e.status) }
func (e fakeStatusError) StatusCode() int { return e.status }

type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string   { return "read tcp: i/o timeout" }
func (fakeTimeoutError) Timeout() bool   { return true }
func (fakeTimeoutError) Temporary() bool { return true }

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, Classify(nil))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.False(t, IsRetryable(nil))
}

func TestClassifyContextErrors(t *testing.T) {
	assert.Equal(t, KindCanceled, Classify(context.Canceled).Kind)
	assert.False(t, Classify(context.Canceled).Retryable)

	wrapped := fmt.Errorf("write project: %w", context.DeadlineExceeded)
	ce := Classify(wrapped)
	assert.Equal(t, KindTimeout, ce.Kind)
	assert.True(t, ce.Retryable)
	assert.ErrorIs(t, ce, context.DeadlineExceeded)
}

func TestClassifyNetworkErrors(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	assert.Equal(t, KindNetworkOffline, Classify(refused).Kind)

	dns := &net.DNSError{Err: "no such host", Name: "docs.example.invalid"}
	assert.Equal(t, KindNetworkOffline, Classify(dns).Kind)

	assert.Equal(t, KindTimeout, Classify(fakeTimeoutError{}).Kind)
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := map[int]Kind{
		400: KindValidationFailed,
		401: KindAuthRequired,
		403: KindPermissionDenied,
		404: KindNotFound,
		408: KindTimeout,
		409: KindConflict,
		412: KindConflict,
		413: KindDocTooLarge,
		422: KindValidationFailed,
		429: KindRateLimited,
		500: KindTransient,
		502: KindTransient,
		503: KindUnavailable,
		504: KindTimeout,
		507: KindQuotaExceeded,
		599: KindTransient,
	}
	for status, want := range cases {
		got := Classify(fakeStatusError{status: status})
		assert.Equalf(t, want, got.Kind, "status %d", status)
		assert.Equalf(t, want.Retryable(), got.Retryable, "status %d", status)
	}
	assert.Equal(t, KindUnknown, Classify(fakeStatusError{status: 418}).Kind)
}

func TestClassifySmithyAPIError(t *testing.T) {
	cases := map[string]Kind{
		"NoSuchKey":      KindNotFound,
		"AccessDenied":   KindPermissionDenied,
		"ExpiredToken":   KindAuthRequired,
		"SlowDown":       KindRateLimited,
		"EntityTooLarge": KindDocTooLarge,
		"RequestTimeout": KindTimeout,
		"InternalError":  KindTransient,
	}
	for code, want := range cases {
		err := fmt.Errorf("operation error S3: PutObject: %w", &smithy.GenericAPIError{Code: code, Message: "test"})
		assert.Equalf(t, want, Classify(err).Kind, "code %s", code)
	}
}

func TestClassifyPostgresError(t *testing.T) {
	cases := map[pq.ErrorCode]Kind{
		"08006": KindNetworkOffline,
		"28P01": KindAuthRequired,
		"42501": KindPermissionDenied,
		"53100": KindQuotaExceeded,
		"57014": KindTimeout,
		"57P01": KindUnavailable,
		"40001": KindTransient,
		"23505": KindValidationFailed,
	}
	for code, want := range cases {
		assert.Equalf(t, want, Classify(&pq.Error{Code: code}).Kind, "code %s", code)
	}
}

func TestClassifySignatures(t *testing.T) {
	assert.Equal(t, KindNetworkOffline, Classify(errors.New("dial tcp 10.0.0.1:443: connect: connection refused")).Kind)
	assert.Equal(t, KindQuotaExceeded, Classify(errors.New("storage quota exhausted")).Kind)
	assert.Equal(t, KindRateLimited, Classify(errors.New("429 Too Many Requests")).Kind)
}

func TestClassifyUnknownIsNotRetryable(t *testing.T) {
	ce := Classify(errors.New("flux capacitor misaligned"))
	require.NotNil(t, ce)
	assert.Equal(t, KindUnknown, ce.Kind)
	assert.False(t, ce.Retryable)
	assert.NotEmpty(t, ce.UserMessage)
}

func TestClassifyKeepsExistingCloudError(t *testing.T) {
	orig := Conflict("docstore.write", 3, 5)
	wrapped := fmt.Errorf("save: %w", orig)
	got := Classify(wrapped)
	assert.Same(t, orig, got)
	require.NotNil(t, got.Conflict)
	assert.Equal(t, int64(3), got.Conflict.ExpectedRevision)
	assert.Equal(t, int64(5), got.Conflict.CurrentRevision)
	assert.True(t, IsConflict(wrapped))
	assert.ErrorIs(t, wrapped, ErrConflict)
	assert.NotErrorIs(t, wrapped, ErrTransient)
}

func TestClassifyOpAttachesOperation(t *testing.T) {
	ce := ClassifyOp("blob.upload", fakeStatusError{status: 503})
	assert.Equal(t, "blob.upload", ce.Op)
	assert.Contains(t, ce.Error(), "blob.upload: UNAVAILABLE")

	existing := New(KindTransient, "", errors.New("boom"))
	assert.Equal(t, "doc.read", ClassifyOp("doc.read", existing).Op)
	assert.Equal(t, "", existing.Op)
}

func TestEveryKindHasMessageAndStatus(t *testing.T) {
	for _, kind := range Kinds {
		assert.NotEmptyf(t, kind.UserMessage(), "kind %s", kind)
		assert.NotZerof(t, kind.HTTPStatus(), "kind %s", kind)
	}
}

func TestCloudErrorJSONRoundTrip(t *testing.T) {
	in := Conflict("docstore.write", 3, 5)
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"kind":"CONFLICT","retryable":false,"message":"`+KindConflict.UserMessage()+`",
		"op":"docstore.write","detail":"expected revision 3, current revision 5",
		"conflict":{"expectedRevision":3,"currentRevision":5}}`, string(data))

	var out CloudError
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, KindConflict, out.Kind)
	assert.Equal(t, int64(5), out.Conflict.CurrentRevision)
	assert.EqualError(t, out.Cause, "expected revision 3, current revision 5")
}
