package apperror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

type statusErr struct{ code int }

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	syntaxErr := json.Unmarshal([]byte(`{"broken`), &struct{}{})

	cases := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{name: "cancelled", err: context.Canceled, kind: KindCancelled},
		{name: "wrapped cancel", err: &url.Error{Op: "Post", URL: "http://x", Err: context.Canceled}, kind: KindCancelled},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), kind: KindTimeout, retryable: true},
		{name: "net timeout", err: &url.Error{Op: "Get", URL: "http://x", Err: timeoutErr{}}, kind: KindTimeout, retryable: true},
		{name: "refused", err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, kind: KindNetwork, retryable: true},
		{name: "unexpected eof", err: fmt.Errorf("read: %w", io.ErrUnexpectedEOF), kind: KindNetwork, retryable: true},
		{name: "500", err: statusErr{500}, kind: KindUpstream, retryable: true},
		{name: "503 wrapped", err: fmt.Errorf("platform: %w", statusErr{503}), kind: KindUpstream, retryable: true},
		{name: "429", err: statusErr{429}, kind: KindUpstream, retryable: true},
		{name: "504", err: statusErr{504}, kind: KindTimeout, retryable: true},
		{name: "400", err: statusErr{400}, kind: KindValidation},
		{name: "401", err: statusErr{401}, kind: KindAuthorization},
		{name: "403", err: statusErr{403}, kind: KindAuthorization},
		{name: "404", err: statusErr{404}, kind: KindNotFound},
		{name: "json syntax", err: syntaxErr, kind: KindParse},
		{name: "unknown", err: errors.New("boom"), kind: KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			require.Equal(t, tc.kind, got.Kind)
			require.Equal(t, tc.retryable, got.Retryable)
			require.ErrorIs(t, got, tc.err)
			require.NotEmpty(t, got.UserMessage())
		})
	}
}

func TestClassify_KeepsExistingClassification(t *testing.T) {
	orig := New(KindCircuitOpen, "breaker", errors.New("open"))
	wrapped := fmt.Errorf("usecase: %w", orig)
	require.Same(t, orig, Classify(wrapped))
	require.Equal(t, KindCircuitOpen, KindOf(wrapped))
	require.False(t, IsRetryable(wrapped))
}

func TestClassify_Nil(t *testing.T) {
	require.Nil(t, Classify(nil))
	require.Equal(t, Kind(""), KindOf(nil))
	require.False(t, IsRetryable(nil))
}

func TestClassify_RecordsStatus(t *testing.T) {
	got := Classify(statusErr{502})
	require.Equal(t, 502, got.StatusCode)
	require.Equal(t, SeverityHigh, got.Severity)
}

func TestError_Format(t *testing.T) {
	require.Equal(t, "ask: TIMEOUT: slow", New(KindTimeout, "ask", errors.New("slow")).Error())
	require.Equal(t, "CANCELLED", New(KindCancelled, "", nil).Error())
	var nilErr *Error
	require.Equal(t, "", nilErr.Error())
	require.Nil(t, nilErr.Unwrap())
}

func TestKindRetryable(t *testing.T) {
	for _, k := range []Kind{KindNetwork, KindTimeout, KindUpstream} {
		require.True(t, k.Retryable(), k)
	}
	for _, k := range []Kind{KindValidation, KindAuthorization, KindNotFound, KindParse, KindCircuitOpen, KindCancelled, KindUnknown} {
		require.False(t, k.Retryable(), k)
	}
}
