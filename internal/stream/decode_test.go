package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"catalog-assist/internal/apperror"
)

func TestDecodeAnswer(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantText  string
		wantToken string
	}{
		{
			name:      "legacy predictions",
			body:      `{"predictions":[{"response":"Use 3/8 in. anchors.","memoryUuid":"mem-1"}]}`,
			wantText:  "Use 3/8 in. anchors.",
			wantToken: "mem-1",
		},
		{
			name:      "delta object",
			body:      `{"requestId":"req-7","delta":{"index":0,"output":"Yes."}}`,
			wantText:  "Yes.",
			wantToken: "req-7",
		},
		{
			name:     "flat answer",
			body:     `{"answer":"It ships in two boxes."}`,
			wantText: "It ships in two boxes.",
		},
		{
			name:     "nested answer text",
			body:     `{"answer":{"answerText":"240V only."}}`,
			wantText: "240V only.",
		},
		{
			name:      "continuation token field",
			body:      `{"output":"ok","continuationToken":"tok-3"}`,
			wantText:  "ok",
			wantToken: "tok-3",
		},
		{
			name:      "event stream served as json",
			body:      "data: {\"requestId\":\"r\",\"delta\":{\"output\":\"a\"}}\n\ndata: {\"requestId\":\"r\",\"delta\":{\"output\":\"b\"}}\n",
			wantText:  "ab",
			wantToken: "r",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ans, err := DecodeAnswer([]byte(tt.body))
			require.NoError(t, err)
			require.Equal(t, tt.wantText, ans.Text)
			require.Equal(t, tt.wantToken, ans.ContinuationToken)
		})
	}
}

func TestDecodeAnswer_Rejects(t *testing.T) {
	for _, body := range []string{
		"<html>gateway timeout</html>",
		`{"status":"ok"}`,
		`{"answer":42}`,
	} {
		_, err := DecodeAnswer([]byte(body))
		require.Error(t, err, body)
		require.Equal(t, apperror.KindParse, apperror.KindOf(err))
		require.False(t, apperror.IsRetryable(err))
	}
}

func TestSnippet(t *testing.T) {
	require.Equal(t, "short", Snippet([]byte("short")))
	long := strings.Repeat("a", 300)
	s := Snippet([]byte(long))
	require.Len(t, s, diagnosticSnippetLen+3)
	require.True(t, strings.HasSuffix(s, "..."))
}
