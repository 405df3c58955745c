package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"catalog-assist/internal/apperror"
	"catalog-assist/internal/domain"
)

const diagnosticSnippetLen = 256

var (
	textPaths = []string{
		"predictions.0.response",
		"predictions.0.content",
		"predictions.0.delta",
		"delta.output",
		"answer.answerText",
		"answer",
		"output",
		"response",
		"content",
		"text",
	}
	tokenPaths = []string{
		"predictions.0.memoryUuid",
		"requestId",
		"memoryUuid",
		"continuationToken",
	}
)

// DecodeAnswer normalizes a whole-body inference response into an Answer.
// It accepts either frame shape as a single object, a flat
// {answer|output|text, requestId} object, and event-stream text served under
// the wrong content type.
func DecodeAnswer(body []byte) (domain.Answer, error) {
	trimmed := bytes.TrimSpace(body)
	if bytes.HasPrefix(trimmed, dataMarker) {
		s := NewSession(nil)
		if _, err := s.Write(trimmed); err != nil {
			return domain.Answer{}, apperror.New(apperror.KindParse, "stream: decode answer", err)
		}
		return s.Finish(), nil
	}

	if !gjson.ValidBytes(trimmed) {
		return domain.Answer{}, apperror.New(apperror.KindParse, "stream: decode answer",
			fmt.Errorf("response is not JSON: %q", Snippet(trimmed)))
	}

	text, ok := firstString(trimmed, textPaths)
	if !ok {
		return domain.Answer{}, apperror.New(apperror.KindParse, "stream: decode answer",
			fmt.Errorf("unrecognized response shape: %q", Snippet(trimmed)))
	}
	token, _ := firstString(trimmed, tokenPaths)
	return domain.Answer{
		Text:              text,
		ContinuationToken: token,
		Raw:               json.RawMessage(append([]byte(nil), trimmed...)),
	}, nil
}

func firstString(body []byte, paths []string) (string, bool) {
	for _, p := range paths {
		if r := gjson.GetBytes(body, p); r.Type == gjson.String {
			return r.Str, true
		}
	}
	return "", false
}

// Snippet shortens a response body for logs and error messages.
func Snippet(body []byte) string {
	if len(body) <= diagnosticSnippetLen {
		return string(body)
	}
	return string(body[:diagnosticSnippetLen]) + "..."
}

// PartialText returns the text accumulated before err interrupted a stream.
func PartialText(err error) (string, bool) {
	var streamErr *Error
	if errors.As(err, &streamErr) {
		return streamErr.Partial, true
	}
	return "", false
}
