package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"catalog-assist/internal/apperror"
	"catalog-assist/internal/domain"
	"catalog-assist/internal/integrations/platform"
	"catalog-assist/internal/stream"
	"catalog-assist/internal/usecase"
)

type stubUseCase struct {
	answer    domain.Answer
	progress  []string
	search    domain.SearchResult
	rag       domain.RAGResult
	suggest   []string
	err       error
	healthErr error

	in        usecase.AskInput
	streamed  bool
	searchIn  domain.SearchRequest
	ragQuery  string
	suggestQ  string
	clearedID [2]string
}

func (s *stubUseCase) Ask(_ context.Context, in usecase.AskInput) (domain.Answer, error) {
	s.in = in
	return s.answer, s.err
}

func (s *stubUseCase) AskStreaming(_ context.Context, in usecase.AskInput, onProgress stream.ProgressFunc) (domain.Answer, error) {
	s.in = in
	s.streamed = true
	for _, p := range s.progress {
		onProgress(p, false)
	}
	if s.err != nil {
		return domain.Answer{}, s.err
	}
	onProgress(s.answer.Text, true)
	return s.answer, nil
}

func (s *stubUseCase) Search(_ context.Context, in domain.SearchRequest) (domain.SearchResult, error) {
	s.searchIn = in
	return s.search, s.err
}

func (s *stubUseCase) Suggest(_ context.Context, q string) ([]string, error) {
	s.suggestQ = q
	return s.suggest, s.err
}

func (s *stubUseCase) RAGAnswer(_ context.Context, query, _ string) (domain.RAGResult, error) {
	s.ragQuery = query
	return s.rag, s.err
}

func (s *stubUseCase) ClearConversation(_ context.Context, sessionID, productID string) error {
	s.clearedID = [2]string{sessionID, productID}
	return s.err
}

func (s *stubUseCase) Healthy(context.Context) error {
	return s.healthErr
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, uc *stubUseCase) *Handler {
	t.Helper()
	h, err := NewHandler(uc)
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_AskHappyPath(t *testing.T) {
	uc := &stubUseCase{answer: domain.Answer{Text: "Use a 20A circuit.", ContinuationToken: "mem-1"}}
	h := newTestHandler(t, uc)

	event := makeEvent(http.MethodPost, "/ask", `{"productId":"FP-7","question":"What breaker?"}`)
	event.Headers["X-Session-Id"] = "tab-1"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.AskInput{SessionID: "tab-1", ProductID: "FP-7", Question: "What breaker?"}, uc.in)
	require.False(t, uc.streamed)

	out := parseBody[askResponse](t, resp.Body)
	require.Equal(t, "Use a 20A circuit.", out.Answer)
	require.Equal(t, "mem-1", out.ContinuationToken)
	require.Equal(t, "tab-1", out.SessionID)
	require.Equal(t, "tab-1", resp.Headers["X-Session-Id"])
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_AskStreamingCountsFrames(t *testing.T) {
	uc := &stubUseCase{
		answer:   domain.Answer{Text: "The minimum ceiling height is 11 ft 6 in."},
		progress: []string{"The minimum ", "The minimum ceiling height ", "The minimum ceiling height is 11 ft 6 in."},
	}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/ask", `{"productId":"FP-1002","question":"What is the minimum ceiling height?","stream":true}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, uc.streamed)

	out := parseBody[askResponse](t, resp.Body)
	require.True(t, out.Streamed)
	require.Equal(t, 3, out.Frames)
	require.Equal(t, uc.answer.Text, out.Answer)
	require.NotEmpty(t, out.SessionID, "a session id is generated when absent")
}

func TestHandle_InvalidBodies(t *testing.T) {
	cases := map[string]string{
		"not json":        `not-json`,
		"empty":           ``,
		"missing product": `{"question":"q"}`,
		"too many pdfs":   `{"productId":"p","question":"q","pdfRefs":["a","b","c"]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			uc := &stubUseCase{}
			h := newTestHandler(t, uc)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/ask", body))
			require.NoError(t, err)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, string(apperror.KindValidation), out.Error)
			require.False(t, out.Retryable)
			require.NotEmpty(t, out.Message)
			require.Empty(t, uc.in.Question, "the service is not called")
		})
	}
}

func TestHandle_Base64Body(t *testing.T) {
	uc := &stubUseCase{rag: domain.RAGResult{Answer: "yes", UsedEndpoint: "b"}}
	h := newTestHandler(t, uc)

	event := makeEvent(http.MethodPost, "/rag", base64.StdEncoding.EncodeToString([]byte(`{"query":"does it fit?"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "does it fit?", uc.ragQuery)

	out := parseBody[domain.RAGResult](t, resp.Body)
	require.Equal(t, "b", out.UsedEndpoint)
}

func TestHandle_MapsErrors(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		code      apperror.Kind
		retryable bool
	}{
		{name: "validation", err: apperror.Newf(apperror.KindValidation, "usecase: ask", "question is empty"), status: http.StatusBadRequest, code: apperror.KindValidation},
		{name: "upstream", err: &platform.HTTPStatusError{StatusCode: 503}, status: http.StatusBadGateway, code: apperror.KindUpstream, retryable: true},
		{name: "timeout", err: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: apperror.KindTimeout, retryable: true},
		{name: "circuit open", err: apperror.New(apperror.KindCircuitOpen, "breaker rag", nil), status: http.StatusServiceUnavailable, code: apperror.KindCircuitOpen},
		{name: "parse", err: apperror.New(apperror.KindParse, "stream", nil), status: http.StatusBadGateway, code: apperror.KindParse},
		{name: "not found", err: &platform.HTTPStatusError{StatusCode: 404}, status: http.StatusNotFound, code: apperror.KindNotFound},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: apperror.KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h := newTestHandler(t, uc)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/ask", `{"productId":"p","question":"q"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, string(tc.code), out.Error)
			require.Equal(t, tc.retryable, out.Retryable)
			require.NotContains(t, out.Message, "boom")
		})
	}
}

func TestHandle_ValidationMessageIsEchoed(t *testing.T) {
	uc := &stubUseCase{err: apperror.Newf(apperror.KindValidation, "usecase: ask", "question exceeds 500 characters")}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/ask", `{"productId":"p","question":"q"}`))
	require.NoError(t, err)
	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, "question exceeds 500 characters", out.Message)
}

func TestHandle_Search(t *testing.T) {
	uc := &stubUseCase{search: domain.SearchResult{TotalCount: 2, Documents: []domain.Document{{ID: "1"}, {ID: "2"}}}}
	h := newTestHandler(t, uc)

	event := makeEvent(http.MethodPost, "/search", `{"query":"brake","filters":[{"field":"brand","values":["Bendix"]}],"pagination":{"pageSize":10}}`)
	event.Headers["x-session-id"] = "tab-9"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "brake", uc.searchIn.Query)
	require.Equal(t, "tab-9", uc.searchIn.SessionID)
	require.Equal(t, 10, uc.searchIn.Pagination.PageSize)

	out := parseBody[domain.SearchResult](t, resp.Body)
	require.Equal(t, 2, out.TotalCount)
}

func TestHandle_SearchRejectsOversizedPage(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/search", `{"query":"x","pagination":{"pageSize":500}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_Suggest(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc)

	event := makeEvent(http.MethodGet, "/suggest", "")
	event.QueryStringParameters = map[string]string{"q": "b"}
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "b", uc.suggestQ)
	require.JSONEq(t, `{"suggestions":[]}`, resp.Body)
}

func TestHandle_ClearConversation(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc)

	event := makeEvent(http.MethodDelete, "/conversation", "")
	event.QueryStringParameters = map[string]string{"productId": "FP-7"}
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "a session header is required")

	event.Headers["X-Session-Id"] = "tab-1"
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, [2]string{"tab-1", "FP-7"}, uc.clearedID)
}

func TestHandle_Health(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/health/", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	uc.healthErr = &platform.HTTPStatusError{StatusCode: 500}
	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/health", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHandle_UnknownRoute(t *testing.T) {
	h := newTestHandler(t, &stubUseCase{})
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/ask", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	uc := &stubUseCase{answer: domain.Answer{Text: "ok"}}
	h := newTestHandler(t, uc)

	event := makeEvent(http.MethodPost, "/ask", `{"productId":"p","question":"q"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
