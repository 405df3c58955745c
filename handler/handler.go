package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"catalog-assist/internal/apperror"
	"catalog-assist/internal/domain"
	"catalog-assist/internal/stream"
	"catalog-assist/internal/usecase"
)

const (
	headerSessionID     = "X-Session-Id"
	headerCorrelationID = "X-Correlation-Id"
)

type Service interface {
	Ask(ctx context.Context, in usecase.AskInput) (domain.Answer, error)
	AskStreaming(ctx context.Context, in usecase.AskInput, onProgress stream.ProgressFunc) (domain.Answer, error)
	Search(ctx context.Context, in domain.SearchRequest) (domain.SearchResult, error)
	Suggest(ctx context.Context, query string) ([]string, error)
	RAGAnswer(ctx context.Context, query, productID string) (domain.RAGResult, error)
	ClearConversation(ctx context.Context, sessionID, productID string) error
	Healthy(ctx context.Context) error
}

type askRequest struct {
	ProductID         string   `json:"productId" validate:"required,max=128"`
	Question          string   `json:"question" validate:"required"`
	ContinuationToken string   `json:"continuationToken,omitempty"`
	PDFRefs           []string `json:"pdfRefs,omitempty" validate:"max=2,dive,required"`
	Stream            bool     `json:"stream,omitempty"`
}

type askResponse struct {
	Answer            string `json:"answer"`
	ContinuationToken string `json:"continuationToken,omitempty"`
	SessionID         string `json:"sessionId,omitempty"`
	Streamed          bool   `json:"streamed,omitempty"`
	Frames            int    `json:"frames,omitempty"`
}

type ragRequest struct {
	Query     string `json:"query" validate:"required"`
	ProductID string `json:"productId,omitempty"`
}

type suggestResponse struct {
	Suggestions []string `json:"suggestions"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type route func(ctx context.Context, req *request) (int, any, error)

type request struct {
	event     events.APIGatewayProxyRequest
	body      []byte
	sessionID string
	log       *zap.Logger
}

type Handler struct {
	svc      Service
	validate *validator.Validate
	log      *zap.Logger
	routes   map[string]route
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

func NewHandler(svc Service, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	h := &Handler{
		svc:      svc,
		validate: validator.New(),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.routes = map[string]route{
		http.MethodPost + " /ask":            h.ask,
		http.MethodPost + " /search":         h.search,
		http.MethodPost + " /rag":            h.rag,
		http.MethodGet + " /suggest":         h.suggest,
		http.MethodDelete + " /conversation": h.clear,
		http.MethodGet + " /health":          h.health,
	}
	return h, nil
}

// Handle serves one API Gateway proxy event. Failures are always rendered as
// a JSON error body; the returned error is reserved for the runtime.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(event.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	sessionID := header(event.Headers, headerSessionID)
	if sessionID == "" {
		sessionID = usecase.NewSessionID()
	}
	log := h.log.With(
		zap.String("correlation_id", correlationID),
		zap.String("method", event.HTTPMethod),
		zap.String("path", event.Path))

	headers := map[string]string{
		"Content-Type":      "application/json",
		headerCorrelationID: correlationID,
		headerSessionID:     sessionID,
	}

	path := strings.TrimSuffix(event.Path, "/")
	rt, ok := h.routes[strings.ToUpper(event.HTTPMethod)+" "+path]
	if !ok {
		log.Info("no route")
		return respond(http.StatusNotFound, headers, errorResponse{
			Error:   "ROUTE_NOT_FOUND",
			Message: "No such endpoint.",
		}), nil
	}

	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return h.fail(log, headers, apperror.New(apperror.KindValidation, "handler: decode body", err)), nil
		}
		body = decoded
	}

	status, out, err := rt(ctx, &request{event: event, body: body, sessionID: sessionID, log: log})
	if err != nil {
		return h.fail(log, headers, err), nil
	}
	return respond(status, headers, out), nil
}

func (h *Handler) ask(ctx context.Context, req *request) (int, any, error) {
	var in askRequest
	if err := h.decode(req.body, &in); err != nil {
		return 0, nil, err
	}
	askIn := usecase.AskInput{
		SessionID:         req.sessionID,
		ProductID:         in.ProductID,
		Question:          in.Question,
		ContinuationToken: in.ContinuationToken,
		PDFRefs:           in.PDFRefs,
	}

	if !in.Stream {
		ans, err := h.svc.Ask(ctx, askIn)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, askResponse{Answer: ans.Text, ContinuationToken: ans.ContinuationToken, SessionID: req.sessionID}, nil
	}

	frames := 0
	ans, err := h.svc.AskStreaming(ctx, askIn, func(_ string, final bool) {
		if !final {
			frames++
		}
	})
	if err != nil {
		if partial, ok := stream.PartialText(err); ok {
			req.log.Warn("stream ended early", zap.Int("partial_chars", len(partial)), zap.Int("frames", frames))
		}
		return 0, nil, err
	}
	return http.StatusOK, askResponse{
		Answer:            ans.Text,
		ContinuationToken: ans.ContinuationToken,
		SessionID:         req.sessionID,
		Streamed:          true,
		Frames:            frames,
	}, nil
}

func (h *Handler) search(ctx context.Context, req *request) (int, any, error) {
	var in domain.SearchRequest
	if err := h.decode(req.body, &in); err != nil {
		return 0, nil, err
	}
	if in.SessionID == "" {
		in.SessionID = req.sessionID
	}
	res, err := h.svc.Search(ctx, in)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

func (h *Handler) rag(ctx context.Context, req *request) (int, any, error) {
	var in ragRequest
	if err := h.decode(req.body, &in); err != nil {
		return 0, nil, err
	}
	res, err := h.svc.RAGAnswer(ctx, in.Query, in.ProductID)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

func (h *Handler) suggest(ctx context.Context, req *request) (int, any, error) {
	q := req.event.QueryStringParameters["q"]
	out, err := h.svc.Suggest(ctx, q)
	if err != nil {
		return 0, nil, err
	}
	if out == nil {
		out = []string{}
	}
	return http.StatusOK, suggestResponse{Suggestions: out}, nil
}

func (h *Handler) clear(ctx context.Context, req *request) (int, any, error) {
	if header(req.event.Headers, headerSessionID) == "" {
		return 0, nil, apperror.Newf(apperror.KindValidation, "handler: clear", "%s header is required", headerSessionID)
	}
	productID := req.event.QueryStringParameters["productId"]
	if err := h.svc.ClearConversation(ctx, req.sessionID, productID); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, statusResponse{Status: "cleared"}, nil
}

func (h *Handler) health(ctx context.Context, _ *request) (int, any, error) {
	if err := h.svc.Healthy(ctx); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, statusResponse{Status: "ok"}, nil
}

func (h *Handler) decode(body []byte, v any) error {
	if len(body) == 0 {
		return apperror.Newf(apperror.KindValidation, "handler: decode", "request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperror.Newf(apperror.KindValidation, "handler: decode", "request body is not valid JSON")
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperror.Newf(apperror.KindValidation, "handler: validate", "%s failed the %q rule", verrs[0].Namespace(), verrs[0].Tag())
		}
		return apperror.New(apperror.KindValidation, "handler: validate", err)
	}
	return nil
}

func (h *Handler) fail(log *zap.Logger, headers map[string]string, err error) events.APIGatewayProxyResponse {
	appErr := apperror.Classify(err)
	status := statusFor(appErr.Kind)

	message := appErr.UserMessage()
	if appErr.Kind == apperror.KindValidation && appErr.Err != nil && appErr.StatusCode == 0 {
		// locally raised validation text is safe to echo
		message = appErr.Err.Error()
	}

	fields := []zap.Field{
		zap.String("kind", string(appErr.Kind)),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed", fields...)
	} else {
		log.Info("request rejected", fields...)
	}

	return respond(status, headers, errorResponse{
		Error:     string(appErr.Kind),
		Message:   message,
		Retryable: appErr.Retryable,
	})
}

func statusFor(kind apperror.Kind) int {
	switch kind {
	case apperror.KindValidation:
		return http.StatusBadRequest
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindTimeout:
		return http.StatusGatewayTimeout
	case apperror.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case apperror.KindCancelled:
		return http.StatusRequestTimeout
	case apperror.KindNetwork, apperror.KindUpstream, apperror.KindParse, apperror.KindAuthorization:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respond(status int, headers map[string]string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR","message":"Something went wrong. Please try again.","retryable":false}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       string(body),
	}
}

// header looks a key up case-insensitively; API Gateway preserves client casing.
func header(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
