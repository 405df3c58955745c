package usecase

import (
	"context"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"catalog-assist/internal/apperror"
	"catalog-assist/internal/cache"
	"catalog-assist/internal/domain"
	"catalog-assist/internal/integrations/platform"
	"catalog-assist/internal/repository"
	"catalog-assist/internal/resilience"
	"catalog-assist/internal/stream"
)

const maxFallbackBody = 4 << 20

// Ask answers a question with a single request/response round trip.
func (s *Service) Ask(ctx context.Context, in AskInput) (domain.Answer, error) {
	in, err := s.prepare(ctx, "usecase: ask", in)
	if err != nil {
		return domain.Answer{}, err
	}
	return s.withTokenRecovery(ctx, in, func(ctx context.Context, in AskInput) (domain.Answer, error) {
		return s.askOnce(ctx, in)
	})
}

// AskStreaming answers a question over an event stream, calling onProgress
// with the growing answer and once more with final set. A cached answer is
// delivered as a single final callback. Servers that reply with a plain JSON
// body are handled the same way.
func (s *Service) AskStreaming(ctx context.Context, in AskInput, onProgress stream.ProgressFunc) (domain.Answer, error) {
	in, err := s.prepare(ctx, "usecase: ask streaming", in)
	if err != nil {
		return domain.Answer{}, err
	}
	if onProgress == nil {
		onProgress = func(string, bool) {}
	}
	return s.withTokenRecovery(ctx, in, func(ctx context.Context, in AskInput) (domain.Answer, error) {
		return s.askStreamOnce(ctx, in, onProgress)
	})
}

// ClearConversation forgets the continuation token for the pair.
func (s *Service) ClearConversation(ctx context.Context, sessionID, productID string) error {
	if err := s.memory.Clear(ctx, sessionID, productID); err != nil {
		if errors.Is(err, repository.ErrInvalidScope) {
			return apperror.New(apperror.KindValidation, "usecase: clear conversation", err)
		}
		return apperror.New(apperror.KindUnknown, "usecase: clear conversation", err)
	}
	s.log.Info("conversation cleared",
		zap.String("session_id", sessionID),
		zap.String("product_id", productID))
	return nil
}

func (s *Service) prepare(ctx context.Context, op string, in AskInput) (AskInput, error) {
	in.Question = strings.TrimSpace(in.Question)
	in.ProductID = strings.TrimSpace(in.ProductID)
	in.SessionID = strings.TrimSpace(in.SessionID)
	switch {
	case in.Question == "":
		return in, apperror.Newf(apperror.KindValidation, op, "question is empty")
	case len(in.Question) > s.maxQuestionLen:
		return in, apperror.Newf(apperror.KindValidation, op, "question exceeds %d characters", s.maxQuestionLen)
	case in.ProductID == "":
		return in, apperror.Newf(apperror.KindValidation, op, "product id is required")
	case len(in.PDFRefs) > maxPDFRefs:
		return in, apperror.Newf(apperror.KindValidation, op, "at most %d pdf references are allowed", maxPDFRefs)
	}

	if in.ContinuationToken == "" && in.SessionID != "" {
		token, found, err := s.memory.Load(ctx, in.SessionID, in.ProductID)
		if err != nil {
			s.log.Warn("conversation load failed, starting fresh",
				zap.String("session_id", in.SessionID),
				zap.String("product_id", in.ProductID),
				zap.Error(err))
		} else if found {
			in.ContinuationToken = token
		}
	}
	return in, nil
}

// withTokenRecovery retries once without the continuation token when the
// server rejects a request that carried one. Expired server-side context is
// the usual cause of that rejection.
func (s *Service) withTokenRecovery(ctx context.Context, in AskInput, call func(context.Context, AskInput) (domain.Answer, error)) (domain.Answer, error) {
	ans, err := call(ctx, in)
	if err == nil || in.ContinuationToken == "" || apperror.KindOf(err) != apperror.KindValidation {
		return ans, err
	}

	s.log.Warn("continuation token rejected, retrying without it",
		zap.String("session_id", in.SessionID),
		zap.String("product_id", in.ProductID),
		zap.Error(err))
	if in.SessionID != "" {
		if cerr := s.memory.Clear(ctx, in.SessionID, in.ProductID); cerr != nil {
			s.log.Warn("conversation clear failed", zap.Error(cerr))
		}
	}
	in.ContinuationToken = ""
	return call(ctx, in)
}

func (s *Service) askOnce(ctx context.Context, in AskInput) (domain.Answer, error) {
	key := cache.Key(in.ProductID, in.Question, in.ContinuationToken)
	if ans, ok := s.cache.GetFor(key, in.SessionID); ok {
		s.log.Debug("answer cache hit", zap.String("product_id", in.ProductID))
		return ans, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Ask)
	defer cancel()

	req := predictRequest(in)
	ans, err := resilience.Guard(ctx, s.ragBreaker, func(ctx context.Context) (domain.Answer, error) {
		return resilience.Execute(ctx, s.retryPolicy("ask"), func(ctx context.Context) (domain.Answer, error) {
			return s.inference.Predict(ctx, req)
		})
	})
	if err != nil {
		return domain.Answer{}, s.logFailure("ask", in, err)
	}
	s.store(ctx, key, in, ans)
	return ans, nil
}

func (s *Service) askStreamOnce(ctx context.Context, in AskInput, onProgress stream.ProgressFunc) (domain.Answer, error) {
	key := cache.Key(in.ProductID, in.Question, in.ContinuationToken)
	if ans, ok := s.cache.GetFor(key, in.SessionID); ok {
		s.log.Debug("answer cache hit", zap.String("product_id", in.ProductID))
		onProgress(ans.Text, true)
		return ans, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Stream)
	defer cancel()

	req := predictRequest(in)
	ans, err := resilience.Guard(ctx, s.ragBreaker, func(ctx context.Context) (domain.Answer, error) {
		res, err := resilience.Execute(ctx, s.retryPolicy("ask_stream"), func(ctx context.Context) (*platform.StreamResponse, error) {
			return s.inference.PredictStream(ctx, req)
		})
		if err != nil {
			return domain.Answer{}, err
		}
		defer func() { _ = res.Body.Close() }()

		if !res.IsEventStream() {
			s.log.Debug("server ignored event-stream request, parsing whole body",
				zap.String("content_type", res.ContentType))
			raw, err := io.ReadAll(io.LimitReader(res.Body, maxFallbackBody))
			if err != nil {
				return domain.Answer{}, err
			}
			ans, err := stream.DecodeAnswer(raw)
			if err != nil {
				return domain.Answer{}, err
			}
			onProgress(ans.Text, true)
			return ans, nil
		}
		return stream.Reassemble(ctx, res.Body, onProgress, stream.WithLogger(s.log))
	})
	if err != nil {
		return domain.Answer{}, s.logFailure("ask_stream", in, err)
	}
	s.store(ctx, key, in, ans)
	return ans, nil
}

// store caches a completed answer and remembers its continuation token.
// Nothing is written once the caller has gone away.
func (s *Service) store(ctx context.Context, key string, in AskInput, ans domain.Answer) {
	if ctx.Err() != nil {
		return
	}
	s.cache.PutFor(key, in.SessionID, ans)
	if in.SessionID == "" || ans.ContinuationToken == "" {
		return
	}
	if err := s.memory.Save(ctx, in.SessionID, in.ProductID, ans.ContinuationToken); err != nil {
		s.log.Warn("conversation save failed",
			zap.String("session_id", in.SessionID),
			zap.String("product_id", in.ProductID),
			zap.Error(err))
	}
}

func (s *Service) logFailure(op string, in AskInput, err error) error {
	appErr := apperror.Classify(err)
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("product_id", in.ProductID),
		zap.String("kind", string(appErr.Kind)),
		zap.Bool("retryable", appErr.Retryable),
		zap.Error(err),
	}
	if partial, ok := stream.PartialText(err); ok {
		fields = append(fields, zap.Int("partial_chars", len(partial)))
	}
	if appErr.Kind == apperror.KindCancelled {
		s.log.Debug("request cancelled", fields...)
	} else {
		s.log.Error("request failed", fields...)
	}
	return err
}

func predictRequest(in AskInput) platform.PredictRequest {
	return platform.PredictRequest{
		Question:          in.Question,
		ProductID:         in.ProductID,
		ContinuationToken: in.ContinuationToken,
		PDFRefs:           in.PDFRefs,
	}
}
