package usecase

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"catalog-assist/internal/apperror"
	"catalog-assist/internal/domain"
	"catalog-assist/internal/resilience"
)

// Search runs a faceted catalog search.
func (s *Service) Search(ctx context.Context, in domain.SearchRequest) (domain.SearchResult, error) {
	const op = "usecase: search"
	in.Query = strings.TrimSpace(in.Query)
	if in.Query == "" && len(in.Filters) == 0 {
		return domain.SearchResult{}, apperror.Newf(apperror.KindValidation, op, "query or filters are required")
	}
	if in.Pagination.Offset < 0 || in.Pagination.PageSize < 0 {
		return domain.SearchResult{}, apperror.Newf(apperror.KindValidation, op, "pagination must not be negative")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Search)
	defer cancel()

	res, err := resilience.Guard(ctx, s.searchBreaker, func(ctx context.Context) (domain.SearchResult, error) {
		return resilience.Execute(ctx, s.retryPolicy("search"), func(ctx context.Context) (domain.SearchResult, error) {
			return s.catalog.Search(ctx, in)
		})
	})
	if err != nil {
		s.log.Warn("search failed",
			zap.String("query", in.Query),
			zap.String("kind", string(apperror.KindOf(err))),
			zap.Error(err))
		return domain.SearchResult{}, err
	}
	s.log.Debug("search complete",
		zap.Int("documents", len(res.Documents)),
		zap.Int("total", res.TotalCount),
		zap.Int64("timing_ms", res.TimingMs))
	return res, nil
}

// Suggest returns typeahead completions. Short prefixes return nothing
// without a network call, and failures are not retried because a newer
// keystroke will replace the request anyway.
func (s *Service) Suggest(ctx context.Context, query string) ([]string, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < minSuggestLength {
		return []string{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeouts.Suggest)
	defer cancel()

	return resilience.Guard(ctx, s.searchBreaker, func(ctx context.Context) ([]string, error) {
		return s.catalog.Suggest(ctx, query)
	})
}

// RAGAnswer answers query through the endpoint cascade.
func (s *Service) RAGAnswer(ctx context.Context, query, productID string) (domain.RAGResult, error) {
	const op = "usecase: rag answer"
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.RAGResult{}, apperror.Newf(apperror.KindValidation, op, "query is empty")
	}
	if len(query) > s.maxQuestionLen {
		return domain.RAGResult{}, apperror.Newf(apperror.KindValidation, op, "query exceeds %d characters", s.maxQuestionLen)
	}

	res, err := s.rag.Run(ctx, query, strings.TrimSpace(productID))
	if err != nil {
		s.log.Warn("rag cascade failed",
			zap.String("product_id", productID),
			zap.String("kind", string(apperror.KindOf(err))),
			zap.Error(err))
		return domain.RAGResult{}, err
	}
	return res, nil
}
