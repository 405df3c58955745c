package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"catalog-assist/internal/cache"
	"catalog-assist/internal/domain"
	"catalog-assist/internal/integrations/platform"
	"catalog-assist/internal/repository"
	"catalog-assist/internal/resilience"
)

const (
	defaultMaxQuestion = 500
	maxPDFRefs         = 2
	minSuggestLength   = 2
	defaultHealthTTL   = 10 * time.Second
)

type Inference interface {
	Predict(ctx context.Context, in platform.PredictRequest) (domain.Answer, error)
	PredictStream(ctx context.Context, in platform.PredictRequest) (*platform.StreamResponse, error)
}

type Catalog interface {
	Search(ctx context.Context, in domain.SearchRequest) (domain.SearchResult, error)
	Suggest(ctx context.Context, query string) ([]string, error)
	Health(ctx context.Context) error
}

type RAG interface {
	Run(ctx context.Context, query, productID string) (domain.RAGResult, error)
}

// Timeouts bound each operation family.
type Timeouts struct {
	Ask     time.Duration
	Stream  time.Duration
	Search  time.Duration
	Suggest time.Duration
	Health  time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Ask:     30 * time.Second,
		Stream:  45 * time.Second,
		Search:  10 * time.Second,
		Suggest: 3 * time.Second,
		Health:  3 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Ask <= 0 {
		t.Ask = d.Ask
	}
	if t.Stream <= 0 {
		t.Stream = d.Stream
	}
	if t.Search <= 0 {
		t.Search = d.Search
	}
	if t.Suggest <= 0 {
		t.Suggest = d.Suggest
	}
	if t.Health <= 0 {
		t.Health = d.Health
	}
	return t
}

// Service is the entry point for every question, search and health call. It
// owns the answer cache and the breakers; nothing here is global.
type Service struct {
	inference Inference
	catalog   Catalog
	rag       RAG
	memory    repository.Store

	cache          *cache.Cache
	ragBreaker     *resilience.Breaker
	searchBreaker  *resilience.Breaker
	policy         resilience.Policy
	timeouts       Timeouts
	maxQuestionLen int
	healthTTL      time.Duration
	now            func() time.Time
	log            *zap.Logger

	healthGroup singleflight.Group
	healthMu    sync.Mutex
	healthUntil time.Time
	healthErr   error
}

type AskInput struct {
	SessionID         string
	ProductID         string
	Question          string
	ContinuationToken string
	PDFRefs           []string
}

type Option func(*Service)

func WithCache(c *cache.Cache) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithBreakers sets the breakers for the inference endpoint and the search
// platform. A nil argument keeps the default.
func WithBreakers(rag, search *resilience.Breaker) Option {
	return func(s *Service) {
		if rag != nil {
			s.ragBreaker = rag
		}
		if search != nil {
			s.searchBreaker = search
		}
	}
}

func WithRetryPolicy(p resilience.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

func WithTimeouts(t Timeouts) Option {
	return func(s *Service) {
		s.timeouts = t.withDefaults()
	}
}

func WithMaxQuestionLength(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxQuestionLen = n
		}
	}
}

func WithHealthTTL(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.healthTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(inference Inference, catalog Catalog, rag RAG, memory repository.Store, opts ...Option) (*Service, error) {
	if inference == nil {
		return nil, errors.New("usecase: inference client must not be nil")
	}
	if catalog == nil {
		return nil, errors.New("usecase: catalog client must not be nil")
	}
	if rag == nil {
		return nil, errors.New("usecase: rag cascade must not be nil")
	}
	if memory == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	s := &Service{
		inference:      inference,
		catalog:        catalog,
		rag:            rag,
		memory:         memory,
		cache:          cache.New(),
		ragBreaker:     resilience.NewBreaker("rag", resilience.BreakerConfig{}),
		searchBreaker:  resilience.NewBreaker("search", resilience.BreakerConfig{}),
		policy:         resilience.DefaultPolicy(),
		timeouts:       DefaultTimeouts(),
		maxQuestionLen: defaultMaxQuestion,
		healthTTL:      defaultHealthTTL,
		now:            time.Now,
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("component", "usecase"))
	return s, nil
}

// InvalidateCache drops cached answers for productID, or all of them when
// productID is empty.
func (s *Service) InvalidateCache(productID string) int {
	if productID == "" {
		return s.cache.Invalidate("")
	}
	return s.cache.InvalidateProduct(productID)
}

func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// BreakerStates reports the current phase of each breaker by name.
func (s *Service) BreakerStates() map[string]resilience.BreakerState {
	return map[string]resilience.BreakerState{
		s.ragBreaker.Name():    s.ragBreaker.State(),
		s.searchBreaker.Name(): s.searchBreaker.State(),
	}
}

// retryPolicy returns the service policy with retry logging attached.
func (s *Service) retryPolicy(op string) resilience.Policy {
	p := s.policy
	if p.OnRetry == nil {
		p.OnRetry = func(attempt int, delay time.Duration) {
			s.log.Warn("retrying upstream call",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
		}
	}
	return p
}

// NewSessionID returns a fresh identifier for one tab or process lifetime.
func NewSessionID() string {
	return newUUID()
}

var newUUID = func() string {
	return uuid.NewString()
}
