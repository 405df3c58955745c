// Package cascade tries an ordered list of query endpoints until one yields
// an answer.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"catalog-assist/internal/apperror"
	"catalog-assist/internal/domain"
	"catalog-assist/internal/resilience"
)

const DefaultEndpointTimeout = 15 * time.Second

// Caller sends a query to one named endpoint and returns the raw response body.
type Caller interface {
	QueryEndpoint(ctx context.Context, endpoint, query, productID string) ([]byte, error)
}

// EndpointError is the final error of one endpoint.
type EndpointError struct {
	Endpoint string
	Err      error
}

// ExhaustedError reports that every endpoint failed.
type ExhaustedError struct {
	Attempts []EndpointError
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Endpoint, a.Err))
	}
	return fmt.Sprintf("all %d endpoints failed: %s", len(e.Attempts), strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

type Option func(*Cascade)

func WithEndpointTimeout(d time.Duration) Option {
	return func(c *Cascade) {
		if d > 0 {
			c.timeout = d
		}
	}
}

type Cascade struct {
	endpoints []string
	caller    Caller
	policy    resilience.Policy
	breaker   *resilience.Breaker
	timeout   time.Duration
	log       *zap.Logger
}

// New builds a cascade over endpoints. The slice is copied. breaker may be nil.
func New(endpoints []string, caller Caller, policy resilience.Policy, breaker *resilience.Breaker, logger *zap.Logger, opts ...Option) *Cascade {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cascade{
		endpoints: append([]string(nil), endpoints...),
		caller:    caller,
		policy:    policy,
		breaker:   breaker,
		timeout:   DefaultEndpointTimeout,
		log:       logger.With(zap.String("component", "cascade")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cascade) Endpoints() []string {
	return append([]string(nil), c.endpoints...)
}

// Run queries each endpoint in order. An endpoint is abandoned only after its
// own retries are spent or its response holds no answer. Cancellation and an
// open breaker end the cascade at once.
func (c *Cascade) Run(ctx context.Context, query, productID string) (domain.RAGResult, error) {
	const op = "cascade: run"
	if len(c.endpoints) == 0 {
		return domain.RAGResult{}, apperror.Newf(apperror.KindValidation, op, "no endpoints configured")
	}

	var attempts []EndpointError
	for _, endpoint := range c.endpoints {
		if err := ctx.Err(); err != nil {
			return domain.RAGResult{}, apperror.Classify(err)
		}

		text, err := c.try(ctx, endpoint, query, productID)
		if err == nil {
			c.log.Info("endpoint answered",
				zap.String("endpoint", endpoint),
				zap.Int("skipped", len(attempts)))
			return domain.RAGResult{
				Answer:       text,
				UsedEndpoint: endpoint,
			}, nil
		}

		if ctx.Err() != nil {
			return domain.RAGResult{}, apperror.Classify(ctx.Err())
		}
		kind := apperror.KindOf(err)
		if kind == apperror.KindCircuitOpen || kind == apperror.KindCancelled {
			return domain.RAGResult{}, err
		}

		c.log.Warn("endpoint failed, trying next",
			zap.String("endpoint", endpoint),
			zap.String("kind", string(kind)),
			zap.Error(err))
		attempts = append(attempts, EndpointError{Endpoint: endpoint, Err: err})
	}

	return domain.RAGResult{}, apperror.New(apperror.KindUpstream, op, &ExhaustedError{Attempts: attempts})
}

func (c *Cascade) try(ctx context.Context, endpoint, query, productID string) (string, error) {
	call := func(ctx context.Context) (string, error) {
		return resilience.Execute(ctx, c.policy, func(ctx context.Context) (string, error) {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			body, err := c.caller.QueryEndpoint(callCtx, endpoint, query, productID)
			if err != nil {
				return "", err
			}
			return ExtractAnswer(body)
		})
	}
	if c.breaker == nil {
		return call(ctx)
	}
	return resilience.Guard(ctx, c.breaker, call)
}

// Exhausted returns the per-endpoint errors when err is a spent cascade.
func Exhausted(err error) ([]EndpointError, bool) {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return ex.Attempts, true
	}
	return nil, false
}
