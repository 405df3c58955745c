// Package app assembles the service from configuration. Both the Lambda
// entry point and the CLI build through here.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"catalog-assist/internal/cache"
	"catalog-assist/internal/cascade"
	"catalog-assist/internal/config"
	"catalog-assist/internal/integrations/paramstore"
	"catalog-assist/internal/integrations/platform"
	"catalog-assist/internal/repository"
	"catalog-assist/internal/resilience"
	"catalog-assist/internal/usecase"
)

type App struct {
	Config  *config.Config
	Service *usecase.Service
	Cascade *cascade.Cascade

	log     *zap.Logger
	closers []func() error
}

// LoadAWS resolves the default AWS configuration. It is only called when a
// component actually needs AWS.
var LoadAWS = func(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

// New applies remote parameters, validates cfg and wires every component.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, log: log}

	var awsCfg aws.Config
	if cfg.Platform.ParamPrefix != "" || cfg.Memory.Backend == config.BackendDynamoDB {
		var err error
		if awsCfg, err = LoadAWS(ctx); err != nil {
			return nil, fmt.Errorf("app: load AWS config: %w", err)
		}
	}

	var params *paramstore.Client
	if cfg.Platform.ParamPrefix != "" {
		var err error
		if params, err = paramstore.New(awsssm.NewFromConfig(awsCfg)); err != nil {
			return nil, fmt.Errorf("app: create parameter store client: %w", err)
		}
		if err := cfg.ApplyParams(ctx, params); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := newPlatformClient(cfg, params, log)
	if err != nil {
		return nil, err
	}

	memory, err := a.newStore(ctx, awsCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	policy := resilience.Policy{
		MaxRetries: cfg.Resilience.MaxRetries,
		BaseDelay:  cfg.Resilience.BaseDelay,
		MaxDelay:   cfg.Resilience.MaxDelay,
	}
	ragBreaker := a.newBreaker("rag")
	searchBreaker := a.newBreaker("search")

	// an outage on the query endpoints must not stop search and suggest
	a.Cascade = cascade.New(cfg.Platform.RAGEndpoints, client, policy, a.newBreaker("rag_query"), log,
		cascade.WithEndpointTimeout(cfg.Timeouts.Endpoint))

	svc, err := usecase.NewService(client, client, a.Cascade, memory,
		usecase.WithCache(cache.New(cache.WithTTL(cfg.Cache.TTL), cache.WithCapacity(cfg.Cache.Capacity))),
		usecase.WithBreakers(ragBreaker, searchBreaker),
		usecase.WithRetryPolicy(policy),
		usecase.WithTimeouts(usecase.Timeouts{
			Ask:     cfg.Timeouts.Ask,
			Stream:  cfg.Timeouts.Stream,
			Search:  cfg.Timeouts.Search,
			Suggest: cfg.Timeouts.Suggest,
			Health:  cfg.Timeouts.Health,
		}),
		usecase.WithMaxQuestionLength(cfg.App.MaxQuestionLength),
		usecase.WithLogger(log),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Service = svc

	log.Info("service ready",
		zap.String("memory_backend", cfg.Memory.Backend),
		zap.Int("rag_endpoints", len(cfg.Platform.RAGEndpoints)),
		zap.Int("cache_capacity", cfg.Cache.Capacity))
	return a, nil
}

// Close releases connections held by the store backends.
func (a *App) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func newPlatformClient(cfg *config.Config, params *paramstore.Client, log *zap.Logger) (*platform.Client, error) {
	opts := []platform.Option{
		platform.WithBaseURL(cfg.Platform.BaseURL),
		platform.WithLogger(log),
	}
	if cfg.Platform.InferenceURL != "" {
		opts = append(opts, platform.WithInferenceURL(cfg.Platform.InferenceURL))
	}
	switch {
	case cfg.Platform.APIToken != "":
		opts = append(opts, platform.WithAPIKey(cfg.Platform.APIToken))
	case params != nil:
		opts = append(opts, platform.WithParamStore(params, cfg.Platform.ParamPrefix))
	}
	client, err := platform.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("app: create platform client: %w", err)
	}
	return client, nil
}

func (a *App) newStore(ctx context.Context, awsCfg aws.Config) (repository.Store, error) {
	cfg := a.Config.Memory
	switch cfg.Backend {
	case config.BackendDynamoDB:
		store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("app: create conversation table client: %w", err)
		}
		return store, nil
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("app: parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("app: ping redis: %w", err)
		}
		return repository.NewRedisStore(rdb, repository.WithRedisTTL(cfg.TTL))
	default:
		return repository.NewMemoryStore(cfg.TTL), nil
	}
}

func (a *App) newBreaker(name string) *resilience.Breaker {
	return resilience.NewBreaker(name, resilience.BreakerConfig{
		FailureThreshold: a.Config.Resilience.BreakerThreshold,
		Cooldown:         a.Config.Resilience.BreakerCooldown,
		OnStateChange: func(name string, from, to resilience.Phase) {
			a.log.Warn("breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}
