package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
)

// Parameter names read below PARAM_PREFIX.
const (
	ParamRAGEndpoints = "rag-endpoints"
	ParamBaseURL      = "platform-base-url"
	ParamAPIToken     = "api-token"
)

type Config struct {
	App        AppConfig
	Platform   PlatformConfig
	Memory     MemoryConfig
	Cache      CacheConfig
	Resilience ResilienceConfig
	Timeouts   TimeoutConfig
}

type AppConfig struct {
	Environment       string `validate:"oneof=development production test"`
	LogLevel          string `validate:"oneof=debug info warn error"`
	LogFilePath       string
	MaxQuestionLength int `validate:"gte=1"`
}

type PlatformConfig struct {
	BaseURL      string `validate:"required,url"`
	InferenceURL string `validate:"omitempty,url"`
	ParamPrefix  string
	APIToken     string
	RAGEndpoints []string `validate:"dive,required"`
}

type MemoryConfig struct {
	Backend    string        `validate:"oneof=memory dynamodb redis"`
	StateTable string        `validate:"required_if=Backend dynamodb"`
	RedisURL   string        `validate:"required_if=Backend redis"`
	TTL        time.Duration `validate:"gte=0"`
}

type CacheConfig struct {
	TTL      time.Duration `validate:"gt=0"`
	Capacity int           `validate:"gte=1"`
}

type ResilienceConfig struct {
	MaxRetries       int           `validate:"gte=0,lte=10"`
	BaseDelay        time.Duration `validate:"gt=0"`
	MaxDelay         time.Duration `validate:"gtefield=BaseDelay"`
	BreakerThreshold int           `validate:"gte=1"`
	BreakerCooldown  time.Duration `validate:"gt=0"`
}

type TimeoutConfig struct {
	Endpoint time.Duration `validate:"gt=0"`
	Ask      time.Duration `validate:"gt=0"`
	Stream   time.Duration `validate:"gt=0"`
	Search   time.Duration `validate:"gt=0"`
	Suggest  time.Duration `validate:"gt=0"`
	Health   time.Duration `validate:"gt=0"`
}

// PathGetter reads every parameter below a path, keyed by the name relative
// to it.
type PathGetter interface {
	GetByPath(ctx context.Context, path string) (map[string]string, error)
}

// Load reads an optional .env file and then the environment. Malformed
// numbers and durations are reported together.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load env file: %w", err)
	}

	r := &reader{}
	cfg := &Config{
		App: AppConfig{
			Environment:       getEnv("GO_ENV", "production"),
			LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
			LogFilePath:       getEnv("LOG_FILE_PATH", ""),
			MaxQuestionLength: r.intEnv("MAX_QUESTION_LENGTH", 500),
		},
		Platform: PlatformConfig{
			BaseURL:      strings.TrimRight(getEnv("PLATFORM_BASE_URL", ""), "/"),
			InferenceURL: getEnv("INFERENCE_URL", ""),
			ParamPrefix:  strings.TrimRight(getEnv("PARAM_PREFIX", ""), "/"),
			APIToken:     getEnv("API_TOKEN", ""),
			RAGEndpoints: SplitList(getEnv("RAG_ENDPOINTS", "")),
		},
		Memory: MemoryConfig{
			Backend:    strings.ToLower(getEnv("MEMORY_BACKEND", BackendMemory)),
			StateTable: getEnv("STATE_TABLE", ""),
			RedisURL:   getEnv("REDIS_URL", ""),
			TTL:        r.durationEnv("MEMORY_TTL", 24*time.Hour),
		},
		Cache: CacheConfig{
			TTL:      r.durationEnv("CACHE_TTL", 5*time.Minute),
			Capacity: r.intEnv("CACHE_CAPACITY", 20),
		},
		Resilience: ResilienceConfig{
			MaxRetries:       r.intEnv("RETRY_MAX", 2),
			BaseDelay:        r.durationEnv("RETRY_BASE_DELAY", time.Second),
			MaxDelay:         r.durationEnv("RETRY_MAX_DELAY", 10*time.Second),
			BreakerThreshold: r.intEnv("BREAKER_THRESHOLD", 5),
			BreakerCooldown:  r.durationEnv("BREAKER_COOLDOWN", time.Minute),
		},
		Timeouts: TimeoutConfig{
			Endpoint: r.durationEnv("ENDPOINT_TIMEOUT", 15*time.Second),
			Ask:      r.durationEnv("ASK_TIMEOUT", 30*time.Second),
			Stream:   r.durationEnv("STREAM_TIMEOUT", 45*time.Second),
			Search:   r.durationEnv("SEARCH_TIMEOUT", 10*time.Second),
			Suggest:  r.durationEnv("SUGGEST_TIMEOUT", 3*time.Second),
			Health:   r.durationEnv("HEALTH_TIMEOUT", 3*time.Second),
		},
	}
	if err := errors.Join(r.errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ApplyParams fills settings left empty by the environment from the
// parameter store. The API token is not copied; the platform client reads it
// lazily from the same prefix.
func (c *Config) ApplyParams(ctx context.Context, getter PathGetter) error {
	if c.Platform.ParamPrefix == "" {
		return nil
	}
	if getter == nil {
		return errors.New("config: parameter store client must not be nil")
	}
	params, err := getter.GetByPath(ctx, c.Platform.ParamPrefix)
	if err != nil {
		return fmt.Errorf("config: read parameters below %q: %w", c.Platform.ParamPrefix, err)
	}
	if len(c.Platform.RAGEndpoints) == 0 {
		c.Platform.RAGEndpoints = SplitList(params[ParamRAGEndpoints])
	}
	if c.Platform.BaseURL == "" {
		c.Platform.BaseURL = strings.TrimRight(params[ParamBaseURL], "/")
	}
	return nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

type reader struct {
	errs []error
}

func (r *reader) intEnv(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: not an integer: %q", key, v))
		return fallback
	}
	return n
}

// durationEnv accepts Go duration strings ("1.5s") or whole milliseconds.
func (r *reader) durationEnv(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: not a duration: %q", key, v))
		return fallback
	}
	return d
}
