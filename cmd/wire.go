package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/qcs-matcher/internal/ai"
	"github.com/spigell/qcs-matcher/internal/ai/gemini"
	"github.com/spigell/qcs-matcher/internal/ai/openai"
	"github.com/spigell/qcs-matcher/internal/breaker"
	"github.com/spigell/qcs-matcher/internal/events"
	"github.com/spigell/qcs-matcher/internal/matching"
	"github.com/spigell/qcs-matcher/internal/metrics"
	"github.com/spigell/qcs-matcher/internal/qcs"
	"github.com/spigell/qcs-matcher/internal/scoring"
	"github.com/spigell/qcs-matcher/internal/secrets"
	"github.com/spigell/qcs-matcher/internal/store"
	"github.com/spigell/qcs-matcher/internal/store/memory"
	"github.com/spigell/qcs-matcher/internal/store/postgres"
	"github.com/spigell/qcs-matcher/internal/store/redisstore"
	"github.com/spigell/qcs-matcher/internal/store/sqlite"
)

// components is everything a command may need, built from one Config.
type components struct {
	store    store.Store
	failures store.FailureStore
	metrics  *metrics.Manager
	events   events.Publisher
	scorer   *qcs.Service
	matcher  *matching.Engine

	closers []func() error
}

func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

func newComponents(ctx context.Context, cfg *Config, logger *zap.Logger) (*components, error) {
	c := &components{metrics: metrics.NewManager()}

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	c.store = st
	c.failures = st
	c.closers = append(c.closers, st.Close)

	if cfg.Redis != nil {
		rc := withRedisDefaults(*cfg.Redis)
		fs, err := redisstore.New(ctx, rc)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		logger.Info("ai failure state kept in redis", zap.String("addr", rc.Addr()))
		c.failures = fs
		c.closers = append(c.closers, fs.Close)
	}

	c.events = events.New(cfg.Events, logger)
	c.closers = append(c.closers, c.events.Close)

	rubric, err := getRubric()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	engine := scoring.NewEngine(rubric, nil)

	deps := qcs.Deps{
		Profiles: c.store,
		Scores:   c.store,
		Engine:   engine,
		Events:   c.events,
	}
	if cfg.AI.Enabled {
		client, err := newAIClient(ctx, cfg.AI, logger, c.metrics)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("building ai client: %w", err)
		}
		deps.AI = ai.NewScorer(client, logger, cfg.AI.MaxLogLength)
		deps.AIProvider = client.Provider()
		deps.Gate = breaker.New(c.failures, cfg.Breaker, logger, c.metrics, nil)
	} else {
		logger.Info("ai scoring disabled, results are logic-only")
	}

	c.scorer, err = qcs.NewService(deps, qcs.Config{
		AITimeout: cfg.AI.Timeout,
		Blend:     cfg.Blend,
		Version:   version,
	}, logger, c.metrics)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	c.matcher, err = matching.NewEngine(c.store, c.store, engine, cfg.Matching, logger, c.metrics)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func openStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Warn("using in-memory store, data is lost on exit")
		return memory.New(), nil
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath, logger)
	case "postgres":
		return postgres.Open(ctx, cfg.Postgres, logger)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

func withRedisDefaults(cfg redisstore.Config) redisstore.Config {
	def := redisstore.DefaultConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.StateTTL == 0 {
		cfg.StateTTL = def.StateTTL
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	return cfg
}

func newAIClient(ctx context.Context, cfg AIConfig, logger *zap.Logger, m *metrics.Manager) (*ai.Client, error) {
	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))

	var transport ai.Transport
	switch provider {
	case "", "openai":
		apiKey, err := secrets.Load(secrets.Source{
			Name:  "openai api key",
			Value: cfg.APIKey,
			File:  cfg.APIKeyFile,
			Env:   "OPENAI_API_KEY",
		})
		if err != nil {
			return nil, fmt.Errorf("%w (set ai.api-key-file or OPENAI_API_KEY)", err)
		}
		t, err := openai.New(apiKey, cfg.BaseURL, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		transport = t
	case "gemini":
		apiKey, err := secrets.Load(secrets.Source{
			Name:  "gemini api key",
			Value: cfg.APIKey,
			File:  cfg.APIKeyFile,
			Env:   "GEMINI_API_KEY",
		})
		if err != nil {
			return nil, fmt.Errorf("%w (set ai.api-key-file or GEMINI_API_KEY)", err)
		}
		t, err := gemini.New(ctx, apiKey)
		if err != nil {
			return nil, err
		}
		transport = t
	default:
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}

	models := cfg.Models
	if p := strings.TrimSpace(cfg.PreferredModel); p != "" {
		models = append([]string{p}, models...)
	}

	return ai.NewClient(transport, ai.Options{
		Models:                  models,
		MaxRetries:              cfg.MaxRetries,
		BaseBackoff:             cfg.BaseBackoff,
		EmptyBackoff:            cfg.EmptyBackoff,
		MaxTokens:               cfg.MaxTokens,
		Temperature:             cfg.Temperature,
		CompletionTokenPrefixes: cfg.CompletionTokenPrefixes,
		MaxLogLength:            cfg.MaxLogLength,
	}, logger, m)
}
