// Package app wires configuration into a running intake environment shared
// by the server and CLI binaries.
package app

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/david/grant-intake/internal/ai"
	"github.com/david/grant-intake/internal/cache"
	"github.com/david/grant-intake/internal/config"
	"github.com/david/grant-intake/internal/db"
	"github.com/david/grant-intake/internal/events"
	"github.com/david/grant-intake/internal/ingest"
	"github.com/david/grant-intake/internal/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// LoadDotEnv loads .env files without overriding variables already set.
// INTAKE_ENV_FILE names an extra file loaded first.
func LoadDotEnv() {
	files := []string{".env"}
	if custom := strings.TrimSpace(os.Getenv("INTAKE_ENV_FILE")); custom != "" {
		files = append([]string{custom}, files...)
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				zap.L().Warn("failed to load env file", zap.String("file", f), zap.Error(err))
			}
			continue
		}
		zap.L().Debug("loaded environment", zap.String("file", f))
	}
}

// Env holds every initialized client and the pipeline built on them.
type Env struct {
	Pool      *pgxpool.Pool
	Corpus    *db.CorpusStore
	Decisions *db.DecisionStore
	Health    *db.HealthStore
	Runs      *db.RunStore
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Redis     *goredis.Client
	Pipeline  *ingest.Pipeline
}

// Close releases resources held by the environment.
func (e *Env) Close() {
	if e.Publisher != nil {
		if err := e.Publisher.Close(); err != nil {
			zap.L().Warn("failed to close publisher", zap.Error(err))
		}
	}
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
}

// Init connects to Postgres and the optional Redis, Kafka and Ollama
// dependencies, applies migrations and builds the pipeline. Callers should
// defer env.Close().
func Init(ctx context.Context, cfg *config.Config) (*Env, error) {
	log := zap.L().With(zap.String("component", "app"))

	pool, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	env := &Env{
		Pool:      pool,
		Corpus:    db.NewCorpusStore(pool),
		Decisions: db.NewDecisionStore(pool),
		Health:    db.NewHealthStore(pool),
		Runs:      db.NewRunStore(pool),
		Metrics:   metrics.New(),
	}

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		env.Close()
		return nil, eris.Wrap(err, "app: migrate")
	}

	reg, err := ingest.LoadRegistry(cfg.Pipeline.RegistryPath)
	if err != nil {
		env.Close()
		return nil, err
	}
	refs, err := ingest.LoadReferences(cfg.Pipeline.TrustedReferencePath)
	if err != nil {
		env.Close()
		return nil, err
	}

	deps := ingest.Deps{
		Corpus:     env.Corpus,
		Decisions:  env.Decisions,
		Health:     env.Health,
		Runs:       env.Runs,
		References: refs,
		Registry:   reg,
		Metrics:    env.Metrics,
	}

	if cfg.Redis.Addr != "" {
		client, err := cache.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("redis unavailable; breaker state stays local", zap.Error(err))
		} else {
			env.Redis = client
			deps.Gate = cache.NewBreakerGate(client, "")
		}
	}

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.ClientID, cfg.Kafka.DecisionTopic, cfg.Kafka.HealthTopic)
		if err != nil {
			env.Close()
			return nil, err
		}
		if err := pub.Ping(ctx); err != nil {
			log.Warn("kafka ping failed; producing anyway", zap.Error(err))
		}
		env.Publisher = pub
	} else {
		env.Publisher = events.LogPublisher{}
	}
	deps.Publisher = env.Publisher

	if cfg.Embedding.Enabled {
		client := ai.NewOllamaClient(cfg.Embedding.Host, cfg.Embedding.Model)
		if err := client.Ping(ctx); err != nil {
			log.Warn("embedding server unreachable; semantic checks degrade until it returns", zap.Error(err))
		} else if err := ingest.CheckEmbeddingWidth(ctx, client, cfg.Embedding.Dimensions); err != nil {
			if errors.Is(err, ingest.ErrEmbeddingWidth) {
				env.Close()
				return nil, eris.Wrapf(err, "embedding model %s", cfg.Embedding.Model)
			}
			log.Warn("sample embedding failed; semantic checks degrade until it succeeds", zap.Error(err))
		}
		deps.Embedder = client
	}

	env.Pipeline = ingest.NewPipeline(cfg, deps)
	log.Info("intake environment ready",
		zap.Bool("redis", env.Redis != nil),
		zap.Bool("kafka", len(cfg.Kafka.Brokers) > 0),
		zap.Bool("embeddings", cfg.Embedding.Enabled),
	)
	return env, nil
}
