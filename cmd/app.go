// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tagrouter/cli/internal/chat"
	"tagrouter/cli/internal/config"
	"tagrouter/cli/internal/conversation"
	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/intent"
	"tagrouter/cli/internal/knowledge"
	"tagrouter/cli/internal/llm"
	"tagrouter/cli/internal/orchestrator"
	"tagrouter/cli/internal/sanitize"
	"tagrouter/cli/internal/semcache"
	"tagrouter/cli/internal/sqlagent"
	"tagrouter/cli/internal/sqlexec"
)

const (
	agentHistoryTurns = 4
	sweepInterval     = time.Minute
)

// app is a fully wired router and the resources it owns.
type app struct {
	Router   *orchestrator.Orchestrator
	Schema   *sqlexec.SchemaProvider
	Executor *sqlexec.Executor
	Cache    *semcache.Cache
	Index    *knowledge.Index

	closers []func()
}

type appOptions struct {
	Observer func(orchestrator.Event)
	// Background starts the cache and session sweepers on ctx.
	Background bool
}

// Close releases pools, clients and the index in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newModel returns the OpenAI-compatible client used for both generation and
// embeddings.
func newModel(c config.Config) (*llm.OpenAI, error) {
	key := modelAPIKey()
	if key.Value == "" && c.LLM.BaseURL == "" {
		return nil, errs.New(errs.UpstreamUnavailable, "no model API key configured: run 'tagrouter connect --llm-key' or set OPENAI_API_KEY")
	}
	return llm.NewOpenAI(llm.Options{
		APIKey:         key.Value,
		BaseURL:        c.LLM.BaseURL,
		Model:          c.LLM.Model,
		EmbeddingModel: c.LLM.EmbeddingModel,
		RatePerSecond:  c.LLM.RatePerSecond,
		MaxRetries:     c.LLM.MaxRetries,
	}), nil
}

// openIndex opens the knowledge index, creating its directory.
func openIndex(ctx context.Context, c config.Config, emb llm.Embedder) (*knowledge.Index, error) {
	if err := os.MkdirAll(filepath.Dir(c.Retrieval.IndexPath), 0o700); err != nil {
		return nil, err
	}
	return knowledge.Open(ctx, c.Retrieval.IndexPath, emb, c.Retrieval.ChunkSize)
}

// openDatabase connects to the structured store. It returns a nil pool when
// no DSN is configured.
func openDatabase(ctx context.Context, c config.Config) (*pgxpool.Pool, error) {
	dsn := databaseDSN()
	if dsn.Value == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeouts.DB)
	defer cancel()
	return sqlexec.OpenPool(ctx, dsn.Value, c.SQL.PoolMaxConns)
}

func buildApp(ctx context.Context, c config.Config, opts appOptions) (_ *app, err error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	patterns := make(map[string]string, len(c.Sanitize.Patterns))
	for _, p := range c.Sanitize.Patterns {
		patterns[p.Name] = p.Regex
	}
	san, err := sanitize.New(patterns)
	if err != nil {
		return nil, err
	}

	model, err := newModel(c)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if (c.Cache.Enabled && c.Cache.Backend == "redis") || c.Session.Store == "redis" {
		url := redisURL()
		if url.Value == "" {
			return nil, errs.New(errs.CacheUnavailable, "redis is selected but no redis URL is configured")
		}
		rctx, cancel := context.WithTimeout(ctx, c.Timeouts.DB)
		rdb, err = semcache.OpenRedis(rctx, url.Value)
		cancel()
		if err != nil {
			return nil, errs.Wrap(errs.CacheUnavailable, "could not connect to redis", err)
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}

	deps := orchestrator.Deps{
		Sanitizer: san,
		Classifier: intent.New(model, intent.Options{
			MinConfidence: c.Classify.MinConfidence,
			HistoryTurns:  agentHistoryTurns,
			Timeout:       c.Timeouts.LLM,
		}),
		Chat: chat.New(model, chat.Options{HistoryTurns: agentHistoryTurns, Timeout: c.Timeouts.LLM}),
	}

	if c.Cache.Enabled {
		copts := semcache.Options{
			Threshold:    c.Cache.Threshold,
			TTL:          c.Cache.TTL,
			MaxEntries:   c.Cache.MaxEntries,
			Shards:       c.Cache.Shards,
			ContextTurns: c.Cache.ContextTurns,
			OpTimeout:    c.Timeouts.Cache,
		}
		if rdb != nil && c.Cache.Backend == "redis" {
			copts.Backend = semcache.NewRedisBackend(rdb, "")
		}
		a.Cache = semcache.New(model, copts)
		if n, err := a.Cache.Warm(ctx); err != nil {
			log.Warn().Err(err).Msg("cache warm-up failed; starting cold")
		} else if n > 0 {
			log.Info().Int("entries", n).Msg("cache warmed")
		}
		if opts.Background {
			go a.Cache.Run(ctx, sweepInterval)
		}
		deps.Cache = a.Cache
	}

	if c.Session.Store == "redis" {
		deps.Conversations = conversation.NewRedisStore(rdb, "", c.Session.MaxTurns, c.Session.TTL)
	} else {
		mem := conversation.NewMemoryStore(c.Session.MaxTurns, c.Session.TTL)
		if opts.Background {
			go mem.Run(ctx, sweepInterval)
		}
		deps.Conversations = mem
	}

	pool, err := openDatabase(ctx, c)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		a.closers = append(a.closers, pool.Close)
		a.Executor = sqlexec.New(pool, c.SQL.MaxRows, c.SQL.StatementTimeout)
		a.Schema = sqlexec.NewSchemaProvider(sqlexec.NewSchemaInspector(pool, c.SQL.Schemas), c.SQL.SchemaTTL)
		deps.Schema = a.Schema
		deps.Structured = sqlagent.New(model, a.Executor, sqlagent.Options{
			PreviewRows:  c.SQL.PreviewRows,
			HistoryTurns: agentHistoryTurns,
			LLMTimeout:   c.Timeouts.LLM,
			DBTimeout:    c.Timeouts.DB,
		})
		if _, err := a.Schema.Snapshot(ctx); err != nil {
			log.Warn().Err(err).Msg("initial schema fetch failed; will retry on demand")
		}
	} else {
		log.Info().Msg("no database configured; structured questions will be declined")
	}

	idx, err := openIndex(ctx, c, model)
	if err != nil {
		log.Warn().Err(err).Str("path", c.Retrieval.IndexPath).Msg("knowledge index unavailable")
	} else {
		a.Index = idx
		a.closers = append(a.closers, func() { _ = idx.Close() })
		if _, chunks, err := idx.Stats(ctx); err == nil && chunks == 0 {
			log.Warn().Msg("knowledge index is empty; run 'tagrouter index --sample' or index your documents")
		}
		deps.Knowledge = knowledge.NewAgent(idx, model, knowledge.AgentOptions{
			TopK:          c.Retrieval.TopK,
			Threshold:     c.Retrieval.RelevanceThreshold,
			HistoryTurns:  agentHistoryTurns,
			SearchTimeout: c.Timeouts.Search,
			LLMTimeout:    c.Timeouts.LLM,
		})
	}

	a.Router, err = orchestrator.New(deps, orchestrator.Options{
		CacheTimeout:   c.Timeouts.Cache,
		RequestTimeout: c.Timeouts.Request,
		Observer:       opts.Observer,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}
