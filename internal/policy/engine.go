package policy

import (
	"context"
	"fmt"

	"github.com/goodtune/unlockd/internal/metrics"
	"github.com/goodtune/unlockd/internal/policy/opa"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultCacheSize bounds the number of memoized classifications.
const DefaultCacheSize = 512

// Engine classifies foreground identifiers by evaluating the identifier
// table against the OPA classification policy. Results are memoized
// because the same handful of identifiers recur on every transition.
type Engine struct {
	table     Table
	opaEngine *opa.Engine
	cache     *lru.Cache[string, Class]
	logger    zerolog.Logger
}

// NewEngine creates a new classification engine
func NewEngine(table Table, opaConfig opa.Config, cacheSize int, logger zerolog.Logger) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	opaEngine, err := opa.NewEngine(opaConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OPA engine: %w", err)
	}

	cache, err := lru.New[string, Class](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create classification cache: %w", err)
	}

	e := &Engine{
		table:     table,
		opaEngine: opaEngine,
		cache:     cache,
		logger:    logger.With().Str("component", "policy").Logger(),
	}

	e.logger.Info().
		Int("transient_ids", len(table.TransientIDs)).
		Int("transient_prefixes", len(table.TransientPrefixes)).
		Int("system_ids", len(table.SystemIDs)).
		Int("system_prefixes", len(table.SystemPrefixes)).
		Int("cache_size", cacheSize).
		Msg("Classification engine initialized")

	return e, nil
}

// Classify returns the class of appID. Evaluation failures fall back to
// ClassApp so an unclassifiable surface ends the previous session rather
// than silently extending it.
func (e *Engine) Classify(ctx context.Context, appID string) Class {
	if class, ok := e.cache.Get(appID); ok {
		metrics.ClassificationCacheHits.Inc()
		return class
	}
	metrics.ClassificationCacheMisses.Inc()

	raw, err := e.opaEngine.EvaluateClass(ctx, e.table.input(appID))
	if err != nil {
		e.logger.Error().Err(err).Str("app_id", appID).Msg("OPA classification failed, treating as app")
		return ClassApp
	}

	class, err := ParseClass(raw)
	if err != nil {
		e.logger.Warn().Str("app_id", appID).Str("class", raw).Msg("Unknown class from OPA, treating as app")
		return ClassApp
	}

	e.cache.Add(appID, class)
	e.logger.Debug().Str("app_id", appID).Str("class", string(class)).Msg("Classified foreground identifier")

	return class
}

// Reload recompiles the policy and drops memoized results
func (e *Engine) Reload() error {
	if err := e.opaEngine.Reload(); err != nil {
		return err
	}
	e.cache.Purge()
	return nil
}
