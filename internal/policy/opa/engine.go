package opa

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

//go:embed policies/classify.rego
var defaultClassifyPolicy string

const classifyQuery = "data.unlockd.classify.class"

// Config holds OPA engine configuration
type Config struct {
	// PolicyFile overrides the embedded classification policy when set.
	PolicyFile string
}

// Engine wraps the OPA rego engine for application classification
type Engine struct {
	config Config
	logger zerolog.Logger

	mu            sync.RWMutex
	classifyQuery rego.PreparedEvalQuery
}

// NewEngine creates a new OPA engine and compiles the classification policy
func NewEngine(config Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		config: config,
		logger: logger.With().Str("component", "opa").Logger(),
	}

	query, err := e.prepare()
	if err != nil {
		return nil, err
	}
	e.classifyQuery = query

	source := "embedded"
	if config.PolicyFile != "" {
		source = config.PolicyFile
	}
	e.logger.Info().Str("policy", source).Msg("OPA engine initialized")

	return e, nil
}

// loadPolicy returns the policy module name and source text
func (e *Engine) loadPolicy() (string, string, error) {
	if e.config.PolicyFile == "" {
		return "classify.rego", defaultClassifyPolicy, nil
	}

	content, err := os.ReadFile(e.config.PolicyFile)
	if err != nil {
		return "", "", fmt.Errorf("failed to read policy file %s: %w", e.config.PolicyFile, err)
	}
	return e.config.PolicyFile, string(content), nil
}

// prepare parses the policy and prepares the classification query
func (e *Engine) prepare() (rego.PreparedEvalQuery, error) {
	name, source, err := e.loadPolicy()
	if err != nil {
		return rego.PreparedEvalQuery{}, err
	}

	module, err := ast.ParseModule(name, source)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to parse policy %s: %w", name, err)
	}
	e.logger.Debug().Str("file", name).Str("package", module.Package.Path.String()).Msg("Loaded policy module")

	r := rego.New(
		rego.Query(classifyQuery),
		rego.Module(name, source),
	)

	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare classification query: %w", err)
	}

	return query, nil
}

// EvaluateClass evaluates the class of an application identifier
func (e *Engine) EvaluateClass(ctx context.Context, input map[string]interface{}) (string, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.classifyQuery
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("classification query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration", time.Since(startTime)).Msg("Classification query evaluated")

	if len(results) == 0 {
		return "", fmt.Errorf("no results from classification query")
	}

	if len(results[0].Expressions) == 0 {
		return "", fmt.Errorf("no expressions in classification query result")
	}

	class, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("classification is not a string: %T", results[0].Expressions[0].Value)
	}

	return class, nil
}

// Reload recompiles the policy from its source
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policy")

	query, err := e.prepare()
	if err != nil {
		return fmt.Errorf("failed to reload policy: %w", err)
	}

	e.mu.Lock()
	e.classifyQuery = query
	e.mu.Unlock()

	e.logger.Info().Msg("OPA policy reloaded successfully")
	return nil
}
