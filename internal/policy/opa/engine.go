package opa

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

//go:embed policies/*.rego
var embeddedPolicies embed.FS

const (
	// SourceEmbedded evaluates the policies compiled into the binary
	SourceEmbedded = "embedded"
	// SourceFilesystem evaluates every .rego file in PolicyDir
	SourceFilesystem = "filesystem"

	gatesQuery = "data.streamlimit.gates.decision"
)

// Config selects where policies are loaded from
type Config struct {
	Source    string
	PolicyDir string
}

// GateDecision is the result of the gates query
type GateDecision struct {
	Skip    bool `json:"skip"`
	Blocked bool `json:"blocked"`
}

// Engine wraps OPA rego engine for policy evaluation
type Engine struct {
	config Config
	logger zerolog.Logger

	mu         sync.RWMutex
	gatesQuery rego.PreparedEvalQuery
	modules    map[string]string
}

// NewEngine creates a new OPA engine
func NewEngine(config Config, logger zerolog.Logger) (*Engine, error) {
	if config.Source == "" {
		config.Source = SourceEmbedded
	}

	e := &Engine{
		config: config,
		logger: logger.With().Str("component", "opa").Logger(),
	}

	if err := e.load(); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("source", config.Source).
		Str("policy_dir", config.PolicyDir).
		Msg("OPA engine initialized")

	return e, nil
}

// load reads, parses and prepares every policy module, then swaps them in
func (e *Engine) load() error {
	modules, err := e.readModules()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	opts := []func(*rego.Rego){rego.Query(gatesQuery)}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		// Parse first so syntax errors name the offending file
		if _, err := ast.ParseModule(name, modules[name]); err != nil {
			return fmt.Errorf("failed to parse policy file %s: %w", name, err)
		}
		opts = append(opts, rego.Module(name, modules[name]))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare gates query: %w", err)
	}

	e.mu.Lock()
	e.gatesQuery = query
	e.modules = modules
	e.mu.Unlock()

	e.logger.Debug().Int("modules", len(modules)).Msg("Gates query prepared")

	return nil
}

// readModules returns module source keyed by file name
func (e *Engine) readModules() (map[string]string, error) {
	switch e.config.Source {
	case SourceEmbedded:
		return readFS(embeddedPolicies, "policies")
	case SourceFilesystem:
		files, err := filepath.Glob(filepath.Join(e.config.PolicyDir, "*.rego"))
		if err != nil {
			return nil, fmt.Errorf("failed to glob policy files: %w", err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no policy files found in %s", e.config.PolicyDir)
		}

		modules := make(map[string]string, len(files))
		for _, file := range files {
			content, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
			}
			modules[file] = string(content)
		}
		return modules, nil
	default:
		return nil, fmt.Errorf("unknown policy source: %s", e.config.Source)
	}
}

func readFS(fsys fs.FS, dir string) (map[string]string, error) {
	files, err := fs.Glob(fsys, dir+"/*.rego")
	if err != nil {
		return nil, err
	}

	modules := make(map[string]string, len(files))
	for _, file := range files {
		content, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, err
		}
		modules[file] = string(content)
	}
	return modules, nil
}

// EvaluateGates evaluates the gates decision for the given input
func (e *Engine) EvaluateGates(ctx context.Context, input map[string]interface{}) (*GateDecision, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.gatesQuery
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("gates query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Gates query evaluated")

	if len(results) == 0 {
		return nil, fmt.Errorf("no results from gates query")
	}

	if len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("no expressions in gates query result")
	}

	// Convert result to GateDecision
	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gates decision: %w", err)
	}

	var decision GateDecision
	if err := json.Unmarshal(resultBytes, &decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gates decision: %w", err)
	}

	return &decision, nil
}

// Modules returns the names of the loaded policy modules
func (e *Engine) Modules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.modules))
	for name := range e.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload reloads all policies. On failure the previous policies stay active.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policies")

	if err := e.load(); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	e.logger.Info().Msg("OPA policies reloaded successfully")

	return nil
}
