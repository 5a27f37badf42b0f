package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/streamlimit/internal/config"
	"github.com/goodtune/streamlimit/internal/policy/opa"
	"github.com/rs/zerolog"
)

// Engine gathers the time facts for a tick and asks OPA for the gate decision
type Engine struct {
	config    Config
	opaEngine *opa.Engine
	logger    zerolog.Logger
}

// NewEngine creates a new gate engine
func NewEngine(cfg Config, opaConfig opa.Config, logger zerolog.Logger) (*Engine, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	opaEngine, err := opa.NewEngine(opaConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OPA engine: %w", err)
	}

	e := &Engine{
		config:    cfg,
		opaEngine: opaEngine,
		logger:    logger.With().Str("component", "policy").Logger(),
	}

	e.logger.Info().
		Strs("opt_out_days", cfg.OptOutDays).
		Bool("blocked_hours", cfg.BlockedHours.Enabled).
		Str("window", cfg.BlockedHours.Label()).
		Msg("Gate engine initialized")

	return e, nil
}

// NewEngineFromConfig builds the gate engine from application configuration
func NewEngineFromConfig(cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	gates, err := ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}

	opaConfig := opa.Config{Source: opa.SourceEmbedded}
	if cfg.Gates.PolicyDir != "" {
		opaConfig = opa.Config{Source: opa.SourceFilesystem, PolicyDir: cfg.Gates.PolicyDir}
	}

	return NewEngine(gates, opaConfig, logger)
}

// ConfigFrom converts application configuration into gate settings
func ConfigFrom(cfg *config.Config) (Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Config{}, err
	}

	start, err := config.ParseClock(cfg.Gates.BlockedHours.Start)
	if err != nil {
		return Config{}, fmt.Errorf("blocked hours start: %w", err)
	}

	end, err := config.ParseClock(cfg.Gates.BlockedHours.End)
	if err != nil {
		return Config{}, fmt.Errorf("blocked hours end: %w", err)
	}

	days := make([]string, 0, len(cfg.Gates.OptOutDays))
	for _, d := range cfg.Gates.OptOutDays {
		days = append(days, strings.ToLower(d))
	}

	return Config{
		OptOutDays: days,
		BlockedHours: BlockedHours{
			Enabled: cfg.Gates.BlockedHours.Enabled,
			Start:   start,
			End:     end,
		},
		Location: loc,
	}, nil
}

// Evaluate returns the gate decision at now
func (e *Engine) Evaluate(ctx context.Context, now time.Time) (*Decision, error) {
	input := e.buildInput(now)

	result, err := e.opaEngine.EvaluateGates(ctx, input)
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		Skip:    result.Skip,
		Blocked: result.Blocked,
		Weekday: input["weekday"].(string),
	}

	e.logger.Debug().
		Str("weekday", decision.Weekday).
		Int("minute_of_day", input["minute_of_day"].(int)).
		Bool("skip", decision.Skip).
		Bool("blocked", decision.Blocked).
		Msg("Gates evaluated")

	return decision, nil
}

// buildInput builds OPA input for gate evaluation
func (e *Engine) buildInput(now time.Time) map[string]interface{} {
	local := now.In(e.config.Location)

	days := e.config.OptOutDays
	if days == nil {
		days = []string{}
	}

	return map[string]interface{}{
		"weekday":       Weekdays[local.Weekday()],
		"minute_of_day": local.Hour()*60 + local.Minute(),
		"opt_out_days":  days,
		"blocked_hours": map[string]interface{}{
			"enabled": e.config.BlockedHours.Enabled,
			"start":   e.config.BlockedHours.Start,
			"end":     e.config.BlockedHours.End,
		},
	}
}

// BlockedHours returns the configured blocked window
func (e *Engine) BlockedHours() BlockedHours {
	return e.config.BlockedHours
}

// Modules returns the loaded policy module names
func (e *Engine) Modules() []string {
	return e.opaEngine.Modules()
}

// Reload reloads the policy modules
func (e *Engine) Reload() error {
	return e.opaEngine.Reload()
}
