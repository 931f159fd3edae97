// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package expander turns a proof state into ranked candidate tactics.
//
// A TacticExpander retrieves relevant premises for the goals, builds a
// generation prompt from them, samples candidates from a Generator, and
// returns the distinct candidates ranked by score.
package expander

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
)

var (
	// ErrCircuitOpen is returned when the generation service has failed
	// repeatedly and calls are being rejected.
	ErrCircuitOpen = errors.New("generator circuit breaker is open")

	// ErrGeneration wraps failures of the generation model.
	ErrGeneration = errors.New("tactic generation failed")

	// ErrRetrieval wraps failures of the retrieval model.
	ErrRetrieval = errors.New("premise retrieval failed")
)

// Candidate is one generated tactic. Score is a log-probability, higher is
// better.
type Candidate struct {
	Tactic string  `json:"tactic"`
	Score  float64 `json:"score"`
}

// Premise is one retrieved background fact.
type Premise struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Generator samples tactic candidates for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, k int, temperature float64) ([]Candidate, error)
}

// Retriever returns the m most relevant premises for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, m int) ([]Premise, error)
}

// Config configures a TacticExpander.
type Config struct {
	// NumSampledTactics is k, the maximum number of candidates per expansion.
	NumSampledTactics int `yaml:"num_sampled_tactics" json:"num_sampled_tactics"`

	// NumPremises is m, the number of premises retrieved per expansion.
	NumPremises int `yaml:"num_premises" json:"num_premises"`

	// Temperature is passed to the generator.
	Temperature float64 `yaml:"temperature" json:"temperature"`

	// MaxPromptChars truncates the prompt from the front, keeping the goals.
	MaxPromptChars int `yaml:"max_prompt_chars" json:"max_prompt_chars"`

	// RequestsPerSecond limits generator calls. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`

	// Burst is the limiter burst size.
	Burst int `yaml:"burst" json:"burst"`
}

// DefaultConfig returns k=64 and m=100 at temperature 0.
func DefaultConfig() Config {
	return Config{
		NumSampledTactics: 64,
		NumPremises:       100,
		Temperature:       0,
		MaxPromptChars:    2300,
		Burst:             1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.NumSampledTactics < 1 {
		return fmt.Errorf("num_sampled_tactics must be >= 1, got %d", c.NumSampledTactics)
	}
	if c.NumPremises < 0 {
		return fmt.Errorf("num_premises must be >= 0, got %d", c.NumPremises)
	}
	if c.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %f", c.Temperature)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must be >= 0, got %f", c.RequestsPerSecond)
	}
	return nil
}

// ExpansionStats records the cost of one expansion.
type ExpansionStats struct {
	Premises   int
	Generated  int
	Unique     int
	ModelTime  time.Duration
	PromptSize int
}

// TacticExpander produces ranked candidates for proof states.
//
// Thread Safety: Safe for concurrent use if the Generator and Retriever are.
// Each worker normally owns its own expander.
type TacticExpander struct {
	gen     Generator
	ret     Retriever
	cfg     Config
	breaker *CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures a TacticExpander.
type Option func(*TacticExpander)

// WithCircuitBreaker guards generator calls with a breaker.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(e *TacticExpander) { e.breaker = cb }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *TacticExpander) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewTacticExpander creates an expander.
//
// Inputs:
//
//	gen - The generation model. Must not be nil.
//	ret - The retrieval model. Nil disables premise retrieval.
//	cfg - Expansion settings.
//
// Outputs:
//
//	*TacticExpander - Ready to use expander.
func NewTacticExpander(gen Generator, ret Retriever, cfg Config, opts ...Option) *TacticExpander {
	e := &TacticExpander{
		gen:    gen,
		ret:    ret,
		cfg:    cfg,
		logger: slog.Default(),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expand returns at most k distinct candidates for the state, sorted by
// descending score. Fewer than k candidates is not an error.
//
// Outputs:
//
//	[]Candidate - Ranked candidates.
//	ExpansionStats - Counts and model time for this call.
//	error - Wraps ErrGeneration, ErrRetrieval or ErrCircuitOpen, or the
//	  context error.
func (e *TacticExpander) Expand(ctx context.Context, state datatypes.ProofState, k int) ([]Candidate, ExpansionStats, error) {
	var stats ExpansionStats
	if k <= 0 {
		k = e.cfg.NumSampledTactics
	}
	start := time.Now()

	goals := state.String()

	var premises []Premise
	if e.ret != nil && e.cfg.NumPremises > 0 {
		var err error
		premises, err = e.ret.Retrieve(ctx, goals, e.cfg.NumPremises)
		if err != nil {
			return nil, stats, fmt.Errorf("%w: %w", ErrRetrieval, err)
		}
	}
	stats.Premises = len(premises)

	prompt := BuildPrompt(goals, premises, e.cfg.MaxPromptChars)
	stats.PromptSize = len(prompt)

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, stats, err
		}
	}

	raw, err := e.generate(ctx, prompt, k)
	stats.ModelTime = time.Since(start)
	if err != nil {
		return nil, stats, err
	}
	stats.Generated = len(raw)

	ranked := Rank(raw, k)
	stats.Unique = len(ranked)

	e.logger.Debug("expanded proof state",
		slog.Int("premises", stats.Premises),
		slog.Int("generated", stats.Generated),
		slog.Int("unique", stats.Unique))
	return ranked, stats, nil
}

func (e *TacticExpander) generate(ctx context.Context, prompt string, k int) ([]Candidate, error) {
	if e.breaker == nil {
		out, err := e.gen.Generate(ctx, prompt, k, e.cfg.Temperature)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
		}
		return out, nil
	}

	var out []Candidate
	err := e.breaker.Execute(ctx, func() error {
		var genErr error
		out, genErr = e.gen.Generate(ctx, prompt, k, e.cfg.Temperature)
		return genErr
	})
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}
	return out, nil
}

// Score bounds. Infinite log-probabilities are clamped into this range so
// priorities stay finite and trees stay serializable.
const (
	MinScore = -1e9
	MaxScore = 1e9
)

// Rank removes duplicate tactics, keeping the highest score of each, and
// returns at most k candidates sorted by descending score. Equal scores keep
// first-seen order. Blank tactics and NaN scores are dropped.
func Rank(candidates []Candidate, k int) []Candidate {
	best := make(map[string]int, len(candidates))
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		c.Tactic = strings.TrimSpace(c.Tactic)
		if c.Tactic == "" || math.IsNaN(c.Score) {
			continue
		}
		c.Score = math.Max(MinScore, math.Min(MaxScore, c.Score))
		if i, ok := best[c.Tactic]; ok {
			if c.Score > out[i].Score {
				out[i].Score = c.Score
			}
			continue
		}
		best[c.Tactic] = len(out)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// BuildPrompt formats retrieved premises followed by the goals. Each premise
// is wrapped in <a>...</a>. When the prompt exceeds maxChars the premises
// are dropped from the front so the goals are always kept whole.
func BuildPrompt(goals string, premises []Premise, maxChars int) string {
	var sb strings.Builder
	for _, p := range premises {
		sb.WriteString("<a>")
		sb.WriteString(p.Text)
		sb.WriteString("</a>\n")
	}
	background := sb.String()
	if maxChars > 0 {
		budget := maxChars - len(goals)
		if budget <= 0 {
			return goals
		}
		if len(background) > budget {
			background = trimToLines(background[len(background)-budget:])
		}
	}
	return background + goals
}

// trimToLines drops a leading partial premise line.
func trimToLines(s string) string {
	if i := strings.Index(s, "<a>"); i > 0 {
		return s[i:]
	} else if i < 0 {
		return ""
	}
	return s
}
