// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package expander

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAIGenerator.
type OpenAIConfig struct {
	// BaseURL points at an OpenAI-compatible server, for example a local
	// inference server hosting the tactic model.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// GPUBaseURLs lists one server per GPU device. A GPU worker on device d
	// uses entry d modulo the list length. Empty means every worker uses
	// BaseURL.
	GPUBaseURLs []string `yaml:"gpu_base_urls" json:"gpu_base_urls"`

	// Model is the served model name.
	Model string `yaml:"model" json:"model"`

	// APIKey authenticates the client. Empty falls back to the
	// PROVER_GENERATOR_API_KEY and OPENAI_API_KEY variables, then to the
	// secret file.
	APIKey string `yaml:"-" json:"-"`

	// APIKeyFile is read when no key is set in the environment.
	APIKeyFile string `yaml:"api_key_file" json:"api_key_file"`

	// MaxTokens bounds the length of one tactic.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	// Stop sequences end a tactic.
	Stop []string `yaml:"stop" json:"stop"`
}

// DefaultOpenAIConfig returns settings for a local server.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		BaseURL:    "http://localhost:8000/v1",
		Model:      "reprover-tactic-generator",
		APIKeyFile: "/run/secrets/prover_generator_api_key",
		MaxTokens:  256,
		Stop:       []string{"\n\n"},
	}
}

// ForDevice returns the config of a GPU worker on the given device.
func (c OpenAIConfig) ForDevice(device int) OpenAIConfig {
	if len(c.GPUBaseURLs) == 0 || device < 0 {
		return c
	}
	c.BaseURL = c.GPUBaseURLs[device%len(c.GPUBaseURLs)]
	return c
}

// OpenAIGenerator samples tactics from the completions endpoint of an
// OpenAI-compatible server. Each candidate is scored with the sum of its
// token log-probabilities.
//
// Thread Safety: Safe for concurrent use.
type OpenAIGenerator struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
}

// NewOpenAIGenerator creates the generator.
func NewOpenAIGenerator(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIGenerator, error) {
	if cfg.Model == "" {
		return nil, errors.New("generator model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	apiKey := resolveAPIKey(cfg, logger)

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	logger.Info("Initializing tactic generator client",
		slog.String("model", cfg.Model),
		slog.String("base_url", clientCfg.BaseURL))
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func resolveAPIKey(cfg OpenAIConfig, logger *slog.Logger) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	for _, name := range []string{"PROVER_GENERATOR_API_KEY", "OPENAI_API_KEY"} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	if cfg.APIKeyFile != "" {
		if data, err := os.ReadFile(cfg.APIKeyFile); err == nil {
			logger.Info("Read the generator API key from secret file", slog.String("path", cfg.APIKeyFile))
			return strings.TrimSpace(string(data))
		}
	}
	// Local inference servers usually accept any key.
	return "none"
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, k int, temperature float64) ([]Candidate, error) {
	req := openai.CompletionRequest{
		Model:       g.cfg.Model,
		Prompt:      prompt,
		N:           k,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: float32(temperature),
		LogProbs:    1,
		Stop:        g.cfg.Stop,
	}
	resp, err := g.client.CreateCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}

	out := make([]Candidate, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		var score float64
		for _, lp := range choice.LogProbs.TokenLogprobs {
			score += float64(lp)
		}
		out = append(out, Candidate{Tactic: choice.Text, Score: score})
	}
	g.logger.Debug("Received tactic candidates",
		slog.Int("requested", k),
		slog.Int("received", len(out)))
	return out, nil
}

// FixedGenerator always proposes the same tactics with score 0. It replaces
// the learned model when a run is asked to try a given tactic.
type FixedGenerator struct {
	Tactics []string
}

// NewFixedGenerator creates a generator for the given tactics.
func NewFixedGenerator(tactics ...string) *FixedGenerator {
	return &FixedGenerator{Tactics: tactics}
}

// Generate implements Generator.
func (g *FixedGenerator) Generate(ctx context.Context, _ string, _ int, _ float64) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Candidate, len(g.Tactics))
	for i, t := range g.Tactics {
		out[i] = Candidate{Tactic: t}
	}
	return out, nil
}

// StaticGenerator returns scripted candidates keyed by the goal text that
// follows the premises in the prompt. It is the test double used by the search packages.
//
// Thread Safety: Safe for concurrent use once populated.
type StaticGenerator struct {
	// ByGoal maps ProofState.String() to candidates.
	ByGoal map[string][]Candidate

	// Default is returned for goals without an entry.
	Default []Candidate

	// Err, when set, is returned from every call.
	Err error

	// Block makes every call wait for ctx to end.
	Block bool
}

// NewStaticGenerator creates an empty static generator.
func NewStaticGenerator() *StaticGenerator {
	return &StaticGenerator{ByGoal: make(map[string][]Candidate)}
}

// On sets the candidates for a goal text and returns the generator.
func (g *StaticGenerator) On(goal string, candidates ...Candidate) *StaticGenerator {
	g.ByGoal[goal] = candidates
	return g
}

// Generate implements Generator.
func (g *StaticGenerator) Generate(ctx context.Context, prompt string, _ int, _ float64) ([]Candidate, error) {
	if g.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.Err != nil {
		return nil, g.Err
	}
	goal := prompt
	if i := strings.LastIndex(prompt, "</a>\n"); i >= 0 {
		goal = prompt[i+len("</a>\n"):]
	}
	if cands, ok := g.ByGoal[goal]; ok {
		return append([]Candidate(nil), cands...), nil
	}
	return append([]Candidate(nil), g.Default...), nil
}
