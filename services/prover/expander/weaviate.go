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
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateConfig configures a WeaviateRetriever.
type WeaviateConfig struct {
	// URL of the Weaviate server, with or without scheme.
	URL string `yaml:"url" json:"url"`

	// Class holds one object per premise.
	Class string `yaml:"class" json:"class"`

	// IDField and TextField name the premise properties.
	IDField   string `yaml:"id_field" json:"id_field"`
	TextField string `yaml:"text_field" json:"text_field"`
}

// DefaultWeaviateConfig returns the default premise index layout.
func DefaultWeaviateConfig() WeaviateConfig {
	return WeaviateConfig{
		URL:       "http://localhost:8080",
		Class:     "Premise",
		IDField:   "fullName",
		TextField: "code",
	}
}

// WeaviateRetriever retrieves premises from a precomputed vector index with
// a nearText query over the goal text.
//
// Thread Safety: Safe for concurrent use.
type WeaviateRetriever struct {
	client *weaviate.Client
	cfg    WeaviateConfig
	logger *slog.Logger
}

// NewWeaviateRetriever connects to the index and checks that it is ready.
func NewWeaviateRetriever(ctx context.Context, cfg WeaviateConfig, logger *slog.Logger) (*WeaviateRetriever, error) {
	if cfg.URL == "" || cfg.Class == "" {
		return nil, errors.New("weaviate url and class are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	wcfg := weaviate.Config{Host: cfg.URL, Scheme: "http"}
	switch {
	case strings.HasPrefix(cfg.URL, "https://"):
		wcfg.Scheme, wcfg.Host = "https", strings.TrimPrefix(cfg.URL, "https://")
	case strings.HasPrefix(cfg.URL, "http://"):
		wcfg.Host = strings.TrimPrefix(cfg.URL, "http://")
	}
	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	ready, err := client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate readiness: %w", err)
	}
	if !ready {
		return nil, fmt.Errorf("weaviate at %s is not ready", cfg.URL)
	}
	logger.Info("Connected to premise index",
		slog.String("url", cfg.URL),
		slog.String("class", cfg.Class))

	return &WeaviateRetriever{client: client, cfg: cfg, logger: logger}, nil
}

// Retrieve implements Retriever.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, query string, m int) ([]Premise, error) {
	nearText := r.client.GraphQL().NearTextArgBuilder().WithConcepts([]string{query})
	result, err := r.client.GraphQL().Get().
		WithClassName(r.cfg.Class).
		WithFields(
			graphql.Field{Name: r.cfg.IDField},
			graphql.Field{Name: r.cfg.TextField},
			graphql.Field{Name: "_additional { certainty distance }"},
		).
		WithNearText(nearText).
		WithLimit(m).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("premise search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("premise search: %s", result.Errors[0].Message)
	}
	return parsePremises(result, r.cfg)
}

func parsePremises(result *models.GraphQLResponse, cfg WeaviateConfig) ([]Premise, error) {
	get, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	objects, ok := get[cfg.Class].([]interface{})
	if !ok {
		return nil, nil
	}

	premises := make([]Premise, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		p := Premise{}
		p.ID, _ = m[cfg.IDField].(string)
		p.Text, _ = m[cfg.TextField].(string)
		if p.Text == "" {
			continue
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				p.Score = certainty
			} else if distance, ok := additional["distance"].(float64); ok {
				p.Score = 1 - distance
			}
		}
		premises = append(premises, p)
	}
	return premises, nil
}
