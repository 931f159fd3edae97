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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

func TestParsePremises(t *testing.T) {
	cfg := DefaultWeaviateConfig()
	result := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				"Premise": []interface{}{
					map[string]interface{}{
						"fullName": "Nat.add_comm",
						"code":     "theorem Nat.add_comm (n m : ℕ) : n + m = m + n",
						"_additional": map[string]interface{}{
							"certainty": 0.92,
						},
					},
					map[string]interface{}{
						"fullName": "Nat.succ_ne_zero",
						"code":     "theorem Nat.succ_ne_zero (n : ℕ) : n.succ ≠ 0",
						"_additional": map[string]interface{}{
							"distance": 0.25,
						},
					},
					map[string]interface{}{"fullName": "empty"},
					"malformed",
				},
			},
		},
	}

	premises, err := parsePremises(result, cfg)
	require.NoError(t, err)
	require.Len(t, premises, 2, "objects without text and malformed objects are skipped")
	assert.Equal(t, "Nat.add_comm", premises[0].ID)
	assert.InDelta(t, 0.92, premises[0].Score, 1e-9)
	assert.Equal(t, "Nat.succ_ne_zero", premises[1].ID)
	assert.InDelta(t, 0.75, premises[1].Score, 1e-9)
}

func TestParsePremises_MissingClass(t *testing.T) {
	result := &models.GraphQLResponse{Data: map[string]models.JSONObject{}}
	premises, err := parsePremises(result, DefaultWeaviateConfig())
	require.NoError(t, err)
	assert.Empty(t, premises)
}

func TestParsePremises_Empty(t *testing.T) {
	premises, err := parsePremises(&models.GraphQLResponse{}, DefaultWeaviateConfig())
	require.NoError(t, err)
	assert.Empty(t, premises)
}

func TestNewWeaviateRetriever_RequiresClass(t *testing.T) {
	_, err := NewWeaviateRetriever(context.Background(), WeaviateConfig{URL: "http://localhost:8080"}, nil)
	assert.Error(t, err)
}
