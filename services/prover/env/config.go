// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package env

import (
	"fmt"
	"log/slog"
	"time"
)

// Backend names.
const (
	BackendRepl      = "repl"
	BackendWebSocket = "websocket"
)

// Config selects and configures an environment backend.
type Config struct {
	Backend     string          `yaml:"backend" json:"backend"`
	StepTimeout time.Duration   `yaml:"step_timeout" json:"step_timeout"`
	Repl        ReplConfig      `yaml:"repl" json:"repl"`
	WebSocket   WebSocketConfig `yaml:"websocket" json:"websocket"`
}

// DefaultConfig returns a REPL backend with a one-minute step timeout.
func DefaultConfig() Config {
	return Config{
		Backend:     BackendRepl,
		StepTimeout: time.Minute,
		Repl: ReplConfig{
			Command:      []string{"lake", "exe", "repl"},
			StartTimeout: 2 * time.Minute,
			CloseTimeout: 2 * time.Second,
		},
		WebSocket: WebSocketConfig{HandshakeTimeout: 10 * time.Second},
	}
}

// New builds the configured backend.
func New(cfg Config, logger *slog.Logger) (Environment, error) {
	switch cfg.Backend {
	case BackendRepl:
		return NewReplEnvironment(cfg.Repl, logger)
	case BackendWebSocket:
		return NewWebSocketEnvironment(cfg.WebSocket, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
