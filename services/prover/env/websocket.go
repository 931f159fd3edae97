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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
)

// WebSocket operations.
const (
	wsOpOpen  = "open"
	wsOpRun   = "run"
	wsOpCheck = "check"
	wsOpClose = "close"

	wsCodeNotFound = "not_found"
)

// WSRequest is a client message of the remote checker protocol.
type WSRequest struct {
	ID      uint64                `json:"id"`
	Op      string                `json:"op"`
	Theorem *datatypes.Theorem    `json:"theorem,omitempty"`
	State   *datatypes.ProofState `json:"state,omitempty"`
	Tactic  string                `json:"tactic,omitempty"`
}

// WSResponse is a server message of the remote checker protocol. ID echoes
// the request it answers.
type WSResponse struct {
	ID      uint64                `json:"id"`
	State   *datatypes.ProofState `json:"state,omitempty"`
	Outcome *Outcome              `json:"outcome,omitempty"`
	Error   string                `json:"error,omitempty"`
	Code    string                `json:"code,omitempty"`
}

// WebSocketConfig configures a WebSocketEnvironment.
type WebSocketConfig struct {
	URL              string        `yaml:"url" json:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	Header           http.Header   `yaml:"-" json:"-"`
}

// WebSocketEnvironment talks to a remote proof checker. Each session owns
// one connection, and requests on it are matched to responses by id.
//
// Thread Safety: Safe for concurrent use.
type WebSocketEnvironment struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWebSocketEnvironment creates the environment.
func NewWebSocketEnvironment(cfg WebSocketConfig, logger *slog.Logger) (*WebSocketEnvironment, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket url is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketEnvironment{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger,
	}, nil
}

func (e *WebSocketEnvironment) dial(ctx context.Context) (*wsSession, error) {
	conn, _, err := e.dialer.DialContext(ctx, e.cfg.URL, e.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", e.cfg.URL, err)
	}
	s := &wsSession{
		conn:    conn,
		waiters: make(map[uint64]chan WSResponse),
		done:    make(chan struct{}),
		logger:  e.logger,
	}
	go s.readLoop()
	return s, nil
}

// Open implements Environment.
func (e *WebSocketEnvironment) Open(ctx context.Context, thm datatypes.Theorem) (Session, error) {
	s, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.request(ctx, WSRequest{Op: wsOpOpen, Theorem: &thm})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("opening %s: %w", thm.ID(), err)
	}
	if err := responseError(resp, thm); err != nil {
		_ = s.Close()
		return nil, err
	}
	if resp.State == nil {
		_ = s.Close()
		return nil, fmt.Errorf("opening %s: response has no state", thm.ID())
	}
	s.initial = *resp.State
	return s, nil
}

// Check implements Checker with a short-lived connection.
func (e *WebSocketEnvironment) Check(ctx context.Context, thm datatypes.Theorem) error {
	s, err := e.dial(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	resp, err := s.request(ctx, WSRequest{Op: wsOpCheck, Theorem: &thm})
	if err != nil {
		return err
	}
	return responseError(resp, thm)
}

func responseError(resp WSResponse, thm datatypes.Theorem) error {
	switch {
	case resp.Code == wsCodeNotFound:
		return fmt.Errorf("%w: %s: %s", ErrTheoremNotFound, thm.FullName, resp.Error)
	case resp.Error != "":
		return fmt.Errorf("remote checker: %s", resp.Error)
	}
	return nil
}

type wsSession struct {
	conn    *websocket.Conn
	initial datatypes.ProofState
	nextID  atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[uint64]chan WSResponse
	readErr error

	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func (s *wsSession) readLoop() {
	defer close(s.done)
	for {
		var resp WSResponse
		if err := s.conn.ReadJSON(&resp); err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		ch, ok := s.waiters[resp.ID]
		delete(s.waiters, resp.ID)
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("dropping websocket response for abandoned request", slog.Uint64("id", resp.ID))
			continue
		}
		ch <- resp
	}
}

func (s *wsSession) lost() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return fmt.Errorf("%w: %v", ErrSessionLost, s.readErr)
	}
	return ErrSessionLost
}

func (s *wsSession) request(ctx context.Context, req WSRequest) (WSResponse, error) {
	req.ID = s.nextID.Add(1)
	ch := make(chan WSResponse, 1)

	s.mu.Lock()
	s.waiters[req.ID] = ch
	s.mu.Unlock()
	forget := func() {
		s.mu.Lock()
		delete(s.waiters, req.ID)
		s.mu.Unlock()
	}

	s.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	err := s.conn.WriteJSON(req)
	s.writeMu.Unlock()
	if err != nil {
		forget()
		return WSResponse{}, fmt.Errorf("%w: %v", ErrSessionLost, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-s.done:
		return WSResponse{}, s.lost()
	case <-ctx.Done():
		forget()
		return WSResponse{}, ctx.Err()
	}
}

func (s *wsSession) InitialState() datatypes.ProofState {
	return s.initial
}

func (s *wsSession) Run(ctx context.Context, state datatypes.ProofState, tactic string) (Outcome, error) {
	resp, err := s.request(ctx, WSRequest{Op: wsOpRun, State: &state, Tactic: tactic})
	if err != nil {
		return Outcome{}, err
	}
	if resp.Error != "" {
		return StepError(resp.Error), nil
	}
	if resp.Outcome == nil {
		return StepError("response has no outcome"), nil
	}
	return *resp.Outcome, nil
}

// Close tells the server the session is over and closes the connection.
func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteJSON(WSRequest{ID: s.nextID.Add(1), Op: wsOpClose})
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
