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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianProver/services/prover/datatypes"
)

// ReplConfig configures a ReplEnvironment.
type ReplConfig struct {
	// Command starts one REPL process, for example ["lake", "exe", "repl"].
	Command []string `yaml:"command" json:"command"`

	// Dir is the working directory, usually the checked-out repository.
	Dir string `yaml:"dir" json:"dir"`

	// Header is sent before the theorem, for example "import Mathlib".
	Header string `yaml:"header" json:"header"`

	// Env holds extra KEY=VALUE entries for the process environment.
	Env []string `yaml:"env" json:"env"`

	// StartTimeout bounds process start plus theorem elaboration.
	StartTimeout time.Duration `yaml:"start_timeout" json:"start_timeout"`

	// CloseTimeout is how long Close waits for a clean exit before killing.
	CloseTimeout time.Duration `yaml:"close_timeout" json:"close_timeout"`
}

// ReplEnvironment runs one interactive REPL process per theorem and talks
// to it with JSON commands.
//
// Protocol:
//
//	{"cmd": "<source>", "env": n}              -> {"env": m, "sorries": [...], "messages": [...]}
//	{"tactic": "<tactic>", "proofState": n}    -> {"proofState": m, "goals": [...]} or {"message": "..."}
//
// Thread Safety: Safe for concurrent use. Sessions are independent
// processes.
type ReplEnvironment struct {
	cfg    ReplConfig
	logger *slog.Logger
}

// NewReplEnvironment validates the config and creates the environment.
func NewReplEnvironment(cfg ReplConfig, logger *slog.Logger) (*ReplEnvironment, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("repl command is required")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 2 * time.Minute
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplEnvironment{cfg: cfg, logger: logger}, nil
}

type replSorry struct {
	ProofState int    `json:"proofState"`
	Goal       string `json:"goal"`
}

type replMessage struct {
	Severity string `json:"severity"`
	Data     string `json:"data"`
}

type replResponse struct {
	Env        *int          `json:"env,omitempty"`
	ProofState *int          `json:"proofState,omitempty"`
	Goals      []string      `json:"goals,omitempty"`
	Sorries    []replSorry   `json:"sorries,omitempty"`
	Messages   []replMessage `json:"messages,omitempty"`
	Message    string        `json:"message,omitempty"`
}

func (r replResponse) firstError() string {
	if r.Message != "" {
		return r.Message
	}
	for _, m := range r.Messages {
		if m.Severity == "error" {
			return m.Data
		}
	}
	return ""
}

type replCommand struct {
	Cmd        string `json:"cmd,omitempty"`
	Env        *int   `json:"env,omitempty"`
	Tactic     string `json:"tactic,omitempty"`
	ProofState *int   `json:"proofState,omitempty"`
}

// Check implements Checker without starting a process. A theorem needs a
// statement to be elaborated, and its source file must exist when the
// environment runs inside a checked-out repository.
func (e *ReplEnvironment) Check(ctx context.Context, thm datatypes.Theorem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(thm.Statement) == "" {
		return fmt.Errorf("%w: %s has no statement", ErrTheoremNotFound, thm.FullName)
	}
	if e.cfg.Dir != "" && thm.FilePath != "" {
		if _, err := os.Stat(filepath.Join(e.cfg.Dir, thm.FilePath)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%w: %s: no file %s", ErrTheoremNotFound, thm.FullName, thm.FilePath)
			}
			return fmt.Errorf("checking %s: %w", thm.FilePath, err)
		}
	}
	return nil
}

// Open starts a REPL process and elaborates the theorem with a sorry body to
// obtain its initial proof state.
func (e *ReplEnvironment) Open(ctx context.Context, thm datatypes.Theorem) (Session, error) {
	if err := e.Check(ctx, thm); err != nil {
		return nil, err
	}

	cmd := exec.Command(e.cfg.Command[0], e.cfg.Command[1:]...)
	cmd.Dir = e.cfg.Dir
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("repl stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("repl stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting repl: %w", err)
	}

	s := &replSession{
		cmd:          cmd,
		stdin:        stdin,
		responses:    make(chan replResponse),
		readerDone:   make(chan struct{}),
		quit:         make(chan struct{}),
		closeTimeout: e.cfg.CloseTimeout,
		logger:       e.logger.With(slog.String("theorem", thm.ID())),
	}
	go s.readLoop(stdout)

	openCtx, cancel := context.WithTimeout(ctx, e.cfg.StartTimeout)
	defer cancel()

	var envID *int
	if e.cfg.Header != "" {
		resp, err := s.roundTrip(openCtx, replCommand{Cmd: e.cfg.Header})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("repl header: %w", err)
		}
		if msg := resp.firstError(); msg != "" {
			_ = s.Close()
			return nil, fmt.Errorf("repl header: %s", msg)
		}
		envID = resp.Env
	}

	resp, err := s.roundTrip(openCtx, replCommand{Cmd: thm.Statement + " := by sorry", Env: envID})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("elaborating %s: %w", thm.FullName, err)
	}
	if len(resp.Sorries) == 0 {
		_ = s.Close()
		msg := resp.firstError()
		if msg == "" {
			msg = "no proof state reported"
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrTheoremNotFound, thm.FullName, msg)
	}
	s.initial = datatypes.ProofState{
		Goals:  splitGoals(resp.Sorries[0].Goal),
		Handle: strconv.Itoa(resp.Sorries[0].ProofState),
	}
	return s, nil
}

// splitGoals separates a pretty-printed goal list. Goals are separated by
// blank lines.
func splitGoals(text string) []string {
	parts := strings.Split(text, "\n\n")
	goals := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			goals = append(goals, p)
		}
	}
	return goals
}

type replSession struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	initial datatypes.ProofState

	responses  chan replResponse
	readerDone chan struct{}
	readErr    error
	quit       chan struct{}

	// pending counts requests whose responses were abandoned after a
	// timeout. They are drained before the next request.
	pending int

	closeOnce    sync.Once
	closeErr     error
	closeTimeout time.Duration
	logger       *slog.Logger
}

func (s *replSession) readLoop(stdout io.Reader) {
	defer close(s.readerDone)
	dec := json.NewDecoder(bufio.NewReader(stdout))
	for {
		var resp replResponse
		if err := dec.Decode(&resp); err != nil {
			if !errors.Is(err, io.EOF) {
				s.readErr = err
			}
			return
		}
		select {
		case s.responses <- resp:
		case <-s.quit:
			return
		}
	}
}

func (s *replSession) lost() error {
	if s.readErr != nil {
		return fmt.Errorf("%w: %v", ErrSessionLost, s.readErr)
	}
	return ErrSessionLost
}

// roundTrip sends one command and waits for its response. Callers must
// hold s.mu or own the session exclusively.
func (s *replSession) roundTrip(ctx context.Context, cmd replCommand) (replResponse, error) {
	for s.pending > 0 {
		select {
		case <-s.responses:
			s.pending--
		case <-s.readerDone:
			return replResponse{}, s.lost()
		case <-ctx.Done():
			return replResponse{}, ctx.Err()
		}
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return replResponse{}, fmt.Errorf("encoding repl command: %w", err)
	}
	if _, err := s.stdin.Write(append(data, '\n', '\n')); err != nil {
		return replResponse{}, fmt.Errorf("%w: %v", ErrSessionLost, err)
	}

	select {
	case resp := <-s.responses:
		return resp, nil
	case <-s.readerDone:
		return replResponse{}, s.lost()
	case <-ctx.Done():
		s.pending++
		return replResponse{}, ctx.Err()
	}
}

func (s *replSession) InitialState() datatypes.ProofState {
	return s.initial
}

func (s *replSession) Run(ctx context.Context, state datatypes.ProofState, tactic string) (Outcome, error) {
	handle, err := strconv.Atoi(state.Handle)
	if err != nil {
		return StepError(fmt.Sprintf("state has no repl handle: %q", state.Handle)), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.roundTrip(ctx, replCommand{Tactic: tactic, ProofState: &handle})
	if err != nil {
		return Outcome{}, err
	}
	if msg := resp.firstError(); msg != "" {
		return Failure(msg), nil
	}
	if resp.ProofState == nil {
		return StepError("repl response has no proof state"), nil
	}
	if len(resp.Goals) == 0 {
		return Success(), nil
	}
	return Success(datatypes.ProofState{
		Goals:  resp.Goals,
		Handle: strconv.Itoa(*resp.ProofState),
	}), nil
}

// Close ends the process. Closing stdin asks the REPL to exit; it is killed
// if it does not exit within the close timeout.
func (s *replSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		_ = s.stdin.Close()
		exited := make(chan error, 1)
		go func() { exited <- s.cmd.Wait() }()

		select {
		case err := <-exited:
			s.closeErr = ignoreExitError(err)
		case <-time.After(s.closeTimeout):
			s.logger.Debug("killing repl process after close timeout")
			_ = s.cmd.Process.Kill()
			<-exited
		}
	})
	return s.closeErr
}

func ignoreExitError(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
