// Package bootstrap drives the startup sequence: resolve configuration,
// establish the store connection, then bind the listener. The steps run
// strictly in order on the calling goroutine and the sequence never proceeds
// past a failing step, so the listener provably cannot admit a request before
// the store connection is ready.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"gatehouse/internal/config"
	"gatehouse/internal/observability/metrics"
)

// State tracks bootstrap progress.
type State int32

const (
	StateInit State = iota
	StateConfigLoaded
	StateStoreConnected
	StateListening
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConfigLoaded:
		return "config_loaded"
	case StateStoreConnected:
		return "store_connected"
	case StateListening:
		return "listening"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Store is the narrow view of the connection handle the sequencer needs.
type Store interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ResolveFunc produces the environment profile.
type ResolveFunc func(ctx context.Context) (config.Profile, error)

// ConnectFunc establishes the store connection for the resolved profile.
type ConnectFunc func(ctx context.Context, profile config.Profile) (Store, error)

// ListenFunc binds the network listener and blocks while serving. It must
// invoke ready exactly once, after the bind succeeds.
type ListenFunc func(ctx context.Context, profile config.Profile, ready func(net.Addr)) error

// Config wires the three startup steps into the sequencer. Steps are injected
// so the sequence is testable without sockets or a database.
type Config struct {
	Resolve ResolveFunc
	Connect ConnectFunc
	Listen  ListenFunc
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// PingInterval enables a background store liveness probe once listening.
	// Zero disables the probe.
	PingInterval time.Duration

	// CloseTimeout bounds the store shutdown when the sequence ends.
	CloseTimeout time.Duration
}

// Sequencer runs the bootstrap chain and exposes its current state.
type Sequencer struct {
	cfg   Config
	state atomic.Int32
}

// New validates the step wiring and returns a Sequencer in StateInit.
func New(cfg Config) (*Sequencer, error) {
	if cfg.Resolve == nil || cfg.Connect == nil || cfg.Listen == nil {
		return nil, fmt.Errorf("resolve, connect, and listen steps are all required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}
	return &Sequencer{cfg: cfg}, nil
}

// State reports bootstrap progress; safe for concurrent readers.
func (s *Sequencer) State() State {
	return State(s.state.Load())
}

func (s *Sequencer) setState(state State) {
	s.state.Store(int32(state))
}

// Run executes the startup chain and blocks until the listener stops or a
// startup step fails. A store connection failure is returned to the caller;
// deciding process termination is the caller's job, not the sequencer's.
func (s *Sequencer) Run(ctx context.Context) error {
	profile, err := s.cfg.Resolve(ctx)
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("resolve configuration: %w", err)
	}
	s.setState(StateConfigLoaded)
	s.cfg.Logger.Info("configuration resolved", "environment", profile.Environment)

	s.cfg.Metrics.ObserveConnectAttempt()
	store, err := s.cfg.Connect(ctx, profile)
	if err != nil {
		s.cfg.Metrics.ObserveConnectFailure()
		s.setState(StateFailed)
		s.cfg.Logger.Error("store connection failed", "error", err)
		return fmt.Errorf("connect store: %w", err)
	}
	s.setState(StateStoreConnected)
	s.cfg.Metrics.SetStoreReady(true)
	s.cfg.Logger.Info("store connection established")

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			s.cfg.Logger.Warn("failed to close store", "error", err)
		}
		s.cfg.Metrics.SetStoreReady(false)
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.cfg.Listen(groupCtx, profile, func(addr net.Addr) {
			s.setState(StateListening)
			s.cfg.Logger.Info("listening",
				"environment", profile.Environment,
				"addr", addr.String())
		})
	})
	if s.cfg.PingInterval > 0 {
		group.Go(func() error {
			s.watchStore(groupCtx, store)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		s.setState(StateFailed)
		return err
	}
	return nil
}

// watchStore keeps the readiness gauge honest after startup. Probe failures
// are logged but do not stop the server; the store may recover.
func (s *Sequencer) watchStore(ctx context.Context, store Store) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval)
			err := store.Ping(pingCtx)
			cancel()
			if err != nil {
				s.cfg.Metrics.SetStoreReady(false)
				s.cfg.Logger.Warn("store liveness probe failed", "error", err)
				continue
			}
			s.cfg.Metrics.SetStoreReady(true)
		}
	}
}
