package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gatehouse/internal/config"
	"gatehouse/internal/observability/logging"
	"gatehouse/internal/observability/metrics"
)

type stubStore struct {
	mu      sync.Mutex
	pingErr error
	closed  atomic.Bool
}

func (s *stubStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}

func (s *stubStore) setPingErr(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

func (s *stubStore) Close(ctx context.Context) error {
	s.closed.Store(true)
	return nil
}

type stubAddr string

func (a stubAddr) Network() string { return "tcp" }
func (a stubAddr) String() string  { return string(a) }

func devResolve(ctx context.Context) (config.Profile, error) {
	return config.Profile{Environment: config.EnvDevelopment, ListenAddr: ":8080"}, nil
}

func TestNewRequiresAllSteps(t *testing.T) {
	_, err := New(Config{Resolve: devResolve})
	if err == nil {
		t.Fatal("expected error when steps are missing")
	}
}

func TestRunNeverListensWhenConnectFails(t *testing.T) {
	connectErr := errors.New("connection refused")
	listenCalled := atomic.Bool{}

	recorder := metrics.New()
	seq, err := New(Config{
		Resolve: devResolve,
		Connect: func(ctx context.Context, profile config.Profile) (Store, error) {
			return nil, connectErr
		},
		Listen: func(ctx context.Context, profile config.Profile, ready func(net.Addr)) error {
			listenCalled.Store(true)
			ready(stubAddr(":8080"))
			return nil
		},
		Metrics: recorder,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	err = seq.Run(context.Background())
	if err == nil {
		t.Fatal("expected store connection failure to surface")
	}
	if !errors.Is(err, connectErr) {
		t.Fatalf("expected wrapped connect error, got %v", err)
	}
	if listenCalled.Load() {
		t.Fatal("listener must never start when the store connection fails")
	}
	if seq.State() != StateFailed {
		t.Fatalf("expected failed state, got %v", seq.State())
	}
	attempts, failures := recorder.ConnectCounts()
	if attempts != 1 || failures != 1 {
		t.Fatalf("unexpected connect counters: attempts=%d failures=%d", attempts, failures)
	}
}

func TestRunReachesListeningAndLogsAddr(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Writer: &buf})
	store := &stubStore{}

	seq, err := New(Config{
		Resolve: devResolve,
		Connect: func(ctx context.Context, profile config.Profile) (Store, error) {
			return store, nil
		},
		Listen: func(ctx context.Context, profile config.Profile, ready func(net.Addr)) error {
			ready(stubAddr("127.0.0.1:8080"))
			<-ctx.Done()
			return nil
		},
		Logger:  logger,
		Metrics: metrics.New(),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- seq.Run(ctx) }()

	waitForState(t, seq, StateListening)

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for run to stop")
	}

	logs := buf.String()
	if !strings.Contains(logs, "127.0.0.1:8080") {
		t.Fatalf("expected effective address in logs:\n%s", logs)
	}
	if !strings.Contains(logs, "development") {
		t.Fatalf("expected environment in logs:\n%s", logs)
	}
	if !store.closed.Load() {
		t.Fatal("expected store closed after run ends")
	}
}

func TestRunOrdersStatesStrictly(t *testing.T) {
	var observed []State
	seq, err := New(Config{
		Resolve: devResolve,
		Connect: func(ctx context.Context, profile config.Profile) (Store, error) {
			return &stubStore{}, nil
		},
		Listen: func(ctx context.Context, profile config.Profile, ready func(net.Addr)) error {
			ready(stubAddr(":0"))
			return nil
		},
		Metrics: metrics.New(),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if seq.State() != StateInit {
		t.Fatalf("expected init state before run, got %v", seq.State())
	}
	observed = append(observed, seq.State())
	if err := seq.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	observed = append(observed, seq.State())
	if observed[len(observed)-1] != StateListening {
		t.Fatalf("expected terminal listening state, got %v", observed[len(observed)-1])
	}
}

func TestRunSurfacesResolveFailure(t *testing.T) {
	resolveErr := errors.New("bad overrides")
	seq, err := New(Config{
		Resolve: func(ctx context.Context) (config.Profile, error) {
			return config.Profile{}, resolveErr
		},
		Connect: func(ctx context.Context, profile config.Profile) (Store, error) {
			t.Error("connect must not run when resolve fails")
			return nil, nil
		},
		Listen: func(ctx context.Context, profile config.Profile, ready func(net.Addr)) error {
			t.Error("listen must not run when resolve fails")
			return nil
		},
		Metrics: metrics.New(),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := seq.Run(context.Background()); !errors.Is(err, resolveErr) {
		t.Fatalf("expected resolve error, got %v", err)
	}
	if seq.State() != StateFailed {
		t.Fatalf("expected failed state, got %v", seq.State())
	}
}

func TestWatchStoreUpdatesReadinessGauge(t *testing.T) {
	store := &stubStore{}
	store.setPingErr(errors.New("down"))
	recorder := metrics.New()
	seq, err := New(Config{
		Resolve: devResolve,
		Connect: func(ctx context.Context, profile config.Profile) (Store, error) {
			return store, nil
		},
		Listen: func(ctx context.Context, profile config.Profile, ready func(net.Addr)) error {
			ready(stubAddr(":0"))
			<-ctx.Done()
			return nil
		},
		Metrics:      recorder,
		PingInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- seq.Run(ctx) }()

	waitFor(t, func() bool { return !recorder.StoreReady() }, "readiness gauge to drop")

	store.setPingErr(nil)
	waitFor(t, func() bool { return recorder.StoreReady() }, "readiness gauge to recover")

	cancel()
	<-runDone
}

func waitForState(t *testing.T, seq *Sequencer, want State) {
	t.Helper()
	waitFor(t, func() bool { return seq.State() == want }, "state "+want.String())
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
