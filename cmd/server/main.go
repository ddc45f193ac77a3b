// Command server starts the Gatehouse admission API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gatehouse/internal/api"
	"gatehouse/internal/bootstrap"
	"gatehouse/internal/config"
	"gatehouse/internal/observability/logging"
	"gatehouse/internal/observability/metrics"
	"gatehouse/internal/server"
	"gatehouse/internal/serverutil"
	"gatehouse/internal/storage"
)

func main() {
	environment := flag.String("env", "", "runtime environment (development, test, or production)")
	configDir := flag.String("config-dir", "", "directory holding per-environment settings files")
	addr := flag.String("addr", "", "HTTP listen address")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	origins := flag.String("origins", "", "comma separated origin whitelist enforced in production")
	allowEmptyOrigin := flag.String("allow-empty-origin", "", "admit requests without an Origin header in production (true or false)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	connectTimeout := flag.Duration("connect-timeout", 0, "timeout for the initial store connection attempt")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	requestLimit := flag.Int("rate-request-limit", 0, "maximum requests per window for a single client IP")
	requestWindow := flag.Duration("rate-request-window", 0, "window for counting per-client requests")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for shared per-client counters")
	redisUsername := flag.String("rate-redis-username", "", "Redis username for shared per-client counters")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for shared per-client counters")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")
	opsTokenHash := flag.String("ops-token-hash", "", "pbkdf2 hash guarding the metrics and status endpoints")
	hashOpsToken := flag.String("hash-ops-token", "", "print the pbkdf2 hash for the given ops token and exit")
	flag.Parse()

	if token := strings.TrimSpace(*hashOpsToken); token != "" {
		hash, err := server.HashOpsToken(token)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	envName := resolveEnvironment(*environment, os.Getenv("GATEHOUSE_ENV"))
	// The threshold is held in a LevelVar so the profile can retune it: the
	// settings file is only folded into the environment during Resolve, after
	// the logger already exists.
	levelVar := new(slog.LevelVar)
	levelVar.Set(logging.ParseLevel(firstNonEmpty(*logLevel, os.Getenv("GATEHOUSE_LOG_LEVEL"), "info")))
	logger := logging.ForEnvironment(envName, logging.Config{Leveler: levelVar})
	slog.SetDefault(logger)
	recorder := metrics.Default()

	allowEmpty, err := parseOptionalBool(*allowEmptyOrigin)
	if err != nil {
		logger.Error("invalid -allow-empty-origin value", "value", *allowEmptyOrigin, "error", err)
		os.Exit(1)
	}

	overrides := config.Overrides{
		ListenAddr:       *addr,
		StoreDSN:         *postgresDSN,
		Origins:          splitAndTrim(*origins),
		AllowEmptyOrigin: allowEmpty,
		LogLevel:         *logLevel,
		ConnectTimeout:   *connectTimeout,
		TLSCertFile:      *tlsCert,
		TLSKeyFile:       *tlsKey,
		GlobalRPS:        *globalRPS,
		GlobalBurst:      *globalBurst,
		RequestLimit:     *requestLimit,
		RequestWindow:    *requestWindow,
		RedisAddr:        *redisAddr,
		RedisUsername:    *redisUsername,
		RedisPassword:    *redisPassword,
		RedisTimeout:     *redisTimeout,
		OpsTokenHash:     *opsTokenHash,
	}

	// The connect step owns the store handle; the listen step reads it for
	// the health probes. The sequencer guarantees connect runs first.
	var store *storage.Store

	seq, err := bootstrap.New(bootstrap.Config{
		Logger:       logger,
		Metrics:      recorder,
		PingInterval: 30 * time.Second,
		Resolve: profileResolver(levelVar, config.Options{
			Environment: envName,
			Dir:         *configDir,
			Logger:      logger,
			Overrides:   overrides,
		}),
		Connect: func(ctx context.Context, profile config.Profile) (bootstrap.Store, error) {
			connected, err := storage.Connect(ctx, profile.StoreDSN,
				storage.WithConnectTimeout(profile.ConnectTimeout),
				storage.WithApplicationName("gatehouse"))
			if err != nil {
				return nil, err
			}
			store = connected
			return connected, nil
		},
		Listen: func(ctx context.Context, profile config.Profile, ready func(net.Addr)) error {
			return listen(ctx, profile, store, logger, recorder, ready)
		},
	})
	if err != nil {
		logger.Error("failed to assemble bootstrap sequence", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := seq.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("startup failed", "error", err, "state", seq.State().String())
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func listen(ctx context.Context, profile config.Profile, store *storage.Store, logger *slog.Logger, recorder *metrics.Recorder, ready func(net.Addr)) error {
	handler := api.NewHandler(store, profile.Environment)
	srv, err := server.New(handler, server.Config{
		Addr: profile.ListenAddr,
		TLS: server.TLSConfig{
			CertFile: profile.TLSCertFile,
			KeyFile:  profile.TLSKeyFile,
		},
		Origin: server.OriginPolicyConfig{
			Environment:      profile.Environment,
			Origins:          profile.AllowedOrigins,
			AllowEmptyOrigin: profile.AllowEmptyOrigin,
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     profile.GlobalRPS,
			GlobalBurst:   profile.GlobalBurst,
			RequestLimit:  profile.RequestLimit,
			RequestWindow: profile.RequestWindow,
			RedisAddr:     profile.RedisAddr,
			RedisUsername: profile.RedisUsername,
			RedisPassword: profile.RedisPassword,
			RedisTimeout:  profile.RedisTimeout,
		},
		OpsTokenHash: profile.OpsTokenHash,
		Logger:       logger,
		Metrics:      recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}

	runErr := serverutil.Run(ctx, serverutil.Config{
		Server: srv.HTTPServer(),
		TLS: serverutil.TLSConfig{
			CertFile: profile.TLSCertFile,
			KeyFile:  profile.TLSKeyFile,
		},
		OnReady: ready,
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverutil.DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// profileResolver resolves the environment profile and applies its log level
// to the shared LevelVar, so a level sourced from the settings file governs
// everything logged after configuration is loaded.
func profileResolver(levelVar *slog.LevelVar, opts config.Options) bootstrap.ResolveFunc {
	return func(ctx context.Context) (config.Profile, error) {
		profile, err := config.Resolve(opts)
		if err != nil {
			return profile, err
		}
		levelVar.Set(logging.ParseLevel(profile.LogLevel))
		return profile, nil
	}
}

func resolveEnvironment(flagValue, envValue string) string {
	env := strings.ToLower(strings.TrimSpace(flagValue))
	if env == "" {
		env = strings.ToLower(strings.TrimSpace(envValue))
	}
	if env == "" {
		env = config.EnvDevelopment
	}
	return env
}

func parseOptionalBool(raw string) (*bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
