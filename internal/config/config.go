// Package config resolves the immutable environment profile the rest of the
// process reads. Resolution happens exactly once at startup: a per-environment
// settings file is folded into the process environment, then every setting is
// materialised into a Profile value that is passed to downstream components by
// injection rather than ambient lookup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// DefaultDir is the directory searched for per-environment settings files.
const DefaultDir = "config"

// DefaultConnectTimeout bounds the initial store connection attempt.
const DefaultConnectTimeout = 10 * time.Second

// Options controls profile resolution. Zero values fall back to defaults; the
// Overrides block carries values already resolved from command-line flags,
// which always win over file- or environment-sourced settings.
type Options struct {
	Environment string
	Dir         string
	Logger      *slog.Logger
	Overrides   Overrides
}

// Overrides are flag-level settings applied on top of the environment.
type Overrides struct {
	ListenAddr       string
	StoreDSN         string
	Origins          []string
	AllowEmptyOrigin *bool
	LogLevel         string
	ConnectTimeout   time.Duration
	TLSCertFile      string
	TLSKeyFile       string
	GlobalRPS        float64
	GlobalBurst      int
	RequestLimit     int
	RequestWindow    time.Duration
	RedisAddr        string
	RedisUsername    string
	RedisPassword    string
	RedisTimeout     time.Duration
	OpsTokenHash     string
}

// Profile is the resolved, immutable configuration for one process lifetime.
// Its identity is the environment name.
type Profile struct {
	Environment string
	ListenAddr  string
	StoreDSN    string

	// AllowedOrigins is the production origin whitelist. Outside production
	// every origin is admitted and the list is not consulted.
	AllowedOrigins []string

	// AllowEmptyOrigin admits requests that carry no Origin header even in
	// production. Non-browser clients and same-origin requests send no
	// Origin, so this defaults to true; set it to false to restrict the
	// service to whitelisted browser traffic only.
	AllowEmptyOrigin bool

	LogLevel       string
	ConnectTimeout time.Duration
	TLSCertFile    string
	TLSKeyFile     string

	GlobalRPS     float64
	GlobalBurst   int
	RequestLimit  int
	RequestWindow time.Duration
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisTimeout  time.Duration

	OpsTokenHash string
}

func (p Profile) IsProduction() bool  { return p.Environment == EnvProduction }
func (p Profile) IsDevelopment() bool { return p.Environment == EnvDevelopment }
func (p Profile) IsTest() bool        { return p.Environment == EnvTest }

// Resolve builds the environment profile. The settings file for the active
// environment is loaded first (production excepted: its configuration is
// assumed to come from the deployment environment), then each field is
// resolved as override > environment variable > default. A missing settings
// file is not an error; downstream reads simply see unset values.
func Resolve(opts Options) (Profile, error) {
	environment := normalizeEnvironment(opts.Environment)

	if environment != EnvProduction {
		loadEnvironmentFile(environment, opts.Dir, opts.Logger)
	}

	allowEmpty := true
	if value, ok := lookupBool("GATEHOUSE_ALLOW_EMPTY_ORIGIN"); ok {
		allowEmpty = value
	}
	if opts.Overrides.AllowEmptyOrigin != nil {
		allowEmpty = *opts.Overrides.AllowEmptyOrigin
	}

	profile := Profile{
		Environment:      environment,
		ListenAddr:       resolveString(opts.Overrides.ListenAddr, "GATEHOUSE_ADDR", defaultListenForEnvironment(environment)),
		StoreDSN:         resolveString(opts.Overrides.StoreDSN, "GATEHOUSE_POSTGRES_DSN", strings.TrimSpace(os.Getenv("DATABASE_URL"))),
		AllowedOrigins:   resolveOrigins(opts.Overrides.Origins),
		AllowEmptyOrigin: allowEmpty,
		LogLevel:         resolveString(opts.Overrides.LogLevel, "GATEHOUSE_LOG_LEVEL", "info"),
		ConnectTimeout:   resolveDuration(opts.Overrides.ConnectTimeout, "GATEHOUSE_CONNECT_TIMEOUT", DefaultConnectTimeout),
		TLSCertFile:      resolveString(opts.Overrides.TLSCertFile, "GATEHOUSE_TLS_CERT", ""),
		TLSKeyFile:       resolveString(opts.Overrides.TLSKeyFile, "GATEHOUSE_TLS_KEY", ""),
		GlobalRPS:        resolveFloat(opts.Overrides.GlobalRPS, "GATEHOUSE_RATE_GLOBAL_RPS"),
		GlobalBurst:      resolveInt(opts.Overrides.GlobalBurst, "GATEHOUSE_RATE_GLOBAL_BURST"),
		RequestLimit:     resolveInt(opts.Overrides.RequestLimit, "GATEHOUSE_RATE_REQUEST_LIMIT"),
		RequestWindow:    resolveDuration(opts.Overrides.RequestWindow, "GATEHOUSE_RATE_REQUEST_WINDOW", time.Minute),
		RedisAddr:        resolveString(opts.Overrides.RedisAddr, "GATEHOUSE_RATE_REDIS_ADDR", ""),
		RedisUsername:    resolveString(opts.Overrides.RedisUsername, "GATEHOUSE_RATE_REDIS_USERNAME", ""),
		RedisPassword:    resolveString(opts.Overrides.RedisPassword, "GATEHOUSE_RATE_REDIS_PASSWORD", ""),
		RedisTimeout:     resolveDuration(opts.Overrides.RedisTimeout, "GATEHOUSE_RATE_REDIS_TIMEOUT", 2*time.Second),
		OpsTokenHash:     resolveString(opts.Overrides.OpsTokenHash, "GATEHOUSE_OPS_TOKEN_HASH", ""),
	}

	if (profile.TLSCertFile == "") != (profile.TLSKeyFile == "") {
		return Profile{}, fmt.Errorf("both TLS cert file and key file must be provided")
	}

	return profile, nil
}

// EnvironmentFile returns the settings file path consulted for the given
// environment name.
func EnvironmentFile(environment, dir string) string {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, ".env."+normalizeEnvironment(environment))
}

func loadEnvironmentFile(environment, dir string, logger *slog.Logger) {
	path := EnvironmentFile(environment, dir)
	if _, err := os.Stat(path); err != nil {
		if logger != nil {
			logger.Debug("no settings file for environment", "environment", environment, "path", path)
		}
		return
	}
	// godotenv.Load never overwrites variables already present in the
	// process environment, so deployment-supplied values keep priority over
	// file contents.
	if err := godotenv.Load(path); err != nil {
		if logger != nil {
			logger.Warn("failed to load settings file", "path", path, "error", err)
		}
	}
}

func normalizeEnvironment(environment string) string {
	normalized := strings.ToLower(strings.TrimSpace(environment))
	if normalized == "" {
		normalized = strings.ToLower(strings.TrimSpace(os.Getenv("GATEHOUSE_ENV")))
	}
	if normalized == "" {
		return EnvDevelopment
	}
	return normalized
}

func defaultListenForEnvironment(environment string) string {
	if environment == EnvProduction {
		return ":80"
	}
	return ":8080"
}

func resolveString(override, envKey, fallback string) string {
	if trimmed := strings.TrimSpace(override); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		return env
	}
	return fallback
}

func resolveOrigins(override []string) []string {
	values := override
	if len(values) == 0 {
		values = strings.Split(os.Getenv("GATEHOUSE_ALLOWED_ORIGINS"), ",")
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveDuration(override time.Duration, envKey string, fallback time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func resolveFloat(override float64, envKey string) float64 {
	if override > 0 {
		return override
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseFloat(env, 64); err == nil && value > 0 {
			return value
		}
	}
	return 0
}

func resolveInt(override int, envKey string) int {
	if override > 0 {
		return override
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil && value > 0 {
			return value
		}
	}
	return 0
}

func lookupBool(envKey string) (bool, bool) {
	env, ok := os.LookupEnv(envKey)
	if !ok {
		return false, false
	}
	value, err := strconv.ParseBool(strings.TrimSpace(env))
	if err != nil {
		return false, false
	}
	return value, true
}
