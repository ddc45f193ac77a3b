package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gatehouse/internal/config"
)

func TestProfileResolverAppliesFileLogLevel(t *testing.T) {
	dir := t.TempDir()
	contents := "GATEHOUSE_LOG_LEVEL=debug\n"
	if err := os.WriteFile(filepath.Join(dir, ".env.test"), []byte(contents), 0o600); err != nil {
		t.Fatalf("write settings file: %v", err)
	}
	t.Setenv("GATEHOUSE_LOG_LEVEL", "")
	os.Unsetenv("GATEHOUSE_LOG_LEVEL")

	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelInfo)

	resolve := profileResolver(levelVar, config.Options{Environment: "test", Dir: dir})
	profile, err := resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve profile: %v", err)
	}
	if profile.LogLevel != "debug" {
		t.Fatalf("expected debug level from settings file, got %q", profile.LogLevel)
	}
	if levelVar.Level() != slog.LevelDebug {
		t.Fatalf("file-sourced level must retune the logger, got %v", levelVar.Level())
	}
}

func TestProfileResolverKeepsLevelOnResolveFailure(t *testing.T) {
	t.Setenv("GATEHOUSE_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("GATEHOUSE_TLS_KEY", "")
	os.Unsetenv("GATEHOUSE_TLS_KEY")

	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelWarn)

	resolve := profileResolver(levelVar, config.Options{Environment: "test", Dir: t.TempDir()})
	if _, err := resolve(context.Background()); err == nil {
		t.Fatal("expected error for half TLS configuration")
	}
	if levelVar.Level() != slog.LevelWarn {
		t.Fatalf("level must be untouched on failure, got %v", levelVar.Level())
	}
}

func TestResolveEnvironmentPrecedence(t *testing.T) {
	if env := resolveEnvironment("Production", "test"); env != "production" {
		t.Fatalf("flag should win, got %q", env)
	}
	if env := resolveEnvironment("", " TEST "); env != "test" {
		t.Fatalf("env var should be used when flag empty, got %q", env)
	}
	if env := resolveEnvironment("", ""); env != "development" {
		t.Fatalf("expected development default, got %q", env)
	}
}

func TestParseOptionalBool(t *testing.T) {
	if value, err := parseOptionalBool(""); err != nil || value != nil {
		t.Fatalf("empty input should yield nil, got %v %v", value, err)
	}
	value, err := parseOptionalBool(" false ")
	if err != nil {
		t.Fatalf("parse false: %v", err)
	}
	if value == nil || *value {
		t.Fatalf("expected false, got %v", value)
	}
	if _, err := parseOptionalBool("maybe"); err == nil {
		t.Fatal("expected error for invalid bool")
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(" https://a.example.com , ,https://b.example.com ")
	want := []string{"https://a.example.com", "https://b.example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitAndTrim = %v, want %v", got, want)
	}
	if got := splitAndTrim("  "); got != nil {
		t.Fatalf("expected nil for blank input, got %v", got)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "value", "other"); got != "value" {
		t.Fatalf("firstNonEmpty = %q, want value", got)
	}
	if got := firstNonEmpty("", "  "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}
