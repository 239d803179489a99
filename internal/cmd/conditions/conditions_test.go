package conditions

import (
	"context"
	"flag"
	"net"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Setenv("CONDITIONWATCH_TOKEN_SECRET", "0123456789abcdef0123456789abcdef")

	fs := flag.NewFlagSet("conditions", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPPort != 8095 {
		t.Fatalf("expected default http port, got %d", cfg.HTTPPort)
	}
	if cfg.HealthPort != 8096 {
		t.Fatalf("expected default health port, got %d", cfg.HealthPort)
	}
	if cfg.DBPath != "data/conditions.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.MapMaxAttempts != 45 || cfg.TokenMaxAttempts != 12 {
		t.Fatalf("expected default tiers 45/12, got %d/%d", cfg.MapMaxAttempts, cfg.TokenMaxAttempts)
	}
	if cfg.RateDecay != time.Minute || cfg.LockoutDecay != 15*time.Minute || cfg.CircuitCooldown != 2*time.Minute {
		t.Fatalf("unexpected default windows: %v %v %v", cfg.RateDecay, cfg.LockoutDecay, cfg.CircuitCooldown)
	}
	if cfg.CircuitThreshold != 3 {
		t.Fatalf("expected default circuit threshold, got %d", cfg.CircuitThreshold)
	}
	if cfg.DispatchConcurrency != 4 {
		t.Fatalf("expected default dispatch concurrency, got %d", cfg.DispatchConcurrency)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("CONDITIONWATCH_TOKEN_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("CONDITIONWATCH_HTTP_PORT", "9000")
	t.Setenv("CONDITIONWATCH_DB_PATH", "env.db")
	t.Setenv("CONDITIONWATCH_RATE_DECAY", "30s")

	fs := flag.NewFlagSet("conditions", flag.ContinueOnError)
	args := []string{
		"-http-port", "9100",
		"-circuit-threshold", "5",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPPort != 9100 {
		t.Fatalf("expected flag http port, got %d", cfg.HTTPPort)
	}
	if cfg.DBPath != "env.db" {
		t.Fatalf("expected env db path, got %q", cfg.DBPath)
	}
	if cfg.RateDecay != 30*time.Second {
		t.Fatalf("expected env rate decay, got %v", cfg.RateDecay)
	}
	if cfg.CircuitThreshold != 5 {
		t.Fatalf("expected flag circuit threshold, got %d", cfg.CircuitThreshold)
	}
}

func TestParseConfigRequiresTokenSecret(t *testing.T) {
	t.Setenv("CONDITIONWATCH_TOKEN_SECRET", "")

	fs := flag.NewFlagSet("conditions", flag.ContinueOnError)
	if _, err := ParseConfig(fs, nil); err == nil {
		t.Fatal("expected token secret error")
	}
}

func TestParseConfigHealthCheckSkipsTokenSecret(t *testing.T) {
	t.Setenv("CONDITIONWATCH_TOKEN_SECRET", "")

	fs := flag.NewFlagSet("conditions", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-healthcheck", "-health-port", "9200"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if !cfg.HealthCheck || cfg.HealthPort != 9200 {
		t.Fatalf("unexpected health check config: %+v", cfg)
	}
}

func TestRunHealthCheckRequiresHealthPort(t *testing.T) {
	if err := Run(context.Background(), Config{HealthCheck: true}); err == nil {
		t.Fatal("expected disabled health port error")
	}
}

func TestRunHealthWaitGivesUp(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	start := time.Now()
	err = Run(context.Background(), Config{HealthCheck: true, HealthPort: port, HealthWait: 300 * time.Millisecond})
	if err == nil {
		t.Fatal("expected health check to fail without a server")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("health wait took %v", elapsed)
	}
}
