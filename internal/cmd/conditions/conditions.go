// Package conditions parses conditions command flags and composes the
// server entrypoint.
package conditions

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	entrypoint "github.com/louisbranch/conditionwatch/internal/platform/cmd"
	"github.com/louisbranch/conditionwatch/internal/platform/config"
	platformgrpc "github.com/louisbranch/conditionwatch/internal/platform/grpc"
	server "github.com/louisbranch/conditionwatch/internal/services/conditions/app"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/ratelimit"
)

// Config holds conditions command configuration.
type Config struct {
	HTTPPort            int           `env:"CONDITIONWATCH_HTTP_PORT"            envDefault:"8095"`
	HealthPort          int           `env:"CONDITIONWATCH_HEALTH_PORT"          envDefault:"8096"`
	DBPath              string        `env:"CONDITIONWATCH_DB_PATH"              envDefault:"data/conditions.db"`
	TokenSecret         string        `env:"CONDITIONWATCH_TOKEN_SECRET"`
	TokenIssuer         string        `env:"CONDITIONWATCH_TOKEN_ISSUER"         envDefault:"conditionwatch"`
	TokenAudience       string        `env:"CONDITIONWATCH_TOKEN_AUDIENCE"       envDefault:"conditionwatch.players"`
	Locale              string        `env:"CONDITIONWATCH_LOCALE"               envDefault:"en"`
	MapMaxAttempts      int           `env:"CONDITIONWATCH_MAP_MAX_ATTEMPTS"     envDefault:"45"`
	TokenMaxAttempts    int           `env:"CONDITIONWATCH_TOKEN_MAX_ATTEMPTS"   envDefault:"12"`
	RateDecay           time.Duration `env:"CONDITIONWATCH_RATE_DECAY"           envDefault:"60s"`
	LockoutDecay        time.Duration `env:"CONDITIONWATCH_LOCKOUT_DECAY"        envDefault:"15m"`
	CircuitCooldown     time.Duration `env:"CONDITIONWATCH_CIRCUIT_COOLDOWN"     envDefault:"120s"`
	CircuitThreshold    int           `env:"CONDITIONWATCH_CIRCUIT_THRESHOLD"    envDefault:"3"`
	DispatchConcurrency int           `env:"CONDITIONWATCH_DISPATCH_CONCURRENCY" envDefault:"4"`

	// HealthCheck checks a running instance's health endpoint and exits.
	HealthCheck bool
	// HealthWait keeps checking until the instance serves or the wait ends.
	HealthWait time.Duration
}

const healthCheckTimeout = 3 * time.Second

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "HTTP API and websocket port")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "gRPC health port (0 disables)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.Locale, "locale", cfg.Locale, "narrative locale (en, pt-BR)")
	fs.IntVar(&cfg.CircuitThreshold, "circuit-threshold", cfg.CircuitThreshold, "lockouts that trip the edit circuit")
	fs.IntVar(&cfg.DispatchConcurrency, "dispatch-concurrency", cfg.DispatchConcurrency, "parallel escalation recipients")
	fs.BoolVar(&cfg.HealthCheck, "healthcheck", false, "check the local health endpoint and exit")
	fs.DurationVar(&cfg.HealthWait, "health-wait", 0, "with -healthcheck, wait up to this long for the instance to serve")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.HealthCheck {
		return cfg, nil
	}
	if err := config.RequireValues("CONDITIONWATCH_TOKEN_SECRET", cfg.TokenSecret); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the conditions app and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	if cfg.HealthCheck {
		return checkHealth(ctx, cfg.HealthPort, cfg.HealthWait)
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceConditions, func(context.Context) error {
		serverConfig := server.Config{
			HTTPAddr:      fmt.Sprintf(":%d", cfg.HTTPPort),
			DBPath:        cfg.DBPath,
			TokenIssuer:   cfg.TokenIssuer,
			TokenAudience: cfg.TokenAudience,
			TokenSecret:   cfg.TokenSecret,
			RateLimit: ratelimit.Config{
				MapMaxAttempts:   cfg.MapMaxAttempts,
				TokenMaxAttempts: cfg.TokenMaxAttempts,
				Decay:            cfg.RateDecay,
				LockoutDecay:     cfg.LockoutDecay,
				CircuitCooldown:  cfg.CircuitCooldown,
			},
			CircuitThreshold:    cfg.CircuitThreshold,
			DispatchConcurrency: cfg.DispatchConcurrency,
			Locale:              cfg.Locale,
		}
		if cfg.HealthPort > 0 {
			serverConfig.HealthAddr = fmt.Sprintf(":%d", cfg.HealthPort)
		}
		if err := server.Run(ctx, serverConfig); err != nil {
			return fmt.Errorf("serve conditions: %w", err)
		}
		return nil
	})
}

func checkHealth(ctx context.Context, port int, wait time.Duration) error {
	if port <= 0 {
		return fmt.Errorf("health port is disabled")
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	if wait <= 0 {
		if err := platformgrpc.CheckHealth(ctx, addr, server.HealthServiceName, healthCheckTimeout); err != nil {
			return fmt.Errorf("check conditions health: %w", err)
		}
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := platformgrpc.WaitForHealth(waitCtx, addr, server.HealthServiceName, log.Printf); err != nil {
		return fmt.Errorf("check conditions health: %w", err)
	}
	return nil
}
