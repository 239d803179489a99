// Package ackclient parses ack client flags and runs one reconciler
// subcommand against the local encrypted queue.
package ackclient

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/conditionwatch/internal/client/reconciler"
	entrypoint "github.com/louisbranch/conditionwatch/internal/platform/cmd"
	"github.com/louisbranch/conditionwatch/internal/platform/config"
	"github.com/louisbranch/conditionwatch/internal/platform/telemetry"
)

const usage = `usage: ackclient [flags] <command> [args]

commands:
  enqueue <token-id> <condition-key> <summary-version>
  ack <token-id> <condition-key> <summary-version>
  flush
  list
  resolve <item-id> [retry-version]
  sync`

// Config holds ack client configuration.
type Config struct {
	Endpoint string        `env:"CONDITIONWATCH_ACK_ENDPOINT"  envDefault:"http://localhost:8095"`
	DataDir  string        `env:"CONDITIONWATCH_ACK_DATA_DIR"  envDefault:"data/ackclient"`
	QueueKey string        `env:"CONDITIONWATCH_ACK_QUEUE_KEY"`
	Token    string        `env:"CONDITIONWATCH_ACK_TOKEN"`
	GroupID  string        `env:"CONDITIONWATCH_ACK_GROUP"`
	Timeout  time.Duration `env:"CONDITIONWATCH_ACK_TIMEOUT"   envDefault:"3s"`

	// Args are the subcommand and its arguments.
	Args []string
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "conditions server base URL")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "local queue directory")
	fs.StringVar(&cfg.GroupID, "group", cfg.GroupID, "group id")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-request timeout")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), usage)
		fs.PrintDefaults()
	}
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.Args = fs.Args()
	if err := config.RequireValues(
		"CONDITIONWATCH_ACK_QUEUE_KEY", cfg.QueueKey,
		"group", cfg.GroupID,
	); err != nil {
		return Config{}, err
	}
	if len(cfg.Args) == 0 {
		return Config{}, errors.New(usage)
	}
	return cfg, nil
}

// Run executes one subcommand and writes its JSON result to out.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAckClient, func(ctx context.Context) error {
		rec, err := open(ctx, cfg, log.New(errOut, "", log.LstdFlags))
		if err != nil {
			return err
		}
		result, err := dispatch(ctx, rec, cfg.Args)
		if err != nil {
			if partial, ok := result.(resultWithError); ok {
				_ = writeResult(out, partial)
			}
			return err
		}
		return writeResult(out, result)
	})
}

func writeResult(out io.Writer, result any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

func open(ctx context.Context, cfg Config, logger *log.Logger) (*reconciler.Reconciler, error) {
	sealer, err := reconciler.NewAESGCMSealerFromBase64(cfg.QueueKey)
	if err != nil {
		return nil, err
	}
	store, err := reconciler.NewFileStore(cfg.DataDir, sealer)
	if err != nil {
		return nil, err
	}
	client, err := reconciler.NewClient(cfg.Endpoint, cfg.Token, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	return reconciler.New(ctx, reconciler.Config{
		GroupID:   cfg.GroupID,
		Transport: client,
		Store:     store,
		Emitter:   telemetry.NewEmitter(telemetry.LogStore{Logger: logger}),
	})
}

type listResult struct {
	Items     []reconciler.Item `json:"items"`
	Conflicts []reconciler.Item `json:"conflicts"`
}

type resultWithError struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

func dispatch(ctx context.Context, rec *reconciler.Reconciler, args []string) (any, error) {
	command, rest := strings.ToLower(args[0]), args[1:]
	switch command {
	case "enqueue":
		if len(rest) != 3 {
			return nil, fmt.Errorf("enqueue needs <token-id> <condition-key> <summary-version>")
		}
		return rec.Enqueue(ctx, rest[0], rest[1], rest[2])
	case "ack":
		if len(rest) != 3 {
			return nil, fmt.Errorf("ack needs <token-id> <condition-key> <summary-version>")
		}
		return rec.Acknowledge(ctx, rest[0], rest[1], rest[2])
	case "flush":
		result, err := rec.FlushQueue(ctx)
		if err != nil {
			return resultWithError{Result: result, Error: err.Error()}, err
		}
		return result, nil
	case "list":
		return listResult{Items: nonNil(rec.Items()), Conflicts: nonNil(rec.Conflicts())}, nil
	case "resolve":
		if len(rest) < 1 || len(rest) > 2 {
			return nil, fmt.Errorf("resolve needs <item-id> [retry-version]")
		}
		retry := ""
		if len(rest) == 2 {
			retry = rest[1]
		}
		if err := rec.ResolveConflict(ctx, rest[0], retry); err != nil {
			return nil, err
		}
		return listResult{Items: nonNil(rec.Items()), Conflicts: nonNil(rec.Conflicts())}, nil
	case "sync":
		return rec.SyncSummary(ctx)
	default:
		return nil, fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

func nonNil(items []reconciler.Item) []reconciler.Item {
	if items == nil {
		return []reconciler.Item{}
	}
	return items
}
