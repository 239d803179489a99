// Package server hosts the conditions HTTP API, the summary websocket and
// the gRPC health endpoint, and wires the projector, escalation engine, rate
// limiter and acknowledgement service over the SQLite store.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/conditionwatch/internal/platform/id"
	"github.com/louisbranch/conditionwatch/internal/platform/playertoken"
	"github.com/louisbranch/conditionwatch/internal/platform/telemetry"
	"github.com/louisbranch/conditionwatch/internal/platform/timeouts"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/acknowledgement"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/broadcast"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/escalation"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/projection"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/ratelimit"
	"github.com/louisbranch/conditionwatch/internal/services/conditions/storage/sqlite"
)

// HealthServiceName is the service name reported on the health endpoint.
const HealthServiceName = "conditions.runtime"

const (
	defaultCircuitThreshold = 3
	rateLimitPruneInterval  = time.Minute
)

// Config defines the inputs for the conditions process.
type Config struct {
	HTTPAddr            string
	HealthAddr          string
	DBPath              string
	TokenIssuer         string
	TokenAudience       string
	TokenSecret         string
	RateLimit           ratelimit.Config
	CircuitThreshold    int
	DispatchConcurrency int
	Locale              string
	ReadHeaderTimeout   time.Duration
	ShutdownTimeout     time.Duration
}

// Server hosts the conditions HTTP and health processes.
type Server struct {
	httpAddr        string
	healthAddr      string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	engine          *escalation.Engine
	rateStore       *ratelimit.MemoryStore
}

// NewServer opens the store and wires every component.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.CircuitThreshold <= 0 {
		config.CircuitThreshold = defaultCircuitThreshold
	}
	tokens := playertoken.Config{
		Issuer:   strings.TrimSpace(config.TokenIssuer),
		Audience: strings.TrimSpace(config.TokenAudience),
		Secret:   []byte(config.TokenSecret),
	}
	if err := tokens.Validate(); err != nil {
		return nil, fmt.Errorf("player token config: %w", err)
	}

	dbPath := strings.TrimSpace(config.DBPath)
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	store, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open conditions store: %w", err)
	}

	handler, engine, rateStore, err := wire(store, config, tokens)
	if err != nil {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close conditions store: %v", closeErr)
		}
		return nil, err
	}

	return &Server{
		httpAddr:        httpAddr,
		healthAddr:      strings.TrimSpace(config.HealthAddr),
		shutdownTimeout: config.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           handler,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		store:     store,
		engine:    engine,
		rateStore: rateStore,
	}, nil
}

// wire builds the component graph over store.
func wire(store *sqlite.Store, config Config, tokens playertoken.Config) (http.Handler, *escalation.Engine, *ratelimit.MemoryStore, error) {
	emitter := telemetry.NewEmitter(store)
	hub := broadcast.NewHub()

	projector, err := projection.NewProjector(projection.Config{
		Source:    store,
		Cache:     projection.NewMemoryCache(),
		Publisher: hub,
		Emitter:   emitter,
		Locale:    config.Locale,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init projector: %w", err)
	}

	engine := escalation.NewEngine(escalation.Config{
		Directory:   newDirectoryAdapter(store),
		InApp:       escalation.NewInbox(newInboxStoreAdapter(store), nil),
		Push:        hub,
		Email:       logMailer{},
		Digest:      digestSender{store: store},
		Emitter:     emitter,
		NewID:       id.NewID,
		Concurrency: config.DispatchConcurrency,
	})

	rateStore := ratelimit.NewMemoryStore(nil)
	limiter := ratelimit.New(rateStore, config.RateLimit, emitter)
	acks := acknowledgement.NewService(projector, store, emitter, nil, id.NewID)

	handler := newHandler(&handlers{
		store:            store,
		projector:        projector,
		engine:           engine,
		limiter:          limiter,
		acks:             acks,
		hub:              hub,
		tokens:           tokens,
		circuitThreshold: config.CircuitThreshold,
	})
	return handler, engine, rateStore, nil
}

// Run creates and serves the conditions process until ctx ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init conditions server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve conditions: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server and the health endpoint until the
// context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("conditions server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	if s.healthAddr != "" {
		stopHealth, err := s.serveHealth()
		if err != nil {
			return err
		}
		defer stopHealth()
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	pruneDone := make(chan struct{})
	go func() {
		defer close(pruneDone)
		s.pruneRateLimits(pruneCtx)
	}()
	defer func() {
		stopPrune()
		<-pruneDone
	}()

	serveErr := make(chan error, 1)
	log.Printf("conditions server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func (s *Server) serveHealth() (func(), error) {
	listener, err := net.Listen("tcp", s.healthAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on health address %s: %w", s.healthAddr, err)
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(HealthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	log.Printf("conditions health listening on %s", listener.Addr())
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	return func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		if err := <-serveErr; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Printf("health server: %v", err)
		}
	}, nil
}

// pruneRateLimits drops expired limiter counters so idle keys do not pile up.
func (s *Server) pruneRateLimits(ctx context.Context) {
	ticker := time.NewTicker(rateLimitPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rateStore.Prune()
		}
	}
}

// Close waits for in-flight escalation dispatches and releases the store.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.engine != nil {
		s.engine.Wait()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close conditions store: %v", err)
		}
	}
}
