package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	btclogv2 "github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/actor"
	"github.com/roasbeef/lattice/internal/build"
	"github.com/roasbeef/lattice/internal/db"
	"github.com/roasbeef/lattice/internal/gateway"
	"github.com/roasbeef/lattice/internal/metrics"
	"github.com/roasbeef/lattice/internal/node"
	"github.com/roasbeef/lattice/internal/registry"
	"github.com/roasbeef/lattice/internal/server"
	"github.com/roasbeef/lattice/internal/state"
	"github.com/roasbeef/lattice/internal/stream"
	"github.com/roasbeef/lattice/internal/transport"
	"github.com/spf13/cobra"
)

var (
	listenHost     string
	listenPort     int
	dbPath         string
	logDir         string
	debugLevel     string
	tlsCertPath    string
	tlsKeyPath     string
	replayCapacity int
	streamPrefix   string
	apiKeys        []string
	requiredRoles  []string
	rateLimit      float64
	rateBurst      int
	registryTTL    time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lattice daemon",
	Long: `Start the WebSocket listener and serve actor invocations and
streams until interrupted.`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()

	flags.StringVar(&listenHost, "host", "0.0.0.0", "Listen host")
	flags.IntVar(&listenPort, "port", 9190, "Listen port")
	flags.StringVar(
		&dbPath, "db", "",
		"Path to SQLite database (default: ~/.lattice/lattice.db)",
	)
	flags.StringVar(
		&logDir, "logdir", "",
		"Log directory (default: ~/.lattice/logs)",
	)
	flags.StringVar(
		&debugLevel, "debuglevel", "info",
		"Log level: trace, debug, info, warn, error, critical",
	)
	flags.StringVar(
		&tlsCertPath, "tlscert", "", "Path to TLS certificate (PEM)",
	)
	flags.StringVar(
		&tlsKeyPath, "tlskey", "", "Path to TLS private key (PEM)",
	)
	flags.IntVar(
		&replayCapacity, "replay-capacity",
		stream.DefaultReplayCapacity,
		"Per-stream replay buffer size",
	)
	flags.StringVar(
		&streamPrefix, "stream-prefix", node.DefaultStreamPrefix,
		"Target prefix that opens streams instead of unary calls",
	)
	flags.StringArrayVar(
		&apiKeys, "api-key", nil,
		"Accepted bearer token as token=name[:role,role]; "+
			"repeatable, enables authentication",
	)
	flags.StringSliceVar(
		&requiredRoles, "require-role", nil,
		"Roles of which callers must hold at least one; "+
			"enables authorization",
	)
	flags.Float64Var(
		&rateLimit, "rate-limit", 0,
		"Invocations per second per principal, 0 to disable",
	)
	flags.IntVar(
		&rateBurst, "rate-burst", 10, "Rate limit burst size",
	)
	flags.DurationVar(
		&registryTTL, "registry-ttl", 30*time.Second,
		"TTL of the daemon's own service registry entry",
	)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if logDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		logDir = filepath.Join(home, ".lattice", "logs")
	}

	logWriter, log, err := setupLogging(logDir, debugLevel)
	if err != nil {
		return err
	}
	defer logWriter.Close()

	ctx, stop := signal.NotifyContext(
		cmd.Context(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// Storage: one sqlite database holds both actor state and the
	// service registry.
	if dbPath == "" {
		dbPath, err = db.DefaultDBPath()
		if err != nil {
			return err
		}
	}
	baseDB, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer baseDB.Close()

	collector := metrics.NewCollector()
	store := state.NewInstrumentedStore(
		state.NewSQLStore(baseDB), collector,
	)
	serviceReg := registry.NewSQLRegistry(baseDB)

	tcfg := transport.DefaultConfig()
	if tlsCertPath != "" || tlsKeyPath != "" {
		cert, err := loadTLSCert(tlsCertPath, tlsKeyPath)
		if err != nil {
			return err
		}
		tcfg.TLS = cert
	}
	wsTransport := transport.NewWebSocketTransport(
		tcfg, transport.WithCollector(collector),
	)

	rt := actor.NewRuntime()
	clientStreams := stream.NewRegistry(rt, stream.ClientConfig{})
	sys := node.NewSystem(rt, node.Config{
		Transport:    wsTransport,
		Streams:      clientStreams,
		StreamPrefix: streamPrefix,
		Collector:    collector,
	})
	sys.Start()

	serverStreams := stream.NewServerRegistry(stream.ServerConfig{
		ReplayCapacity: replayCapacity,
		Opener:         sys.ExecuteStreamingTarget,
		Filters:        builtinFilters(),
	})

	dispatcher, err := buildDispatcher(collector)
	if err != nil {
		return err
	}

	endpoint := transport.Endpoint{Host: listenHost, Port: listenPort}
	srv := server.New(server.Config{
		Transport:  wsTransport,
		Endpoint:   endpoint,
		System:     sys,
		Streams:    serverStreams,
		Dispatcher: dispatcher,
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}

	// Built-in actors: a persistent key-value actor backed by the state
	// store, and a status actor for liveness introspection.
	srv.Expose("kv", newKVActor(sys, store))
	srv.Expose("status", newStatusActor(sys, serviceReg, serverStreams))

	// Advertise this daemon in the service registry and keep the entry
	// alive with heartbeats.
	go runRegistryHeartbeat(ctx, log, serviceReg, endpoint)

	log.InfoS(ctx, "latticed running",
		"endpoint", endpoint, "db", dbPath,
		"version", build.Version())

	<-ctx.Done()
	log.InfoS(ctx, "Shutting down")

	// Deterministic teardown: stop accepting traffic, then streams, then
	// in-flight calls, then the actor substrate.
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.WarnS(shutdownCtx, "Server stop failed", err)
	}
	if err := serverStreams.Shutdown(shutdownCtx); err != nil {
		log.WarnS(shutdownCtx, "Stream shutdown failed", err)
	}
	sys.Stop(shutdownCtx)
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.WarnS(shutdownCtx, "Actor runtime shutdown failed", err)
	}

	return nil
}

// loadTLSCert reads the PEM certificate and key pair from disk.
func loadTLSCert(certPath, keyPath string) (*transport.TLSCert, error) {
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("both --tlscert and --tlskey are " +
			"required for TLS")
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read TLS certificate: %w",
			err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read TLS key: %w", err)
	}

	return &transport.TLSCert{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// buildDispatcher assembles the gateway middleware chain from the serve
// flags. With no guarding flags set the chain still validates and traces.
func buildDispatcher(collector *metrics.Collector) (server.Dispatcher,
	error) {

	var chain []gateway.Middleware

	chain = append(chain, gateway.NewTracingMiddleware(
		gateway.TracingConfig{},
	))

	if len(apiKeys) > 0 {
		provider, err := parseAPIKeys(apiKeys)
		if err != nil {
			return nil, err
		}
		chain = append(chain, gateway.NewAuthMiddleware(
			gateway.AuthConfig{Provider: provider},
		))
	}

	if len(requiredRoles) > 0 {
		chain = append(chain, gateway.NewAuthzMiddleware(
			gateway.AuthzConfig{
				Policy: gateway.RolePolicy(requiredRoles...),
			},
		))
	}

	if rateLimit > 0 {
		chain = append(chain, gateway.NewRateLimitMiddleware(
			gateway.RateLimitConfig{
				Limiter: gateway.NewTokenBucketLimiter(
					rateBurst, rateLimit,
				),
			},
		))
	}

	chain = append(chain, gateway.NewValidationMiddleware(
		gateway.DefaultValidation(),
	))

	return gateway.New(chain, gateway.WithCollector(collector)), nil
}

// staticKeyProvider authenticates the bearer tokens configured on the
// command line.
type staticKeyProvider struct {
	principals map[string]*gateway.Principal
}

func (p *staticKeyProvider) Authenticate(_ context.Context,
	creds gateway.Credentials) (*gateway.Principal, error) {

	principal, ok := p.principals[creds.Token]
	if !ok {
		return nil, &gateway.AuthError{
			Kind: gateway.AuthInvalidCredentials,
		}
	}

	return principal, nil
}

// parseAPIKeys parses --api-key entries of the form
// token=name or token=name:role1,role2.
func parseAPIKeys(entries []string) (*staticKeyProvider, error) {
	principals := make(map[string]*gateway.Principal, len(entries))
	for _, entry := range entries {
		token, rest, ok := strings.Cut(entry, "=")
		if !ok || token == "" || rest == "" {
			return nil, fmt.Errorf("invalid --api-key entry %q, "+
				"want token=name[:role,...]", entry)
		}

		name, roleList, _ := strings.Cut(rest, ":")
		var roles []string
		if roleList != "" {
			roles = strings.Split(roleList, ",")
		}

		principals[token] = &gateway.Principal{
			ID:    name,
			Name:  name,
			Roles: roles,
		}
	}

	return &staticKeyProvider{principals: principals}, nil
}

// builtinFilters registers the stock server-side stream filters.
func builtinFilters() *stream.FilterRegistry {
	filters := stream.NewFilterRegistry()

	// nonEmpty drops zero-length payloads.
	filters.Register("nonEmpty", func(payload []byte,
		_ map[string]string) ([]byte, bool) {

		return payload, len(payload) > 0
	})

	// minBytes drops payloads smaller than the "bytes" parameter.
	filters.Register("minBytes", func(payload []byte,
		params map[string]string) ([]byte, bool) {

		min, err := strconv.Atoi(params["bytes"])
		if err != nil {
			return payload, true
		}

		return payload, len(payload) >= min
	})

	return filters
}

// runRegistryHeartbeat registers the daemon's endpoint and refreshes it
// until the context ends.
func runRegistryHeartbeat(ctx context.Context, log btclogv2.Logger,
	serviceReg registry.ServiceRegistry, endpoint transport.Endpoint) {

	err := serviceReg.Register(ctx, "latticed", endpoint,
		map[string]string{"version": build.Version()},
		fn.Some(registryTTL))
	if err != nil {
		log.ErrorS(ctx, "Registry self-registration failed", err)
		return
	}

	ticker := time.NewTicker(registryTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := serviceReg.Heartbeat(ctx, "latticed")
			if err != nil {
				log.WarnS(ctx, "Registry heartbeat failed",
					err)
			}

		case <-ctx.Done():
			deregCtx, cancel := context.WithTimeout(
				context.Background(), time.Second,
			)
			_ = serviceReg.Deregister(deregCtx, "latticed")
			cancel()

			return
		}
	}
}
