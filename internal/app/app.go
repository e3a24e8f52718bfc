// Package app wires every component named in spec.md §2's table into one
// runnable worker process, the way the teacher's internal/app.New wires its
// own Repos/Services/Clients into one *App. Every fleetctl-coordinator
// process is the same binary: it always runs the worker runtime, the
// control-plane RPC server, and a scheduler tick that only does anything
// once this process's runtime observes itself as leader (spec.md §4.5).
package app

import (
	"context"
	"fmt"
	"os"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/fleetctl/coordinator/internal/db"
	"github.com/fleetctl/coordinator/internal/executor"
	"github.com/fleetctl/coordinator/internal/pkg/logger"
	"github.com/fleetctl/coordinator/internal/rpc"
	"github.com/fleetctl/coordinator/internal/scheduler"
	"github.com/fleetctl/coordinator/internal/settings"
	"github.com/fleetctl/coordinator/internal/store/coordstore"
	"github.com/fleetctl/coordinator/internal/store/runstore"
	"github.com/fleetctl/coordinator/internal/worker"
)

// App bundles one process's full set of collaborators, mirroring the
// teacher's App{Log, DB, Router, Cfg, Repos, Services, ...} shape.
type App struct {
	Log *logger.Logger
	Cfg Config
	DB  *gorm.DB

	CoordStore coordstore.Store
	RunStore   runstore.Store
	Settings   *settings.Resolver
	Executor   executor.Executor
	Resolver   *executor.StaticResolver

	RPCClient *rpc.Client
	RPCServer *rpc.Server

	Runtime *worker.Runtime
	Tick    *scheduler.Tick

	redis  *goredis.Client
	cancel context.CancelFunc
}

// New loads configuration, connects to Postgres and Redis, auto-migrates
// the run store's schema, and wires the worker runtime, RPC server/client,
// and scheduler tick on top — every step the teacher's app.New performs for
// its own domain, in the same fail-fast, wrap-and-return-early style.
func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg := LoadConfig(log)
	log = log.With("node_id", cfg.NodeID)
	log.Info("loading configuration")

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	gdb := pg.DB()

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("ping redis coordination store: %w", err)
	}
	coord := coordstore.NewRedisStore(rdb)

	runStore := runstore.New(gdb, log)

	resolver, err := settings.New(runStore, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init settings resolver: %w", err)
	}

	cmdResolver := executor.NewStaticResolver()
	registerBuiltinCommands(cmdResolver)
	exec := executor.New(cmdResolver, executor.NewMemLogSink(), log)

	tlsFiles := rpc.TLSFiles{CertPath: cfg.TLSCertPath, KeyPath: cfg.TLSKeyPath, CAPath: cfg.TLSCAPath}
	rpcClient, err := rpc.NewClient(tlsFiles, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init rpc client: %w", err)
	}

	runtime := worker.NewRuntime(worker.Deps{
		NodeID:     cfg.NodeID,
		CoordStore: coord,
		RunStore:   runStore,
		Settings:   resolver,
		Executor:   exec,
		RPCClient:  rpcClient,
		Log:        log,
	})

	rpcServer, err := rpc.NewServer(runtime, tlsFiles, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init rpc server: %w", err)
	}

	tick := scheduler.New(scheduler.Deps{
		RunStore:   runStore,
		CoordStore: coord,
		Settings:   resolver,
		RPCClient:  rpcClient,
		Epoch:      runtime,
		Log:        log,
	})

	return &App{
		Log:        log,
		Cfg:        cfg,
		DB:         gdb,
		CoordStore: coord,
		RunStore:   runStore,
		Settings:   resolver,
		Executor:   exec,
		Resolver:   cmdResolver,
		RPCClient:  rpcClient,
		RPCServer:  rpcServer,
		Runtime:    runtime,
		Tick:       tick,
		redis:      rdb,
	}, nil
}

// registerBuiltinCommands binds the command names the test scenarios of
// spec.md §8 exercise (S1's "noop", S3's sleeper) to real binaries. A
// production deployment calls Resolver.Register for every JobDefinition
// .CommandName it expects to serve; user-supplied job bodies beyond name
// resolution are out of scope (spec.md §1).
func registerBuiltinCommands(r *executor.StaticResolver) {
	r.Register("noop", "/bin/true")
	r.Register("sleep", "/bin/sleep")
}

// Start binds the RPC server to this process's configured port range, then
// launches the worker runtime's loops and the leader tick loop, all under
// one cancellation scope (spec.md §4.3 startup sequence step 3-4). It
// returns once the RPC listener is bound so callers can publish the
// resulting address, the way the teacher's Start launches its background
// workers before Run blocks the foreground.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	ln, port, err := a.RPCServer.Bind(a.Cfg.RPCHost, a.Cfg.RPCPortRangeStart, a.Cfg.RPCPortRangeSize)
	if err != nil {
		cancel()
		return fmt.Errorf("bind rpc server: %w", err)
	}
	go func() {
		if err := a.RPCServer.Serve(ctx, ln); err != nil {
			a.Log.Error("rpc server exited", "error", err)
		}
	}()

	advertiseHost := a.Cfg.RPCHost
	if advertiseHost == "0.0.0.0" {
		advertiseHost = a.Cfg.NodeID
	}
	a.Runtime.SetRPCAddr(advertiseHost, port)

	go func() {
		if err := a.Runtime.Start(ctx); err != nil {
			a.Log.Error("worker runtime exited", "error", err)
		}
	}()

	go func() {
		if err := a.Tick.Run(ctx); err != nil {
			a.Log.Error("scheduler tick exited", "error", err)
		}
	}()

	return nil
}

// Close cancels every loop Start launched and releases external
// connections, mirroring the teacher's Close().
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
