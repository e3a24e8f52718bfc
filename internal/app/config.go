package app

import (
	"os"

	"github.com/fleetctl/coordinator/internal/pkg/env"
	"github.com/fleetctl/coordinator/internal/pkg/logger"
)

// Config is every ambient process setting that is not a spec.md §6.3
// settings-resolver key: connection strings, mTLS material, and this
// process's own identity and listening range. It is loaded once at
// startup, the way the teacher's internal/app.LoadConfig reads its own
// Config from the environment.
type Config struct {
	NodeID string

	PostgresDSNOverride string // not set by LoadConfig and not read by db.NewPostgresService, which builds its DSN from POSTGRES_* vars

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RPCHost           string
	RPCPortRangeStart int
	RPCPortRangeSize  int

	TLSCertPath string
	TLSKeyPath  string
	TLSCAPath   string

	LogMode string
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		NodeID:            env.GetString("NODE_ID", hostnameOrDefault(), log),
		RedisAddr:         env.GetString("REDIS_ADDR", "localhost:6379", log),
		RedisPassword:     env.GetString("REDIS_PASSWORD", "", log),
		RedisDB:           env.GetInt("REDIS_DB", 0, log),
		RPCHost:           env.GetString("RPC_HOST", "0.0.0.0", log),
		RPCPortRangeStart: env.GetInt("RPC_PORT_RANGE_START", 7800, log),
		RPCPortRangeSize:  env.GetInt("RPC_PORT_RANGE_SIZE", 20, log),
		TLSCertPath:       env.GetString("RPC_TLS_CERT", "", log),
		TLSKeyPath:        env.GetString("RPC_TLS_KEY", "", log),
		TLSCAPath:         env.GetString("RPC_TLS_CA", "", log),
		LogMode:           env.GetString("LOG_MODE", "development", log),
	}
}

func hostnameOrDefault() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "worker"
}
