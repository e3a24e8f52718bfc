// Package env reads process configuration from the ambient environment.
// GetString logs a debug line when it falls back to its default; GetInt and
// GetFloat log a warning when a set value does not parse; GetBool does not
// log.
package env

import (
	"os"
	"strconv"
	"time"

	"github.com/fleetctl/coordinator/internal/pkg/logger"
)

func GetString(key, def string, log *logger.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	v, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("env var not set, using default", "default", def)
		}
		return def
	}
	return v
}

func GetInt(key string, def int, log *logger.Logger) int {
	if log != nil {
		log = log.With("env_var", key)
	}
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		if log != nil {
			log.Warn("env var not parseable as int, using default", "value", v, "default", def, "error", err)
		}
		return def
	}
	return i
}

func GetFloat(key string, def float64, log *logger.Logger) float64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		if log != nil {
			log.Warn("env var not parseable as float, using default", "value", v, "default", def, "error", err)
		}
		return def
	}
	return f
}

func GetDurationSeconds(key string, defSeconds int, log *logger.Logger) time.Duration {
	return time.Duration(GetInt(key, defSeconds, log)) * time.Second
}

func GetBool(key string, def bool, log *logger.Logger) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
