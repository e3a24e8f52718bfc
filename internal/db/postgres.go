// Package db wires the Postgres connection the run store is built on, the
// way the teacher package of this pack wires its own PostgresService.
package db

import (
	"fmt"
	glog "log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fleetctl/coordinator/internal/domain"
	"github.com/fleetctl/coordinator/internal/pkg/env"
	"github.com/fleetctl/coordinator/internal/pkg/logger"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	svcLog := log.With("service", "PostgresService")

	host := env.GetString("POSTGRES_HOST", "localhost", log)
	port := env.GetString("POSTGRES_PORT", "5432", log)
	user := env.GetString("POSTGRES_USER", "postgres", log)
	password := env.GetString("POSTGRES_PASSWORD", "", log)
	name := env.GetString("POSTGRES_NAME", "coordinator", log)

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		user, password, host, port, name,
	)

	// Ignore-record-not-found keeps gorm quiet under the scheduler's
	// constant conditional-update polling (see internal/store/runstore).
	gormLog := gormlogger.New(
		glog.New(os.Stdout, "\r\n", glog.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	svcLog.Info("connecting to postgres")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("enable uuid-ossp: %w", err)
	}

	return &PostgresService{db: gdb, log: svcLog}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("auto migrating tables")
	return s.db.AutoMigrate(
		&domain.JobDefinition{},
		&domain.JobRun{},
		&domain.Event{},
		&domain.Setting{},
		&domain.AuditLog{},
	)
}
