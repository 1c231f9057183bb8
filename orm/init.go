// Package orm owns all durable state: the package catalog, requests and
// their links, per-package status records, scan history and license
// policies.
package orm

import (
	"fmt"
	"strings"

	"depvet/config"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB wraps the gorm handle so callers go through typed operations
// instead of raw queries.
type DB struct {
	gorm *gorm.DB
}

// Open connects to the configured database, runs migrations and returns
// the handle. Postgres is the production driver; sqlite serves tests and
// single-node deployments.
func Open(cfg config.DatabaseConfig) (*DB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
	case "postgres", "":
		dsn := fmt.Sprintf(
			"host='%s' port='%d' user='%s' password='%s' dbname='%s' sslmode='%s'",
			cfg.Host,
			cfg.Port,
			cfg.Username,
			cfg.Password,
			cfg.Database,
			cfg.SSLMode,
		)

		dsnRedacted := strings.ReplaceAll(dsn, cfg.Password, "*****")
		log.Debug().
			Msgf("Connecting to postgres using the following information: %s", dsnRedacted)

		dialector = postgres.Open(dsn)
	default:
		return nil, &BadInputError{
			Reason: fmt.Sprintf("unknown database driver %q", cfg.Driver),
		}
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, &DatabaseError{Inner: err}
	}

	if cfg.Driver == "sqlite" {
		// One connection only: sqlite has a single writer, and a pooled
		// ":memory:" DSN would otherwise open one empty database per
		// connection.
		sqlDB, err := gormDB.DB()
		if err != nil {
			return nil, &DatabaseError{Inner: err}
		}
		sqlDB.SetMaxOpenConns(1)
	}

	log.Debug().Msg("Successfully connected to the database")

	err = gormDB.AutoMigrate(
		&Request{},
		&Package{},
		&RequestPackage{},
		&PackageStatus{},
		&VulnerabilityScan{},
		&LicensePolicy{},
	)
	if err != nil {
		return nil, &DatabaseError{Inner: fmt.Errorf("migration failed: %w", err)}
	}

	return &DB{gorm: gormDB}, nil
}
