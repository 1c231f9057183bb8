package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"depvet/api"
	"depvet/config"
	"depvet/fetcher"
	"depvet/license"
	"depvet/orm"
	"depvet/pipeline"
	"depvet/scanner"
	"depvet/store"
	"depvet/store/filesystemStore"
	"depvet/store/s3"
)

func main() {
	configPath := flag.String("config", "", "path to a yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	initLogging(cfg)

	db, err := orm.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	if err := seedPolicies(db); err != nil {
		log.Fatal().Err(err).Msg("failed to seed license policies")
	}

	persister := initializeStorePersister(cfg)

	f := fetcher.New(cfg.Fetcher, cfg.SourceRepo, cfg.TargetRepo, persister)
	sc := scanner.New(cfg.Scanner)
	p := pipeline.New(db, persister, f, sc, cfg.Admission, cfg.Concurrency)

	resumed, err := p.Recover(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resume interrupted packages")
	}
	if resumed > 0 {
		log.Info().Int("packages", resumed).Msg("resumed packages from previous run")
	}

	server := api.New(cfg, p, db)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info().Str("addr", addr).Msg("depvet listening")
	if err := server.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("server terminated")
	}
}

func initLogging(cfg *config.AppConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.HumanReadable {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func seedPolicies(db *orm.DB) error {
	policies := make([]orm.LicensePolicy, 0, len(license.Defaults))
	for _, def := range license.Defaults {
		policies = append(policies, orm.LicensePolicy{
			LicenseID: def.ID,
			Name:      def.Name,
			Tier:      string(def.Tier),
		})
	}

	//nolint:wrapcheck // the caller logs the wrapped orm error as-is
	return db.SeedPolicies(context.Background(), policies)
}

func initializeStorePersister(cfg *config.AppConfig) store.Store {
	var persister store.Store
	switch cfg.Persistence.Type {
	case "filesystem":
		persister = initFilesystemStore(cfg)
	case "s3":
		persister = initS3Store(cfg)
	default:
		log.Warn().Msgf(
			"unknown persistence type '%s', defaulting to filesystem",
			cfg.Persistence.Type,
		)
		persister = initFilesystemStore(cfg)
	}

	return persister
}

func initFilesystemStore(cfg *config.AppConfig) store.Store {
	fsStore, err := filesystemStore.New(cfg.Persistence.StorageDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize filesystem store")
	}
	log.Info().
		Str("storage_dir", cfg.Persistence.StorageDir).
		Msg("filesystem store initialized")

	return fsStore
}

func initS3Store(cfg *config.AppConfig) store.Store {
	s3Store, err := s3.New(cfg.Persistence.S3)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize s3 store")
	}
	log.Info().Msg("s3 store initialized")

	return s3Store
}
