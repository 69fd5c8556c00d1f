// Command migrate applies the session store schema.
//
//	migrate [-path migrations] up | down [n] | version | force <version>
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
)

func main() {
	dir := flag.String("path", "migrations", "directory holding the migration files")
	flag.Usage = usage
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With().Str("component", "migrate").Logger()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	m, err := migrate.New("file://"+*dir, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Str("path", *dir).Msg("Failed to initialize migrations")
	}
	defer m.Close()

	switch args[0] {
	case "up":
		err = m.Up()
	case "down":
		if len(args) > 1 {
			n, convErr := strconv.Atoi(args[1])
			if convErr != nil || n <= 0 {
				log.Fatal().Str("steps", args[1]).Msg("down takes a positive step count")
			}
			err = m.Steps(-n)
		} else {
			err = m.Down()
		}
	case "version":
		version, dirty, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			log.Info().Msg("No migration applied yet")
			return
		}
		if verr != nil {
			log.Fatal().Err(verr).Msg("Failed to read schema version")
		}
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Schema version")
		return
	case "force":
		if len(args) < 2 {
			log.Fatal().Msg("force requires a version")
		}
		v, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			log.Fatal().Err(convErr).Msg("Invalid version")
		}
		err = m.Force(v)
	default:
		usage()
		os.Exit(2)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Info().Str("command", args[0]).Msg("Schema already up to date")
		return
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", args[0]).Msg("Migration failed")
	}
	log.Info().Str("command", args[0]).Msg("Migration applied")
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [flags] up | down [n] | version | force <version>")
	flag.PrintDefaults()
}
