// migrate runs DB migrations from embedded SQL; use with go run ./cmd/migrate -direction up|down.
package main

import (
	"errors"
	"flag"
	"os"

	"github.com/rs/zerolog"

	"verifybot/internal/config"
	"verifybot/internal/db/migrate"
	"verifybot/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New(logging.Options{})
		boot.Fatal().Err(err).Msg("config")
	}
	log := logging.New(logging.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "verifybot-migrate"})
	if err := run(os.Args[1:], cfg, log); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}
}

func run(args []string, cfg *config.Config, log zerolog.Logger) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	direction := fs.String("direction", "up", "Migration direction: up or down")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir, err := migrate.ParseDirection(*direction)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}

	if err := migrate.Run(cfg.DatabaseURL, dir); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Str("direction", string(dir)).Msg("already at target version")
			return nil
		}
		return err
	}
	log.Info().Str("direction", string(dir)).Msg("migrations applied")
	return nil
}
