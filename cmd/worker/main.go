// Worker consumes verification events from Kafka and retries role grants that did not complete.
// Set DISCORD_TOKEN, DATABASE_URL, KAFKA_BROKERS, VERIFICATION_KAFKA_TOPIC, and KAFKA_GROUP_ID.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"verifybot/internal/config"
	"verifybot/internal/db"
	"verifybot/internal/discord"
	guildrepo "verifybot/internal/guild/repository"
	"verifybot/internal/logging"
	"verifybot/internal/rolesync"
	"verifybot/internal/telemetry/consumer"
	userrepo "verifybot/internal/user/repository"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New(logging.Options{})
		boot.Fatal().Err(err).Msg("config")
	}
	log := logging.New(logging.Options{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "verifybot-worker"})

	if err := checkConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	brokers := cfg.KafkaBrokersList()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{MaxOpenConns: cfg.DBMaxOpenConns, MaxIdleConns: cfg.DBMaxIdleConns})
	if err != nil {
		log.Fatal().Err(err).Msg("worker: database")
	}
	defer conn.Close()

	// REST only; the worker never opens a gateway connection.
	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		log.Fatal().Err(err).Msg("worker: discord session")
	}
	syncer := rolesync.New(discord.NewClient(session),
		guildrepo.NewPostgresRepository(conn),
		userrepo.NewPostgresRepository(conn),
		log,
		rolesync.Options{Concurrency: cfg.SyncConcurrency, ItemTimeout: cfg.SyncItemTimeout})

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.VerificationTopic,
		GroupID:        cfg.KafkaGroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	log.Info().Str("topic", cfg.VerificationTopic).Str("group", cfg.KafkaGroupID).Msg("worker: consuming")
	if err := consumer.NewRetrier(syncer, log).Run(ctx, reader); err != nil {
		log.Error().Err(err).Msg("worker: stopped with error")
		return
	}
	log.Info().Msg("worker: stopped")
}

// checkConfig reports the settings the worker cannot run without.
func checkConfig(cfg *config.Config) error {
	if len(cfg.KafkaBrokersList()) == 0 {
		return errors.New("worker: KAFKA_BROKERS is required")
	}
	if cfg.VerificationTopic == "" || cfg.KafkaGroupID == "" {
		return errors.New("worker: VERIFICATION_KAFKA_TOPIC and KAFKA_GROUP_ID are required")
	}
	if cfg.DiscordToken == "" || cfg.DatabaseURL == "" {
		return errors.New("worker: DISCORD_TOKEN and DATABASE_URL are required")
	}
	return nil
}
