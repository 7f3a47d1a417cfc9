package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"verifybot/internal/config"
	"verifybot/internal/db"
	"verifybot/internal/db/migrate"
	"verifybot/internal/discord"
	guildrepo "verifybot/internal/guild/repository"
	healthhandler "verifybot/internal/health/handler"
	"verifybot/internal/logging"
	"verifybot/internal/mail"
	"verifybot/internal/otp"
	"verifybot/internal/policy/engine"
	"verifybot/internal/rolesync"
	"verifybot/internal/server"
	"verifybot/internal/telemetry"
	telemetryotel "verifybot/internal/telemetry/otel"
	"verifybot/internal/telemetry/producer"
	userrepo "verifybot/internal/user/repository"
	"verifybot/internal/verification"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New(logging.Options{})
		boot.Fatal().Err(err).Msg("config")
	}
	log := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Pretty:  cfg.LogPretty,
		Service: cfg.ServiceName,
	})
	if err := cfg.RequireBot(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("verifybot stopped")
	}
	log.Info().Msg("verifybot stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Insecure:    cfg.OTLPInsecure,
		Log:         log,
	})
	if err != nil {
		return err
	}
	providers.SetGlobal()

	emitters := []telemetry.EventEmitter{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	kafkaProducer := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.VerificationTopic)
	if kafkaProducer != nil {
		emitters = append(emitters, kafkaProducer)
		log.Info().Strs("brokers", cfg.KafkaBrokersList()).Str("topic", cfg.VerificationTopic).Msg("publishing verification events to kafka")
	}
	defer func() {
		// Let in-flight async emits finish before closing their sinks.
		time.Sleep(telemetry.ShutdownDrainDuration)
		if err := kafkaProducer.Close(); err != nil {
			log.Warn().Err(err).Msg("kafka producer close failed")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	if cfg.MigrateOnStart {
		if err := migrate.Run(cfg.DatabaseURL, migrate.Up); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		log.Info().Msg("migrations applied")
	}

	conn, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	var policy *engine.CommandPolicy
	if cfg.CommandPolicyPath != "" {
		policy, err = engine.LoadCommandPolicy(ctx, cfg.CommandPolicyPath)
	} else {
		policy, err = engine.NewCommandPolicy(ctx, "")
	}
	if err != nil {
		return err
	}

	mailer, err := mail.NewSMTPMailer(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
	})
	if err != nil {
		return err
	}

	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		return err
	}
	client := discord.NewClient(session)

	users := userrepo.NewPostgresRepository(conn)
	servers := guildrepo.NewPostgresRepository(conn)
	syncer := rolesync.New(client, servers, users, log, rolesync.Options{
		Concurrency: cfg.SyncConcurrency,
		ItemTimeout: cfg.SyncItemTimeout,
	})
	svc := verification.NewService(users, servers, syncer, client, mailer, verification.Options{
		EmailDomain:    cfg.RequiredEmailDomain,
		MailFrom:       cfg.SMTPFrom,
		IssueLimiter:   otp.NewLimiter(cfg.OTPIssueBurst, cfg.OTPIssueInterval),
		AttemptLimiter: otp.NewLimiter(cfg.OTPAttemptBurst, cfg.OTPAttemptInterval),
		Events:         telemetry.Multi(emitters...),
		Log:            log,
	})

	health := healthhandler.NewServer(conn, policy, log)
	grpcServer := server.NewGRPCServer(log)
	server.RegisterServices(grpcServer, server.Deps{Health: health, Reflection: cfg.Env != "production"})
	lis, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		return err
	}
	go health.Run(ctx, 0)
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HealthAddr).Msg("health server listening")
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr <- err
		}
	}()

	bot := discord.NewBot(session, discord.NewHandler(svc, policy, log, 0), cfg.DiscordGuildID, log)
	if err := bot.Start(ctx); err != nil {
		grpcServer.Stop()
		return err
	}

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	log.Info().Msg("shutting down...")
	health.Shutdown()
	if cerr := bot.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("discord session close failed")
	}
	grpcServer.GracefulStop()
	return err
}
