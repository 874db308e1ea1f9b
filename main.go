package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/config"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/advisor"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/api"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/auth"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/autopilot"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/broker"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/circuit"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/database"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/email"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/events"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/gaprisk"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/logging"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/notification"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/protection"
	"github.com/shaharbukra/Sir-Reginald-Buys-The-Dips-sub001/internal/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "position guard exited: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging
	logger, err := logging.New(logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Log file unavailable, logging to stdout")
	}
	logging.SetDefault(logger)
	log := logger.With().Str("component", "main").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	alerter := newAlerter(cfg, logger)
	defer alerter.Flush(5 * time.Second)

	b, err := newBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Journal (optional)
	var journal *database.Journal
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(ctx, cfg.DatabaseConfig, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		journal = database.NewJournal(db.Pool)
	}

	// Flag mirror: Redis when configured, memory otherwise
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
		defer redisClient.Close()
	}
	flagStore := database.NewRedisFlagStore(redisClient, cfg.BrokerConfig.Account, logger)

	// Protection components
	flags := autopilot.NewFlagTable(flagStore, logger)
	placer := protection.NewPlacer(b, cfg.ProtectionConfig, flags, logger)
	gap := gaprisk.NewDetector(cfg.GapRiskConfig, gaprisk.ExchangeLocation(), logger)
	breaker := circuit.NewCircuitBreaker(&cfg.CircuitBreakerConfig)

	controller := autopilot.NewController(
		cfg.SchedulerConfig,
		cfg.PolicyConfig,
		b,
		placer,
		flags,
		gap,
		breaker,
		logger,
	)
	controller.SetAlerter(alerter)
	controller.SetEventBus(eventBus)
	if journal != nil {
		controller.SetJournal(journal)
	}
	if cfg.AdvisorConfig.Enabled {
		llm, err := advisor.NewClient(cfg.AdvisorConfig.ClientConfig)
		if err != nil {
			return fmt.Errorf("failed to create advisor client: %w", err)
		}
		if llm.IsConfigured() {
			controller.SetAdvisor(advisor.New(llm, logger))
			log.Info().Str("provider", string(llm.GetProvider())).Msg("Gap advisor enabled")
		} else {
			log.Warn().Msg("Advisor enabled but no API key configured; gap alerts go to operators only")
		}
	}

	// Operator API
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = newServer(cfg, controller, breaker, eventBus, logger)
		go func() {
			if err := server.Start(); err != nil {
				log.Error().Err(err).Msg("HTTP server stopped")
			}
		}()
	}

	done, err := controller.Start(ctx)
	if err != nil {
		return err
	}
	log.Info().Bool("dry_run", cfg.SchedulerConfig.DryRun).Msg("Position guard started")

	// First signal stops gracefully, a second one cancels outright
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var loopErr error
	waiting := true
	for waiting {
		select {
		case sig := <-sigChan:
			if controller.State() == autopilot.StateShuttingDown {
				log.Warn().Str("signal", sig.String()).Msg("Second signal, cancelling")
				cancel()
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
			controller.Stop()
		case loopErr = <-done:
			waiting = false
		}
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown error")
		}
		shutdownCancel()
	}

	if loopErr != nil {
		if errors.Is(loopErr, autopilot.ErrEmergencyShutdown) {
			log.Error().Err(loopErr).Msg("Emergency shutdown completed")
		}
		return loopErr
	}
	log.Info().Int64("cycles", controller.Cycles()).Msg("Shutdown complete")
	return nil
}

func newAlerter(cfg *config.Config, logger zerolog.Logger) *notification.Manager {
	m := notification.NewManager(logger)
	m.AddNotifier(notification.NewLogNotifier(logger))

	if !cfg.NotificationConfig.Enabled {
		return m
	}
	if cfg.NotificationConfig.Telegram.Enabled {
		m.AddNotifier(notification.NewTelegramNotifier(cfg.NotificationConfig.Telegram))
		logger.Info().Msg("Telegram notifications enabled")
	}
	if cfg.NotificationConfig.Discord.Enabled {
		m.AddNotifier(notification.NewDiscordNotifier(cfg.NotificationConfig.Discord))
		logger.Info().Msg("Discord notifications enabled")
	}
	if cfg.NotificationConfig.Email.Enabled {
		m.AddNotifier(email.NewNotifier(cfg.NotificationConfig.Email))
		logger.Info().Strs("to", cfg.NotificationConfig.Email.To).Msg("Email notifications enabled")
	}
	return m
}

// newBroker returns the paper broker for dry runs and the REST client
// otherwise, resolving credentials from the environment or Vault
func newBroker(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (broker.Broker, error) {
	if cfg.SchedulerConfig.DryRun {
		paper := broker.NewPaperBroker()
		paper.SetAccount(broker.Account{
			Equity:     cfg.BrokerConfig.PaperEquity,
			LastEquity: cfg.BrokerConfig.PaperEquity,
			Cash:       cfg.BrokerConfig.PaperEquity,
			Status:     "ACTIVE",
		})
		positions := make([]broker.Position, 0, len(cfg.BrokerConfig.PaperPositions))
		for _, p := range cfg.BrokerConfig.PaperPositions {
			positions = append(positions, paperPosition(p))
		}
		paper.SetPositions(positions...)
		logger.Warn().Int("positions", len(positions)).Msg("DRY RUN: using the in-memory paper broker")
		return paper, nil
	}

	vc, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return nil, err
	}
	if err := vc.Health(ctx); err != nil {
		logger.Warn().Err(err).Msg("Vault health check failed")
	}
	creds, err := vc.Resolve(ctx, vault.BrokerCredentials{
		APIKey:    cfg.BrokerConfig.APIKey,
		SecretKey: cfg.BrokerConfig.SecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("broker credentials: %w", err)
	}

	return broker.NewAlpacaClient(broker.AlpacaConfig{
		BaseURL:           cfg.BrokerConfig.BaseURL,
		DataURL:           cfg.BrokerConfig.DataURL,
		APIKey:            creds.APIKey,
		SecretKey:         creds.SecretKey,
		RequestsPerMinute: cfg.BrokerConfig.RequestsPerMinute,
		RetryMax:          cfg.BrokerConfig.RetryMax,
		Timeout:           cfg.BrokerConfig.Timeout,
	}, logger), nil
}

func paperPosition(p config.PaperPosition) broker.Position {
	pos := broker.Position{
		Symbol:        p.Symbol,
		Qty:           p.Qty,
		AvgEntryPrice: p.AvgEntryPrice,
		CurrentPrice:  p.CurrentPrice,
		LastdayPrice:  p.CurrentPrice,
		MarketValue:   p.Qty * p.CurrentPrice,
		UnrealizedPL:  p.Qty * (p.CurrentPrice - p.AvgEntryPrice),
	}
	if p.AvgEntryPrice > 0 {
		pct := (p.CurrentPrice - p.AvgEntryPrice) / p.AvgEntryPrice * 100
		if p.Qty < 0 {
			pct = -pct
		}
		pos.UnrealizedPLPct = pct
	}
	return pos
}

func newServer(cfg *config.Config, controller *autopilot.Controller, breaker *circuit.CircuitBreaker, bus *events.EventBus, logger zerolog.Logger) *api.Server {
	var (
		jwtManager *auth.JWTManager
		handlers   *auth.Handlers
	)
	if cfg.AuthConfig.Enabled {
		jwtManager = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.AccessTokenDuration)
		authCfg := auth.DefaultConfig()
		authCfg.JWTSecret = cfg.AuthConfig.JWTSecret
		authCfg.AccessTokenDuration = cfg.AuthConfig.AccessTokenDuration
		authCfg.OperatorUser = cfg.AuthConfig.OperatorUser
		authCfg.OperatorPassHash = cfg.AuthConfig.OperatorPassHash
		handlers = auth.NewHandlers(jwtManager, authCfg, logger)
	}

	return api.NewServer(api.ServerConfig{
		Port:           cfg.ServerConfig.Port,
		Host:           cfg.ServerConfig.Host,
		AllowedOrigins: cfg.ServerConfig.Origins(),
		ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		ProductionMode: true,
	}, controller, breaker, bus, jwtManager, handlers, logger)
}
