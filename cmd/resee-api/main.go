package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/auth"
	"github.com/djgnfj-svg/resee/backend/internal/config"
	"github.com/djgnfj-svg/resee/backend/internal/database"
	"github.com/djgnfj-svg/resee/backend/internal/events"
	"github.com/djgnfj-svg/resee/backend/internal/logging"
	"github.com/djgnfj-svg/resee/backend/internal/observability"
	"github.com/djgnfj-svg/resee/backend/internal/owners"
	"github.com/djgnfj-svg/resee/backend/internal/realtime"
	"github.com/djgnfj-svg/resee/backend/internal/reminders"
	"github.com/djgnfj-svg/resee/backend/internal/schedules"
	"github.com/djgnfj-svg/resee/backend/internal/server"
	"github.com/djgnfj-svg/resee/backend/internal/tiers"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "resee-api",
		Short: "Review scheduling service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newEmitCommand())
	rootCmd.AddCommand(newSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "PostgreSQL DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("default-tier", defaults.GetString("tiers.default"), "Tier assumed for owners without an entitlement")
	cmd.PersistentFlags().String("amqp-url", defaults.GetString("amqp.url"), "RabbitMQ URL for lifecycle events")
	cmd.PersistentFlags().String("redis-addr", defaults.GetString("redis.addr"), "Redis address for cross-instance notifications")
	cmd.PersistentFlags().Duration("reminders-interval", defaults.GetDuration("reminders.interval"), "Interval between due-review sweeps")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tiers.default", "default-tier")
	bindFlag(cmd, "amqp.url", "amqp-url")
	bindFlag(cmd, "redis.addr", "redis-addr")
	bindFlag(cmd, "reminders.interval", "reminders-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, zap.String("service", appConfig.TracingServiceName))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(signalCtx, observability.TracingConfig{
		Enabled:     appConfig.TracingEnabled,
		Endpoint:    appConfig.TracingEndpoint,
		Insecure:    appConfig.TracingInsecure,
		ServiceName: appConfig.TracingServiceName,
		SampleRatio: appConfig.TracingSampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	dispatcher := realtime.NewDispatcher()
	var redisBus *realtime.RedisBus
	var bus realtime.Bus
	if appConfig.RedisAddr != "" {
		redisBus, err = realtime.NewRedisBus(signalCtx, realtime.RedisBusConfig{
			Addr:    appConfig.RedisAddr,
			Channel: appConfig.RedisChannel,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		defer redisBus.Close() //nolint:errcheck
		bus = redisBus
	}
	notifier := realtime.NewNotifier(dispatcher, bus, logger)

	table, err := tiers.DefaultTable()
	if err != nil {
		return err
	}
	scheduleService, err := schedules.NewService(schedules.ServiceConfig{
		Database:    db,
		Clock:       time.Now,
		IDProvider:  schedules.NewUUIDProvider(),
		Table:       table,
		Logger:      logger,
		Notifier:    notifier,
		MaxAttempts: appConfig.ScheduleAttempts,
	})
	if err != nil {
		return err
	}
	ownerService, err := owners.NewService(owners.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	eventHandler, err := events.NewHandler(events.HandlerConfig{
		Scheduler:    scheduleService,
		Entitlements: ownerService,
		DefaultTier:  appConfig.DefaultTier,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Owners:           ownerService,
		Schedules:        scheduleService,
		Events:           eventHandler,
		Realtime:         dispatcher,
		AllowedOrigins:   appConfig.AllowedOrigins,
		InternalToken:    appConfig.InternalToken,
		DefaultTier:      appConfig.DefaultTier,
		ServiceName:      appConfig.TracingServiceName,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("default_tier", appConfig.DefaultTier.String()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if redisBus != nil {
		group.Go(func() error {
			return redisBus.Forward(groupCtx, dispatcher)
		})
	}

	if appConfig.AMQPURL != "" {
		consumer, err := events.NewConsumer(events.ConsumerConfig{
			URL:     appConfig.AMQPURL,
			Queue:   appConfig.AMQPQueue,
			Handler: eventHandler,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		group.Go(func() error {
			return consumer.Run(groupCtx)
		})
	}

	if appConfig.RemindersEnabled {
		sweeper, err := reminders.NewSweeper(reminders.SweeperConfig{
			Schedules:   scheduleService,
			Tiers:       ownerService,
			Announcer:   notifier,
			DefaultTier: appConfig.DefaultTier,
			Interval:    appConfig.RemindersInterval,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		group.Go(func() error {
			return sweeper.Run(groupCtx)
		})
	}

	return group.Wait()
}

func newReconcileCommand() *cobra.Command {
	var ownerFlag, tierFlag string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Record an owner's tier and repair their schedules against it",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadDatabase(viper.GetViper())
			if err != nil {
				return err
			}
			ownerID, err := schedules.NewOwnerID(ownerFlag)
			if err != nil {
				return err
			}
			tier, err := tiers.ParseTier(tierFlag)
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, closeDB, err := openDatabase(appConfig, logger)
			if err != nil {
				return err
			}
			defer closeDB()

			result, err := applyEntitlement(cmd.Context(), db, logger, appConfig.ScheduleAttempts, ownerID, tier)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tier %s: examined %d schedules, changed %d\n",
				result.Tier, result.Reconcile.Examined, len(result.Reconcile.Changed))
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerFlag, "owner", "", "Owner id")
	cmd.Flags().StringVar(&tierFlag, "tier", "", "Tier to record (free, basic, pro)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("tier")
	return cmd
}

// applyEntitlement runs an entitlement change effective now through the event handler, so
// the tier is stored before schedules are reconciled against the owner's current tier.
func applyEntitlement(ctx context.Context, db *gorm.DB, logger *zap.Logger, attempts int, ownerID schedules.OwnerID, tier tiers.Tier) (events.Result, error) {
	table, err := tiers.DefaultTable()
	if err != nil {
		return events.Result{}, err
	}
	scheduleService, err := schedules.NewService(schedules.ServiceConfig{
		Database:    db,
		IDProvider:  schedules.NewUUIDProvider(),
		Table:       table,
		Logger:      logger,
		MaxAttempts: attempts,
	})
	if err != nil {
		return events.Result{}, err
	}
	ownerService, err := owners.NewService(owners.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return events.Result{}, err
	}
	handler, err := events.NewHandler(events.HandlerConfig{
		Scheduler:    scheduleService,
		Entitlements: ownerService,
		DefaultTier:  tier,
		Logger:       logger,
	})
	if err != nil {
		return events.Result{}, err
	}
	return handler.Handle(ctx, events.Envelope{
		Type:    events.TypeEntitlementChanged,
		OwnerID: ownerID.String(),
		Tier:    tier.String(),
	})
}

func newEmitCommand() *cobra.Command {
	var envelope events.Envelope
	var eventType string
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Publish one lifecycle event to the configured queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := viper.GetString("amqp.url")
			if url == "" {
				return errors.New("amqp.url is required")
			}
			envelope.Type = events.EventType(eventType)
			publisher, err := events.NewPublisher(url, viper.GetString("amqp.queue"))
			if err != nil {
				return err
			}
			defer publisher.Close() //nolint:errcheck
			return publisher.Publish(cmd.Context(), envelope)
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "Event type (content.created, review.outcome_submitted, entitlement.changed, content.deleted)")
	cmd.Flags().StringVar(&envelope.OwnerID, "owner", "", "Owner id")
	cmd.Flags().StringVar(&envelope.ContentID, "content", "", "Content id")
	cmd.Flags().StringVar(&envelope.Category, "category", "", "Content category")
	cmd.Flags().StringVar(&envelope.Result, "result", "", "Review result (succeeded, partial, failed)")
	cmd.Flags().StringVar(&envelope.Tier, "tier", "", "Entitlement tier")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newSessionCommand() *cobra.Command {
	var claims auth.SessionClaims
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Mint a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(viper.GetString("tauth.signing_secret")),
				Issuer:        viper.GetString("tauth.issuer"),
				TTL:           ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(claims)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\nexpires_at=%s\n",
				viper.GetString("tauth.cookie_name"), token, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&claims.UserID, "user-id", "", "User id, optionally provider-prefixed (google:123)")
	cmd.Flags().StringVar(&claims.UserEmail, "email", "", "User email")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Session lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
