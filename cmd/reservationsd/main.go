package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/reservations/internal/httpapi"
	"github.com/MarkoPoloResearchLab/reservations/internal/oplog"
	"github.com/MarkoPoloResearchLab/reservations/internal/paymentevents"
	"github.com/MarkoPoloResearchLab/reservations/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/reservations/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/reservations/pkg/booking"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	envPrefix = "RESERVATIONS"

	flagDatabaseURL      = "database-url"
	flagStoreDriver      = "store-driver"
	flagListenAddr       = "listen-addr"
	flagAllowedOrigins   = "allowed-origins"
	flagRequestTimeout   = "request-timeout"
	flagAMQPURL          = "amqp-url"
	flagPaymentQueue     = "payment-queue"
	flagCategoryCapacity = "category-capacity"

	flagTicketTypeID       = "id"
	flagTicketTypeName     = "name"
	flagTicketTypePrice    = "price-pence"
	flagTicketTypeCategory = "resource-category"
	flagTicketTypeMetadata = "payment-metadata"

	flagEventReference = "reference"
	flagEventAmount    = "amount-pence"
	flagEventSource    = "source-reference"
	flagEventOutcome   = "outcome"
	flagEventCleared   = "cleared"
	flagEventMetadata  = "metadata"

	driverGorm      = "gorm"
	driverPgx       = "pgx"
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite"

	defaultDatabaseURL    = "sqlite:///tmp/reservations.db"
	defaultListenAddr     = ":8080"
	defaultAllowedOrigins = "http://localhost:8000"
	defaultRequestTimeout = 5 * time.Second
	defaultPaymentQueue   = "reservations.payments"
)

type runtimeConfig struct {
	DatabaseURL      string
	StoreDriver      string
	ListenAddr       string
	AllowedOrigins   []string
	RequestTimeout   time.Duration
	AMQPURL          string
	PaymentQueue     string
	CategoryCapacity map[string]int
}

// bookingStore is what every store driver provides to the binary.
type bookingStore interface {
	booking.Store
	booking.TicketTypeProvider
	UpsertTicketType(ctx context.Context, ticketType booking.TicketType) error
}

type openedStore struct {
	store   bookingStore
	migrate func(ctx context.Context) error
	dialect string
	close   func()
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "reservationsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	settings := viper.New()
	cmd := &cobra.Command{
		Use:           "reservationsd",
		Short:         "Event ticket reservation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, settings, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagDatabaseURL, defaultDatabaseURL, "database url (sqlite path, sqlite:// or postgres://)")
	flags.String(flagStoreDriver, driverGorm, "store implementation: gorm or pgx (postgres only)")
	flags.String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	flags.String(flagAllowedOrigins, defaultAllowedOrigins, "comma-separated CORS origins")
	flags.Duration(flagRequestTimeout, defaultRequestTimeout, "per-request timeout")
	flags.String(flagAMQPURL, "", "RabbitMQ url for payment events (empty disables the consumer)")
	flags.String(flagPaymentQueue, defaultPaymentQueue, "payment events queue")
	flags.String(flagCategoryCapacity, "", "capacity per resource category, e.g. camping=120,campervan=15")

	cmd.AddCommand(newServeCommand(cfg), newMigrateCommand(cfg), newTicketTypeCommand(cfg), newPaymentEventCommand(cfg))
	return cmd
}

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the payment event consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
}

func newMigrateCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			opened, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer opened.close()
			if err := opened.migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
			return nil
		},
	}
}

func newTicketTypeCommand(cfg *runtimeConfig) *cobra.Command {
	ticketTypeCmd := &cobra.Command{
		Use:   "ticket-type",
		Short: "Manage ticket types",
	}
	putCmd := &cobra.Command{
		Use:   "put",
		Short: "Create or replace a ticket type",
		RunE: func(cmd *cobra.Command, args []string) error {
			ticketType, err := ticketTypeFromFlags(cmd)
			if err != nil {
				return err
			}
			opened, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer opened.close()
			if err := opened.migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			if err := opened.store.UpsertTicketType(cmd.Context(), ticketType); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ticket type %s saved\n", ticketType.ID.String())
			return nil
		},
	}
	putCmd.Flags().String(flagTicketTypeID, "", "ticket type id")
	putCmd.Flags().String(flagTicketTypeName, "", "display name")
	putCmd.Flags().Int64(flagTicketTypePrice, 0, "price in pence")
	putCmd.Flags().String(flagTicketTypeCategory, "", "resource category")
	putCmd.Flags().String(flagTicketTypeMetadata, "{}", "payment metadata JSON")
	ticketTypeCmd.AddCommand(putCmd)
	return ticketTypeCmd
}

func newPaymentEventCommand(cfg *runtimeConfig) *cobra.Command {
	paymentCmd := &cobra.Command{
		Use:   "payment-event",
		Short: "Publish payment events",
	}
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one payment event to the payment queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			event, err := paymentEventFromFlags(cmd)
			if err != nil {
				return err
			}
			if err := paymentevents.Publish(cmd.Context(), cfg.AMQPURL, cfg.PaymentQueue, event); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "payment event for %s published\n", event.Reference)
			return nil
		},
	}
	publishCmd.Flags().String(flagEventReference, "", "reservation reference")
	publishCmd.Flags().Int64(flagEventAmount, 0, "amount paid in pence")
	publishCmd.Flags().String(flagEventSource, "", "payment source reference")
	publishCmd.Flags().String(flagEventOutcome, "", "partial, completed or on_arrival")
	publishCmd.Flags().Bool(flagEventCleared, false, "mark the payment as cleared")
	publishCmd.Flags().String(flagEventMetadata, "{}", "payment metadata JSON")
	paymentCmd.AddCommand(publishCmd)
	return paymentCmd
}

func loadConfig(cmd *cobra.Command, settings *viper.Viper, cfg *runtimeConfig) error {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
		return err
	}

	cfg.DatabaseURL = strings.TrimSpace(settings.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(settings.GetString(flagStoreDriver)))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = driverGorm
	}
	if cfg.StoreDriver != driverGorm && cfg.StoreDriver != driverPgx {
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	cfg.ListenAddr = settings.GetString(flagListenAddr)
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(settings.GetString(flagAllowedOrigins))
	cfg.RequestTimeout = settings.GetDuration(flagRequestTimeout)
	cfg.AMQPURL = strings.TrimSpace(settings.GetString(flagAMQPURL))
	cfg.PaymentQueue = settings.GetString(flagPaymentQueue)
	capacities, err := httpapi.ParseCategoryCapacity(settings.GetString(flagCategoryCapacity))
	if err != nil {
		return err
	}
	cfg.CategoryCapacity = capacities
	return nil
}

func serve(parent context.Context, cfg *runtimeConfig) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	opened, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer opened.close()
	if opened.dialect == dialectSQLite {
		if err := opened.migrate(ctx); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	clock := func() time.Time { return time.Now().UTC() }
	service, err := booking.NewService(opened.store, opened.store, clock, booking.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("booking service init: %w", err)
	}

	var consumer *paymentevents.Consumer
	if cfg.AMQPURL != "" {
		consumer, err = paymentevents.NewConsumer(paymentevents.Config{URL: cfg.AMQPURL, Queue: cfg.PaymentQueue}, service, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Info("payment event consumer disabled")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Run(groupCtx, httpapi.Config{
			ListenAddr:       cfg.ListenAddr,
			AllowedOrigins:   cfg.AllowedOrigins,
			RequestTimeout:   cfg.RequestTimeout,
			CategoryCapacity: cfg.CategoryCapacity,
		}, service, logger)
	})
	if consumer != nil {
		group.Go(func() error {
			return consumer.Run(groupCtx)
		})
	}
	return group.Wait()
}

func openStore(ctx context.Context, cfg *runtimeConfig) (openedStore, error) {
	dialect, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return openedStore{}, err
	}
	if cfg.StoreDriver == driverPgx {
		if dialect != dialectPostgres {
			return openedStore{}, errors.New("pgx store driver requires a postgres database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return openedStore{}, err
		}
		store := pgstore.New(pool)
		return openedStore{store: store, migrate: store.EnsureSchema, dialect: dialect, close: pool.Close}, nil
	}

	var db *gorm.DB
	switch dialect {
	case dialectPostgres:
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	case dialectSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return openedStore{}, fmt.Errorf("unsupported database scheme %q", dialect)
	}
	if err != nil {
		return openedStore{}, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return openedStore{}, err
	}
	if dialect == dialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	store := gormstore.New(db)
	return openedStore{
		store:   store,
		migrate: store.AutoMigrate,
		dialect: dialect,
		close:   func() { _ = sqlDB.Close() },
	}, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return dialectPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "reservations.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return dialectSQLite, sqlitePath, err
	}
	// Anything else is a plain sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return dialectSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	relative := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(relative), 0o755); err != nil {
		return "", err
	}
	return relative, nil
}

func ticketTypeFromFlags(cmd *cobra.Command) (booking.TicketType, error) {
	flags := cmd.Flags()
	rawID, _ := flags.GetString(flagTicketTypeID)
	name, _ := flags.GetString(flagTicketTypeName)
	rawPrice, _ := flags.GetInt64(flagTicketTypePrice)
	rawCategory, _ := flags.GetString(flagTicketTypeCategory)
	rawMetadata, _ := flags.GetString(flagTicketTypeMetadata)

	id, err := booking.NewTicketTypeID(rawID)
	if err != nil {
		return booking.TicketType{}, err
	}
	price, err := booking.NewPrice(rawPrice)
	if err != nil {
		return booking.TicketType{}, err
	}
	category, err := booking.NewResourceCategory(rawCategory)
	if err != nil {
		return booking.TicketType{}, err
	}
	metadata, err := booking.NewMetadataJSON(rawMetadata)
	if err != nil {
		return booking.TicketType{}, err
	}
	if strings.TrimSpace(name) == "" {
		name = id.String()
	}
	return booking.TicketType{ID: id, Name: strings.TrimSpace(name), Price: price, ResourceCategory: category, PaymentMetadata: metadata}, nil
}

func paymentEventFromFlags(cmd *cobra.Command) (paymentevents.Event, error) {
	flags := cmd.Flags()
	rawReference, _ := flags.GetString(flagEventReference)
	amount, _ := flags.GetInt64(flagEventAmount)
	source, _ := flags.GetString(flagEventSource)
	rawOutcome, _ := flags.GetString(flagEventOutcome)
	cleared, _ := flags.GetBool(flagEventCleared)
	rawMetadata, _ := flags.GetString(flagEventMetadata)

	reference, err := booking.NewReference(rawReference)
	if err != nil {
		return paymentevents.Event{}, err
	}
	outcome, err := booking.ParsePaymentOutcome(rawOutcome)
	if err != nil {
		return paymentevents.Event{}, err
	}
	metadata, err := booking.NewMetadataJSON(rawMetadata)
	if err != nil {
		return paymentevents.Event{}, err
	}
	event := paymentevents.Event{
		Reference:       reference.String(),
		AmountPence:     amount,
		SourceReference: source,
		Cleared:         cleared,
		Metadata:        []byte(metadata.String()),
	}
	if strings.TrimSpace(rawOutcome) != "" {
		event.Outcome = string(outcome)
	}
	return event, nil
}
