package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/rental/internal/httpserver"
	"github.com/MarkoPoloResearchLab/rental/internal/notify"
	"github.com/MarkoPoloResearchLab/rental/internal/payment"
	"github.com/MarkoPoloResearchLab/rental/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/rental/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/rental/pkg/booking"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagAllowedOrigins = "allowed-origins"
	flagPaymentBaseURL = "payment-base-url"
	flagPaymentAPIKey  = "payment-api-key"
	flagStoreBackend   = "store"
	flagPendingTTL     = "pending-ttl"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyPaymentBaseURL = "payment_base_url"
	configKeyPaymentAPIKey  = "payment_api_key"
	configKeyStoreBackend   = "store"
	configKeyPendingTTL     = "pending_ttl"

	defaultDatabaseURL = "sqlite:///tmp/rental.db"
	defaultListenAddr  = ":8080"

	storeBackendGorm = "gorm"
	storeBackendPgx  = "pgx"

	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	AllowedOrigins string
	PaymentBaseURL string
	PaymentAPIKey  string
	StoreBackend   string
	PendingTTL     time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rentald: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "rentald",
		Short:         "Equipment rental availability and reservation server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagPaymentBaseURL, "", "payment authority base URL (empty for the local stub)")
	cmd.Flags().String(flagPaymentAPIKey, "", "payment authority API key")
	cmd.Flags().String(flagStoreBackend, storeBackendGorm, "store backend: gorm or pgx (pgx requires a postgres DSN)")
	cmd.Flags().Duration(flagPendingTTL, 0, "expire PENDING reservations older than this (0 disables the sweep)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyPaymentBaseURL: "PAYMENT_BASE_URL",
		configKeyPaymentAPIKey:  "PAYMENT_API_KEY",
		configKeyStoreBackend:   "STORE_BACKEND",
		configKeyPendingTTL:     "PENDING_TTL",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyPaymentBaseURL: flagPaymentBaseURL,
		configKeyPaymentAPIKey:  flagPaymentAPIKey,
		configKeyStoreBackend:   flagStoreBackend,
		configKeyPendingTTL:     flagPendingTTL,
	}
	for key, name := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.PaymentBaseURL = viper.GetString(configKeyPaymentBaseURL)
	cfg.PaymentAPIKey = viper.GetString(configKeyPaymentAPIKey)
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = storeBackendGorm
	}
	cfg.PendingTTL = viper.GetDuration(configKeyPendingTTL)

	if cfg.StoreBackend != storeBackendGorm && cfg.StoreBackend != storeBackendPgx {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.PendingTTL < 0 {
		return fmt.Errorf("pending ttl must not be negative")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := gormstore.Migrate(gormDB); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	store, storeCleanup, err := selectStore(ctx, cfg, driver, gormDB)
	if err != nil {
		return err
	}
	defer storeCleanup()

	authorizer, err := selectAuthorizer(cfg)
	if err != nil {
		return err
	}

	clock := func() time.Time { return time.Now().UTC() }
	service, err := booking.NewService(store, authorizer, clock,
		booking.WithOperationLogger(newZapOperationLogger(logger)),
		booking.WithNotifier(notify.NewLogNotifier(logger)),
	)
	if err != nil {
		return fmt.Errorf("booking service init: %w", err)
	}

	if cfg.PendingTTL > 0 {
		go runStaleSweep(ctx, service, logger, cfg.PendingTTL)
	}

	serverConfig := httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
	}
	return httpserver.Run(ctx, serverConfig, service, logger)
}

func selectStore(ctx context.Context, cfg *runtimeConfig, driver string, gormDB *gorm.DB) (booking.Store, func(), error) {
	if cfg.StoreBackend == storeBackendPgx {
		if driver != driverPostgres {
			return nil, nil, fmt.Errorf("store backend pgx requires a postgres DSN")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("pgx pool: %w", err)
		}
		return pgstore.New(pool), pool.Close, nil
	}
	return gormstore.New(gormDB), func() {}, nil
}

func selectAuthorizer(cfg *runtimeConfig) (booking.PaymentAuthorizer, error) {
	if cfg.PaymentBaseURL == "" {
		return payment.NewStaticAuthorizer(), nil
	}
	client, err := payment.New(payment.Config{
		BaseURL: cfg.PaymentBaseURL,
		APIKey:  cfg.PaymentAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("payment client: %w", err)
	}
	return client, nil
}

func runStaleSweep(ctx context.Context, service *booking.Service, logger *zap.Logger, ttl time.Duration) {
	interval := ttl / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := service.ExpireStale(ctx, ttl)
			if err != nil {
				logger.Warn("stale sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				logger.Info("expired stale pending reservations", zap.Int("count", expired))
			}
		}
	}
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func newZapOperationLogger(logger *zap.Logger) *zapOperationLogger {
	return &zapOperationLogger{logger: logger}
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry booking.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("reservation_id", entry.ReservationID.String()),
		zap.String("hotel_id", entry.HotelID.String()),
		zap.String("product_id", entry.ProductID.String()),
		zap.String("from_status", entry.FromStatus.String()),
		zap.String("to_status", entry.ToStatus.String()),
		zap.Int64("amount_cents", entry.AmountCents.Int64()),
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("booking operation failed", fields...)
		return
	}
	operationLogger.logger.Info("booking operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "rental.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
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
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
