// Package db manages the database connection, migrations, and models of the
// chat server. It supports SQLite (via modernc pure-Go driver, no CGO
// required) and PostgreSQL. Migrations are embedded in the binary and applied
// automatically on startup via golang-migrate.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver, registered as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the configuration required to open a database connection.
// Driver defaults to DriverSQLite if left empty.
type Config struct {
	Driver   string
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel

	// SlowQueryThreshold overrides DefaultSlowQueryThreshold. A negative
	// value disables slow query warnings.
	SlowQueryThreshold time.Duration

	// LogNotFound reports gorm.ErrRecordNotFound as a query failure.
	LogNotFound bool
}

// New opens a database connection, applies pending migrations, and returns
// the ready-to-use *gorm.DB instance.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, errors.New("db: logger is required")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}

	gormCfg := &gorm.Config{
		Logger: newQueryLogger(cfg.Logger, cfg),
		// Timestamps are always stored in UTC so that lexical ordering on
		// SQLite text columns matches chronological ordering.
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		database *gorm.DB
		err      error
	)
	switch cfg.Driver {
	case DriverSQLite:
		database, err = openSQLite(cfg.DSN, gormCfg)
	case DriverPostgres:
		database, err = openPostgres(cfg.DSN, gormCfg)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q, use %q or %q", cfg.Driver, DriverSQLite, DriverPostgres)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("db: failed to get sql.DB: %w", err)
	}
	if err := runMigrations(sqlDB, cfg.Driver, cfg.Logger); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db: migrations failed: %w", err)
	}

	return database, nil
}

// openSQLite opens the file through database/sql with the modernc driver and
// hands the *sql.DB to GORM, which would otherwise open a second connection
// with go-sqlite3.
func openSQLite(dsn string, gormCfg *gorm.Config) (*gorm.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: failed to open sqlite: %w", err)
	}
	// One writer at a time; a single connection also serializes the
	// get-or-create paths of the repositories.
	sqlDB.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db: failed to initialize gorm with sqlite: %w", err)
	}
	return database, nil
}

func openPostgres(dsn string, gormCfg *gorm.Config) (*gorm.DB, error) {
	database, err := gorm.Open(gormpostgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("db: failed to open postgres: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("db: failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return database, nil
}

// Ping verifies that the database connection is still alive.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: failed to get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: failed to get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// runMigrations applies all pending up-migrations from the embedded SQL files.
// ErrNoChange is treated as success.
func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	target, err := migrationTarget(sqlDB, driver)
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	log.Info("database migrations applied",
		zap.String("driver", driver),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

func migrationTarget(sqlDB *sql.DB, driver string) (migratedb.Driver, error) {
	switch driver {
	case DriverSQLite:
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		return drv, nil
	case DriverPostgres:
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		return drv, nil
	default:
		return nil, fmt.Errorf("no migrate driver for %q", driver)
	}
}
