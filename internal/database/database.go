package database

import (
	"fmt"
	"log"
	"time"

	"github.com/agripay/backend/internal/config"
	"github.com/agripay/backend/internal/database/migrations"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store drivers accepted by NewIntentStore
const (
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
	DriverMemory   = "memory"
)

// InitDB initializes the database connection with configuration
func InitDB(dbConfig config.DatabaseConfig) (*gorm.DB, error) {
	logLevel := logger.Warn
	if dbConfig.LogSQL {
		logLevel = logger.Info
	}
	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	}

	db, err := gorm.Open(postgres.Open(dbConfig.URL), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	sqlDB.SetMaxIdleConns(dbConfig.MaxIdle)
	sqlDB.SetMaxOpenConns(dbConfig.MaxConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := migrations.RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// NewIntentStore builds the intent store selected by storeConfig.Driver. db is
// only used by the postgres driver. The returned close function releases any
// resources the store holds.
func NewIntentStore(storeConfig config.StoreConfig, db *gorm.DB) (IntentStore, func() error, error) {
	noop := func() error { return nil }

	switch storeConfig.Driver {
	case DriverPostgres, "":
		if db == nil {
			return nil, nil, fmt.Errorf("postgres store requires a database connection")
		}
		return NewGormStore(db), noop, nil
	case DriverBolt:
		store, err := NewBoltStore(storeConfig.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("Using bolt intent store at %s", storeConfig.BoltPath)
		return store, store.Close, nil
	case DriverMemory:
		log.Printf("Using in-memory intent store; intents will not survive a restart")
		return NewMemoryStore(), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", storeConfig.Driver)
	}
}
