// Package database is the postgres entity store built on gorm.
package database

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/subledger/internal/metrics"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/store"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const backend = "postgres"

// entities lists every persisted model, in migration order
var entities = []store.Entity{
	&models.Protocol{},
	&models.Account{},
	&models.ActorAccount{},
	&models.DailyActiveAccount{},
	&models.HourlyActiveAccount{},
	&models.Token{},
	&models.RewardToken{},
	&models.Market{},
	&models.InterestRate{},
	&models.Fee{},
	&models.StrategyMapping{},
	&models.Position{},
	&models.PositionCounter{},
	&models.PositionSnapshot{},
	&models.Deposit{},
	&models.Withdraw{},
	&models.Borrow{},
	&models.Repay{},
	&models.Liquidate{},
	&models.MarketDailySnapshot{},
	&models.MarketHourlySnapshot{},
	&models.FinancialsDailySnapshot{},
	&models.UsageMetricsDailySnapshot{},
	&models.UsageMetricsHourlySnapshot{},
	&models.BlockRateBuffer{},
	&models.EventReceipt{},
}

// indexes are the composite and USD search indexes created after migration
var indexes = []string{
	// common query patterns
	"CREATE INDEX IF NOT EXISTS idx_positions_account_market_side ON positions(account_id, market_id, side)",
	"CREATE INDEX IF NOT EXISTS idx_market_daily_snapshots_market_day ON market_daily_snapshots(market_id, day)",
	"CREATE INDEX IF NOT EXISTS idx_market_hourly_snapshots_market_hour ON market_hourly_snapshots(market_id, hour)",
	"CREATE INDEX IF NOT EXISTS idx_deposits_market_block ON deposits(market_id, block_number)",
	"CREATE INDEX IF NOT EXISTS idx_withdraws_market_block ON withdraws(market_id, block_number)",
	"CREATE INDEX IF NOT EXISTS idx_liquidates_market_block ON liquidates(market_id, block_number)",

	// USD value searches
	"CREATE INDEX IF NOT EXISTS idx_markets_tvl ON markets(total_value_locked_usd)",
	"CREATE INDEX IF NOT EXISTS idx_deposits_amount_usd ON deposits(amount_usd)",
}

// Connect opens a postgres connection and migrates the schema
func Connect(dsn string, log zerolog.Logger) (*gorm.DB, error) {
	// Configure GORM with optimized settings
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true, // Prepare statement for better performance
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(postgres.Open(dsn), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Set connection pool settings
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	// Set connection pool limits
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Migrate database schema
	if err := migrateSchema(db, log); err != nil {
		return nil, err
	}

	return db, nil
}

func migrateSchema(db *gorm.DB, log zerolog.Logger) error {
	tables := make([]any, len(entities))
	for i, e := range entities {
		tables[i] = e
	}
	if err := db.AutoMigrate(tables...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	createIndexes(db, log)
	return nil
}

// createIndexes runs every index statement and returns how many failed.
// A missing index slows queries but never blocks startup.
func createIndexes(db *gorm.DB, log zerolog.Logger) int {
	failed := 0
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			log.Warn().Err(err).Str("statement", stmt).Msg("Failed to create index")
			failed++
		}
	}
	return failed
}

// Store implements store.Store over a gorm connection
type Store struct {
	db *gorm.DB
}

// NewStore wraps a connected gorm database
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Load implements store.Store
func (s *Store) Load(ctx context.Context, id string, dst store.Entity) (bool, error) {
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(dst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.RecordStoreOperation(backend, "load", "miss")
		return false, nil
	}
	if err != nil {
		metrics.RecordStoreOperation(backend, "load", "failed")
		return false, fmt.Errorf("failed to load %s %s: %w", dst.EntityType(), id, err)
	}
	metrics.RecordStoreOperation(backend, "load", "hit")
	return true, nil
}

// Save implements store.Store, upserting by primary key
func (s *Store) Save(ctx context.Context, e store.Entity) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(addressable(e)).Error
	if err != nil {
		metrics.RecordStoreOperation(backend, "save", "failed")
		return fmt.Errorf("failed to save %s %s: %w", e.EntityType(), e.EntityID(), err)
	}
	metrics.RecordStoreOperation(backend, "save", "success")
	return nil
}

// Remove implements store.Store
func (s *Store) Remove(ctx context.Context, entityType, id string) error {
	proto, ok := prototype(entityType)
	if !ok {
		return fmt.Errorf("unknown entity type %q", entityType)
	}
	if err := s.db.WithContext(ctx).Delete(proto, "id = ?", id).Error; err != nil {
		metrics.RecordStoreOperation(backend, "remove", "failed")
		return fmt.Errorf("failed to remove %s %s: %w", entityType, id, err)
	}
	metrics.RecordStoreOperation(backend, "remove", "success")
	return nil
}

// Transaction runs fn inside a database transaction
func (s *Store) Transaction(ctx context.Context, fn func(store.Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
	if err != nil {
		metrics.RecordStoreOperation(backend, "commit", "failed")
		return err
	}
	metrics.RecordStoreOperation(backend, "commit", "success")
	return nil
}

// HealthCheck pings the database
func (s *Store) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func prototype(entityType string) (any, bool) {
	for _, e := range entities {
		if e.EntityType() == entityType {
			return reflect.New(reflect.TypeOf(e).Elem()).Interface(), true
		}
	}
	return nil, false
}

// addressable returns a pointer to e so gorm can write generated fields back
func addressable(e store.Entity) any {
	v := reflect.ValueOf(e)
	if v.Kind() == reflect.Pointer {
		return e
	}
	p := reflect.New(v.Type())
	p.Elem().Set(v)
	return p.Interface()
}
