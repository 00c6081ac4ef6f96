package database

import (
	"bytes"
	"context"
	"os"
	"reflect"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/store"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

const unreachableDSN = "host=127.0.0.1 user=nobody password=none dbname=none port=1 sslmode=disable connect_timeout=1"

// TestConnectWithUnreachableHost tests that Connect returns an error when nothing listens
func TestConnectWithUnreachableHost(t *testing.T) {
	// Attempt to connect should fail but not panic
	db, err := Connect(unreachableDSN, zerolog.Nop())
	assert.Error(t, err)
	assert.Nil(t, db)
}

func TestCreateIndexesLogsFailures(t *testing.T) {
	db, err := gorm.Open(postgres.Open(unreachableDSN), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	var buf bytes.Buffer
	failed := createIndexes(db, zerolog.New(&buf))
	assert.Equal(t, len(indexes), failed)
	assert.Contains(t, buf.String(), "Failed to create index")
	assert.Contains(t, buf.String(), "idx_positions_account_market_side")
}

func TestMarketActiveFlagHasNoColumnDefault(t *testing.T) {
	// a column default would turn a saved false back into true
	s, err := schema.Parse(&models.Market{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)

	field := s.LookUpField("IsActive")
	require.NotNil(t, field)
	assert.False(t, field.HasDefaultValue)
	assert.Nil(t, field.DefaultValueInterface)
	assert.Equal(t, reflect.Bool, field.FieldType.Kind())
}

func TestPrototype(t *testing.T) {
	proto, ok := prototype("Position")
	require.True(t, ok)
	assert.IsType(t, &models.Position{}, proto)

	_, ok = prototype("Nope")
	assert.False(t, ok)
}

func TestAddressable(t *testing.T) {
	fee := models.Fee{ID: "WITHDRAWAL_FEE-0xabc"}
	ptr, ok := addressable(fee).(*models.Fee)
	require.True(t, ok)
	assert.Equal(t, fee.ID, ptr.ID)

	same := &models.Fee{ID: "x"}
	assert.Same(t, same, addressable(same))
}

func connectForTest(t *testing.T) *Store {
	// Skip unless explicitly enabled
	if os.Getenv("RUN_DB_TESTS") != "true" {
		t.Skip("Skipping database store test. Set RUN_DB_TESTS=true to enable.")
	}

	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping test because TEST_DATABASE_DSN is not set")
	}

	db, err := Connect(dsn, zerolog.Nop())
	require.NoError(t, err)
	s := NewStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	s := connectForTest(t)
	ctx := context.Background()

	market := &models.Market{
		ID:          "0x00000000000000000000000000000000000000aa",
		ProtocolID:  "0x00000000000000000000000000000000000000ff",
		InputTokens: []models.TokenBalance{{TokenID: "0x01", Decimals: 18, Balance: decimal.RequireFromString("1000000000000000000")}},
	}
	require.NoError(t, s.Save(ctx, market))

	market.Name = "renamed"
	require.NoError(t, s.Save(ctx, market))

	var got models.Market
	found, err := s.Load(ctx, market.ID, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "renamed", got.Name)
	assert.False(t, got.IsActive, "inactive market stays inactive")
	assert.Equal(t, "1000000000000000000", got.InputTokens[0].Balance.String())

	require.NoError(t, s.Remove(ctx, "Market", market.ID))
	found, err = s.Load(ctx, market.ID, &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreTransactionRollback(t *testing.T) {
	s := connectForTest(t)
	ctx := context.Background()

	err := store.Atomically(ctx, s, func(tx store.Store) error {
		if err := tx.Save(ctx, &models.PositionCounter{ID: "rollback-counter", NextCount: 3}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	found, err := s.Load(ctx, "rollback-counter", &models.PositionCounter{})
	require.NoError(t, err)
	assert.False(t, found)
}
