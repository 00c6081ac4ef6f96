package position

import (
	"context"
	"math/big"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/chain/chaintest"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/registry"
	"github.com/wnt/subledger/internal/store"
)

const (
	protocolID = "0x00000000000000000000000000000000000000ff"
	accountID  = "0x00000000000000000000000000000000000000aa"
	marketID   = "0x00000000000000000000000000000000000000bb"
)

type fixture struct {
	ctx     context.Context
	store   *store.KV
	reg     *registry.Registry
	life    *Lifecycle
	account *models.Account
	market  *models.Market
	block   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), store: store.NewMemory()}
	f.reg = registry.New(chaintest.NewReader(), registry.ProtocolInfo{ID: protocolID, Network: "mainnet"}, zerolog.Nop())
	f.life = New(f.reg, zerolog.Nop())

	var err error
	f.account, err = f.reg.Account(f.ctx, f.store, accountID)
	require.NoError(t, err)
	f.market = &models.Market{ID: marketID, ProtocolID: protocolID}
	require.NoError(t, f.store.Save(f.ctx, f.market))
	return f
}

func (f *fixture) event() chain.Event {
	f.block++
	return chain.Event{
		TxHash:      "0xTX" + big.NewInt(f.block).String(),
		LogIndex:    1,
		BlockNumber: f.block,
		Timestamp:   1_700_000_000 + f.block*12,
	}
}

func (f *fixture) apply(t *testing.T, side models.Side, kind models.EventKind, amount int64, balance chain.Result[*big.Int]) Result {
	t.Helper()
	res, err := f.life.Apply(f.ctx, f.store, Change{
		Event:   f.event(),
		Account: f.account,
		Market:  f.market,
		Side:    side,
		Kind:    kind,
		Amount:  big.NewInt(amount),
		Balance: balance,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) position(t *testing.T, id string) *models.Position {
	t.Helper()
	pos, err := registry.Load[models.Position](f.ctx, f.store, id)
	require.NoError(t, err)
	require.NotNil(t, pos)
	return pos
}

func (f *fixture) protocol(t *testing.T) *models.Protocol {
	t.Helper()
	p, err := f.reg.Protocol(f.ctx, f.store)
	require.NoError(t, err)
	return p
}

func TestPositionReopensUnderNextCounter(t *testing.T) {
	f := newFixture(t)
	reverted := chain.Revert[*big.Int]()

	first := f.apply(t, models.SideLender, models.EventDeposit, 100, reverted)
	assert.True(t, first.Opened)
	assert.Equal(t, accountID+"-"+marketID+"-LENDER-1", first.PositionID)

	closed := f.apply(t, models.SideLender, models.EventWithdraw, 100, reverted)
	assert.True(t, closed.Closed)
	assert.Equal(t, first.PositionID, closed.PositionID)

	second := f.apply(t, models.SideLender, models.EventDeposit, 50, reverted)
	assert.True(t, second.Opened)
	assert.Equal(t, accountID+"-"+marketID+"-LENDER-2", second.PositionID)

	old := f.position(t, first.PositionID)
	assert.False(t, old.IsOpen())
	assert.True(t, old.Balance.IsZero())
	assert.Equal(t, int64(1), old.DepositCount)
	assert.Equal(t, int64(1), old.WithdrawCount)

	fresh := f.position(t, second.PositionID)
	assert.True(t, fresh.IsOpen())
	assert.Equal(t, "50", fresh.Balance.String())
	assert.Equal(t, int64(1), fresh.DepositCount)
	assert.Equal(t, int64(0), fresh.WithdrawCount)

	assert.Equal(t, int64(2), f.account.PositionCount)
	assert.Equal(t, int64(1), f.account.OpenPositionCount)
	assert.Equal(t, int64(1), f.account.ClosedPositionCount)
	assert.Equal(t, int64(2), f.market.LendingPositionCount)
	assert.Equal(t, int64(1), f.market.OpenPositionCount)
	assert.Equal(t, int64(1), f.market.ClosedPositionCount)

	p := f.protocol(t)
	assert.Equal(t, int64(2), p.CumulativePositionCount)
	assert.Equal(t, int64(1), p.OpenPositionCount)
	assert.Equal(t, int64(1), p.ClosedPositionCount)
}

func TestAuthoritativeBalanceWins(t *testing.T) {
	f := newFixture(t)

	res := f.apply(t, models.SideLender, models.EventDeposit, 100, chain.Ok(big.NewInt(130)))
	assert.Equal(t, "130", res.Balance.String())

	res = f.apply(t, models.SideLender, models.EventWithdraw, 10, chain.Revert[*big.Int]())
	assert.Equal(t, "120", res.Balance.String())
	assert.False(t, res.Closed)
}

func TestMissingBalanceReadUsesLocalDelta(t *testing.T) {
	tests := []struct {
		name    string
		balance chain.Result[*big.Int]
	}{
		{"omitted", chain.Result[*big.Int]{}},
		{"nil value", chain.Ok[*big.Int](nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			res := f.apply(t, models.SideLender, models.EventDeposit, 100, tt.balance)
			assert.True(t, res.Opened)
			assert.False(t, res.Closed)
			assert.Equal(t, "100", res.Balance.String())

			res = f.apply(t, models.SideLender, models.EventWithdraw, 40, tt.balance)
			assert.False(t, res.Closed)
			assert.Equal(t, "60", res.Balance.String())

			assert.Equal(t, int64(1), f.protocol(t).OpenPositionCount)
			assert.Equal(t, int64(1), f.market.OpenPositionCount)
		})
	}
}

func TestNegativeBalanceIsClampedAndCloses(t *testing.T) {
	f := newFixture(t)

	f.apply(t, models.SideBorrower, models.EventBorrow, 100, chain.Revert[*big.Int]())
	res := f.apply(t, models.SideBorrower, models.EventRepay, 150, chain.Revert[*big.Int]())
	assert.True(t, res.Closed)
	assert.True(t, res.Balance.IsZero())

	pos := f.position(t, res.PositionID)
	assert.True(t, pos.Balance.IsZero())
	assert.NotZero(t, pos.BlockNumberClosed)
	assert.Equal(t, int64(1), f.market.BorrowingPositionCount)
}

func TestDecreaseWithoutOpenPositionIsNoop(t *testing.T) {
	f := newFixture(t)

	res := f.apply(t, models.SideLender, models.EventWithdraw, 10, chain.Revert[*big.Int]())
	assert.Equal(t, Result{}, res)
	assert.Equal(t, int64(0), f.market.PositionCount)

	id, err := f.life.Lookup(f.ctx, f.store, accountID, marketID, models.SideLender)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestNegativeAmountIsFatal(t *testing.T) {
	f := newFixture(t)
	_, err := f.life.Apply(f.ctx, f.store, Change{
		Event:   f.event(),
		Account: f.account,
		Market:  f.market,
		Side:    models.SideLender,
		Kind:    models.EventDeposit,
		Amount:  big.NewInt(-1),
	})
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestEveryTransitionWritesSnapshot(t *testing.T) {
	f := newFixture(t)

	ev := f.event()
	res, err := f.life.Apply(f.ctx, f.store, Change{
		Event:   ev,
		Account: f.account,
		Market:  f.market,
		Side:    models.SideLender,
		Kind:    models.EventDeposit,
		Amount:  big.NewInt(7),
		Balance: chain.Revert[*big.Int](),
	})
	require.NoError(t, err)

	snap, err := registry.Load[models.PositionSnapshot](f.ctx, f.store, registry.PositionSnapshotID(res.PositionID, ev.Hash(), ev.LogIndex))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "7", snap.Balance.String())
	assert.Equal(t, ev.BlockNumber, snap.BlockNumber)
}

func TestLookupFallsBackToClosedPosition(t *testing.T) {
	f := newFixture(t)
	first := f.apply(t, models.SideLender, models.EventDeposit, 5, chain.Revert[*big.Int]())

	id, err := f.life.Lookup(f.ctx, f.store, accountID, marketID, models.SideLender)
	require.NoError(t, err)
	assert.Equal(t, first.PositionID, id)

	f.apply(t, models.SideLender, models.EventWithdraw, 5, chain.Revert[*big.Int]())
	id, err = f.life.Lookup(f.ctx, f.store, accountID, marketID, models.SideLender)
	require.NoError(t, err)
	assert.Equal(t, first.PositionID, id)
}

func TestCollateralFlag(t *testing.T) {
	f := newFixture(t)
	f.account.EnableCollateral(marketID)

	res := f.apply(t, models.SideLender, models.EventDeposit, 5, chain.Revert[*big.Int]())
	assert.True(t, f.position(t, res.PositionID).IsCollateral)

	require.NoError(t, f.life.SetCollateral(f.ctx, f.store, accountID, marketID, false))
	assert.False(t, f.position(t, res.PositionID).IsCollateral)

	require.NoError(t, f.life.SetCollateral(f.ctx, f.store, accountID, marketID, true))
	res = f.apply(t, models.SideLender, models.EventWithdraw, 5, chain.Revert[*big.Int]())
	assert.False(t, f.position(t, res.PositionID).IsCollateral)
}

func TestMarkActorCountsOnce(t *testing.T) {
	f := newFixture(t)

	first, err := f.life.MarkActor(f.ctx, f.store, models.EventDeposit, accountID)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := f.life.MarkActor(f.ctx, f.store, models.EventDeposit, accountID)
	require.NoError(t, err)
	assert.False(t, again)

	_, err = f.life.MarkActor(f.ctx, f.store, models.EventLiquidated, accountID)
	require.NoError(t, err)

	p := f.protocol(t)
	assert.Equal(t, int64(1), p.CumulativeUniqueDepositors)
	assert.Equal(t, int64(1), p.CumulativeUniqueLiquidatees)
	assert.Equal(t, int64(0), p.CumulativeUniqueBorrowers)
}
