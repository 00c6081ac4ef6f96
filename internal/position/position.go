// Package position tracks the open and close lifecycle of account positions.
package position

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/fixedpoint"
	"github.com/wnt/subledger/internal/metrics"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/registry"
	"github.com/wnt/subledger/internal/store"
)

// ErrNegativeAmount is returned when a change carries a negative amount
var ErrNegativeAmount = errors.New("negative position amount")

// Change is one transaction touching an (account, market, side) slot
type Change struct {
	Event   chain.Event
	Account *models.Account
	Market  *models.Market
	Side    models.Side
	Kind    models.EventKind

	// Amount moved by the transaction, in raw token units
	Amount *big.Int

	// Balance is the authoritative balance read after the transaction.
	// A reverted read falls back to the previous balance plus or minus Amount.
	Balance chain.Result[*big.Int]
}

// Result describes what Apply did
type Result struct {
	PositionID string
	Balance    decimal.Decimal
	Opened     bool
	Closed     bool
}

// Lifecycle opens, updates and closes positions
type Lifecycle struct {
	registry *registry.Registry
	logger   zerolog.Logger
}

// New creates a lifecycle
func New(reg *registry.Registry, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		registry: reg,
		logger:   logger.With().Str("component", "position").Logger(),
	}
}

func increases(kind models.EventKind) bool {
	return kind == models.EventDeposit || kind == models.EventBorrow
}

// Apply moves the slot's current position through one transaction. The account and
// market are mutated in place and saved.
func (l *Lifecycle) Apply(ctx context.Context, s store.Store, c Change) (Result, error) {
	if fixedpoint.IsNegative(c.Amount) {
		return Result{}, fmt.Errorf("%w: %s %s", ErrNegativeAmount, c.Kind, c.Amount)
	}

	counter, _, err := registry.LoadOrCreate(ctx, s, registry.PositionCounterID(c.Account.ID, c.Market.ID, c.Side),
		func(id string) *models.PositionCounter {
			return &models.PositionCounter{ID: id, NextCount: 1}
		})
	if err != nil {
		return Result{}, fmt.Errorf("failed to load position counter: %w", err)
	}

	id := registry.PositionID(counter.ID, counter.NextCount)
	pos, err := registry.Load[models.Position](ctx, s, id)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load position: %w", err)
	}

	var res Result
	if pos == nil || !pos.IsOpen() {
		if !increases(c.Kind) {
			l.logger.Warn().
				Str("account", c.Account.ID).
				Str("market", c.Market.ID).
				Str("side", string(c.Side)).
				Str("kind", string(c.Kind)).
				Msg("no open position to update")
			return Result{}, nil
		}
		pos, err = l.open(ctx, s, c, counter, id)
		if err != nil {
			return Result{}, err
		}
		res.Opened = true
	}

	amount := c.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	local := fixedpoint.BigInt(pos.Balance)
	if increases(c.Kind) {
		local.Add(local, amount)
	} else {
		local.Sub(local, amount)
	}

	authoritative := c.Balance.ValueOr(local)
	if authoritative == nil {
		authoritative = local
	}
	balance := fixedpoint.Raw(authoritative)
	if balance.IsNegative() {
		l.logger.Warn().
			Str("position", pos.ID).
			Str("balance", balance.String()).
			Msg("negative position balance, clamping to zero")
		balance = decimal.Zero
	}
	pos.Balance = balance
	pos.CountEvent(c.Kind)

	if !balance.IsPositive() {
		if err := l.close(ctx, s, c, counter, pos); err != nil {
			return Result{}, err
		}
		res.Closed = true
	}

	snap := &models.PositionSnapshot{
		ID:          registry.PositionSnapshotID(pos.ID, c.Event.Hash(), c.Event.LogIndex),
		PositionID:  pos.ID,
		Hash:        c.Event.Hash(),
		LogIndex:    c.Event.LogIndex,
		Nonce:       c.Event.Nonce,
		Balance:     pos.Balance,
		BlockNumber: c.Event.BlockNumber,
		Timestamp:   c.Event.Timestamp,
	}
	for _, e := range []store.Entity{pos, snap, c.Account, c.Market} {
		if err := s.Save(ctx, e); err != nil {
			return Result{}, fmt.Errorf("failed to save %s: %w", e.EntityType(), err)
		}
	}

	res.PositionID = pos.ID
	res.Balance = pos.Balance
	return res, nil
}

func (l *Lifecycle) open(ctx context.Context, s store.Store, c Change, counter *models.PositionCounter, id string) (*models.Position, error) {
	pos := &models.Position{
		ID:                id,
		CounterID:         counter.ID,
		AccountID:         c.Account.ID,
		MarketID:          c.Market.ID,
		Side:              c.Side,
		Status:            models.PositionOpen,
		Balance:           decimal.Zero,
		HashOpened:        c.Event.Hash(),
		BlockNumberOpened: c.Event.BlockNumber,
		TimestampOpened:   c.Event.Timestamp,
	}
	if c.Side == models.SideLender {
		pos.IsCollateral = c.Account.HasCollateral(c.Market.ID)
	}

	c.Account.PositionCount++
	c.Account.OpenPositionCount++

	c.Market.PositionCount++
	c.Market.OpenPositionCount++
	if c.Side == models.SideLender {
		c.Market.LendingPositionCount++
	} else {
		c.Market.BorrowingPositionCount++
	}

	protocol, err := l.registry.Protocol(ctx, s)
	if err != nil {
		return nil, err
	}
	protocol.CumulativePositionCount++
	protocol.OpenPositionCount++
	if err := s.Save(ctx, protocol); err != nil {
		return nil, fmt.Errorf("failed to save protocol: %w", err)
	}

	metrics.RecordPositionTransition(string(c.Side), "opened")
	return pos, nil
}

func (l *Lifecycle) close(ctx context.Context, s store.Store, c Change, counter *models.PositionCounter, pos *models.Position) error {
	pos.Status = models.PositionClosed
	pos.HashClosed = c.Event.Hash()
	pos.BlockNumberClosed = c.Event.BlockNumber
	pos.TimestampClosed = c.Event.Timestamp
	if pos.Side == models.SideLender {
		pos.IsCollateral = false
	}

	counter.NextCount++
	if err := s.Save(ctx, counter); err != nil {
		return fmt.Errorf("failed to save position counter: %w", err)
	}

	c.Account.OpenPositionCount--
	c.Account.ClosedPositionCount++
	c.Market.OpenPositionCount--
	c.Market.ClosedPositionCount++

	protocol, err := l.registry.Protocol(ctx, s)
	if err != nil {
		return err
	}
	protocol.OpenPositionCount--
	protocol.ClosedPositionCount++
	if err := s.Save(ctx, protocol); err != nil {
		return fmt.Errorf("failed to save protocol: %w", err)
	}

	metrics.RecordPositionTransition(string(pos.Side), "closed")
	return nil
}

// MarkActor records that an account acted in role. The first time it does, the matching
// unique counter on the protocol is incremented. It reports whether this was the first time.
func (l *Lifecycle) MarkActor(ctx context.Context, s store.Store, role models.EventKind, accountID string) (bool, error) {
	_, created, err := registry.LoadOrCreate(ctx, s, registry.ActorID(role, accountID), func(id string) *models.ActorAccount {
		return &models.ActorAccount{ID: id}
	})
	if err != nil {
		return false, fmt.Errorf("failed to load actor marker: %w", err)
	}
	if !created {
		return false, nil
	}

	protocol, err := l.registry.Protocol(ctx, s)
	if err != nil {
		return false, err
	}
	switch role {
	case models.EventDeposit:
		protocol.CumulativeUniqueDepositors++
	case models.EventBorrow:
		protocol.CumulativeUniqueBorrowers++
	case models.EventLiquidate:
		protocol.CumulativeUniqueLiquidators++
	case models.EventLiquidated:
		protocol.CumulativeUniqueLiquidatees++
	}
	if err := s.Save(ctx, protocol); err != nil {
		return false, fmt.Errorf("failed to save protocol: %w", err)
	}
	return true, nil
}

// Lookup returns the id of the slot's open position, else of its most recently closed one,
// else an empty string
func (l *Lifecycle) Lookup(ctx context.Context, s store.Store, accountID, marketID string, side models.Side) (string, error) {
	counter, err := registry.Load[models.PositionCounter](ctx, s, registry.PositionCounterID(accountID, marketID, side))
	if err != nil {
		return "", fmt.Errorf("failed to load position counter: %w", err)
	}
	if counter == nil {
		return "", nil
	}

	id := registry.PositionID(counter.ID, counter.NextCount)
	pos, err := registry.Load[models.Position](ctx, s, id)
	if err != nil {
		return "", fmt.Errorf("failed to load position: %w", err)
	}
	if pos != nil {
		return id, nil
	}
	if counter.NextCount > 1 {
		return registry.PositionID(counter.ID, counter.NextCount-1), nil
	}
	return "", nil
}

// SetCollateral flips the collateral flag of the account's open lender position in a market
func (l *Lifecycle) SetCollateral(ctx context.Context, s store.Store, accountID, marketID string, enabled bool) error {
	counter, err := registry.Load[models.PositionCounter](ctx, s, registry.PositionCounterID(accountID, marketID, models.SideLender))
	if err != nil {
		return fmt.Errorf("failed to load position counter: %w", err)
	}
	if counter == nil {
		return nil
	}

	pos, err := registry.Load[models.Position](ctx, s, registry.PositionID(counter.ID, counter.NextCount))
	if err != nil {
		return fmt.Errorf("failed to load position: %w", err)
	}
	if pos == nil || !pos.IsOpen() {
		return nil
	}
	pos.IsCollateral = enabled
	if err := s.Save(ctx, pos); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}
