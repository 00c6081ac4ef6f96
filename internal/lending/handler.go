// Package lending applies decoded protocol events to positions, markets and the
// protocol aggregate.
package lending

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/accounting"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/fixedpoint"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/position"
	"github.com/wnt/subledger/internal/registry"
	"github.com/wnt/subledger/internal/store"
)

var (
	// ErrUnknownMarket is returned when an event references a market that was never listed
	ErrUnknownMarket = registry.ErrUnknownMarket

	// ErrUnknownProtocol is returned when the protocol aggregate is required but absent
	ErrUnknownProtocol = registry.ErrUnknownProtocol

	// ErrNegativeAmount is returned for events carrying a negative amount
	ErrNegativeAmount = errors.New("negative event amount")

	// ErrNoInputToken is returned for markets listed without an input token
	ErrNoInputToken = errors.New("market has no input token")
)

// Handler turns protocol events into entity updates
type Handler struct {
	registry      *registry.Registry
	positions     *position.Lifecycle
	accounting    *accounting.Accumulator
	reader        chain.ContractReader
	fallbackRatio decimal.Decimal
	logger        zerolog.Logger
}

// New creates a handler. fallbackRatio is the protocol-side share of liquidation profit
// used when neither the event nor the market configuration provides one.
func New(reg *registry.Registry, positions *position.Lifecycle, acc *accounting.Accumulator, reader chain.ContractReader, fallbackRatio decimal.Decimal, logger zerolog.Logger) *Handler {
	return &Handler{
		registry:      reg,
		positions:     positions,
		accounting:    acc,
		reader:        reader,
		fallbackRatio: fallbackRatio,
		logger:        logger.With().Str("component", "lending").Logger(),
	}
}

// Deposit supplies amount of a market's input token on behalf of account
func (h *Handler) Deposit(ctx context.Context, s store.Store, ev chain.Event, market, account string, amount *big.Int) error {
	return h.transact(ctx, s, transfer{
		ev: ev, kind: models.EventDeposit, side: models.SideLender,
		market: market, account: account, amount: amount,
		delta: accounting.BalanceDelta{Input: amount},
	})
}

// Withdraw redeems amount of a market's input token for account
func (h *Handler) Withdraw(ctx context.Context, s store.Store, ev chain.Event, market, account string, amount *big.Int) error {
	return h.transact(ctx, s, transfer{
		ev: ev, kind: models.EventWithdraw, side: models.SideLender,
		market: market, account: account, amount: amount,
		delta: accounting.BalanceDelta{Input: neg(amount)},
	})
}

// Borrow takes amount of a market's input token as debt of account
func (h *Handler) Borrow(ctx context.Context, s store.Store, ev chain.Event, market, account string, amount *big.Int) error {
	return h.transact(ctx, s, transfer{
		ev: ev, kind: models.EventBorrow, side: models.SideBorrower,
		market: market, account: account, amount: amount,
		delta: accounting.BalanceDelta{Input: neg(amount), Borrow: amount},
	})
}

// Repay pays back amount of account's debt in a market
func (h *Handler) Repay(ctx context.Context, s store.Store, ev chain.Event, market, account string, amount *big.Int) error {
	return h.transact(ctx, s, transfer{
		ev: ev, kind: models.EventRepay, side: models.SideBorrower,
		market: market, account: account, amount: amount,
		delta: accounting.BalanceDelta{Input: amount, Borrow: neg(amount)},
	})
}

type transfer struct {
	ev      chain.Event
	kind    models.EventKind
	side    models.Side
	market  string
	account string
	amount  *big.Int
	delta   accounting.BalanceDelta
}

func (h *Handler) transact(ctx context.Context, s store.Store, t transfer) error {
	if fixedpoint.IsNegative(t.amount) {
		return fmt.Errorf("%w: %s of %s", ErrNegativeAmount, t.kind, t.amount)
	}
	if t.amount == nil || t.amount.Sign() == 0 {
		h.logger.Debug().Str("kind", string(t.kind)).Str("event", t.ev.ID()).Msg("zero amount, skipping")
		return nil
	}

	return h.once(ctx, s, t.ev, string(t.kind), func() error {
		// The account goes first: creating it bumps the protocol's unique users
		account, err := h.registry.Account(ctx, s, t.account)
		if err != nil {
			return err
		}
		market, err := h.registry.Market(ctx, s, t.market)
		if err != nil {
			return err
		}
		asset := market.PrimaryInput()
		if asset == nil {
			return fmt.Errorf("%w: %s", ErrNoInputToken, market.ID)
		}

		h.accounting.SyncBalances(ctx, t.ev, market, t.delta)
		if err := h.accounting.RefreshTotalValueLockedUSD(ctx, s, t.ev, market); err != nil {
			return err
		}

		account.CountEvent(t.kind)
		res, err := h.positions.Apply(ctx, s, position.Change{
			Event:   t.ev,
			Account: account,
			Market:  market,
			Side:    t.side,
			Kind:    t.kind,
			Amount:  t.amount,
			Balance: h.positionBalance(ctx, t.ev, market, account.ID, t.side),
		})
		if err != nil {
			return err
		}
		if t.kind == models.EventDeposit || t.kind == models.EventBorrow {
			if _, err := h.positions.MarkActor(ctx, s, t.kind, account.ID); err != nil {
				return err
			}
		}

		amountUSD, err := h.accounting.AmountUSD(ctx, s, t.ev, asset.TokenID, t.amount)
		if err != nil {
			return err
		}
		if err := h.accounting.AddVolume(ctx, s, t.ev, market, account.ID, amountUSD, t.kind); err != nil {
			return err
		}
		if err := s.Save(ctx, account); err != nil {
			return fmt.Errorf("failed to save account: %w", err)
		}

		positionID := res.PositionID
		if positionID == "" {
			if positionID, err = h.positions.Lookup(ctx, s, account.ID, market.ID, t.side); err != nil {
				return err
			}
		}
		rec := h.record(t.ev, account.ID, market.ID, positionID, asset.TokenID, t.amount, amountUSD)
		if err := s.Save(ctx, typedRecord(t.kind, rec)); err != nil {
			return fmt.Errorf("failed to save %s record: %w", t.kind, err)
		}
		return nil
	})
}

// positionBalance reads the authoritative balance of account's position after the event.
// Lender balances are output token shares converted at the market's exchange rate.
func (h *Handler) positionBalance(ctx context.Context, ev chain.Event, market *models.Market, accountID string, side models.Side) chain.Result[*big.Int] {
	if side == models.SideBorrower {
		if market.Kind != models.MarketLending {
			return chain.Revert[*big.Int]()
		}
		return chain.CallBigInt(ctx, h.reader, ev.BlockNumber, market.ID, chain.MethodBorrowBalance, accountID)
	}

	asset := market.PrimaryInput()
	if market.OutputTokenID == "" || asset == nil || !market.ExchangeRate.IsPositive() {
		return chain.Revert[*big.Int]()
	}
	shares := chain.CallBigInt(ctx, h.reader, ev.BlockNumber, market.OutputTokenID, chain.MethodBalanceOf, accountID)
	return chain.Map(shares, func(v *big.Int) (*big.Int, bool) {
		underlying := fixedpoint.ToDecimal(v, market.OutputTokenDecimals).Mul(market.ExchangeRate)
		return fixedpoint.BigInt(fixedpoint.ToRaw(underlying, asset.Decimals)), true
	})
}

// once applies fn unless the event already has a receipt, then writes the receipt
func (h *Handler) once(ctx context.Context, s store.Store, ev chain.Event, name string, fn func() error) error {
	id := ev.ID()
	receipt, err := registry.Load[models.EventReceipt](ctx, s, id)
	if err != nil {
		return fmt.Errorf("failed to load event receipt: %w", err)
	}
	if receipt != nil {
		h.logger.Debug().Str("event", id).Str("type", name).Msg("event already applied, skipping")
		return nil
	}

	if err := fn(); err != nil {
		return err
	}

	if err := s.Save(ctx, &models.EventReceipt{ID: id, Type: name, BlockNumber: ev.BlockNumber}); err != nil {
		return fmt.Errorf("failed to save event receipt: %w", err)
	}
	return nil
}

func (h *Handler) record(ev chain.Event, accountID, marketID, positionID, assetID string, amount *big.Int, amountUSD decimal.Decimal) models.EventRecord {
	return models.EventRecord{
		ID:          ev.ID(),
		Hash:        ev.Hash(),
		Nonce:       ev.Nonce,
		LogIndex:    ev.LogIndex,
		BlockNumber: ev.BlockNumber,
		Timestamp:   ev.Timestamp,
		AccountID:   accountID,
		MarketID:    marketID,
		PositionID:  positionID,
		AssetID:     assetID,
		Amount:      fixedpoint.Raw(amount),
		AmountUSD:   amountUSD,
	}
}

func typedRecord(kind models.EventKind, rec models.EventRecord) store.Entity {
	switch kind {
	case models.EventWithdraw:
		return &models.Withdraw{EventRecord: rec}
	case models.EventBorrow:
		return &models.Borrow{EventRecord: rec}
	case models.EventRepay:
		return &models.Repay{EventRecord: rec}
	default:
		return &models.Deposit{EventRecord: rec}
	}
}

func neg(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Neg(v)
}
