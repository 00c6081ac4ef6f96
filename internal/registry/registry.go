// Package registry loads and creates entities under their deterministic ids.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/models"
	"github.com/wnt/subledger/internal/store"
)

var (
	// ErrUnknownMarket is returned when an event references a market that was never listed
	ErrUnknownMarket = errors.New("unknown market")

	// ErrUnknownProtocol is returned when the protocol aggregate is required but absent
	ErrUnknownProtocol = errors.New("unknown protocol")
)

// Defaults used when token metadata reads revert
const (
	UnknownName           = "unknown"
	UnknownSymbol         = "unknown"
	DefaultDecimals uint8 = 18
)

// LoadOrCreate loads the entity with id, or builds it with create and saves it.
// The boolean result reports whether the entity was created.
func LoadOrCreate[T any, P interface {
	*T
	store.Entity
}](ctx context.Context, s store.Store, id string, create func(id string) P) (P, bool, error) {
	var v T
	p := P(&v)
	found, err := s.Load(ctx, id, p)
	if err != nil {
		return nil, false, err
	}
	if found {
		return p, false, nil
	}

	p = create(id)
	if err := s.Save(ctx, p); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// Load loads the entity with id, returning nil when it does not exist
func Load[T any, P interface {
	*T
	store.Entity
}](ctx context.Context, s store.Store, id string) (P, error) {
	var v T
	p := P(&v)
	found, err := s.Load(ctx, id, p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return p, nil
}

// ProtocolInfo identifies the protocol aggregate
type ProtocolInfo struct {
	ID      string
	Name    string
	Slug    string
	Network string
}

// Registry builds typed entities, reading token metadata through a ContractReader
type Registry struct {
	reader   chain.ContractReader
	protocol ProtocolInfo
	logger   zerolog.Logger
}

// New creates a registry for one protocol
func New(reader chain.ContractReader, protocol ProtocolInfo, logger zerolog.Logger) *Registry {
	protocol.ID = chain.NormalizeAddress(protocol.ID)
	return &Registry{
		reader:   reader,
		protocol: protocol,
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// ProtocolID returns the id of the protocol aggregate
func (r *Registry) ProtocolID() string {
	return r.protocol.ID
}

// Network returns the network the protocol is deployed on
func (r *Registry) Network() string {
	return r.protocol.Network
}

// Protocol loads or creates the protocol aggregate
func (r *Registry) Protocol(ctx context.Context, s store.Store) (*models.Protocol, error) {
	p, _, err := LoadOrCreate(ctx, s, r.protocol.ID, func(id string) *models.Protocol {
		return &models.Protocol{
			ID:      id,
			Name:    r.protocol.Name,
			Slug:    r.protocol.Slug,
			Network: r.protocol.Network,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load protocol: %w", err)
	}
	return p, nil
}

// Account loads or creates an account. A new account counts as a unique user of the protocol.
func (r *Registry) Account(ctx context.Context, s store.Store, address string) (*models.Account, error) {
	a, created, err := LoadOrCreate(ctx, s, chain.NormalizeAddress(address), func(id string) *models.Account {
		return &models.Account{ID: id}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if !created {
		return a, nil
	}

	protocol, err := r.Protocol(ctx, s)
	if err != nil {
		return nil, err
	}
	protocol.CumulativeUniqueUsers++
	if err := s.Save(ctx, protocol); err != nil {
		return nil, fmt.Errorf("failed to save protocol: %w", err)
	}
	return a, nil
}

// Token loads or creates a token, reading its metadata at block
func (r *Registry) Token(ctx context.Context, s store.Store, block int64, address string) (*models.Token, error) {
	t, _, err := LoadOrCreate(ctx, s, chain.NormalizeAddress(address), func(id string) *models.Token {
		name := chain.CallString(ctx, r.reader, block, id, chain.MethodName)
		symbol := chain.CallString(ctx, r.reader, block, id, chain.MethodSymbol)
		decimals := chain.CallUint8(ctx, r.reader, block, id, chain.MethodDecimals)
		if decimals.Reverted() {
			r.logger.Warn().Str("token", id).Msg("decimals reverted, assuming 18")
		}
		return &models.Token{
			ID:       id,
			Name:     name.ValueOr(UnknownName),
			Symbol:   symbol.ValueOr(UnknownSymbol),
			Decimals: decimals.ValueOr(DefaultDecimals),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	return t, nil
}

// RewardToken loads or creates a reward token for one emission side
func (r *Registry) RewardToken(ctx context.Context, s store.Store, block int64, rewardType models.RewardTokenType, address string) (*models.RewardToken, error) {
	token, err := r.Token(ctx, s, block, address)
	if err != nil {
		return nil, err
	}
	rt, _, err := LoadOrCreate(ctx, s, RewardTokenID(rewardType, token.ID), func(id string) *models.RewardToken {
		return &models.RewardToken{ID: id, TokenID: token.ID, Type: rewardType}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load reward token: %w", err)
	}
	return rt, nil
}

// Market loads a market that must already exist
func (r *Registry) Market(ctx context.Context, s store.Store, address string) (*models.Market, error) {
	id := chain.NormalizeAddress(address)
	m, err := Load[models.Market](ctx, s, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load market: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	return m, nil
}

// MarketParams describes a market being listed
type MarketParams struct {
	ID          string
	Name        string
	Kind        models.MarketKind
	InputTokens []string
	OutputToken string
}

// CreateMarket lists a market: its tokens, its lender and borrower rates, and its place
// in the protocol's market list. Listing an existing market returns it unchanged.
func (r *Registry) CreateMarket(ctx context.Context, s store.Store, ev chain.Event, params MarketParams) (*models.Market, bool, error) {
	id := chain.NormalizeAddress(params.ID)
	existing, err := Load[models.Market](ctx, s, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load market: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	market := &models.Market{
		ID:                 id,
		ProtocolID:         r.protocol.ID,
		Name:               params.Name,
		Kind:               params.Kind,
		IsActive:           true,
		ReserveFactor:      decimal.Zero,
		CreatedBlockNumber: ev.BlockNumber,
		CreatedTimestamp:   ev.Timestamp,
	}
	if market.Kind == "" {
		market.Kind = models.MarketLending
	}

	for _, address := range params.InputTokens {
		token, err := r.Token(ctx, s, ev.BlockNumber, address)
		if err != nil {
			return nil, false, err
		}
		if market.Name == "" {
			market.Name = token.Name
		}
		market.InputTokens = append(market.InputTokens, models.TokenBalance{
			TokenID:  token.ID,
			Decimals: token.Decimals,
		})
	}

	if params.OutputToken != "" {
		token, err := r.Token(ctx, s, ev.BlockNumber, params.OutputToken)
		if err != nil {
			return nil, false, err
		}
		market.OutputTokenID = token.ID
		market.OutputTokenDecimals = token.Decimals
	}

	for _, side := range []models.InterestRateSide{models.RateSideLender, models.RateSideBorrower} {
		rate, err := r.InterestRate(ctx, s, id, side, models.RateVariable)
		if err != nil {
			return nil, false, err
		}
		market.RateIDs = append(market.RateIDs, rate.ID)
	}

	if err := s.Save(ctx, market); err != nil {
		return nil, false, fmt.Errorf("failed to save market: %w", err)
	}

	protocol, err := r.Protocol(ctx, s)
	if err != nil {
		return nil, false, err
	}
	if !protocol.HasMarket(id) {
		protocol.MarketIDs = append(protocol.MarketIDs, id)
		protocol.TotalPoolCount++
	}
	if err := s.Save(ctx, protocol); err != nil {
		return nil, false, fmt.Errorf("failed to save protocol: %w", err)
	}

	r.logger.Info().Str("market", id).Str("kind", string(market.Kind)).Msg("listed market")
	return market, true, nil
}

// InterestRate loads or creates the live rate of a market side and type
func (r *Registry) InterestRate(ctx context.Context, s store.Store, marketID string, side models.InterestRateSide, rateType models.InterestRateType) (*models.InterestRate, error) {
	rate, _, err := LoadOrCreate(ctx, s, InterestRateID(side, rateType, marketID), func(id string) *models.InterestRate {
		return &models.InterestRate{
			ID:       id,
			Rate:     decimal.Zero,
			Side:     side,
			Type:     rateType,
			MarketID: marketID,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load interest rate: %w", err)
	}
	return rate, nil
}

// Fee loads or creates a market fee with a default percentage
func (r *Registry) Fee(ctx context.Context, s store.Store, feeType models.FeeType, marketID string, defaultPercentage decimal.Decimal) (*models.Fee, error) {
	fee, _, err := LoadOrCreate(ctx, s, FeeID(feeType, marketID), func(id string) *models.Fee {
		return &models.Fee{ID: id, FeeType: feeType, FeePercentage: defaultPercentage}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load fee: %w", err)
	}
	return fee, nil
}
