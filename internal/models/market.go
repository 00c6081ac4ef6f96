package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// TokenBalance is one input token held by a market, with its raw balance and last USD price
type TokenBalance struct {
	TokenID  string
	Decimals uint8
	Balance  decimal.Decimal
	PriceUSD decimal.Decimal
}

// RewardEmission is the daily emission of one reward token
type RewardEmission struct {
	TokenID      string
	AmountPerDay decimal.Decimal
	USDPerDay    decimal.Decimal
}

// Market represents a lending market, yield vault or liquidity pool
type Market struct {
	ID         string     `gorm:"primaryKey;size:66"`
	ProtocolID string     `gorm:"size:66;index;not null"`
	Name       string     `gorm:"size:100"`
	Kind       MarketKind `gorm:"size:20;default:'LENDING'"`
	IsActive   bool       `gorm:"not null"`

	InputTokens []TokenBalance `gorm:"serializer:json"`

	OutputTokenID       string          `gorm:"size:66;index"`
	OutputTokenDecimals uint8
	OutputTokenSupply   decimal.Decimal `gorm:"type:numeric(78,0)"`
	OutputTokenPriceUSD decimal.Decimal `gorm:"type:numeric"`
	ExchangeRate        decimal.Decimal `gorm:"type:numeric"`

	// Raw borrowed amount of the primary input token
	TotalBorrowBalance decimal.Decimal `gorm:"type:numeric(78,0)"`
	ReserveFactor      decimal.Decimal `gorm:"type:numeric"`

	Totals `gorm:"embedded"`

	PositionCount          int64
	OpenPositionCount      int64
	ClosedPositionCount    int64
	LendingPositionCount   int64
	BorrowingPositionCount int64

	RateIDs         []string         `gorm:"serializer:json"`
	FeeIDs          []string         `gorm:"serializer:json"`
	RewardEmissions []RewardEmission `gorm:"serializer:json"`
	StrategyID      string           `gorm:"size:66"`

	CreatedBlockNumber int64
	CreatedTimestamp   int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Market) EntityType() string { return "Market" }
func (m Market) EntityID() string { return m.ID }

// PrimaryInput returns the first input token, or nil for a market without inputs
func (m *Market) PrimaryInput() *TokenBalance {
	if len(m.InputTokens) == 0 {
		return nil
	}
	return &m.InputTokens[0]
}

// SetRewardEmission inserts or replaces an emission, keeping the slice ordered by token id
func (m *Market) SetRewardEmission(e RewardEmission) {
	for i := range m.RewardEmissions {
		if m.RewardEmissions[i].TokenID == e.TokenID {
			m.RewardEmissions[i] = e
			return
		}
	}
	m.RewardEmissions = append(m.RewardEmissions, e)
	sort.Slice(m.RewardEmissions, func(i, j int) bool {
		return m.RewardEmissions[i].TokenID < m.RewardEmissions[j].TokenID
	})
}

// RewardEmission looks up the emission for a reward token id
func (m *Market) RewardEmission(tokenID string) (RewardEmission, bool) {
	for _, e := range m.RewardEmissions {
		if e.TokenID == tokenID {
			return e, true
		}
	}
	return RewardEmission{}, false
}

// InterestRateSide is the side an interest rate applies to
type InterestRateSide string

const (
	RateSideLender   InterestRateSide = "LENDER"
	RateSideBorrower InterestRateSide = "BORROWER"
)

// InterestRateType describes how a rate moves
type InterestRateType string

const (
	RateVariable InterestRateType = "VARIABLE"
)

// InterestRate is a rate value object referenced by id from a market
type InterestRate struct {
	ID       string           `gorm:"primaryKey;size:160"`
	Rate     decimal.Decimal  `gorm:"type:numeric"`
	Side     InterestRateSide `gorm:"size:20"`
	Type     InterestRateType `gorm:"size:20"`
	MarketID string           `gorm:"size:66;index"`
}

func (InterestRate) EntityType() string { return "InterestRate" }
func (r InterestRate) EntityID() string { return r.ID }

// FeeType names a vault or market fee
type FeeType string

const (
	FeeManagement   FeeType = "MANAGEMENT_FEE"
	FeePerformance  FeeType = "PERFORMANCE_FEE"
	FeeWithdrawal   FeeType = "WITHDRAWAL_FEE"
	FeeProtocolSide FeeType = "PROTOCOL_SIDE_FEE"
)

// Fee is a percentage fee charged by a market
type Fee struct {
	ID            string          `gorm:"primaryKey;size:100"`
	FeeType       FeeType         `gorm:"size:30"`
	FeePercentage decimal.Decimal `gorm:"type:numeric"`
}

func (Fee) EntityType() string { return "Fee" }
func (f Fee) EntityID() string { return f.ID }

// StrategyMapping links a vault strategy contract to the vault it serves
type StrategyMapping struct {
	ID           string `gorm:"primaryKey;size:66"`
	VaultID      string `gorm:"size:66;index"`
	InputTokenID string `gorm:"size:66"`
}

func (StrategyMapping) EntityType() string { return "StrategyMapping" }
func (s StrategyMapping) EntityID() string { return s.ID }
