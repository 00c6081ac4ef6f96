package models

import "github.com/shopspring/decimal"

// MarketState is the copy of a market's cumulative fields carried by its snapshots
type MarketState struct {
	Totals `gorm:"embedded"`

	InputTokens         []TokenBalance   `gorm:"serializer:json"`
	OutputTokenSupply   decimal.Decimal  `gorm:"type:numeric(78,0)"`
	OutputTokenPriceUSD decimal.Decimal  `gorm:"type:numeric"`
	ExchangeRate        decimal.Decimal  `gorm:"type:numeric"`
	RewardEmissions     []RewardEmission `gorm:"serializer:json"`
	RateIDs             []string         `gorm:"serializer:json"`

	BlockNumber int64
	Timestamp   int64
}

// MarketDailySnapshot is a market's state and activity for one day
type MarketDailySnapshot struct {
	ID         string `gorm:"primaryKey;size:100"`
	MarketID   string `gorm:"size:66;index"`
	ProtocolID string `gorm:"size:66"`
	Day        int64  `gorm:"index"`

	MarketState `gorm:"embedded"`
	Daily       Period `gorm:"embedded;embeddedPrefix:daily_"`
}

func (MarketDailySnapshot) EntityType() string { return "MarketDailySnapshot" }
func (s MarketDailySnapshot) EntityID() string { return s.ID }

// MarketHourlySnapshot is a market's state and activity for one hour
type MarketHourlySnapshot struct {
	ID         string `gorm:"primaryKey;size:100"`
	MarketID   string `gorm:"size:66;index"`
	ProtocolID string `gorm:"size:66"`
	Hour       int64  `gorm:"index"`

	MarketState `gorm:"embedded"`
	Hourly      Period `gorm:"embedded;embeddedPrefix:hourly_"`
}

func (MarketHourlySnapshot) EntityType() string { return "MarketHourlySnapshot" }
func (s MarketHourlySnapshot) EntityID() string { return s.ID }

// FinancialsDailySnapshot is the protocol's state and activity for one day
type FinancialsDailySnapshot struct {
	ID         string `gorm:"primaryKey;size:100"`
	ProtocolID string `gorm:"size:66;index"`
	Day        int64  `gorm:"index"`

	Totals `gorm:"embedded"`
	Daily  Period `gorm:"embedded;embeddedPrefix:daily_"`

	BlockNumber int64
	Timestamp   int64
}

func (FinancialsDailySnapshot) EntityType() string { return "FinancialsDailySnapshot" }
func (s FinancialsDailySnapshot) EntityID() string { return s.ID }

// UsageCounts mirrors the protocol's unique actor counters
type UsageCounts struct {
	CumulativeUniqueUsers       int64
	CumulativeUniqueDepositors  int64
	CumulativeUniqueBorrowers   int64
	CumulativeUniqueLiquidators int64
	CumulativeUniqueLiquidatees int64
	TotalPoolCount              int64
}

// UsageMetricsDailySnapshot tracks active accounts and transactions for one day
type UsageMetricsDailySnapshot struct {
	ID         string `gorm:"primaryKey;size:100"`
	ProtocolID string `gorm:"size:66;index"`
	Day        int64  `gorm:"index"`

	ActiveUsers       int64
	ActiveDepositors  int64
	ActiveBorrowers   int64
	ActiveLiquidators int64
	ActiveLiquidatees int64

	Daily       Activity    `gorm:"embedded;embeddedPrefix:daily_"`
	UsageCounts `gorm:"embedded"`

	BlockNumber int64
	Timestamp   int64
}

func (UsageMetricsDailySnapshot) EntityType() string { return "UsageMetricsDailySnapshot" }
func (s UsageMetricsDailySnapshot) EntityID() string { return s.ID }

// UsageMetricsHourlySnapshot tracks active accounts and transactions for one hour
type UsageMetricsHourlySnapshot struct {
	ID         string `gorm:"primaryKey;size:100"`
	ProtocolID string `gorm:"size:66;index"`
	Hour       int64  `gorm:"index"`

	ActiveUsers int64
	Hourly      Activity `gorm:"embedded;embeddedPrefix:hourly_"`

	CumulativeUniqueUsers int64

	BlockNumber int64
	Timestamp   int64
}

func (UsageMetricsHourlySnapshot) EntityType() string { return "UsageMetricsHourlySnapshot" }
func (s UsageMetricsHourlySnapshot) EntityID() string { return s.ID }
