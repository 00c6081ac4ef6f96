package models

import "github.com/shopspring/decimal"

// EventRecord is the shared shape of deposit, withdraw, borrow, repay and liquidate records
type EventRecord struct {
	ID          string `gorm:"primaryKey;size:100"`
	Hash        string `gorm:"size:66;index"`
	Nonce       int64
	LogIndex    int64
	BlockNumber int64 `gorm:"index"`
	Timestamp   int64 `gorm:"index"`
	AccountID   string `gorm:"size:66;index"`
	MarketID    string `gorm:"size:66;index"`
	PositionID  string `gorm:"size:200"`
	AssetID     string `gorm:"size:66"`

	Amount    decimal.Decimal `gorm:"type:numeric(78,0)"`
	AmountUSD decimal.Decimal `gorm:"type:numeric"`
}

func (r EventRecord) EntityID() string { return r.ID }

type Deposit struct {
	EventRecord
}

func (Deposit) EntityType() string { return "Deposit" }

type Withdraw struct {
	EventRecord
}

func (Withdraw) EntityType() string { return "Withdraw" }

type Borrow struct {
	EventRecord
}

func (Borrow) EntityType() string { return "Borrow" }

type Repay struct {
	EventRecord
}

func (Repay) EntityType() string { return "Repay" }

// Liquidate records a liquidation, with the account that was liquidated and the liquidator's profit
type Liquidate struct {
	EventRecord
	LiquidatorID string          `gorm:"size:66;index"`
	LiquidateeID string          `gorm:"size:66;index"`
	ProfitUSD    decimal.Decimal `gorm:"type:numeric"`
}

func (Liquidate) EntityType() string { return "Liquidate" }
