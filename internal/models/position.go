package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a position
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// Position is one lifecycle of an account's stance in a market on one side
type Position struct {
	ID        string         `gorm:"primaryKey;size:200"`
	CounterID string         `gorm:"size:200;index"`
	AccountID string         `gorm:"size:66;index;not null"`
	MarketID  string         `gorm:"size:66;index;not null"`
	Side      Side           `gorm:"size:10"`
	Status    PositionStatus `gorm:"size:10;default:'open'"`

	Balance      decimal.Decimal `gorm:"type:numeric(78,0)"`
	IsCollateral bool

	HashOpened        string `gorm:"size:66"`
	BlockNumberOpened int64
	TimestampOpened   int64
	HashClosed        string `gorm:"size:66"`
	BlockNumberClosed int64
	TimestampClosed   int64

	DepositCount     int64
	WithdrawCount    int64
	BorrowCount      int64
	RepayCount       int64
	LiquidationCount int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Position) EntityType() string { return "Position" }
func (p Position) EntityID() string { return p.ID }

// IsOpen reports whether the position has not been closed
func (p *Position) IsOpen() bool {
	return p.Status != PositionClosed
}

// CountEvent increments the activity counter for kind
func (p *Position) CountEvent(kind EventKind) {
	switch kind {
	case EventDeposit:
		p.DepositCount++
	case EventWithdraw:
		p.WithdrawCount++
	case EventBorrow:
		p.BorrowCount++
	case EventRepay:
		p.RepayCount++
	case EventLiquidate, EventLiquidated:
		p.LiquidationCount++
	}
}

// PositionCounter tracks the next lifecycle number for an (account, market, side) key
type PositionCounter struct {
	ID        string `gorm:"primaryKey;size:200"`
	NextCount int64
}

func (PositionCounter) EntityType() string { return "PositionCounter" }
func (c PositionCounter) EntityID() string { return c.ID }

// PositionSnapshot is an append-only record of a position after one transaction
type PositionSnapshot struct {
	ID          string          `gorm:"primaryKey;size:300"`
	PositionID  string          `gorm:"size:200;index"`
	Hash        string          `gorm:"size:66"`
	LogIndex    int64
	Nonce       int64
	Balance     decimal.Decimal `gorm:"type:numeric(78,0)"`
	BlockNumber int64           `gorm:"index"`
	Timestamp   int64
}

func (PositionSnapshot) EntityType() string { return "PositionSnapshot" }
func (s PositionSnapshot) EntityID() string { return s.ID }
