package models

import "github.com/shopspring/decimal"

// Side identifies the lender or borrower half of a position key
type Side string

const (
	SideLender   Side = "LENDER"
	SideBorrower Side = "BORROWER"
)

// EventKind is the transaction type driving volume and position updates
type EventKind string

const (
	EventDeposit    EventKind = "DEPOSIT"
	EventWithdraw   EventKind = "WITHDRAW"
	EventBorrow     EventKind = "BORROW"
	EventRepay      EventKind = "REPAY"
	EventLiquidate  EventKind = "LIQUIDATE"
	EventLiquidated EventKind = "LIQUIDATED"
)

// MarketKind distinguishes lending markets, yield vaults and liquidity pools
type MarketKind string

const (
	MarketLending MarketKind = "LENDING"
	MarketVault   MarketKind = "VAULT"
	MarketPool    MarketKind = "POOL"
)

// Totals holds the running USD figures shared by markets, the protocol and their snapshots
type Totals struct {
	TotalValueLockedUSD    decimal.Decimal `gorm:"type:numeric"`
	TotalDepositBalanceUSD decimal.Decimal `gorm:"type:numeric"`
	TotalBorrowBalanceUSD  decimal.Decimal `gorm:"type:numeric"`

	CumulativeDepositUSD   decimal.Decimal `gorm:"type:numeric"`
	CumulativeBorrowUSD    decimal.Decimal `gorm:"type:numeric"`
	CumulativeLiquidateUSD decimal.Decimal `gorm:"type:numeric"`

	CumulativeSupplySideRevenueUSD   decimal.Decimal `gorm:"type:numeric"`
	CumulativeProtocolSideRevenueUSD decimal.Decimal `gorm:"type:numeric"`
	CumulativeTotalRevenueUSD        decimal.Decimal `gorm:"type:numeric"`
}

// AddRevenue adds both revenue sides and their sum to the cumulative fields
func (t *Totals) AddRevenue(supplySide, protocolSide decimal.Decimal) {
	t.CumulativeSupplySideRevenueUSD = t.CumulativeSupplySideRevenueUSD.Add(supplySide)
	t.CumulativeProtocolSideRevenueUSD = t.CumulativeProtocolSideRevenueUSD.Add(protocolSide)
	t.CumulativeTotalRevenueUSD = t.CumulativeTotalRevenueUSD.Add(supplySide).Add(protocolSide)
}

// AddVolume adds a USD amount to the cumulative counter for kind, if it has one
func (t *Totals) AddVolume(kind EventKind, amountUSD decimal.Decimal) {
	switch kind {
	case EventDeposit:
		t.CumulativeDepositUSD = t.CumulativeDepositUSD.Add(amountUSD)
	case EventBorrow:
		t.CumulativeBorrowUSD = t.CumulativeBorrowUSD.Add(amountUSD)
	case EventLiquidate:
		t.CumulativeLiquidateUSD = t.CumulativeLiquidateUSD.Add(amountUSD)
	}
}

// Activity counts transactions by type within a period
type Activity struct {
	TransactionCount int64
	DepositCount     int64
	WithdrawCount    int64
	BorrowCount      int64
	RepayCount       int64
	LiquidateCount   int64
}

// Count increments the counter matching kind
func (a *Activity) Count(kind EventKind) {
	switch kind {
	case EventDeposit:
		a.DepositCount++
	case EventWithdraw:
		a.WithdrawCount++
	case EventBorrow:
		a.BorrowCount++
	case EventRepay:
		a.RepayCount++
	case EventLiquidate:
		a.LiquidateCount++
	}
}

// Period holds the period-local deltas of a daily or hourly snapshot
type Period struct {
	SupplySideRevenueUSD   decimal.Decimal `gorm:"type:numeric"`
	ProtocolSideRevenueUSD decimal.Decimal `gorm:"type:numeric"`
	TotalRevenueUSD        decimal.Decimal `gorm:"type:numeric"`

	DepositUSD   decimal.Decimal `gorm:"type:numeric"`
	BorrowUSD    decimal.Decimal `gorm:"type:numeric"`
	LiquidateUSD decimal.Decimal `gorm:"type:numeric"`
	WithdrawUSD  decimal.Decimal `gorm:"type:numeric"`
	RepayUSD     decimal.Decimal `gorm:"type:numeric"`

	Activity `gorm:"embedded"`
}

// AddRevenue adds both revenue sides and their sum to the period
func (p *Period) AddRevenue(supplySide, protocolSide decimal.Decimal) {
	p.SupplySideRevenueUSD = p.SupplySideRevenueUSD.Add(supplySide)
	p.ProtocolSideRevenueUSD = p.ProtocolSideRevenueUSD.Add(protocolSide)
	p.TotalRevenueUSD = p.TotalRevenueUSD.Add(supplySide).Add(protocolSide)
}

// AddVolume adds a USD amount to the period field for kind and counts the transaction
func (p *Period) AddVolume(kind EventKind, amountUSD decimal.Decimal) {
	switch kind {
	case EventDeposit:
		p.DepositUSD = p.DepositUSD.Add(amountUSD)
	case EventBorrow:
		p.BorrowUSD = p.BorrowUSD.Add(amountUSD)
	case EventLiquidate:
		p.LiquidateUSD = p.LiquidateUSD.Add(amountUSD)
	case EventWithdraw:
		p.WithdrawUSD = p.WithdrawUSD.Add(amountUSD)
	case EventRepay:
		p.RepayUSD = p.RepayUSD.Add(amountUSD)
	}
	p.Count(kind)
	p.TransactionCount++
}
