package models

import "time"

// Account represents a wallet that has interacted with the protocol
type Account struct {
	ID string `gorm:"primaryKey;size:66"`

	PositionCount       int64
	OpenPositionCount   int64
	ClosedPositionCount int64

	DepositCount     int64
	WithdrawCount    int64
	BorrowCount      int64
	RepayCount       int64
	LiquidateCount   int64
	LiquidationCount int64

	EnabledCollaterals []string `gorm:"serializer:json"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Account) EntityType() string { return "Account" }
func (a Account) EntityID() string { return a.ID }

// CountEvent increments the activity counter for kind
func (a *Account) CountEvent(kind EventKind) {
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
	case EventLiquidated:
		a.LiquidationCount++
	}
}

// HasCollateral reports whether marketID is enabled as collateral
func (a *Account) HasCollateral(marketID string) bool {
	for _, m := range a.EnabledCollaterals {
		if m == marketID {
			return true
		}
	}
	return false
}

// EnableCollateral adds marketID to the collateral set
func (a *Account) EnableCollateral(marketID string) {
	if !a.HasCollateral(marketID) {
		a.EnabledCollaterals = append(a.EnabledCollaterals, marketID)
	}
}

// DisableCollateral removes marketID from the collateral set
func (a *Account) DisableCollateral(marketID string) {
	kept := a.EnabledCollaterals[:0]
	for _, m := range a.EnabledCollaterals {
		if m != marketID {
			kept = append(kept, m)
		}
	}
	a.EnabledCollaterals = kept
}

// ActorAccount marks that an account has acted in a role at least once
type ActorAccount struct {
	ID string `gorm:"primaryKey;size:100"`
}

func (ActorAccount) EntityType() string { return "ActorAccount" }
func (a ActorAccount) EntityID() string { return a.ID }

// DailyActiveAccount marks an account as active within a day bucket
type DailyActiveAccount struct {
	ID string `gorm:"primaryKey;size:120"`
}

func (DailyActiveAccount) EntityType() string { return "DailyActiveAccount" }
func (a DailyActiveAccount) EntityID() string { return a.ID }

// HourlyActiveAccount marks an account as active within an hour bucket
type HourlyActiveAccount struct {
	ID string `gorm:"primaryKey;size:120"`
}

func (HourlyActiveAccount) EntityType() string { return "HourlyActiveAccount" }
func (a HourlyActiveAccount) EntityID() string { return a.ID }
