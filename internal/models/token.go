package models

import "github.com/shopspring/decimal"

// Token holds ERC20 metadata and the last observed USD price
type Token struct {
	ID                   string `gorm:"primaryKey;size:66"`
	Name                 string `gorm:"size:100"`
	Symbol               string `gorm:"size:40"`
	Decimals             uint8
	LastPriceUSD         decimal.Decimal `gorm:"type:numeric"`
	LastPriceBlockNumber int64
}

func (Token) EntityType() string { return "Token" }
func (t Token) EntityID() string { return t.ID }

// RewardTokenType discriminates deposit-side and borrow-side emissions
type RewardTokenType string

const (
	RewardDeposit RewardTokenType = "DEPOSIT"
	RewardBorrow  RewardTokenType = "BORROW"
)

// RewardToken is a token emitted as a reward on one side of a market
type RewardToken struct {
	ID      string          `gorm:"primaryKey;size:100"`
	TokenID string          `gorm:"size:66;index"`
	Type    RewardTokenType `gorm:"size:10"`
}

func (RewardToken) EntityType() string { return "RewardToken" }
func (r RewardToken) EntityID() string { return r.ID }
