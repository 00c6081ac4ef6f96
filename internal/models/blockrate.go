package models

import "github.com/shopspring/decimal"

// BlockSample is a stored (timestamp, block number) pair
type BlockSample struct {
	Timestamp   int64
	BlockNumber int64
}

// BlockRateBuffer is the persisted state of the blocks-per-day estimator
type BlockRateBuffer struct {
	ID           string          `gorm:"primaryKey;size:40"`
	Network      string          `gorm:"size:40"`
	Samples      []BlockSample   `gorm:"serializer:json"`
	Next         int
	WindowStart  int
	Size         int
	BlocksPerDay decimal.Decimal `gorm:"type:numeric"`
}

func (BlockRateBuffer) EntityType() string { return "BlockRateBuffer" }
func (b BlockRateBuffer) EntityID() string { return b.ID }
