package models

import "time"

// Protocol is the aggregate entity every market rolls up into
type Protocol struct {
	ID      string `gorm:"primaryKey;size:66"`
	Name    string `gorm:"size:100"`
	Slug    string `gorm:"size:100"`
	Network string `gorm:"size:40"`

	Totals `gorm:"embedded"`

	CumulativeUniqueUsers       int64
	CumulativeUniqueDepositors  int64
	CumulativeUniqueBorrowers   int64
	CumulativeUniqueLiquidators int64
	CumulativeUniqueLiquidatees int64

	CumulativePositionCount int64
	OpenPositionCount       int64
	ClosedPositionCount     int64

	TotalPoolCount int64
	MarketIDs      []string `gorm:"serializer:json"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Protocol) EntityType() string { return "Protocol" }
func (p Protocol) EntityID() string { return p.ID }

// HasMarket reports whether id is already registered on the protocol
func (p *Protocol) HasMarket(id string) bool {
	for _, m := range p.MarketIDs {
		if m == id {
			return true
		}
	}
	return false
}
