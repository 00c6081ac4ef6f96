package models

// EventReceipt marks an event as applied. Its id is the event's {hash}-{logIndex}.
type EventReceipt struct {
	ID          string `gorm:"primaryKey;size:100"`
	Type        string `gorm:"size:40"`
	BlockNumber int64  `gorm:"index"`
}

func (EventReceipt) EntityType() string { return "EventReceipt" }
func (r EventReceipt) EntityID() string { return r.ID }
