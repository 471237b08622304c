package models

import (
	"time"

	"github.com/angelmondragon/bazaar-backend/pkg/enums"
)

// ReconciliationLedgerEntry records every notification the coordinator saw and
// what it did with it. Rows are immutable.
type ReconciliationLedgerEntry struct {
	ID             string                   `gorm:"column:id;primaryKey" json:"id"`
	IntentID       string                   `gorm:"column:intent_id;not null;index" json:"intent_id"`
	Source         enums.NotificationSource `gorm:"column:source;type:notification_source;not null" json:"source"`
	ObservedState  enums.ObservedState      `gorm:"column:observed_state;not null" json:"observed_state"`
	ProviderStatus string                   `gorm:"column:provider_status;not null;default:''" json:"provider_status"`
	EventID        *string                  `gorm:"column:event_id" json:"event_id"`
	Disposition    enums.LedgerDisposition  `gorm:"column:disposition;not null" json:"disposition"`
	StateBefore    enums.PaymentState       `gorm:"column:state_before;type:payment_state;not null" json:"state_before"`
	StateAfter     enums.PaymentState       `gorm:"column:state_after;type:payment_state;not null" json:"state_after"`
	ReceivedAt     time.Time                `gorm:"column:received_at;not null" json:"received_at"`
}

func (ReconciliationLedgerEntry) TableName() string { return "reconciliation_ledger" }
