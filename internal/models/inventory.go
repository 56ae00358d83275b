package models

import (
	"time"

	"github.com/google/uuid"
)

// Inventory item statuses
const (
	ItemStatusActive    = "active"
	ItemStatusPaused    = "paused"
	ItemStatusCompleted = "completed"
	ItemStatusDeleted   = "deleted"
	ItemStatusRejected  = "rejected"
)

// InventoryItem is a tracked URL whose clicks feed a campaign.
type InventoryItem struct {
	ID            uuid.UUID `json:"id"`
	CampaignID    uuid.UUID `json:"campaign_id"`
	ClickLimit    *int64    `json:"click_limit,omitempty"`
	Clicks        int64     `json:"clicks"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	BudgetCounted bool      `json:"budget_counted"`
	BudgetPending bool      `json:"budget_pending"`
}
