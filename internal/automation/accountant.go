package automation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/linktrack/backend/internal/models"
	"go.uber.org/zap"
)

// Inventory is a fresh read of a campaign's URLs.
type Inventory struct {
	Items       []models.InventoryItem
	Remaining   int64
	ActiveItems int
}

// ClickAccountant computes remaining click capacity. It never caches: every
// decision loads the inventory again.
type ClickAccountant struct {
	items InventoryStore
	log   *zap.Logger
}

func NewClickAccountant(items InventoryStore, log *zap.Logger) *ClickAccountant {
	return &ClickAccountant{items: items, log: log}
}

func (a *ClickAccountant) Load(ctx context.Context, campaignID uuid.UUID) (*Inventory, error) {
	items, err := a.items.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load inventory: %w", err)
	}

	remaining, invalid := RemainingClicks(items)
	for _, id := range invalid {
		a.log.Warn("skipping inventory item",
			zap.String("campaign_id", campaignID.String()),
			zap.String("item_id", id.String()),
			zap.Error(ErrDataIntegrity),
		)
	}

	inv := &Inventory{Items: items, Remaining: remaining}
	for _, it := range items {
		if it.Status == models.ItemStatusActive {
			inv.ActiveItems++
		}
	}
	return inv, nil
}

// RemainingClicks sums max(0, clickLimit-clicks) over active items. Active
// items without a click limit are returned in invalid and contribute nothing.
func RemainingClicks(items []models.InventoryItem) (remaining int64, invalid []uuid.UUID) {
	for _, it := range items {
		if it.Status != models.ItemStatusActive {
			continue
		}
		if it.ClickLimit == nil {
			invalid = append(invalid, it.ID)
			continue
		}
		if left := *it.ClickLimit - it.Clicks; left > 0 {
			remaining += left
		}
	}
	return remaining, invalid
}
