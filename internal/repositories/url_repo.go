package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linktrack/backend/internal/models"
)

// URLRepo reads the tracked URLs that make up a campaign's click inventory.
type URLRepo struct {
	pool *pgxpool.Pool
}

func NewURLRepo(pool *pgxpool.Pool) *URLRepo {
	return &URLRepo{pool: pool}
}

// ListByCampaign returns every non-deleted URL of a campaign, oldest first.
func (r *URLRepo) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]models.InventoryItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, campaign_id, click_limit, clicks, status, created_at, budget_counted, budget_pending
		FROM urls WHERE campaign_id = $1 AND status <> $2
		ORDER BY created_at
	`, campaignID, models.ItemStatusDeleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.InventoryItem
	for rows.Next() {
		var it models.InventoryItem
		if err := rows.Scan(&it.ID, &it.CampaignID, &it.ClickLimit, &it.Clicks, &it.Status,
			&it.CreatedAt, &it.BudgetCounted, &it.BudgetPending); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
