package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linktrack/backend/internal/models"
)

type ChildCampaignRepo struct {
	pool *pgxpool.Pool
}

func NewChildCampaignRepo(pool *pgxpool.Pool) *ChildCampaignRepo {
	return &ChildCampaignRepo{pool: pool}
}

// ListByParent returns the children of a campaign ordered by ascending threshold.
func (r *ChildCampaignRepo) ListByParent(ctx context.Context, parentID uuid.UUID) ([]models.ChildCampaign, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, parent_campaign_id, external_campaign_id, click_threshold, last_action, last_action_at
		FROM child_campaigns WHERE parent_campaign_id = $1
		ORDER BY click_threshold ASC, id
	`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var children []models.ChildCampaign
	for rows.Next() {
		var c models.ChildCampaign
		if err := rows.Scan(&c.ID, &c.ParentCampaignID, &c.ExternalCampaignID, &c.ClickThreshold,
			&c.LastAction, &c.LastActionAt); err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	return children, rows.Err()
}

func (r *ChildCampaignRepo) RecordAction(ctx context.Context, id uuid.UUID, action string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE child_campaigns SET last_action = $1, last_action_at = $2 WHERE id = $3
	`, action, at, id)
	return err
}
