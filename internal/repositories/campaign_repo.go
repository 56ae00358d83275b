package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/linktrack/backend/internal/models"
)

var ErrNotFound = errors.New("not found")

const campaignColumns = `
	id, name, external_campaign_id, automation_enabled,
	low_pause_at, low_activate_at, high_pause_at, high_activate_at,
	post_pause_recheck_minutes, high_spend_wait_minutes, price_per_thousand,
	automation_state, last_transition_at, high_spend_budget_calc_at, cycle_budget,
	created_at, updated_at
`

type CampaignRepo struct {
	pool *pgxpool.Pool
}

func NewCampaignRepo(pool *pgxpool.Pool) *CampaignRepo {
	return &CampaignRepo{pool: pool}
}

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	var state string
	err := row.Scan(&c.ID, &c.Name, &c.ExternalCampaignID, &c.AutomationEnabled,
		&c.LowSpend.PauseAt, &c.LowSpend.ActivateAt, &c.HighSpend.PauseAt, &c.HighSpend.ActivateAt,
		&c.PostPauseRecheckMinutes, &c.HighSpendWaitMinutes, &c.PricePerThousand,
		&state, &c.LastTransitionAt, &c.HighSpendBudgetCalcAt, &c.CycleBudget,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.AutomationState = models.AutomationState(state)
	return &c, nil
}

func (r *CampaignRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	c, err := scanCampaign(r.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListAutomationEnabled returns every campaign with automation switched on,
// including the ones without an external id so callers can report them.
func (r *CampaignRepo) ListAutomationEnabled(ctx context.Context) ([]models.Campaign, error) {
	return r.list(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE automation_enabled ORDER BY created_at`)
}

// ListEnabledWithoutActiveItems returns enabled campaigns that have no active URL left.
func (r *CampaignRepo) ListEnabledWithoutActiveItems(ctx context.Context) ([]models.Campaign, error) {
	return r.list(ctx, `
		SELECT `+campaignColumns+` FROM campaigns c
		WHERE c.automation_enabled
		  AND c.external_campaign_id IS NOT NULL AND c.external_campaign_id <> ''
		  AND NOT EXISTS (
			SELECT 1 FROM urls u WHERE u.campaign_id = c.id AND u.status = $1
		  )
		ORDER BY c.created_at
	`, models.ItemStatusActive)
}

func (r *CampaignRepo) list(ctx context.Context, query string, args ...any) ([]models.Campaign, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

func (r *CampaignRepo) SetAutomationEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE campaigns SET automation_enabled = $1, updated_at = now() WHERE id = $2
	`, enabled, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return nil
}

// CommitAutomation writes the automation fields of one campaign together with
// the budget flags of its URLs.
func (r *CampaignRepo) CommitAutomation(ctx context.Context, c models.AutomationCommit) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE campaigns SET automation_state = $1, last_transition_at = $2,
		       high_spend_budget_calc_at = $3, cycle_budget = $4, updated_at = now()
		WHERE id = $5
	`, string(c.State), c.LastTransitionAt, c.HighSpendBudgetCalcAt, c.CycleBudget, c.CampaignID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s: %w", c.CampaignID, ErrNotFound)
	}

	if c.ClearPending {
		if _, err := tx.Exec(ctx, `
			UPDATE urls SET budget_pending = false WHERE campaign_id = $1 AND budget_pending
		`, c.CampaignID); err != nil {
			return err
		}
	}

	if len(c.PendingItemIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE urls SET budget_pending = true
			WHERE campaign_id = $1 AND id = ANY($2) AND NOT budget_counted
		`, c.CampaignID, c.PendingItemIDs); err != nil {
			return err
		}
	}

	if len(c.CountedItemIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE urls SET budget_counted = true, budget_pending = false
			WHERE campaign_id = $1 AND id = ANY($2)
		`, c.CampaignID, c.CountedItemIDs); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
