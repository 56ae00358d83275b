package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TierThresholds holds the click thresholds of one spend tier. The band
// between PauseAt and ActivateAt is the hysteresis band.
type TierThresholds struct {
	PauseAt    int64 `json:"pause_at"`
	ActivateAt int64 `json:"activate_at"`
}

// Valid reports whether the thresholds leave a non-empty hysteresis band.
func (t TierThresholds) Valid() bool {
	return t.PauseAt >= 0 && t.ActivateAt > t.PauseAt
}

type Campaign struct {
	ID                      uuid.UUID        `json:"id"`
	Name                    string           `json:"name"`
	ExternalCampaignID      *string          `json:"external_campaign_id,omitempty"`
	AutomationEnabled       bool             `json:"automation_enabled"`
	LowSpend                TierThresholds   `json:"low_spend"`
	HighSpend               TierThresholds   `json:"high_spend"`
	PostPauseRecheckMinutes int              `json:"post_pause_recheck_minutes"`
	HighSpendWaitMinutes    int              `json:"high_spend_wait_minutes"`
	PricePerThousand        decimal.Decimal  `json:"price_per_thousand"`
	AutomationState         AutomationState  `json:"automation_state"`
	LastTransitionAt        *time.Time       `json:"last_transition_at,omitempty"`
	HighSpendBudgetCalcAt   *time.Time       `json:"high_spend_budget_calc_at,omitempty"`
	CycleBudget             *decimal.Decimal `json:"cycle_budget,omitempty"`
	CreatedAt               time.Time        `json:"created_at"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

// HasExternalID reports whether the campaign is linked to the ad network.
func (c *Campaign) HasExternalID() bool {
	return c.ExternalCampaignID != nil && *c.ExternalCampaignID != ""
}

// Thresholds returns the thresholds of the given tier.
func (c *Campaign) Thresholds(tier SpendTier) TierThresholds {
	if tier == SpendTierHigh {
		return c.HighSpend
	}
	return c.LowSpend
}

// SpendTier splits campaigns by today's spend.
type SpendTier string

const (
	SpendTierLow  SpendTier = "low"
	SpendTierHigh SpendTier = "high"
)
