package models

import (
	"time"

	"github.com/google/uuid"
)

// Child campaign actions
const (
	ChildActionActivated = "activated"
	ChildActionPaused    = "paused"
)

type ChildCampaign struct {
	ID                 uuid.UUID  `json:"id"`
	ParentCampaignID   uuid.UUID  `json:"parent_campaign_id"`
	ExternalCampaignID string     `json:"external_campaign_id"`
	ClickThreshold     int64      `json:"click_threshold"`
	LastAction         *string    `json:"last_action,omitempty"`
	LastActionAt       *time.Time `json:"last_action_at,omitempty"`
}

// IsActive reports whether the last recorded action activated the child.
func (c *ChildCampaign) IsActive() bool {
	return c.LastAction != nil && *c.LastAction == ChildActionActivated
}
