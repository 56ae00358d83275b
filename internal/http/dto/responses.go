package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type ForceActionResponse struct {
	CampaignID   string           `json:"campaign_id"`
	Action       string           `json:"action"`
	From         string           `json:"from"`
	To           string           `json:"to"`
	Transitioned bool             `json:"transitioned"`
	BudgetSet    *decimal.Decimal `json:"budget_set,omitempty"`
	Watch        string           `json:"watch"`
}

type AutomationToggleResponse struct {
	CampaignID string `json:"campaign_id"`
	Enabled    bool   `json:"enabled"`
}

type AuditEntry struct {
	Action    string    `json:"action"`
	ActorType string    `json:"actor_type"`
	Meta      any       `json:"meta,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
