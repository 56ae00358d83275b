package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AutomationCommit is the persisted outcome of one automation step. It is
// applied in a single transaction keyed by CampaignID.
type AutomationCommit struct {
	CampaignID            uuid.UUID
	State                 AutomationState
	LastTransitionAt      *time.Time
	HighSpendBudgetCalcAt *time.Time
	CycleBudget           *decimal.Decimal

	// CountedItemIDs are folded into the external budget: budget_counted=true, budget_pending=false.
	CountedItemIDs []uuid.UUID
	// PendingItemIDs joined a catch-up batch that has not fired yet.
	PendingItemIDs []uuid.UUID
	// ClearPending drops every pending flag of the campaign (cycle reset).
	ClearPending bool
}
