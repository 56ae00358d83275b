package automation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/linktrack/backend/internal/models"
	"github.com/shopspring/decimal"
)

// Snapshot is a read-only view of one campaign's automation, for debugging.
type Snapshot struct {
	CampaignID            uuid.UUID              `json:"campaign_id"`
	Name                  string                 `json:"name"`
	ExternalCampaignID    *string                `json:"external_campaign_id,omitempty"`
	AutomationEnabled     bool                   `json:"automation_enabled"`
	State                 models.AutomationState `json:"state"`
	LastTransitionAt      *time.Time             `json:"last_transition_at,omitempty"`
	CooldownUntil         *time.Time             `json:"cooldown_until,omitempty"`
	Spend                 *decimal.Decimal       `json:"spend,omitempty"`
	SpendError            string                 `json:"spend_error,omitempty"`
	Tier                  models.SpendTier       `json:"tier,omitempty"`
	HighSpendThreshold    decimal.Decimal        `json:"high_spend_threshold"`
	ExternalActive        *bool                  `json:"external_active,omitempty"`
	Remaining             int64                  `json:"remaining"`
	ActiveItems           int                    `json:"active_items"`
	LowSpend              models.TierThresholds  `json:"low_spend"`
	HighSpend             models.TierThresholds  `json:"high_spend"`
	PricePerThousand      decimal.Decimal        `json:"price_per_thousand"`
	HighSpendBudgetCalcAt *time.Time             `json:"high_spend_budget_calc_at,omitempty"`
	CycleBudget           *decimal.Decimal       `json:"cycle_budget,omitempty"`
	CatchUp               *CatchUpView           `json:"catch_up,omitempty"`
	Children              []models.ChildCampaign `json:"children"`
	Watch                 WatchKind              `json:"watch"`
}

// CatchUpView is the open catch-up batch of a high-spend cycle.
type CatchUpView struct {
	Items int             `json:"items"`
	Value decimal.Decimal `json:"value"`
	DueAt time.Time       `json:"due_at"`
}

// Snapshot reads the campaign, its inventory and, when linked, the external
// spend and status. Ad network failures are reported in the snapshot instead
// of failing it.
func (m *StateMachine) Snapshot(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	c, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	inv, err := m.accountant.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	children, err := m.cascade.children.ListByParent(ctx, id)
	if err != nil {
		return nil, err
	}
	if children == nil {
		children = []models.ChildCampaign{}
	}

	now := m.now()
	snap := &Snapshot{
		CampaignID:            c.ID,
		Name:                  c.Name,
		ExternalCampaignID:    c.ExternalCampaignID,
		AutomationEnabled:     c.AutomationEnabled,
		State:                 c.AutomationState,
		LastTransitionAt:      c.LastTransitionAt,
		HighSpendThreshold:    m.cfg.HighSpendThreshold,
		Remaining:             inv.Remaining,
		ActiveItems:           inv.ActiveItems,
		LowSpend:              c.LowSpend,
		HighSpend:             c.HighSpend,
		PricePerThousand:      c.PricePerThousand,
		HighSpendBudgetCalcAt: c.HighSpendBudgetCalcAt,
		CycleBudget:           c.CycleBudget,
		Children:              children,
	}
	if until := cooldownUntil(c); until != nil && now.Before(*until) {
		snap.CooldownUntil = until
	}

	if c.AutomationState == models.StateHighSpendBudgetUpdated && c.HighSpendBudgetCalcAt != nil {
		plan := m.budget.PlanCatchUp(*c.HighSpendBudgetCalcAt, inv.Items, c.PricePerThousand, now)
		if len(plan.Items) > 0 {
			snap.CatchUp = &CatchUpView{Items: len(plan.Items), Value: plan.Value, DueAt: plan.DueAt}
		}
	}

	if !c.HasExternalID() {
		return snap, nil
	}
	ext := *c.ExternalCampaignID

	var spend decimal.Decimal
	err = m.call(ctx, "get spend", func(ctx context.Context) error {
		var err error
		spend, err = m.network.GetSpend(ctx, ext, startOfDay(now, m.cfg.Location), now.In(m.cfg.Location))
		return err
	})
	if err != nil {
		snap.SpendError = err.Error()
	} else {
		snap.Spend = &spend
		snap.Tier = TierFor(spend, m.cfg.HighSpendThreshold)
	}

	var status struct{ Active bool }
	if err := m.call(ctx, "get status", func(ctx context.Context) error {
		st, err := m.network.GetCampaignStatus(ctx, ext)
		status.Active = st.Active
		return err
	}); err == nil {
		snap.ExternalActive = &status.Active
	}
	return snap, nil
}
