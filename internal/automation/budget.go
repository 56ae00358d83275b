package automation

import (
	"time"

	"github.com/google/uuid"
	"github.com/linktrack/backend/internal/models"
	"github.com/shopspring/decimal"
)

var thousand = decimal.NewFromInt(1000)

// ValueOfClicks prices clicks at pricePerThousand, rounded up to the cent so
// the budget never falls short of the inventory.
func ValueOfClicks(clicks int64, pricePerThousand decimal.Decimal) decimal.Decimal {
	if clicks <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(clicks).Mul(pricePerThousand).Div(thousand).RoundCeil(2)
}

// BudgetRecalculator computes the high-spend budget and its catch-up increments.
type BudgetRecalculator struct {
	catchUpWindow time.Duration
}

func NewBudgetRecalculator(catchUpWindow time.Duration) BudgetRecalculator {
	if catchUpWindow <= 0 {
		catchUpWindow = 9 * time.Minute
	}
	return BudgetRecalculator{catchUpWindow: catchUpWindow}
}

// CycleBudget returns spend + value of the remaining clicks, never lower than
// the budget already pushed in the current cycle.
func (b BudgetRecalculator) CycleBudget(spend decimal.Decimal, remaining int64, price decimal.Decimal, current *decimal.Decimal) decimal.Decimal {
	budget := spend.Add(ValueOfClicks(remaining, price))
	if current != nil && current.GreaterThan(budget) {
		return *current
	}
	return budget
}

// CatchUpPlan describes the URLs added after the last budget calculation.
type CatchUpPlan struct {
	Items      []models.InventoryItem
	NewPending []uuid.UUID
	OldestAt   time.Time
	DueAt      time.Time
	Due        bool
	Value      decimal.Decimal
}

// ItemIDs returns the ids of every item in the batch.
func (p CatchUpPlan) ItemIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(p.Items))
	for _, it := range p.Items {
		ids = append(ids, it.ID)
	}
	return ids
}

// PlanCatchUp collects URLs created after calcAt that are not yet in the
// external budget. Completed URLs still qualify so that finishing early does
// not drop their value. The batch is due once its oldest URL is older than
// the catch-up window; the value is the full click limit of each URL.
func (b BudgetRecalculator) PlanCatchUp(calcAt time.Time, items []models.InventoryItem, price decimal.Decimal, now time.Time) CatchUpPlan {
	plan := CatchUpPlan{Value: decimal.Zero}
	var clicks int64
	for _, it := range items {
		if it.BudgetCounted || !it.CreatedAt.After(calcAt) || it.ClickLimit == nil {
			continue
		}
		if it.Status != models.ItemStatusActive && it.Status != models.ItemStatusCompleted {
			continue
		}
		plan.Items = append(plan.Items, it)
		if !it.BudgetPending {
			plan.NewPending = append(plan.NewPending, it.ID)
		}
		if plan.OldestAt.IsZero() || it.CreatedAt.Before(plan.OldestAt) {
			plan.OldestAt = it.CreatedAt
		}
		clicks += *it.ClickLimit
	}
	if len(plan.Items) == 0 {
		return plan
	}

	plan.DueAt = plan.OldestAt.Add(b.catchUpWindow)
	plan.Due = !now.Before(plan.DueAt)
	plan.Value = ValueOfClicks(clicks, price)
	return plan
}
