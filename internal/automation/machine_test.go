package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/linktrack/backend/internal/events"
	"github.com/linktrack/backend/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTickActivatesPausedCampaignWithCapacity(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowPaused)
	h.url(c.ID, 20000, 0)
	h.network.setSpend(ext(c), "3")

	res, err := h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Equal(t, Activate, res.Decision)
	assert.Equal(t, models.SpendTierLow, res.Tier)
	assert.True(t, res.Transitioned)
	assert.Equal(t, models.StateLowActive, res.To)
	assert.Equal(t, WatchActive, res.Watch)
	assert.Equal(t, []string{"schedule", "activate"}, h.network.ops())

	sched, _ := h.network.last("schedule")
	assert.Equal(t, time.Date(2026, 3, 2, 23, 59, 59, 0, time.UTC), sched.At)

	stored := h.store.get(c.ID)
	assert.Equal(t, models.StateLowActive, stored.AutomationState)
	require.NotNil(t, stored.LastTransitionAt)
	assert.Equal(t, h.clock(), *stored.LastTransitionAt)

	assert.Equal(t, []string{"automation_low_paused_to_low_active"}, h.audit.actions())
	assert.Equal(t, []string{events.EventAutomationTransition}, h.publisher.types())
}

func TestTickPauseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowActive)
	h.url(c.ID, 1000, 900)
	h.network.setSpend(ext(c), "1")

	res, err := h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, Pause, res.Decision)
	assert.Equal(t, models.StateLowPaused, res.To)
	assert.Equal(t, []string{"schedule", "pause"}, h.network.ops())

	sched, _ := h.network.last("schedule")
	assert.Equal(t, h.clock(), sched.At)

	h.network.reset()
	h.advance(time.Minute)

	res, err = h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, NoAction, res.Decision)
	assert.False(t, res.Transitioned)
	assert.Empty(t, h.network.ops())
	assert.Equal(t, 1, h.store.commitCount())
}

func TestTickHoldsInsideHysteresisBand(t *testing.T) {
	for _, state := range []models.AutomationState{models.StateLowActive, models.StateLowPaused} {
		t.Run(string(state), func(t *testing.T) {
			h := newHarness(t)
			c := h.campaign(state)
			h.url(c.ID, 10000, 0)

			res, err := h.machine.Tick(context.Background(), c.ID)
			require.NoError(t, err)
			assert.Equal(t, NoAction, res.Decision)
			assert.Equal(t, state, res.To)
			assert.Empty(t, h.network.ops())
			assert.Zero(t, h.store.commitCount())
		})
	}
}

func TestTickCooldownWithholdsActivation(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowPaused, func(c *models.Campaign) {
		c.PostPauseRecheckMinutes = 15
		c.LastTransitionAt = ptrTime(time.Date(2026, 3, 2, 11, 55, 0, 0, time.UTC))
	})
	h.url(c.ID, 20000, 0)

	res, err := h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, NoAction, res.Decision)
	assert.Empty(t, h.network.ops())

	h.advance(11 * time.Minute)
	res, err = h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, Activate, res.Decision)
	assert.Equal(t, models.StateLowActive, res.To)
}

func TestHighSpendCycle(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowActive)
	h.url(c.ID, 20000, 0)
	h.network.setSpend(ext(c), "12")
	start := h.clock()

	res, err := h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHighSpendWaiting, res.To)
	assert.Equal(t, models.SpendTierHigh, res.Tier)
	assert.Equal(t, []string{"pause", "schedule"}, h.network.ops())
	sched, _ := h.network.last("schedule")
	assert.Equal(t, start, sched.At)
	assert.Equal(t, WatchPaused, res.Watch)

	// still inside the wait
	h.network.reset()
	h.advance(5 * time.Minute)
	res, err = h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHighSpendWaiting, res.To)
	assert.Empty(t, h.network.ops())

	h.advance(6 * time.Minute)
	res, err = h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHighSpendBudgetUpdated, res.To)
	assert.Equal(t, []string{"budget", "schedule", "activate"}, h.network.ops())

	budget, _ := h.network.last("budget")
	assert.True(t, budget.Amount.Equal(decimal.NewFromInt(32)), "budget = %s", budget.Amount)

	stored := h.store.get(c.ID)
	require.NotNil(t, stored.HighSpendBudgetCalcAt)
	assert.Equal(t, h.clock(), *stored.HighSpendBudgetCalcAt)
	require.NotNil(t, stored.CycleBudget)
	assert.True(t, stored.CycleBudget.Equal(decimal.NewFromInt(32)))
	assert.Contains(t, h.publisher.types(), events.EventBudgetUpdated)
}

func TestHighSpendFromPausedSkipsPauseCall(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowPaused)
	h.url(c.ID, 20000, 0)
	h.network.setSpend(ext(c), "15")

	res, err := h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHighSpendWaiting, res.To)
	assert.Equal(t, []string{"schedule"}, h.network.ops())
}

func TestWaitElapsedWithoutInventoryPausesHigh(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateHighSpendWaiting, func(c *models.Campaign) {
		c.LastTransitionAt = ptrTime(time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC))
	})
	h.url(c.ID, 1500, 0)
	h.network.setSpend(ext(c), "12")

	res, err := h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHighPaused, res.To)
	assert.Equal(t, []string{"budget"}, h.network.ops())
	require.NotNil(t, res.BudgetSet)
	assert.True(t, res.BudgetSet.Equal(decimal.RequireFromString("13.5")))
}

func TestCatchUpCountsEveryNewURL(t *testing.T) {
	h := newHarness(t)
	calcAt := h.clock()
	cycle := decimal.NewFromInt(32)
	c := h.campaign(models.StateHighSpendBudgetUpdated, func(c *models.Campaign) {
		c.HighSpendBudgetCalcAt = &calcAt
		c.CycleBudget = &cycle
		c.LastTransitionAt = &calcAt
	})
	h.url(c.ID, 20000, 0)
	h.network.setSpend(ext(c), "12")

	added := h.url(c.ID, 3000, 0, func(it *models.InventoryItem) {
		it.CreatedAt = calcAt.Add(time.Minute)
	})
	finished := h.url(c.ID, 2000, 2000, func(it *models.InventoryItem) {
		it.CreatedAt = calcAt.Add(5 * time.Minute)
		it.Status = models.ItemStatusCompleted
	})

	h.advance(5 * time.Minute)
	res, err := h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Nil(t, res.BudgetSet)
	assert.Empty(t, h.network.ops())
	assert.True(t, h.store.item(c.ID, added.ID).BudgetPending)
	assert.True(t, h.store.item(c.ID, finished.ID).BudgetPending)

	h.advance(5 * time.Minute) // oldest new URL is now 9 minutes old
	res, err = h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	require.NotNil(t, res.BudgetSet)
	assert.True(t, res.BudgetSet.Equal(decimal.NewFromInt(37)), "budget = %s", res.BudgetSet)
	assert.Equal(t, models.StateHighSpendBudgetUpdated, res.To)
	assert.False(t, res.Transitioned)

	assert.True(t, h.store.item(c.ID, added.ID).BudgetCounted)
	assert.True(t, h.store.item(c.ID, finished.ID).BudgetCounted)
	assert.False(t, h.store.item(c.ID, finished.ID).BudgetPending)

	stored := h.store.get(c.ID)
	require.NotNil(t, stored.HighSpendBudgetCalcAt)
	assert.Equal(t, h.clock(), *stored.HighSpendBudgetCalcAt)

	// counted URLs never come back
	h.network.reset()
	h.advance(time.Minute)
	res, err = h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Nil(t, res.BudgetSet)
	assert.Empty(t, h.network.ops())
}

func TestBudgetNeverDecreasesWithinCycle(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowActive, func(c *models.Campaign) {
		c.HighSpendWaitMinutes = 1
	})
	h.url(c.ID, 20000, 0)
	h.network.setSpend(ext(c), "12")

	ctx := context.Background()
	_, err := h.machine.Tick(ctx, c.ID)
	require.NoError(t, err)

	h.advance(2 * time.Minute)
	_, err = h.machine.Tick(ctx, c.ID)
	require.NoError(t, err)

	// clicks consumed: pause, then resume on a new URL and catch it up
	h.store.setItems(c.ID)
	h.url(c.ID, 20000, 18500)
	h.advance(time.Minute)
	res, err := h.machine.Tick(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHighPaused, res.To)

	h.url(c.ID, 10000, 0, func(it *models.InventoryItem) { it.CreatedAt = h.clock() })
	h.advance(10 * time.Minute)
	_, err = h.machine.Tick(ctx, c.ID)
	require.NoError(t, err)
	h.advance(10 * time.Minute)
	_, err = h.machine.Tick(ctx, c.ID)
	require.NoError(t, err)

	var last decimal.Decimal
	budgets := 0
	for _, call := range h.network.recorded() {
		if call.Op != "budget" {
			continue
		}
		budgets++
		assert.True(t, call.Amount.GreaterThanOrEqual(last), "budget dropped from %s to %s", last, call.Amount)
		last = call.Amount
	}
	assert.GreaterOrEqual(t, budgets, 2)
}

func TestSpendFallingBelowThresholdResetsCycle(t *testing.T) {
	tests := []struct {
		from models.AutomationState
		to   models.AutomationState
	}{
		{models.StateHighSpendWaiting, models.StateLowPaused},
		{models.StateHighSpendBudgetUpdated, models.StateLowActive},
		{models.StateHighPaused, models.StateLowPaused},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			h := newHarness(t)
			calcAt := h.clock().Add(-time.Hour)
			cycle := decimal.NewFromInt(40)
			c := h.campaign(tt.from, func(c *models.Campaign) {
				c.HighSpendBudgetCalcAt = &calcAt
				c.CycleBudget = &cycle
			})
			h.url(c.ID, 10000, 0)
			h.network.setSpend(ext(c), "2")

			res, err := h.machine.Tick(context.Background(), c.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.to, res.To)
			assert.Empty(t, h.network.ops())

			stored := h.store.get(c.ID)
			assert.Nil(t, stored.HighSpendBudgetCalcAt)
			assert.Nil(t, stored.CycleBudget)
		})
	}
}

func TestTickCorrectsDriftOnce(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowActive)
	h.url(c.ID, 10000, 0)
	h.network.setActive(ext(c), false)

	res, err := h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, res.DriftCorrected)
	assert.False(t, res.Transitioned)
	assert.Equal(t, models.StateLowActive, res.To)
	assert.Equal(t, []string{"activate"}, h.network.ops())
	assert.Equal(t, []string{events.EventAutomationDrift}, h.publisher.types())
	assert.Zero(t, h.store.commitCount())
}

func TestTickExternalFailureCommitsNothing(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowPaused)
	h.url(c.ID, 20000, 0)
	h.network.failOn("activate", errNetworkDown)

	_, err := h.machine.Tick(context.Background(), c.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExternalCall))
	assert.True(t, errors.Is(err, errNetworkDown))

	assert.Zero(t, h.store.commitCount())
	assert.Equal(t, models.StateLowPaused, h.store.get(c.ID).AutomationState)
	assert.Empty(t, h.audit.actions())

	// next tick retries from the same state
	h.network.failOn("activate", nil)
	res, err := h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateLowActive, res.To)
}

func TestTickSpendFailureIsExternal(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowActive)
	h.network.failOn("spend", errNetworkDown)

	_, err := h.machine.Tick(context.Background(), c.ID)
	assert.True(t, errors.Is(err, ErrExternalCall))
	assert.Empty(t, h.network.ops())
}

func TestTickConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.Campaign)
	}{
		{"missing external id", func(c *models.Campaign) { c.ExternalCampaignID = nil }},
		{"empty external id", func(c *models.Campaign) { empty := ""; c.ExternalCampaignID = &empty }},
		{"inverted thresholds", func(c *models.Campaign) { c.LowSpend = models.TierThresholds{PauseAt: 100, ActivateAt: 50} }},
		{"unknown state", func(c *models.Campaign) { c.AutomationState = "archived" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			c := h.campaign(models.StateLowPaused, tt.mutate)

			_, err := h.machine.Tick(context.Background(), c.ID)
			assert.True(t, errors.Is(err, ErrConfiguration), "err = %v", err)
			assert.Empty(t, h.network.recorded())
		})
	}
}

func TestTickDisabledCampaign(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowActive, func(c *models.Campaign) { c.AutomationEnabled = false })

	res, err := h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, res.Disabled)
	assert.Empty(t, h.network.recorded())
}

func TestTickUnknownCampaign(t *testing.T) {
	h := newHarness(t)

	_, err := h.machine.Tick(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrCampaignNotFound))
}

func TestTickSkipsInvalidItemWithoutAborting(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowPaused)
	h.url(c.ID, 20000, 0)
	h.url(c.ID, 0, 0, func(it *models.InventoryItem) { it.ClickLimit = nil })

	res, err := h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 20000, res.Remaining)
	assert.Equal(t, models.StateLowActive, res.To)
}

func TestTickDistributedLock(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowPaused)
	h.url(c.ID, 20000, 0)

	locker := &fakeLocker{}
	h.machine.SetLocker(locker)

	unlock, ok, err := locker.TryLock(context.Background(), "campaign:"+c.ID.String(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.network.recorded())

	unlock()
	res, err = h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, models.StateLowActive, res.To)

	// Redis errors fail open
	locker.err = errors.New("redis down")
	_, err = h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)
}

func TestTickCancelledContextIsDiscarded(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowPaused)
	h.url(c.ID, 20000, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.machine.Tick(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.network.recorded())
}

func TestForce(t *testing.T) {
	tests := []struct {
		name   string
		from   models.AutomationState
		action Decision
		to     models.AutomationState
		ops    []string
	}{
		{"pause low active", models.StateLowActive, Pause, models.StateLowPaused, []string{"schedule", "pause"}},
		{"pause budget updated", models.StateHighSpendBudgetUpdated, Pause, models.StateHighPaused, []string{"schedule", "pause"}},
		{"pause already paused", models.StateLowPaused, Pause, models.StateLowPaused, []string{"pause"}},
		{"activate low paused", models.StateLowPaused, Activate, models.StateLowActive, []string{"schedule", "activate"}},
		{"activate high paused", models.StateHighPaused, Activate, models.StateHighSpendBudgetUpdated, []string{"schedule", "activate"}},
		{"activate already active", models.StateLowActive, Activate, models.StateLowActive, []string{"activate"}},
		{"activate while waiting", models.StateHighSpendWaiting, Activate, models.StateHighSpendBudgetUpdated, []string{"budget", "schedule", "activate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			c := h.campaign(tt.from, func(c *models.Campaign) {
				c.LastTransitionAt = ptrTime(h.clock())
			})
			h.url(c.ID, 500, 0)
			h.network.setSpend(ext(c), "12")

			res, err := h.machine.Force(context.Background(), c.ID, tt.action, models.ActorAdmin, "manual_override")
			require.NoError(t, err)
			assert.Equal(t, tt.to, res.To)
			assert.Equal(t, tt.ops, h.network.ops())
			assert.Equal(t, tt.to, h.store.get(c.ID).AutomationState)
		})
	}
}

func TestForceRejectsUnknownAction(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowActive)

	_, err := h.machine.Force(context.Background(), c.ID, NoAction, models.ActorAdmin, "")
	assert.True(t, errors.Is(err, ErrUnknownAction))
}

func TestTickRunsChildCascade(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowActive)
	h.url(c.ID, 12000, 0)
	child := models.ChildCampaign{ID: uuid.New(), ParentCampaignID: c.ID, ExternalCampaignID: "child-1", ClickThreshold: 10000}
	h.store.addChild(child)

	_, err := h.machine.Tick(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{"schedule", "activate"}, h.network.ops())
	act, _ := h.network.last("activate")
	assert.Equal(t, "child-1", act.ExternalID)
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t)
	calcAt := h.clock().Add(-2 * time.Minute)
	c := h.campaign(models.StateHighSpendBudgetUpdated, func(c *models.Campaign) {
		c.HighSpendBudgetCalcAt = &calcAt
	})
	h.url(c.ID, 20000, 5000)
	h.url(c.ID, 1000, 0, func(it *models.InventoryItem) { it.CreatedAt = calcAt.Add(time.Minute) })
	h.network.setSpend(ext(c), "11.5")

	snap, err := h.machine.Snapshot(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHighSpendBudgetUpdated, snap.State)
	assert.EqualValues(t, 16000, snap.Remaining)
	assert.Equal(t, 2, snap.ActiveItems)
	require.NotNil(t, snap.Spend)
	assert.True(t, snap.Spend.Equal(decimal.RequireFromString("11.5")))
	assert.Equal(t, models.SpendTierHigh, snap.Tier)
	require.NotNil(t, snap.ExternalActive)
	assert.True(t, *snap.ExternalActive)
	require.NotNil(t, snap.CatchUp)
	assert.Equal(t, 1, snap.CatchUp.Items)
	assert.Equal(t, calcAt.Add(10*time.Minute), snap.CatchUp.DueAt)
	assert.Empty(t, h.network.ops())

	h.network.failOn("spend", errNetworkDown)
	snap, err = h.machine.Snapshot(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Nil(t, snap.Spend)
	assert.NotEmpty(t, snap.SpendError)
}

func TestFailedActivationKeepsPushedBudgetAsFloor(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowActive)
	h.url(c.ID, 20000, 0)
	h.network.setSpend(ext(c), "12")
	ctx := context.Background()

	_, err := h.machine.Tick(ctx, c.ID)
	require.NoError(t, err)

	h.advance(11 * time.Minute)
	h.network.failOn("activate", errNetworkDown)
	_, err = h.machine.Tick(ctx, c.ID)
	require.True(t, errors.Is(err, ErrExternalCall))

	stored := h.store.get(c.ID)
	assert.Equal(t, models.StateHighSpendWaiting, stored.AutomationState)
	require.NotNil(t, stored.CycleBudget)
	assert.True(t, stored.CycleBudget.Equal(decimal.NewFromInt(32)))

	// half the clicks are consumed before the retry
	h.network.failOn("activate", nil)
	h.store.setItems(c.ID)
	h.url(c.ID, 20000, 10000)
	h.advance(time.Minute)
	res, err := h.machine.Tick(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHighSpendBudgetUpdated, res.To)

	var budgets []decimal.Decimal
	for _, call := range h.network.recorded() {
		if call.Op == "budget" {
			budgets = append(budgets, call.Amount)
		}
	}
	require.Len(t, budgets, 2)
	for _, b := range budgets {
		assert.True(t, b.Equal(decimal.NewFromInt(32)), "budget = %s", b)
	}
}

// insertingInventory adds a URL right after the first listing, as a
// concurrent writer would.
type insertingInventory struct {
	*fakeStore
	once   sync.Once
	insert func()
}

func (s *insertingInventory) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]models.InventoryItem, error) {
	items, err := s.fakeStore.ListByCampaign(ctx, campaignID)
	s.once.Do(s.insert)
	return items, err
}

func TestURLInsertedDuringBudgetCalculationIsCaughtUp(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateHighSpendWaiting, func(c *models.Campaign) {
		c.LastTransitionAt = ptrTime(time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC))
	})
	h.url(c.ID, 20000, 0)
	h.network.setSpend(ext(c), "12")

	var late models.InventoryItem
	inv := &insertingInventory{fakeStore: h.store, insert: func() {
		h.advance(time.Second)
		late = h.url(c.ID, 5000, 0, func(it *models.InventoryItem) { it.CreatedAt = h.clock() })
		h.advance(time.Second)
	}}
	m := NewStateMachine(h.store, inv, h.store, h.network, h.audit, h.publisher, h.cfg, zap.NewNop())
	m.SetClock(h.clock)
	ctx := context.Background()

	res, err := m.Tick(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateHighSpendBudgetUpdated, res.To)
	require.NotNil(t, res.BudgetSet)
	assert.True(t, res.BudgetSet.Equal(decimal.NewFromInt(32)))

	stored := h.store.get(c.ID)
	require.NotNil(t, stored.HighSpendBudgetCalcAt)
	assert.True(t, stored.HighSpendBudgetCalcAt.Before(late.CreatedAt))

	h.advance(10 * time.Minute)
	res, err = m.Tick(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, res.BudgetSet)
	assert.True(t, res.BudgetSet.Equal(decimal.NewFromInt(37)), "budget = %s", res.BudgetSet)
	assert.True(t, h.store.item(c.ID, late.ID).BudgetCounted)
}

func TestForceRespectsCampaignLock(t *testing.T) {
	h := newHarness(t)
	c := h.campaign(models.StateLowActive)
	h.url(c.ID, 20000, 0)
	ctx := context.Background()

	locker := &fakeLocker{}
	h.machine.SetLocker(locker)
	key := "campaign:" + c.ID.String()

	unlock, ok, err := locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.machine.Force(ctx, c.ID, Pause, models.ActorSystem, "no_active_inventory")
	assert.True(t, errors.Is(err, ErrCampaignBusy))
	assert.Empty(t, h.network.recorded())
	assert.Equal(t, models.StateLowActive, h.store.get(c.ID).AutomationState)

	unlock()
	res, err := h.machine.Force(ctx, c.ID, Pause, models.ActorAdmin, "manual_override")
	require.NoError(t, err)
	assert.Equal(t, models.StateLowPaused, res.To)

	// released once the action is done
	_, ok, err = locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
