package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/linktrack/backend/internal/adnetwork"
	"github.com/linktrack/backend/internal/config"
	"github.com/linktrack/backend/internal/events"
	"github.com/linktrack/backend/internal/models"
	"github.com/linktrack/backend/internal/repositories"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Result describes what one tick or forced action did to a campaign.
type Result struct {
	CampaignID     uuid.UUID
	From           models.AutomationState
	To             models.AutomationState
	Decision       Decision
	Tier           models.SpendTier
	Spend          decimal.Decimal
	Remaining      int64
	Transitioned   bool
	DriftCorrected bool
	BudgetSet      *decimal.Decimal
	// Disabled is set when automation is off; the caller stops watching.
	Disabled bool
	// Skipped is set when another worker holds the campaign lock or the
	// tick's task was replaced while it waited.
	Skipped bool
	Watch   WatchKind
}

// observation is everything a tick reads before deciding.
type observation struct {
	campaign  *models.Campaign
	inventory *Inventory
	spend     decimal.Decimal
	tier      models.SpendTier
	status    adnetwork.Status
	now       time.Time
	actor     string
	result    *Result
}

func (o *observation) externalID() string {
	return *o.campaign.ExternalCampaignID
}

// StateMachine owns the per-campaign automation state and every decision to
// call the ad network.
type StateMachine struct {
	campaigns  CampaignStore
	accountant *ClickAccountant
	network    AdNetwork
	budget     BudgetRecalculator
	cascade    *ChildCampaignCascade
	audit      AuditLogger
	publisher  events.Publisher
	locker     Locker
	cfg        *config.Config
	now        func() time.Time
	locks      keyedMutex
	log        *zap.Logger
}

func NewStateMachine(
	campaigns CampaignStore,
	items InventoryStore,
	children ChildCampaignStore,
	network AdNetwork,
	audit AuditLogger,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *StateMachine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &StateMachine{
		campaigns:  campaigns,
		accountant: NewClickAccountant(items, log),
		network:    network,
		budget:     NewBudgetRecalculator(cfg.CatchUpWindow),
		cascade:    NewChildCampaignCascade(children, network, audit, publisher, cfg.Location, cfg.AdNetworkCallTimeout, log),
		audit:      audit,
		publisher:  publisher,
		cfg:        cfg,
		now:        time.Now,
		log:        log,
	}
}

// SetClock replaces the time source.
func (m *StateMachine) SetClock(now func() time.Time) {
	m.now = now
}

// SetLocker enables the cross-process campaign lock.
func (m *StateMachine) SetLocker(l Locker) {
	m.locker = l
}

// Tick evaluates one campaign. Errors leave the persisted state untouched so
// the next tick retries from the same state.
func (m *StateMachine) Tick(ctx context.Context, id uuid.UUID) (*Result, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	// the task that issued this tick was replaced while waiting for the lock
	if ctx.Err() != nil {
		return &Result{CampaignID: id, Skipped: true}, nil
	}

	release, ok := m.lockRemote(ctx, id)
	if !ok {
		return &Result{CampaignID: id, Skipped: true}, nil
	}
	defer release()

	c, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.AutomationEnabled {
		return &Result{CampaignID: id, From: c.AutomationState, To: c.AutomationState, Disabled: true}, nil
	}
	if err := validate(c); err != nil {
		return nil, err
	}

	obs, err := m.observe(ctx, c, models.ActorSystem)
	if err != nil {
		return nil, err
	}

	switch c.AutomationState {
	case models.StateLowActive, models.StateLowPaused:
		err = m.stepLow(ctx, obs)
	case models.StateHighSpendWaiting:
		err = m.stepWaiting(ctx, obs)
	case models.StateHighSpendBudgetUpdated:
		err = m.stepBudgetUpdated(ctx, obs)
	case models.StateHighPaused:
		err = m.stepHighPaused(ctx, obs)
	}
	if err != nil {
		return nil, err
	}

	if err := m.cascade.Evaluate(ctx, c, obs.inventory.Remaining, obs.now); err != nil {
		m.log.Warn("child campaign cascade incomplete",
			zap.String("campaign_id", id.String()),
			zap.Error(err),
		)
	}

	obs.result.To = c.AutomationState
	obs.result.Watch = WatchFor(c.AutomationState)
	return obs.result, nil
}

// Force applies a manual Activate or Pause, bypassing the threshold policy.
// Forcing the current activity re-issues the call without a state change.
func (m *StateMachine) Force(ctx context.Context, id uuid.UUID, action Decision, actor, reason string) (*Result, error) {
	if action != Activate && action != Pause {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	release, ok := m.lockRemote(ctx, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCampaignBusy, id)
	}
	defer release()

	c, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasExternalID() {
		return nil, fmt.Errorf("%w: campaign %s has no external campaign id", ErrConfiguration, id)
	}

	obs := &observation{
		campaign: c,
		now:      m.now(),
		actor:    actor,
		result: &Result{
			CampaignID: id,
			From:       c.AutomationState,
			To:         c.AutomationState,
			Decision:   action,
		},
	}

	switch {
	case action == Pause && c.AutomationState == models.StateLowActive:
		err = m.pause(ctx, obs, models.StateLowPaused, reason)
	case action == Pause && c.AutomationState == models.StateHighSpendBudgetUpdated:
		err = m.pause(ctx, obs, models.StateHighPaused, reason)
	case action == Pause:
		err = m.call(ctx, "pause", func(ctx context.Context) error {
			return m.network.PauseCampaign(ctx, obs.externalID())
		})
	case c.AutomationState == models.StateLowPaused:
		err = m.activate(ctx, obs, models.StateLowActive, reason, nil)
	case c.AutomationState == models.StateHighPaused:
		err = m.activate(ctx, obs, models.StateHighSpendBudgetUpdated, reason, m.ensureCalcTime(obs))
	case c.AutomationState == models.StateHighSpendWaiting:
		// the wait is cut short but the budget is still computed first
		full, ferr := m.observe(ctx, c, actor)
		if ferr != nil {
			return nil, ferr
		}
		full.result.Decision = action
		obs = full
		err = m.completeWait(ctx, obs, true, reason)
	default:
		err = m.call(ctx, "activate", func(ctx context.Context) error {
			return m.network.ActivateCampaign(ctx, obs.externalID())
		})
	}
	if err != nil {
		return nil, err
	}

	obs.result.To = c.AutomationState
	obs.result.Watch = WatchFor(c.AutomationState)
	return obs.result, nil
}

// ExternalActive reads the network status of a campaign with an external id.
func (m *StateMachine) ExternalActive(ctx context.Context, c *models.Campaign) (bool, error) {
	if !c.HasExternalID() {
		return false, fmt.Errorf("%w: campaign %s has no external campaign id", ErrConfiguration, c.ID)
	}
	var status adnetwork.Status
	err := m.call(ctx, "get status", func(ctx context.Context) error {
		var err error
		status, err = m.network.GetCampaignStatus(ctx, *c.ExternalCampaignID)
		return err
	})
	return status.Active, err
}

func (m *StateMachine) load(ctx context.Context, id uuid.UUID) (*models.Campaign, error) {
	c, err := m.campaigns.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}
	if c.AutomationState == "" {
		c.AutomationState = models.StateLowPaused
	}
	return c, nil
}

func validate(c *models.Campaign) error {
	if !c.HasExternalID() {
		return fmt.Errorf("%w: campaign %s has no external campaign id", ErrConfiguration, c.ID)
	}
	if !c.AutomationState.Known() {
		return fmt.Errorf("%w: campaign %s has unknown state %q", ErrConfiguration, c.ID, c.AutomationState)
	}
	if !c.LowSpend.Valid() || !c.HighSpend.Valid() {
		return fmt.Errorf("%w: campaign %s needs activate_at > pause_at in both tiers", ErrConfiguration, c.ID)
	}
	return nil
}

func (m *StateMachine) lockRemote(ctx context.Context, id uuid.UUID) (release func(), ok bool) {
	if m.locker == nil {
		return func() {}, true
	}
	unlock, ok, err := m.locker.TryLock(ctx, "campaign:"+id.String(), m.cfg.CampaignLockTTL)
	if err != nil {
		// Redis outage must not stop automation; the local lock still applies
		m.log.Warn("campaign lock unavailable", zap.String("campaign_id", id.String()), zap.Error(err))
		return func() {}, true
	}
	if !ok {
		m.log.Debug("campaign locked by another worker", zap.String("campaign_id", id.String()))
		return nil, false
	}
	return unlock, true
}

// observe reads inventory, today's spend and the external status.
func (m *StateMachine) observe(ctx context.Context, c *models.Campaign, actor string) (*observation, error) {
	// read before the inventory: a URL inserted after this instant is newer
	// than any calc time stored from this observation
	now := m.now()

	inv, err := m.accountant.Load(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	ext := *c.ExternalCampaignID

	var spend decimal.Decimal
	if err := m.call(ctx, "get spend", func(ctx context.Context) error {
		var err error
		spend, err = m.network.GetSpend(ctx, ext, startOfDay(now, m.cfg.Location), now.In(m.cfg.Location))
		return err
	}); err != nil {
		return nil, err
	}

	var status adnetwork.Status
	if err := m.call(ctx, "get status", func(ctx context.Context) error {
		var err error
		status, err = m.network.GetCampaignStatus(ctx, ext)
		return err
	}); err != nil {
		return nil, err
	}

	tier := TierFor(spend, m.cfg.HighSpendThreshold)
	return &observation{
		campaign:  c,
		inventory: inv,
		spend:     spend,
		tier:      tier,
		status:    status,
		now:       now,
		actor:     actor,
		result: &Result{
			CampaignID: c.ID,
			From:       c.AutomationState,
			To:         c.AutomationState,
			Tier:       tier,
			Spend:      spend,
			Remaining:  inv.Remaining,
		},
	}, nil
}

func (m *StateMachine) decide(o *observation, tier models.SpendTier) Decision {
	d := Decide(PolicyInput{
		Remaining:     o.inventory.Remaining,
		Active:        o.campaign.AutomationState.IsActive(),
		Thresholds:    o.campaign.Thresholds(tier),
		CooldownUntil: cooldownUntil(o.campaign),
		Now:           o.now,
	})
	o.result.Decision = d
	return d
}

func (m *StateMachine) stepLow(ctx context.Context, o *observation) error {
	c := o.campaign
	if o.tier == models.SpendTierHigh {
		return m.enterHighSpend(ctx, o)
	}

	switch m.decide(o, models.SpendTierLow) {
	case Activate:
		return m.activate(ctx, o, models.StateLowActive, "remaining_above_activate_threshold", nil)
	case Pause:
		return m.pause(ctx, o, models.StateLowPaused, "remaining_below_pause_threshold")
	}
	m.logHold(c, o)
	return m.correctDrift(ctx, o)
}

// enterHighSpend starts a high-spend cycle: stop delivery, then wait before
// recalculating the budget.
func (m *StateMachine) enterHighSpend(ctx context.Context, o *observation) error {
	if o.campaign.AutomationState.IsActive() {
		if err := m.call(ctx, "pause", func(ctx context.Context) error {
			return m.network.PauseCampaign(ctx, o.externalID())
		}); err != nil {
			return err
		}
	}
	if err := m.call(ctx, "set schedule end", func(ctx context.Context) error {
		return m.network.SetScheduleEnd(ctx, o.externalID(), o.now.In(m.cfg.Location))
	}); err != nil {
		return err
	}
	return m.commit(ctx, o, models.StateHighSpendWaiting, "high_spend_detected", func(cm *models.AutomationCommit) {
		cm.HighSpendBudgetCalcAt = nil
		cm.CycleBudget = nil
		cm.ClearPending = true
	})
}

func (m *StateMachine) stepWaiting(ctx context.Context, o *observation) error {
	c := o.campaign
	if o.tier == models.SpendTierLow {
		return m.resetCycle(ctx, o, models.StateLowPaused)
	}

	if c.LastTransitionAt != nil {
		waitUntil := c.LastTransitionAt.Add(time.Duration(c.HighSpendWaitMinutes) * time.Minute)
		if o.now.Before(waitUntil) {
			m.log.Debug("waiting before high-spend budget calculation",
				zap.String("campaign_id", c.ID.String()),
				zap.Time("wait_until", waitUntil),
			)
			return m.correctDrift(ctx, o)
		}
	}
	return m.completeWait(ctx, o, false, "high_spend_wait_elapsed")
}

// completeWait pushes spend + value of the remaining clicks as the budget and
// resumes delivery when there is inventory to serve.
func (m *StateMachine) completeWait(ctx context.Context, o *observation, force bool, reason string) error {
	c := o.campaign
	budget := m.budget.CycleBudget(o.spend, o.inventory.Remaining, c.PricePerThousand, c.CycleBudget)

	if err := m.call(ctx, "set budget", func(ctx context.Context) error {
		return m.network.SetBudget(ctx, o.externalID(), budget)
	}); err != nil {
		return err
	}
	o.result.BudgetSet = &budget
	m.publishBudget(ctx, c, budget, o, "high_spend_budget")

	// the pushed amount is the cycle's floor even if activation fails below
	calcAt := o.now
	if err := m.commit(ctx, o, c.AutomationState, "high_spend_budget_pushed", func(cm *models.AutomationCommit) {
		cm.HighSpendBudgetCalcAt = &calcAt
		cm.CycleBudget = &budget
	}); err != nil {
		return err
	}

	if !force && o.inventory.Remaining < c.HighSpend.PauseAt {
		return m.commit(ctx, o, models.StateHighPaused, "high_spend_budget_set_without_inventory", nil)
	}
	return m.activate(ctx, o, models.StateHighSpendBudgetUpdated, reason, nil)
}

func (m *StateMachine) stepBudgetUpdated(ctx context.Context, o *observation) error {
	c := o.campaign
	if o.tier == models.SpendTierLow {
		return m.resetCycle(ctx, o, models.StateLowActive)
	}

	if m.decide(o, models.SpendTierHigh) == Pause {
		return m.pause(ctx, o, models.StateHighPaused, "remaining_below_pause_threshold")
	}

	if c.HighSpendBudgetCalcAt == nil {
		return m.commit(ctx, o, c.AutomationState, "high_spend_calc_time_restored", m.ensureCalcTime(o))
	}

	plan := m.budget.PlanCatchUp(*c.HighSpendBudgetCalcAt, o.inventory.Items, c.PricePerThousand, o.now)
	switch {
	case plan.Due:
		if err := m.applyCatchUp(ctx, o, plan); err != nil {
			return err
		}
	case len(plan.NewPending) > 0:
		if err := m.commit(ctx, o, c.AutomationState, "catch_up_pending", func(cm *models.AutomationCommit) {
			cm.PendingItemIDs = plan.NewPending
		}); err != nil {
			return err
		}
	}
	return m.correctDrift(ctx, o)
}

// applyCatchUp adds the full value of URLs created after the last budget
// calculation to the cycle budget.
func (m *StateMachine) applyCatchUp(ctx context.Context, o *observation, plan CatchUpPlan) error {
	c := o.campaign
	base := o.spend
	if c.CycleBudget != nil {
		base = *c.CycleBudget
	}
	budget := base.Add(plan.Value)

	if err := m.call(ctx, "set budget", func(ctx context.Context) error {
		return m.network.SetBudget(ctx, o.externalID(), budget)
	}); err != nil {
		return err
	}
	o.result.BudgetSet = &budget

	m.log.Info("catch-up budget applied",
		zap.String("campaign_id", c.ID.String()),
		zap.Int("items", len(plan.Items)),
		zap.String("added", plan.Value.String()),
		zap.String("budget", budget.String()),
	)
	m.publishBudget(ctx, c, budget, o, "catch_up")

	calcAt := o.now
	return m.commit(ctx, o, c.AutomationState, "catch_up_applied", func(cm *models.AutomationCommit) {
		cm.HighSpendBudgetCalcAt = &calcAt
		cm.CycleBudget = &budget
		cm.CountedItemIDs = plan.ItemIDs()
	})
}

func (m *StateMachine) stepHighPaused(ctx context.Context, o *observation) error {
	if o.tier == models.SpendTierLow {
		return m.resetCycle(ctx, o, models.StateLowPaused)
	}
	if m.decide(o, models.SpendTierHigh) == Activate {
		return m.activate(ctx, o, models.StateHighSpendBudgetUpdated, "remaining_above_activate_threshold", m.ensureCalcTime(o))
	}
	m.logHold(o.campaign, o)
	return m.correctDrift(ctx, o)
}

// resetCycle leaves the high-spend cycle without touching the network: the
// low-tier policy takes over from the engine's last known activity.
func (m *StateMachine) resetCycle(ctx context.Context, o *observation, to models.AutomationState) error {
	return m.commit(ctx, o, to, "spend_below_high_threshold", func(cm *models.AutomationCommit) {
		cm.HighSpendBudgetCalcAt = nil
		cm.CycleBudget = nil
		cm.ClearPending = true
	})
}

func (m *StateMachine) ensureCalcTime(o *observation) func(*models.AutomationCommit) {
	return func(cm *models.AutomationCommit) {
		if cm.HighSpendBudgetCalcAt == nil {
			now := o.now
			cm.HighSpendBudgetCalcAt = &now
		}
	}
}

func (m *StateMachine) activate(ctx context.Context, o *observation, to models.AutomationState, reason string, mutate func(*models.AutomationCommit)) error {
	if err := m.call(ctx, "set schedule end", func(ctx context.Context) error {
		return m.network.SetScheduleEnd(ctx, o.externalID(), endOfDay(o.now, m.cfg.Location))
	}); err != nil {
		return err
	}
	if err := m.call(ctx, "activate", func(ctx context.Context) error {
		return m.network.ActivateCampaign(ctx, o.externalID())
	}); err != nil {
		return err
	}
	return m.commit(ctx, o, to, reason, mutate)
}

func (m *StateMachine) pause(ctx context.Context, o *observation, to models.AutomationState, reason string) error {
	if err := m.call(ctx, "set schedule end", func(ctx context.Context) error {
		return m.network.SetScheduleEnd(ctx, o.externalID(), o.now.In(m.cfg.Location))
	}); err != nil {
		return err
	}
	if err := m.call(ctx, "pause", func(ctx context.Context) error {
		return m.network.PauseCampaign(ctx, o.externalID())
	}); err != nil {
		return err
	}
	return m.commit(ctx, o, to, reason, nil)
}

// correctDrift re-issues the action matching the local state once when the
// network disagrees. The local state is never changed from a single read.
func (m *StateMachine) correctDrift(ctx context.Context, o *observation) error {
	c := o.campaign
	want := c.AutomationState.IsActive()
	if o.status.Active == want {
		return nil
	}

	m.log.Warn("external status drift",
		zap.String("campaign_id", c.ID.String()),
		zap.String("state", string(c.AutomationState)),
		zap.Bool("external_active", o.status.Active),
		zap.Error(ErrInconsistentExternalState),
	)

	var err error
	if want {
		err = m.call(ctx, "re-activate", func(ctx context.Context) error {
			return m.network.ActivateCampaign(ctx, o.externalID())
		})
	} else {
		err = m.call(ctx, "re-pause", func(ctx context.Context) error {
			return m.network.PauseCampaign(ctx, o.externalID())
		})
	}
	if err != nil {
		return err
	}
	o.result.DriftCorrected = true

	_ = m.publisher.Publish(ctx, events.StreamAutomation, events.Event{
		Type: events.EventAutomationDrift,
		Payload: map[string]any{
			"campaign_id":     c.ID.String(),
			"state":           string(c.AutomationState),
			"external_active": o.status.Active,
		},
	})
	return nil
}

// commit persists the step and, for real transitions, writes the audit entry
// and publishes the transition event.
func (m *StateMachine) commit(ctx context.Context, o *observation, to models.AutomationState, reason string, mutate func(*models.AutomationCommit)) error {
	c := o.campaign
	from := c.AutomationState
	if from != to && !models.IsValidAutomationTransition(from, to) {
		return fmt.Errorf("invalid automation transition from %s to %s", from, to)
	}

	cm := models.AutomationCommit{
		CampaignID:            c.ID,
		State:                 to,
		LastTransitionAt:      c.LastTransitionAt,
		HighSpendBudgetCalcAt: c.HighSpendBudgetCalcAt,
		CycleBudget:           c.CycleBudget,
	}
	if from != to {
		now := o.now
		cm.LastTransitionAt = &now
	}
	if mutate != nil {
		mutate(&cm)
	}

	if err := m.campaigns.CommitAutomation(ctx, cm); err != nil {
		return fmt.Errorf("commit automation state: %w", err)
	}

	c.AutomationState = cm.State
	c.LastTransitionAt = cm.LastTransitionAt
	c.HighSpendBudgetCalcAt = cm.HighSpendBudgetCalcAt
	c.CycleBudget = cm.CycleBudget

	meta := map[string]any{
		"from":      string(from),
		"to":        string(to),
		"reason":    reason,
		"tier":      string(o.result.Tier),
		"spend":     o.result.Spend.String(),
		"remaining": o.result.Remaining,
	}
	action := fmt.Sprintf("automation_%s_to_%s", from, to)
	if from == to {
		action = "automation_" + reason
	} else {
		o.result.Transitioned = true
		m.log.Info("automation transition",
			zap.String("campaign_id", c.ID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("reason", reason),
			zap.String("actor", o.actor),
			zap.Int64("remaining", o.result.Remaining),
		)
	}

	actor := o.actor
	if actor == "" {
		actor = models.ActorSystem
	}
	if err := m.audit.Log(ctx, models.AuditLog{
		ActorType:  actor,
		Action:     action,
		EntityType: "campaign",
		EntityID:   &c.ID,
		Meta:       meta,
	}); err != nil {
		m.log.Warn("failed to write audit log", zap.String("campaign_id", c.ID.String()), zap.Error(err))
	}

	if from != to {
		payload := map[string]any{"campaign_id": c.ID.String(), "actor": actor}
		for k, v := range meta {
			payload[k] = v
		}
		_ = m.publisher.Publish(ctx, events.StreamAutomation, events.Event{
			Type:    events.EventAutomationTransition,
			Payload: payload,
		})
	}
	return nil
}

func (m *StateMachine) publishBudget(ctx context.Context, c *models.Campaign, budget decimal.Decimal, o *observation, kind string) {
	_ = m.publisher.Publish(ctx, events.StreamAutomation, events.Event{
		Type: events.EventBudgetUpdated,
		Payload: map[string]any{
			"campaign_id": c.ID.String(),
			"kind":        kind,
			"budget":      budget.StringFixed(2),
			"spend":       o.spend.String(),
		},
	})
}

func (m *StateMachine) logHold(c *models.Campaign, o *observation) {
	m.log.Debug("automation holds state",
		zap.String("campaign_id", c.ID.String()),
		zap.String("state", string(c.AutomationState)),
		zap.String("tier", string(o.tier)),
		zap.Int64("remaining", o.inventory.Remaining),
	)
}

func (m *StateMachine) call(ctx context.Context, op string, fn func(context.Context) error) error {
	return callWithTimeout(ctx, m.cfg.AdNetworkCallTimeout, op, fn)
}
