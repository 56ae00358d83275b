package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/linktrack/backend/internal/config"
	"github.com/linktrack/backend/internal/events"
	"github.com/linktrack/backend/internal/models"
	"github.com/linktrack/backend/internal/repositories"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine is the surface exposed to the admin layer: it keeps the scheduler in
// step with the enabled flag and runs the periodic sweeps.
type Engine struct {
	machine   *StateMachine
	scheduler *Scheduler
	campaigns CampaignStore
	audit     AuditLogger
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
}

func NewEngine(machine *StateMachine, campaigns CampaignStore, audit AuditLogger, publisher events.Publisher, cfg *config.Config, log *zap.Logger) *Engine {
	return &Engine{
		machine:   machine,
		scheduler: NewScheduler(machine.Tick, cfg.ActiveWatchInterval, cfg.PausedWatchInterval, log),
		campaigns: campaigns,
		audit:     audit,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

// EnableAutomation switches automation on and starts monitoring immediately.
func (e *Engine) EnableAutomation(ctx context.Context, id uuid.UUID) error {
	c, err := e.machine.load(ctx, id)
	if err != nil {
		return err
	}
	if !c.HasExternalID() {
		return fmt.Errorf("%w: campaign %s has no external campaign id", ErrConfiguration, id)
	}

	if err := e.campaigns.SetAutomationEnabled(ctx, id, true); err != nil {
		return e.storeErr(id, err)
	}
	e.scheduler.Watch(id, WatchFor(c.AutomationState), 0)
	e.toggled(ctx, c, true)
	return nil
}

// DisableAutomation switches automation off and removes the monitoring task.
// The external campaign is left as it is.
func (e *Engine) DisableAutomation(ctx context.Context, id uuid.UUID) error {
	c, err := e.machine.load(ctx, id)
	if err != nil {
		return err
	}
	if err := e.campaigns.SetAutomationEnabled(ctx, id, false); err != nil {
		return e.storeErr(id, err)
	}
	e.scheduler.Stop(id)
	e.toggled(ctx, c, false)
	return nil
}

// ForceAction applies a manual Activate or Pause and re-arms the watch for the
// resulting state.
func (e *Engine) ForceAction(ctx context.Context, id uuid.UUID, action Decision) (*Result, error) {
	res, err := e.machine.Force(ctx, id, action, models.ActorAdmin, "manual_override")
	if err != nil {
		return nil, err
	}
	if e.scheduler.Kind(id) != WatchNone && e.scheduler.Kind(id) != res.Watch {
		e.scheduler.Watch(id, res.Watch, e.scheduler.intervals[res.Watch])
	}
	return res, nil
}

// DebugSnapshot returns the campaign's current automation picture.
func (e *Engine) DebugSnapshot(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	snap, err := e.machine.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	snap.Watch = e.scheduler.Kind(id)
	return snap, nil
}

// Forget drops the monitoring task of a deleted campaign.
func (e *Engine) Forget(id uuid.UUID) {
	e.scheduler.Stop(id)
}

func (e *Engine) Tasks() []TaskInfo {
	return e.scheduler.Tasks()
}

// Run performs a cold sweep, then runs the zero-inventory and cold sweeps
// until ctx is done. Every task is stopped on return.
func (e *Engine) Run(ctx context.Context) error {
	defer e.scheduler.StopAll()

	e.log.Info("automation engine started",
		zap.Duration("active_watch", e.cfg.ActiveWatchInterval),
		zap.Duration("paused_watch", e.cfg.PausedWatchInterval),
		zap.Duration("zero_inventory_sweep", e.cfg.ZeroInventorySweep),
		zap.Duration("cold_sweep", e.cfg.ColdSweepInterval),
	)
	e.ColdSweep(ctx)

	zeroTicker := time.NewTicker(orDefault(e.cfg.ZeroInventorySweep, 3*time.Minute))
	coldTicker := time.NewTicker(orDefault(e.cfg.ColdSweepInterval, 5*time.Minute))
	defer zeroTicker.Stop()
	defer coldTicker.Stop()

	for {
		select {
		case <-zeroTicker.C:
			e.ZeroInventorySweep(ctx)
		case <-coldTicker.C:
			e.ColdSweep(ctx)
		case <-ctx.Done():
			e.log.Info("automation engine stopping")
			return ctx.Err()
		}
	}
}

// ZeroInventorySweep force-pauses enabled campaigns that have no active URL
// left, independent of their monitoring tasks.
func (e *Engine) ZeroInventorySweep(ctx context.Context) {
	campaigns, err := e.campaigns.ListEnabledWithoutActiveItems(ctx)
	if err != nil {
		e.log.Error("failed to list campaigns without inventory", zap.Error(err))
		return
	}

	for i := range campaigns {
		c := &campaigns[i]
		if !c.AutomationState.IsActive() {
			// locally paused: only act when the network drifted to active
			active, err := e.machine.ExternalActive(ctx, c)
			if err != nil {
				e.log.Warn("failed to read status of campaign without inventory",
					zap.String("campaign_id", c.ID.String()),
					zap.Error(err),
				)
				continue
			}
			if !active {
				continue
			}
		}
		e.log.Info("pausing campaign without active inventory",
			zap.String("campaign_id", c.ID.String()),
			zap.String("state", string(c.AutomationState)),
		)
		res, err := e.machine.Force(ctx, c.ID, Pause, models.ActorSystem, "no_active_inventory")
		if errors.Is(err, ErrCampaignBusy) {
			e.log.Debug("campaign busy, zero-inventory pause left to its owner", zap.String("campaign_id", c.ID.String()))
			continue
		}
		if err != nil {
			e.log.Error("failed to pause campaign without inventory",
				zap.String("campaign_id", c.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if e.scheduler.Kind(c.ID) != res.Watch {
			e.scheduler.Watch(c.ID, res.Watch, e.scheduler.intervals[res.Watch])
		}
	}
}

// ColdSweep re-evaluates every enabled campaign with bounded concurrency and
// makes sure each one has a monitoring task. Tasks of campaigns that are no
// longer enabled are stopped.
func (e *Engine) ColdSweep(ctx context.Context) {
	campaigns, err := e.campaigns.ListAutomationEnabled(ctx)
	if err != nil {
		e.log.Error("failed to list automation campaigns", zap.Error(err))
		return
	}

	enabled := make(map[uuid.UUID]struct{}, len(campaigns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ColdSweepConcurrency)

	for _, c := range campaigns {
		if !c.HasExternalID() {
			e.log.Warn("automation enabled without external campaign id",
				zap.String("campaign_id", c.ID.String()),
				zap.Error(ErrConfiguration),
			)
			continue
		}
		enabled[c.ID] = struct{}{}

		id := c.ID
		g.Go(func() error {
			e.sweepOne(gctx, id)
			// one campaign never cancels the others
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range e.scheduler.IDs() {
		if _, ok := enabled[id]; !ok {
			e.scheduler.Stop(id)
		}
	}

	e.log.Debug("cold sweep finished",
		zap.Int("campaigns", len(enabled)),
		zap.Int("tasks", e.scheduler.Len()),
	)
}

func (e *Engine) sweepOne(ctx context.Context, id uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("cold sweep panicked", zap.String("campaign_id", id.String()), zap.Any("panic", r))
		}
	}()

	res, err := e.machine.Tick(ctx, id)
	switch {
	case errors.Is(err, ErrConfiguration), errors.Is(err, ErrCampaignNotFound):
		e.log.Warn("cold sweep skipped campaign", zap.String("campaign_id", id.String()), zap.Error(err))
		e.scheduler.Stop(id)
		return
	case err != nil:
		e.log.Warn("cold sweep tick failed", zap.String("campaign_id", id.String()), zap.Error(err))
		// keep monitoring so the next tick retries
		if e.scheduler.Kind(id) == WatchNone {
			if c, lerr := e.machine.load(ctx, id); lerr == nil {
				e.scheduler.Watch(id, WatchFor(c.AutomationState), e.scheduler.intervals[WatchFor(c.AutomationState)])
			}
		}
		return
	}

	if res.Disabled {
		e.scheduler.Stop(id)
		return
	}
	if res.Skipped {
		return
	}
	if e.scheduler.Kind(id) != res.Watch {
		e.scheduler.Watch(id, res.Watch, e.scheduler.intervals[res.Watch])
	}
}

func (e *Engine) toggled(ctx context.Context, c *models.Campaign, enabled bool) {
	action := "automation_disabled"
	if enabled {
		action = "automation_enabled"
	}
	if err := e.audit.Log(ctx, models.AuditLog{
		ActorType:  models.ActorAdmin,
		Action:     action,
		EntityType: "campaign",
		EntityID:   &c.ID,
		Meta:       map[string]any{"state": string(c.AutomationState)},
	}); err != nil {
		e.log.Warn("failed to write audit log", zap.String("campaign_id", c.ID.String()), zap.Error(err))
	}

	_ = e.publisher.Publish(ctx, events.StreamAutomation, events.Event{
		Type: events.EventAutomationToggled,
		Payload: map[string]any{
			"campaign_id": c.ID.String(),
			"enabled":     enabled,
			"state":       string(c.AutomationState),
		},
	})
	e.log.Info("automation toggled",
		zap.String("campaign_id", c.ID.String()),
		zap.Bool("enabled", enabled),
	)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func (e *Engine) storeErr(id uuid.UUID, err error) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	return err
}
