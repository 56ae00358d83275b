package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/linktrack/backend/internal/events"
	"github.com/linktrack/backend/internal/models"
	"go.uber.org/zap"
)

// ChildCampaignCascade mirrors the parent's remaining capacity onto its child
// campaigns, each gated by its own click threshold.
type ChildCampaignCascade struct {
	children    ChildCampaignStore
	network     AdNetwork
	audit       AuditLogger
	publisher   events.Publisher
	loc         *time.Location
	callTimeout time.Duration
	log         *zap.Logger
}

func NewChildCampaignCascade(
	children ChildCampaignStore,
	network AdNetwork,
	audit AuditLogger,
	publisher events.Publisher,
	loc *time.Location,
	callTimeout time.Duration,
	log *zap.Logger,
) *ChildCampaignCascade {
	return &ChildCampaignCascade{
		children:    children,
		network:     network,
		audit:       audit,
		publisher:   publisher,
		loc:         loc,
		callTimeout: callTimeout,
		log:         log,
	}
}

// Evaluate walks the children in ascending threshold order. A failure on one
// child is collected and does not stop the others.
func (c *ChildCampaignCascade) Evaluate(ctx context.Context, parent *models.Campaign, remaining int64, now time.Time) error {
	children, err := c.children.ListByParent(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("list child campaigns: %w", err)
	}
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].ClickThreshold < children[j].ClickThreshold
	})

	var errs []error
	for i := range children {
		child := &children[i]
		var action string
		switch {
		case remaining >= child.ClickThreshold && !child.IsActive():
			action = models.ChildActionActivated
			err = c.activate(ctx, child, now)
		case remaining < child.ClickThreshold && child.IsActive():
			action = models.ChildActionPaused
			err = c.pause(ctx, child)
		default:
			continue
		}
		if err != nil {
			c.log.Warn("child campaign action failed",
				zap.String("campaign_id", parent.ID.String()),
				zap.String("child_id", child.ID.String()),
				zap.String("action", action),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}

		if err := c.children.RecordAction(ctx, child.ID, action, now); err != nil {
			errs = append(errs, fmt.Errorf("record child action: %w", err))
			continue
		}
		child.LastAction = &action
		child.LastActionAt = &now

		c.log.Info("child campaign updated",
			zap.String("campaign_id", parent.ID.String()),
			zap.String("child_id", child.ID.String()),
			zap.String("action", action),
			zap.Int64("remaining", remaining),
			zap.Int64("threshold", child.ClickThreshold),
		)
		c.record(ctx, parent, child, action, remaining)
	}
	return errors.Join(errs...)
}

func (c *ChildCampaignCascade) activate(ctx context.Context, child *models.ChildCampaign, now time.Time) error {
	if err := c.call(ctx, "set child schedule end", func(ctx context.Context) error {
		return c.network.SetScheduleEnd(ctx, child.ExternalCampaignID, endOfDay(now, c.loc))
	}); err != nil {
		return err
	}
	return c.call(ctx, "activate child", func(ctx context.Context) error {
		return c.network.ActivateCampaign(ctx, child.ExternalCampaignID)
	})
}

func (c *ChildCampaignCascade) pause(ctx context.Context, child *models.ChildCampaign) error {
	return c.call(ctx, "pause child", func(ctx context.Context) error {
		return c.network.PauseCampaign(ctx, child.ExternalCampaignID)
	})
}

func (c *ChildCampaignCascade) call(ctx context.Context, op string, fn func(context.Context) error) error {
	return callWithTimeout(ctx, c.callTimeout, op, fn)
}

func (c *ChildCampaignCascade) record(ctx context.Context, parent *models.Campaign, child *models.ChildCampaign, action string, remaining int64) {
	meta := map[string]any{
		"parent_campaign_id": parent.ID.String(),
		"threshold":          child.ClickThreshold,
		"remaining":          remaining,
	}
	if err := c.audit.Log(ctx, models.AuditLog{
		ActorType:  models.ActorSystem,
		Action:     "child_campaign_" + action,
		EntityType: "child_campaign",
		EntityID:   &child.ID,
		Meta:       meta,
	}); err != nil {
		c.log.Warn("failed to write audit log", zap.Error(err))
	}

	payload := map[string]any{
		"child_id": child.ID.String(),
		"action":   action,
	}
	for k, v := range meta {
		payload[k] = v
	}
	_ = c.publisher.Publish(ctx, events.StreamAutomation, events.Event{
		Type:    events.EventChildCampaignAction,
		Payload: payload,
	})
}

// callWithTimeout bounds a single ad network call and tags failures with ErrExternalCall.
func callWithTimeout(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExternalCall, op, err)
	}
	return nil
}
