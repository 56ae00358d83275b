package events

import "context"

// StreamAutomation carries every event emitted by the automation engine.
const StreamAutomation = "events:automation"

// Event types
const (
	EventAutomationTransition = "automation_transition"
	EventAutomationDrift      = "automation_drift"
	EventBudgetUpdated        = "automation_budget_updated"
	EventChildCampaignAction  = "child_campaign_action"
	EventAutomationToggled    = "automation_toggled"
)

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}

// NopPublisher drops events. Used when Redis is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Event) error { return nil }
