package automation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/linktrack/backend/internal/adnetwork"
	"github.com/linktrack/backend/internal/models"
	"github.com/shopspring/decimal"
)

// AdNetwork is the external ad-delivery network. Implemented by adnetwork.Client.
type AdNetwork interface {
	GetCampaignStatus(ctx context.Context, externalID string) (adnetwork.Status, error)
	GetSpend(ctx context.Context, externalID string, from, to time.Time) (decimal.Decimal, error)
	ActivateCampaign(ctx context.Context, externalID string) error
	PauseCampaign(ctx context.Context, externalID string) error
	SetBudget(ctx context.Context, externalID string, amount decimal.Decimal) error
	SetScheduleEnd(ctx context.Context, externalID string, endAt time.Time) error
}

type CampaignStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Campaign, error)
	ListAutomationEnabled(ctx context.Context) ([]models.Campaign, error)
	ListEnabledWithoutActiveItems(ctx context.Context) ([]models.Campaign, error)
	SetAutomationEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	CommitAutomation(ctx context.Context, c models.AutomationCommit) error
}

type InventoryStore interface {
	ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]models.InventoryItem, error)
}

type ChildCampaignStore interface {
	ListByParent(ctx context.Context, parentID uuid.UUID) ([]models.ChildCampaign, error)
	RecordAction(ctx context.Context, id uuid.UUID, action string, at time.Time) error
}

type AuditLogger interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

// Locker is a cross-process advisory lock. Implemented by lock.RedisLocker.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}
