package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
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

// fakeStore keeps campaigns, URLs and child campaigns in memory.
type fakeStore struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*models.Campaign
	items     map[uuid.UUID][]models.InventoryItem
	children  map[uuid.UUID][]models.ChildCampaign
	commits   []models.AutomationCommit
	commitErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: make(map[uuid.UUID]*models.Campaign),
		items:     make(map[uuid.UUID][]models.InventoryItem),
		children:  make(map[uuid.UUID][]models.ChildCampaign),
	}
}

func (s *fakeStore) put(c *models.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.campaigns[c.ID] = &cp
}

func (s *fakeStore) get(id uuid.UUID) models.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *fakeStore) addItem(it models.InventoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.CampaignID] = append(s.items[it.CampaignID], it)
}

func (s *fakeStore) setItems(campaignID uuid.UUID, items ...models.InventoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[campaignID] = items
}

func (s *fakeStore) item(campaignID, id uuid.UUID) models.InventoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items[campaignID] {
		if it.ID == id {
			return it
		}
	}
	return models.InventoryItem{}
}

func (s *fakeStore) addChild(ch models.ChildCampaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[ch.ParentCampaignID] = append(s.children[ch.ParentCampaignID], ch)
}

func (s *fakeStore) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commits)
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, repositories.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) ListAutomationEnabled(context.Context) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Campaign
	for _, c := range s.campaigns {
		if c.AutomationEnabled {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *fakeStore) ListEnabledWithoutActiveItems(context.Context) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Campaign
	for _, c := range s.campaigns {
		if !c.AutomationEnabled || !c.HasExternalID() {
			continue
		}
		active := false
		for _, it := range s.items[c.ID] {
			if it.Status == models.ItemStatusActive {
				active = true
			}
		}
		if !active {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *fakeStore) SetAutomationEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("campaign %s: %w", id, repositories.ErrNotFound)
	}
	c.AutomationEnabled = enabled
	return nil
}

func (s *fakeStore) CommitAutomation(_ context.Context, cm models.AutomationCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	c, ok := s.campaigns[cm.CampaignID]
	if !ok {
		return repositories.ErrNotFound
	}
	c.AutomationState = cm.State
	c.LastTransitionAt = cm.LastTransitionAt
	c.HighSpendBudgetCalcAt = cm.HighSpendBudgetCalcAt
	c.CycleBudget = cm.CycleBudget

	items := s.items[cm.CampaignID]
	for i := range items {
		if cm.ClearPending {
			items[i].BudgetPending = false
		}
		for _, id := range cm.PendingItemIDs {
			if items[i].ID == id && !items[i].BudgetCounted {
				items[i].BudgetPending = true
			}
		}
		for _, id := range cm.CountedItemIDs {
			if items[i].ID == id {
				items[i].BudgetCounted = true
				items[i].BudgetPending = false
			}
		}
	}
	s.commits = append(s.commits, cm)
	return nil
}

func (s *fakeStore) ListByCampaign(_ context.Context, campaignID uuid.UUID) ([]models.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.InventoryItem(nil), s.items[campaignID]...), nil
}

func (s *fakeStore) ListByParent(_ context.Context, parentID uuid.UUID) ([]models.ChildCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChildCampaign(nil), s.children[parentID]...), nil
}

func (s *fakeStore) RecordAction(_ context.Context, id uuid.UUID, action string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for parent, list := range s.children {
		for i := range list {
			if list[i].ID == id {
				a := action
				list[i].LastAction = &a
				list[i].LastActionAt = &at
				s.children[parent] = list
				return nil
			}
		}
	}
	return repositories.ErrNotFound
}

type networkCall struct {
	Op         string
	ExternalID string
	Amount     decimal.Decimal
	At         time.Time
}

// fakeNetwork records every call and mirrors activate/pause into its status.
type fakeNetwork struct {
	mu     sync.Mutex
	spend  map[string]decimal.Decimal
	active map[string]bool
	fail   map[string]error
	calls  []networkCall
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		spend:  make(map[string]decimal.Decimal),
		active: make(map[string]bool),
		fail:   make(map[string]error),
	}
}

func (n *fakeNetwork) setSpend(ext string, amount string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.spend[ext] = decimal.RequireFromString(amount)
}

func (n *fakeNetwork) setActive(ext string, active bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.active[ext] = active
}

func (n *fakeNetwork) failOn(op string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail[op] = err
}

func (n *fakeNetwork) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = nil
}

func (n *fakeNetwork) recorded() []networkCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]networkCall(nil), n.calls...)
}

// ops lists the mutating calls in order.
func (n *fakeNetwork) ops() []string {
	var out []string
	for _, c := range n.recorded() {
		if c.Op == "status" || c.Op == "spend" {
			continue
		}
		out = append(out, c.Op)
	}
	return out
}

func (n *fakeNetwork) last(op string) (networkCall, bool) {
	calls := n.recorded()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Op == op {
			return calls[i], true
		}
	}
	return networkCall{}, false
}

func (n *fakeNetwork) record(c networkCall) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail[c.Op]; err != nil {
		return err
	}
	n.calls = append(n.calls, c)
	switch c.Op {
	case "activate":
		n.active[c.ExternalID] = true
	case "pause":
		n.active[c.ExternalID] = false
	}
	return nil
}

func (n *fakeNetwork) GetCampaignStatus(_ context.Context, ext string) (adnetwork.Status, error) {
	if err := n.record(networkCall{Op: "status", ExternalID: ext}); err != nil {
		return adnetwork.Status{}, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return adnetwork.Status{Active: n.active[ext]}, nil
}

func (n *fakeNetwork) GetSpend(_ context.Context, ext string, _, _ time.Time) (decimal.Decimal, error) {
	if err := n.record(networkCall{Op: "spend", ExternalID: ext}); err != nil {
		return decimal.Zero, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.spend[ext], nil
}

func (n *fakeNetwork) ActivateCampaign(_ context.Context, ext string) error {
	return n.record(networkCall{Op: "activate", ExternalID: ext})
}

func (n *fakeNetwork) PauseCampaign(_ context.Context, ext string) error {
	return n.record(networkCall{Op: "pause", ExternalID: ext})
}

func (n *fakeNetwork) SetBudget(_ context.Context, ext string, amount decimal.Decimal) error {
	return n.record(networkCall{Op: "budget", ExternalID: ext, Amount: amount})
}

func (n *fakeNetwork) SetScheduleEnd(_ context.Context, ext string, endAt time.Time) error {
	return n.record(networkCall{Op: "schedule", ExternalID: ext, At: endAt})
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (a *fakeAudit) Log(_ context.Context, entry models.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *fakePublisher) Publish(_ context.Context, _ string, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true, nil
}

var errNetworkDown = errors.New("connection refused")

// harness wires a StateMachine to in-memory fakes with a controllable clock.
type harness struct {
	t         *testing.T
	store     *fakeStore
	network   *fakeNetwork
	audit     *fakeAudit
	publisher *fakePublisher
	cfg       *config.Config
	machine   *StateMachine

	clockMu sync.Mutex
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		store:     newFakeStore(),
		network:   newFakeNetwork(),
		audit:     &fakeAudit{},
		publisher: &fakePublisher{},
		cfg: &config.Config{
			HighSpendThreshold:   decimal.NewFromInt(10),
			CatchUpWindow:        9 * time.Minute,
			ActiveWatchInterval:  time.Minute,
			PausedWatchInterval:  time.Minute,
			ZeroInventorySweep:   3 * time.Minute,
			ColdSweepInterval:    5 * time.Minute,
			ColdSweepConcurrency: 2,
			Location:             time.UTC,
			AdNetworkCallTimeout: time.Second,
			CampaignLockTTL:      time.Minute,
		},
		now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	h.machine = NewStateMachine(h.store, h.store, h.store, h.network, h.audit, h.publisher, h.cfg, zap.NewNop())
	h.machine.SetClock(h.clock)
	return h
}

func (h *harness) clock() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	h.now = h.now.Add(d)
}

// campaign stores an enabled campaign with the 5000/15000 low tier and
// 2000/8000 high tier.
func (h *harness) campaign(state models.AutomationState, mutate ...func(*models.Campaign)) *models.Campaign {
	ext := "ext-" + uuid.NewString()[:8]
	c := &models.Campaign{
		ID:                   uuid.New(),
		Name:                 "test",
		ExternalCampaignID:   &ext,
		AutomationEnabled:    true,
		LowSpend:             models.TierThresholds{PauseAt: 5000, ActivateAt: 15000},
		HighSpend:            models.TierThresholds{PauseAt: 2000, ActivateAt: 8000},
		HighSpendWaitMinutes: 10,
		PricePerThousand:     decimal.NewFromInt(1),
		AutomationState:      state,
	}
	for _, fn := range mutate {
		fn(c)
	}
	h.store.put(c)
	h.network.setActive(ext, state.IsActive())
	return c
}

// url adds an active URL with the given click limit and clicks.
func (h *harness) url(campaignID uuid.UUID, limit, clicks int64, mutate ...func(*models.InventoryItem)) models.InventoryItem {
	it := models.InventoryItem{
		ID:         uuid.New(),
		CampaignID: campaignID,
		ClickLimit: &limit,
		Clicks:     clicks,
		Status:     models.ItemStatusActive,
		CreatedAt:  h.clock().Add(-24 * time.Hour),
	}
	for _, fn := range mutate {
		fn(&it)
	}
	h.store.addItem(it)
	return it
}

func ext(c *models.Campaign) string {
	return *c.ExternalCampaignID
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
