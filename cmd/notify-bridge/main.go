package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linktrack/backend/internal/config"
	"github.com/linktrack/backend/internal/db"
	"github.com/linktrack/backend/internal/events"
	"go.uber.org/zap"
)

// Notify Bridge subscribes to automation events and forwards the ones an
// operator should see to NOTIFY_WEBHOOK_URL.

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, "notify-bridge", log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	subscriber := events.NewRedisSubscriber(rdb, log)
	fw := newForwarder(cfg.NotifyWebhookURL, cfg.AdNetworkCallTimeout, log)

	if err := subscriber.Subscribe(ctx, events.StreamAutomation, func(event events.Event) {
		if !notifiable(event) {
			return
		}
		fw.forward(ctx, event)
	}); err != nil {
		log.Fatal("failed to subscribe", zap.String("stream", events.StreamAutomation), zap.Error(err))
	}

	log.Info("notify-bridge started", zap.Bool("webhook", cfg.NotifyWebhookURL != ""))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down notify-bridge")
	cancel()
}

// notifiable drops high-volume events that carry no operator decision.
func notifiable(event events.Event) bool {
	switch event.Type {
	case events.EventAutomationTransition, events.EventAutomationDrift,
		events.EventBudgetUpdated, events.EventAutomationToggled:
		return true
	}
	return false
}

type forwarder struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

func newForwarder(url string, timeout time.Duration, log *zap.Logger) *forwarder {
	return &forwarder{url: url, client: &http.Client{Timeout: timeout}, log: log}
}

func (f *forwarder) forward(ctx context.Context, event events.Event) {
	campaignID, _ := event.Payload["campaign_id"].(string)
	if f.url == "" {
		f.log.Info("automation event", zap.String("type", event.Type), zap.String("campaign_id", campaignID))
		return
	}

	body, err := json.Marshal(map[string]any{
		"type":        event.Type,
		"campaign_id": campaignID,
		"payload":     event.Payload,
		"sent_at":     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		f.log.Warn("failed to build notification", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Warn("failed to forward notification", zap.String("type", event.Type), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.log.Warn("notification webhook returned non-2xx", zap.Int("status", resp.StatusCode))
	}
}
