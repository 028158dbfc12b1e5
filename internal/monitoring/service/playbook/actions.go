package playbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
)

// Handler executes one action against an alert and returns a human-readable
// outcome detail for the action log.
type Handler func(ctx context.Context, act Action, alert *model.Alert) (string, error)

// RetrainQueue is the enqueue-only boundary to the training collaborator.
// *redis.Client satisfies it.
type RetrainQueue interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// ThresholdAdjuster writes a new threshold configuration version, picked up
// by the alert evaluator on its next cycle.
type ThresholdAdjuster interface {
	Adjust(ctx context.Context, metric, field string, value float64, reason string) (int64, error)
}

// Actions wires the closed handler table to its collaborators.
type Actions struct {
	client     *http.Client
	notifyURL  string
	queue      RetrainQueue
	queueKey   string
	thresholds ThresholdAdjuster
}

func NewActions(client *http.Client, notifyURL string, queue RetrainQueue, queueKey string, thresholds ThresholdAdjuster) *Actions {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Actions{
		client:     client,
		notifyURL:  notifyURL,
		queue:      queue,
		queueKey:   queueKey,
		thresholds: thresholds,
	}
}

// Handlers returns the kind-to-handler table. The registry validator already
// rejected any kind not present here.
func (a *Actions) Handlers() map[ActionKind]Handler {
	return map[ActionKind]Handler{
		ActionNotify:          a.notify,
		ActionRetrain:         a.retrain,
		ActionThresholdAdjust: a.thresholdAdjust,
	}
}

// notify delivers the alert to the webhook and reports the delivery outcome.
// Fire-and-acknowledge: the response body is drained, only the status counts.
func (a *Actions) notify(ctx context.Context, act Action, alert *model.Alert) (string, error) {
	url := act.StringParam("url")
	if url == "" {
		url = a.notifyURL
	}
	if url == "" {
		return "", fmt.Errorf("notify %s: no webhook url configured", act.ID)
	}

	body := map[string]interface{}{
		"alert_id":  alert.ID,
		"source":    alert.Source,
		"severity":  alert.Severity,
		"title":     alert.Title,
		"metric_id": alert.MetricID,
		"category":  alert.RiskCategory,
		"channel":   act.StringParam("channel"),
	}
	bs, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("notify %s: %w", act.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("notify %s: webhook returned %d", act.ID, resp.StatusCode)
	}
	return fmt.Sprintf("delivered to %s (%d)", url, resp.StatusCode), nil
}

// retrain enqueues a request and returns immediately; completion is the
// trainer's problem.
func (a *Actions) retrain(ctx context.Context, act Action, alert *model.Alert) (string, error) {
	if a.queue == nil {
		return "", fmt.Errorf("retrain %s: no queue configured", act.ID)
	}
	key := act.StringParam("queue")
	if key == "" {
		key = a.queueKey
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"alert_id":     alert.ID,
		"metric_id":    alert.MetricID,
		"category":     alert.RiskCategory,
		"reason":       alert.Title,
		"model":        act.StringParam("model"),
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := a.queue.LPush(ctx, key, payload).Err(); err != nil {
		return "", fmt.Errorf("retrain %s: enqueue: %w", act.ID, err)
	}
	log.Info().Str("alert", alert.ID).Str("queue", key).Msg("retrain request enqueued")
	return "enqueued to " + key, nil
}

// thresholdAdjust writes a new config version. Never retroactive: the
// running cycle keeps the snapshot it started with.
func (a *Actions) thresholdAdjust(ctx context.Context, act Action, alert *model.Alert) (string, error) {
	if a.thresholds == nil {
		return "", fmt.Errorf("threshold_adjust %s: no threshold store configured", act.ID)
	}
	metric := act.StringParam("metric")
	field := act.StringParam("field")
	value, ok := act.FloatParam("value")
	if metric == "" || field == "" || !ok {
		return "", fmt.Errorf("threshold_adjust %s: metric, field and value params are required", act.ID)
	}
	reason := fmt.Sprintf("playbook action %s for alert %s", act.ID, alert.ID)
	version, err := a.thresholds.Adjust(ctx, metric, field, value, reason)
	if err != nil {
		return "", fmt.Errorf("threshold_adjust %s: %w", act.ID, err)
	}
	return fmt.Sprintf("%s.%s=%g at config v%d", metric, field, value, version), nil
}
