// Package notify implements C9: fan-out of change-lifecycle events to Slack
// and a tenant's generic webhook, off the request path. Delivery is
// best-effort — a dropped or failed notification never blocks or fails the
// change engine call that produced it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/saferun/saferun/internal/store"
)

// Config mirrors notify.py's env-var fallbacks: per-tenant settings (Slack
// bot token/channel, generic webhook URL/secret) take precedence when
// present; these are the global defaults used when a tenant has none.
type Config struct {
	Timeout              time.Duration
	Retries              int
	Workers              int
	SlackBotToken        string
	SlackChannel         string
	GenericWebhookURL    string
	GenericWebhookSecret string

	// CloudTasksProject/Location/Queue select the optional Cloud Tasks
	// delivery backend for generic webhooks; all three must be set.
	CloudTasksProject  string
	CloudTasksLocation string
	CloudTasksQueue    string

	// PubSubProject/Topic select the optional durable event bus: Publish
	// writes to the topic instead of the local queue directly, and every
	// instance's subscription feeds its own worker pool from there.
	PubSubProject string
	PubSubTopic   string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 1
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.SlackChannel == "" {
		c.SlackChannel = "#saferun-alerts"
	}
	return c
}

// Dispatcher is C9's in-process notifier, grounded on the teacher's
// webhooks.Dispatcher worker-pool-over-buffered-channel shape. When
// configured, it hands durability off to Cloud Tasks (webhook delivery) and
// Pub/Sub (cross-instance event fan-out) rather than doing either itself.
type Dispatcher struct {
	store      store.Store
	cfg        Config
	httpClient *http.Client
	queue      chan deliveryJob
	wg         sync.WaitGroup

	cloudTasks *cloudTasksBackend
	pubsub     *pubsubBackend
	pubsubWG   sync.WaitGroup
	cancel     context.CancelFunc
}

type deliveryJob struct {
	event   string
	change  *store.Change
	extras  map[string]any
	attempt int
}

// New builds a Dispatcher and starts its worker pool. When CloudTasksProject
// or PubSubProject are configured it also brings up the matching durable
// backend, logging and falling back to pure in-process delivery if that
// fails rather than refusing to start.
func New(s store.Store, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:      s,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		queue:      make(chan deliveryJob, 1000),
		cancel:     cancel,
	}

	if cfg.CloudTasksProject != "" && cfg.CloudTasksLocation != "" && cfg.CloudTasksQueue != "" {
		backend, err := newCloudTasksBackend(ctx, cfg.CloudTasksProject, cfg.CloudTasksLocation, cfg.CloudTasksQueue)
		if err != nil {
			slog.Error("notify: cloud tasks backend unavailable, falling back to in-process delivery", "error", err)
		} else {
			d.cloudTasks = backend
		}
	}

	if cfg.PubSubProject != "" && cfg.PubSubTopic != "" {
		backend, err := newPubSubBackend(ctx, cfg.PubSubProject, cfg.PubSubTopic)
		if err != nil {
			slog.Error("notify: pubsub backend unavailable, falling back to local queue", "error", err)
		} else {
			d.pubsub = backend
			d.pubsubWG.Add(1)
			go func() {
				defer d.pubsubWG.Done()
				backend.receive(ctx, d.queue)
			}()
		}
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Publish implements change.Notifier. When a Pub/Sub backend is configured,
// the event is handed to the topic and reaches this dispatcher's own worker
// pool (and every other instance's) via the subscription loop started in
// New; otherwise it goes straight onto the local queue. Either way this
// never blocks the caller: a full queue drops the event rather than
// stalling the request path.
func (d *Dispatcher) Publish(ctx context.Context, event string, c *store.Change, extras map[string]any) {
	job := deliveryJob{event: event, change: c, extras: extras, attempt: 1}
	if d.pubsub != nil {
		d.pubsub.publish(ctx, job)
		return
	}
	select {
	case d.queue <- job:
	default:
		slog.Warn("notify queue full, dropping event", "event", event, "change_id", c.ChangeID)
	}
}

// Shutdown stops the durable backends, drains the queue, and stops every
// worker.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.pubsubWG.Wait() // the receive loop must stop pushing before we close the queue
	if d.pubsub != nil {
		if err := d.pubsub.Close(); err != nil {
			slog.Error("notify: pubsub close failed", "error", err)
		}
	}
	if d.cloudTasks != nil {
		if err := d.cloudTasks.Close(); err != nil {
			slog.Error("notify: cloud tasks close failed", "error", err)
		}
	}
	close(d.queue)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job deliveryJob) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	settings := d.resolveSettings(ctx, job.change.APIKey)

	if botToken, channel := settings.slack(d.cfg); botToken != "" {
		if err := d.retry(func() error { return d.sendSlack(ctx, job, botToken, channel) }); err != nil {
			slog.Error("slack notification failed", "change_id", job.change.ChangeID, "error", err)
		}
	}
	if url, secret := settings.webhook(d.cfg); url != "" {
		if err := d.retry(func() error { return d.sendGenericWebhook(ctx, job, url, secret) }); err != nil {
			slog.Error("generic webhook notification failed", "change_id", job.change.ChangeID, "error", err)
		}
	}
}

type resolvedSettings struct {
	s *store.Settings
}

func (d *Dispatcher) resolveSettings(ctx context.Context, apiKey string) resolvedSettings {
	if apiKey == "" {
		return resolvedSettings{}
	}
	s, err := d.store.GetSettings(ctx, apiKey)
	if err != nil || s == nil {
		return resolvedSettings{}
	}
	return resolvedSettings{s: s}
}

func (r resolvedSettings) slack(cfg Config) (botToken, channel string) {
	if r.s != nil && r.s.SlackEnabled && r.s.SlackBotToken != "" {
		ch := r.s.SlackChannel
		if ch == "" {
			ch = cfg.SlackChannel
		}
		return r.s.SlackBotToken, ch
	}
	if cfg.SlackBotToken != "" {
		return cfg.SlackBotToken, cfg.SlackChannel
	}
	return "", ""
}

func (r resolvedSettings) webhook(cfg Config) (url, secret string) {
	if r.s != nil && r.s.GenericWebhookURL != "" {
		return r.s.GenericWebhookURL, r.s.GenericWebhookSecret
	}
	return cfg.GenericWebhookURL, cfg.GenericWebhookSecret
}

func (d *Dispatcher) retry(fn func() error) error {
	var last error
	for attempt := 0; attempt < d.cfg.Retries+1; attempt++ {
		if err := fn(); err != nil {
			last = err
			time.Sleep(time.Duration(300*(1<<attempt)) * time.Millisecond)
			continue
		}
		return nil
	}
	return last
}

// sendSlack posts a minimal Block Kit payload: a header plus a field section
// and, when an approve or revert link exists, a plain-text context line
// carrying that link.
func (d *Dispatcher) sendSlack(ctx context.Context, job deliveryJob, botToken, channel string) error {
	headerText := "🛡️ SafeRun Approval Required"
	if job.event == "executed_with_revert" || job.event == "executed" {
		headerText = "✅ Action Executed"
	} else if job.event == "executed_high_risk" {
		headerText = "🚨 High-Risk Action Executed"
	} else if job.event == "reverted" {
		headerText = "↩️ Action Reverted"
	}

	fields := []map[string]string{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Target:*\n%s", job.change.TargetID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Risk Score:*\n%.1f/10", job.change.RiskScore*10)},
	}
	var contextLine string
	if approveURL, _ := job.extras["approve_url"].(string); approveURL != "" {
		contextLine = "Review: " + approveURL
	} else if revertURL, _ := job.extras["revert_url"].(string); revertURL != "" {
		contextLine = "Revert: " + revertURL
	}

	blocks := []map[string]any{
		{"type": "header", "text": map[string]string{"type": "plain_text", "text": headerText}},
		{"type": "section", "text": map[string]string{"type": "mrkdwn", "text": job.change.Title}, "fields": fields},
	}
	if contextLine != "" {
		blocks = append(blocks, map[string]any{
			"type": "context",
			"elements": []map[string]string{
				{"type": "mrkdwn", "text": contextLine},
			},
		})
	}

	body, err := json.Marshal(map[string]any{"channel": channel, "blocks": blocks})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://slack.com/api/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+botToken)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack chat.postMessage returned %d", resp.StatusCode)
	}
	return nil
}

// sendGenericWebhook mirrors the teacher's dispatcher.deliver: HMAC-sign the
// payload, POST it, and surface non-2xx as a retryable failure.
func (d *Dispatcher) sendGenericWebhook(ctx context.Context, job deliveryJob, url, secret string) error {
	payload, err := json.Marshal(map[string]any{
		"event":     job.event,
		"change_id": job.change.ChangeID,
		"target_id": job.change.TargetID,
		"status":    job.change.Status,
		"extras":    job.extras,
	})
	if err != nil {
		return err
	}
	headers := map[string]string{
		"Content-Type":    "application/json",
		"X-SafeRun-Event": job.event,
	}
	if secret != "" {
		headers["X-SafeRun-Signature"] = "sha256=" + sign(payload, secret)
	}

	if d.cloudTasks != nil {
		if err := d.cloudTasks.enqueue(ctx, url, payload, headers); err != nil {
			slog.Error("notify: cloud tasks enqueue failed, delivering in-process", "error", err)
		} else {
			return nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
