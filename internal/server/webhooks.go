package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"commitline/internal/config"
	"commitline/internal/domain"
	"commitline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	// defaultWebhookSettle bounds how long a missing event id is waited for
	// before the cursor moves past it. Sequence ids are allocated at insert
	// time, so a slow transaction can commit a lower id after a higher one.
	defaultWebhookSettle = time.Minute
)

// Relay forwards audit events to the configured webhooks. Each hook keeps its
// own cursor; a failed delivery is retried on the next tick, so receivers see
// every event at least once while the process runs. Events that commit out of
// id order are still delivered while their gap is within the settle window.
type Relay struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	settle   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	cursors map[int]*hookCursor
}

func NewRelay(r repo.Repo, hooks []config.WebhookConfig, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		repo:     r,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		interval: defaultWebhookInterval,
		settle:   defaultWebhookSettle,
		now:      time.Now,
		cursors:  make(map[int]*hookCursor),
	}
}

// Run dispatches until ctx is done. It returns immediately when no hook is configured.
func (d *Relay) Run(ctx context.Context) {
	if len(d.webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Relay) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *Relay) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.cursorFor(ctx, idx)

	late, err := d.repo.EventsBetween(ctx, cur.settled, cur.high)
	if err != nil {
		d.logger.Error("webhook fetch late events failed", "error", err.Error())
		return
	}
	fresh, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, cur.high)
	if err != nil {
		d.logger.Error("webhook fetch events failed", "error", err.Error())
		return
	}
	filter := newEventFilter(hook.Events)
	now := d.now()
	for _, evt := range append(late, fresh...) {
		if cur.handled(evt.ID) {
			continue
		}
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				d.logger.Warn("webhook delivery failed", "url", hook.URL, "event_id", evt.ID, "error", err.Error())
				// Every visible row must be handled before any gap is passed.
				return
			}
		}
		cur.mark(evt.ID, now)
	}
	for _, id := range cur.advance(now, d.settle) {
		d.logger.Info("webhook cursor passed missing event", "url", hook.URL, "event_id", id)
	}
}

// cursorFor starts a new hook at the newest event; history is not replayed.
// Callers hold d.mu.
func (d *Relay) cursorFor(ctx context.Context, idx int) *hookCursor {
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	latest, err := d.repo.LatestEventID(ctx)
	if err != nil {
		d.logger.Error("webhook init cursor failed", "error", err.Error())
		latest = 0
	}
	cur := newHookCursor(latest)
	d.cursors[idx] = cur
	return cur
}

// hookCursor tracks delivery progress for one hook. Every id at or below
// settled is finished. Ids in (settled, high] are either in done or in gaps.
type hookCursor struct {
	settled int64
	high    int64
	done    map[int64]struct{}
	gaps    map[int64]time.Time
}

func newHookCursor(start int64) *hookCursor {
	return &hookCursor{
		settled: start,
		high:    start,
		done:    make(map[int64]struct{}),
		gaps:    make(map[int64]time.Time),
	}
}

func (c *hookCursor) handled(id int64) bool {
	if id <= c.settled {
		return true
	}
	_, ok := c.done[id]
	return ok
}

func (c *hookCursor) mark(id int64, now time.Time) {
	c.done[id] = struct{}{}
	delete(c.gaps, id)
	if id > c.high {
		for g := c.high + 1; g < id; g++ {
			c.gaps[g] = now
		}
		c.high = id
	}
}

// advance moves settled over finished ids and over gaps older than settle.
// It returns the gap ids given up on.
func (c *hookCursor) advance(now time.Time, settle time.Duration) []int64 {
	var skipped []int64
	for c.settled < c.high {
		next := c.settled + 1
		if _, ok := c.done[next]; ok {
			delete(c.done, next)
			c.settled = next
			continue
		}
		if seen, ok := c.gaps[next]; ok && now.Sub(seen) >= settle {
			delete(c.gaps, next)
			skipped = append(skipped, next)
			c.settled = next
			continue
		}
		break
	}
	return skipped
}

type webhookEvent struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	TenantID    string          `json:"tenant_id"`
	SubjectKind string          `json:"subject_kind"`
	SubjectID   string          `json:"subject_id"`
	ActorID     *string         `json:"actor_id,omitempty"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
}

func (d *Relay) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:          evt.ID,
		Type:        evt.Type,
		TenantID:    evt.TenantID,
		SubjectKind: evt.SubjectKind,
		SubjectID:   evt.SubjectID,
		ActorID:     evt.ActorID,
		TS:          evt.TS,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Commitline-Event", evt.Type)
	req.Header.Set("X-Commitline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Commitline-Tenant", evt.TenantID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Commitline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
