package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldcrm/internal/app"
	"fieldcrm/internal/config"
	"fieldcrm/internal/domain"
	"fieldcrm/internal/store"
	"fieldcrm/internal/views"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatch        = 100
)

// hookState is one configured endpoint and the id of the last event it saw.
type hookState struct {
	cfg    config.WebhookConfig
	filter eventFilter
	client *http.Client
	cursor int64
	primed bool
}

type webhookDispatcher struct {
	app    *app.App
	hooks  []*hookState
	logger *log.Logger
}

// StartWebhooks posts new audit events to the enabled endpoints until ctx is
// done. Events already stored at startup are not replayed.
func StartWebhooks(ctx context.Context, a *app.App, logger *log.Logger) bool {
	d := newWebhookDispatcher(a, logger)
	if d == nil {
		return false
	}
	go func() {
		ticker := time.NewTicker(webhookPollInterval)
		defer ticker.Stop()
		for {
			d.dispatchAll(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return true
}

func newWebhookDispatcher(a *app.App, logger *log.Logger) *webhookDispatcher {
	if a == nil || a.Events == nil || a.Config == nil {
		return nil
	}
	if logger == nil {
		logger = log.Default()
	}
	d := &webhookDispatcher{app: a, logger: logger}
	for _, hc := range a.Config.Webhooks {
		if (hc.Enabled != nil && !*hc.Enabled) || strings.TrimSpace(hc.URL) == "" {
			continue
		}
		timeout := webhookTimeout
		if hc.TimeoutSeconds > 0 {
			timeout = time.Duration(hc.TimeoutSeconds) * time.Second
		}
		d.hooks = append(d.hooks, &hookState{
			cfg:    hc,
			filter: newEventFilter(hc.Events),
			client: &http.Client{Timeout: timeout},
		})
	}
	if len(d.hooks) == 0 {
		return nil
	}
	return d
}

// dispatchAll runs one delivery round over every hook in turn.
func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, h := range d.hooks {
		if !h.primed {
			latest, err := d.app.Events.LatestID(ctx)
			if err != nil {
				d.logger.Printf("webhook %s: read cursor: %v", h.cfg.URL, err)
				continue
			}
			h.cursor, h.primed = latest, true
		}
		d.deliver(ctx, h)
	}
}

func (d *webhookDispatcher) deliver(ctx context.Context, h *hookState) {
	evts, err := d.app.Events.After(ctx, h.cursor, webhookBatch)
	if err != nil {
		d.logger.Printf("webhook %s: fetch events: %v", h.cfg.URL, err)
		return
	}
	if len(evts) == 0 {
		return
	}
	snap := d.app.Store.Snapshot()
	clk := d.app.Clock()
	for _, evt := range evts {
		if h.filter.match(evt.Type) {
			if err := d.post(ctx, h, d.envelope(evt, snap, clk)); err != nil {
				// retried from the same event on the next round
				d.logger.Printf("webhook %s: deliver %s #%d: %v", h.cfg.URL, evt.Type, evt.ID, err)
				return
			}
		}
		h.cursor = evt.ID
	}
}

// webhookTask is the joined view of the task an event refers to.
type webhookTask struct {
	ID            string `json:"id"`
	Company       string `json:"company"`
	City          string `json:"city,omitempty"`
	Salesperson   string `json:"salesperson"`
	DueAt         string `json:"due_at"`
	Status        string `json:"status"`
	DisplayStatus string `json:"display_status"`
	Outcome       string `json:"outcome,omitempty"`
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Instance   string          `json:"instance,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Task       *webhookTask    `json:"task,omitempty"`
}

func (d *webhookDispatcher) envelope(evt domain.Event, snap store.Snapshot, clk views.Clock) webhookEvent {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	out := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Instance:   d.app.Config.CRM.Name,
		Payload:    payload,
	}
	if evt.EntityKind != "task" {
		return out
	}
	t, ok := snap.Task(evt.EntityID)
	if !ok {
		return out
	}
	detail := views.Join(snap, t)
	out.Task = &webhookTask{
		ID:            t.ID,
		Company:       detail.CompanyName(),
		City:          detail.City(),
		Salesperson:   detail.SalespersonName(),
		DueAt:         formatTime(t.DueAt),
		Status:        string(t.Status),
		DisplayStatus: string(clk.DisplayStatus(t)),
		Outcome:       string(detail.Outcome()),
	}
	return out
}

// signature is the hex HMAC-SHA256 of body keyed by the hook secret.
func signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *webhookDispatcher) post(ctx context.Context, h *hookState, evt webhookEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fieldcrm-Event", evt.Type)
	req.Header.Set("X-Fieldcrm-Delivery", strconv.FormatInt(evt.ID, 10))
	if secret := strings.TrimSpace(h.cfg.Secret); secret != "" {
		req.Header.Set("X-Fieldcrm-Signature", signature(secret, body))
	}
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// eventFilter matches exact event types and "kind.*" wildcards. An empty
// filter matches everything.
type eventFilter map[string]bool

func newEventFilter(types []string) eventFilter {
	f := eventFilter{}
	for _, typ := range types {
		if typ = strings.TrimSpace(typ); typ != "" {
			f[typ] = true
		}
	}
	return f
}

func (f eventFilter) match(typ string) bool {
	if len(f) == 0 || f[typ] {
		return true
	}
	kind, _, ok := strings.Cut(typ, ".")
	return ok && f[kind+".*"]
}
