// Package webhooks notifies external endpoints when a report is exported or
// a stream finishes.
//
// Every delivery is a JSON POST signed with HMAC-SHA256 of the body under
// the subscription's secret. A subscription that keeps failing is switched
// off after maxConsecutiveFailures deliveries in a row.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/security"
)

type EventType string

const (
	EventReportExported EventType = "report.exported"
	EventStreamFinished EventType = "stream.finished"
)

// EventTypes lists what a subscription may ask for.
var EventTypes = []string{string(EventReportExported), string(EventStreamFinished)}

// Delivery headers.
const (
	HeaderEvent     = "X-Fraudwatch-Event"
	HeaderDelivery  = "X-Fraudwatch-Delivery"
	HeaderTimestamp = "X-Fraudwatch-Timestamp"
	HeaderSignature = "X-Fraudwatch-Signature"
)

const (
	maxConsecutiveFailures = 5
	deliveryTimeout        = 30 * time.Second
	requestTimeout         = 10 * time.Second
)

var (
	ErrNotFound = errors.New("webhooks: subscription not found")
	ErrClosed   = errors.New("webhooks: dispatcher closed")
)

type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"created_at"`
	LastSuccess         *time.Time  `json:"last_success,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
}

func (s *Subscription) wants(t EventType) bool {
	return s.Active && slices.Contains(s.Events, t)
}

// Store persists subscriptions. RecordDelivery applies one delivery
// outcome atomically: success clears the failure streak, failure extends it
// and deactivates the subscription once it reaches the limit.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	ListByEvent(ctx context.Context, t EventType) ([]*Subscription, error)
	RecordDelivery(ctx context.Context, id string, at time.Time, deliveryErr error) error
	Delete(ctx context.Context, id string) error
}

// Sign returns the hex HMAC-SHA256 of payload under secret, prefixed with
// the algorithm.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Dispatcher fans events out to matching subscriptions. Deliveries run in
// the background; Close waits for them.
type Dispatcher struct {
	store    Store
	client   *http.Client
	logger   *slog.Logger
	validate func(ctx context.Context, url string) error
	retry    retry.Policy

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   logger,
		validate: security.ValidateEndpointURL,
		retry:    retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
}

// Dispatch starts one delivery per active subscription that wants the
// event. It returns once the deliveries are started.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.ListByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	subs = slices.DeleteFunc(subs, func(s *Subscription) bool { return !s.wants(event.Type) })
	if len(subs) == 0 {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.inflight.Add(len(subs))
	for _, sub := range subs {
		go func(sub *Subscription) {
			defer d.inflight.Done()
			d.deliver(sub, event, payload)
		}(sub)
	}
	return nil
}

// Close refuses new events and waits for started deliveries until ctx is
// done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(sub *Subscription, event *Event, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	err := d.retry.Do(ctx, func(ctx context.Context) error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		deliveriesTotal.WithLabelValues(string(event.Type), "failed").Inc()
		d.logger.Warn("webhook delivery failed",
			"subscription", sub.ID, "event", event.Type, "delivery", event.ID, "error", err)
	} else {
		deliveriesTotal.WithLabelValues(string(event.Type), "delivered").Inc()
	}
	// The delivery may have used up ctx.
	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()
	if rerr := d.store.RecordDelivery(rctx, sub.ID, time.Now().UTC(), err); rerr != nil {
		d.logger.Warn("failed to record webhook delivery", "subscription", sub.ID, "error", rerr)
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	// Checked per attempt: DNS may have changed since the subscription was made.
	if err := d.validate(ctx, sub.URL); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, event.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// MemoryStore keeps subscriptions in process memory. It hands out copies.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func clone(s *Subscription) *Subscription {
	cp := *s
	cp.Events = slices.Clone(s.Events)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = clone(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sub), nil
}

// List returns every subscription, newest first.
func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, clone(sub))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListByEvent(_ context.Context, t EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.wants(t) {
			out = append(out, clone(sub))
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordDelivery(_ context.Context, id string, at time.Time, deliveryErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	if deliveryErr == nil {
		sub.LastSuccess = &at
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
		return nil
	}
	sub.LastError = deliveryErr.Error()
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
