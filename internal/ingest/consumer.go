package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"
	"github.com/technosupport/ts-dispatch/internal/broadcast"
	"github.com/technosupport/ts-dispatch/internal/data"
)

// RawEvent is the wire form an upstream ingester (SMTP gateway, webhook
// bridge, vital-signs monitor) publishes on the events subject.
type RawEvent struct {
	AccountID  string   `json:"account_id"`
	CameraID   string   `json:"camera_id"`
	OccurredAt int64    `json:"occurred_at_ms"`
	MediaType  string   `json:"media_type"`
	MediaPaths []string `json:"media_paths"`
}

// Dedup suppresses duplicate deliveries within a TTL window.
type Dedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

func NewDedup(maxKeys int, ttl time.Duration) *Dedup {
	c, _ := lru.New[string, time.Time](maxKeys)
	return &Dedup{cache: c, ttl: ttl}
}

func (d *Dedup) IsDuplicate(key string) bool {
	if addedAt, ok := d.cache.Get(key); ok {
		if time.Since(addedAt) < d.ttl {
			return true
		}
	}
	d.cache.Add(key, time.Now())
	return false
}

func dedupKey(accountID, cameraID string, occurredAt int64) string {
	// Bucket to 1 second to absorb micro-timing differences between
	// redundant upstream paths.
	return fmt.Sprintf("%s|%s|%d", accountID, cameraID, occurredAt/1000)
}

// EventWriter persists ingested events.
type EventWriter interface {
	Insert(ctx context.Context, e *data.Event) error
}

// AccountReader resolves account policy at ingest time.
type AccountReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*data.Account, error)
}

// Dispatching is the hook that offers freshly arrived work to receiving
// operators.
type Dispatching interface {
	Dispatch(ctx context.Context)
}

// Consumer subscribes to the raw-event subject, dedups, persists, announces
// and triggers a dispatch pass.
type Consumer struct {
	Events     EventWriter
	Accounts   AccountReader
	Dedup      *Dedup
	Bus        broadcast.Broadcaster
	Dispatcher Dispatching

	sub *nats.Subscription
}

const MaxPayloadSize = 64 * 1024

func (c *Consumer) Start(conn *nats.Conn, subject string) error {
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		if err := c.handle(context.Background(), msg.Data); err != nil {
			log.Printf("[Ingest] %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("ingest subscribe: %w", err)
	}
	c.sub = sub
	return nil
}

func (c *Consumer) Stop() {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
}

func (c *Consumer) handle(ctx context.Context, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("payload too large: %d > %d", len(payload), MaxPayloadSize)
	}

	var raw RawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return fmt.Errorf("bad event payload: %w", err)
	}

	accountID, err := uuid.Parse(raw.AccountID)
	if err != nil {
		return fmt.Errorf("bad account id %q: %w", raw.AccountID, err)
	}
	cameraID, err := uuid.Parse(raw.CameraID)
	if err != nil {
		return fmt.Errorf("bad camera id %q: %w", raw.CameraID, err)
	}

	if c.Dedup.IsDuplicate(dedupKey(raw.AccountID, raw.CameraID, raw.OccurredAt)) {
		return nil
	}

	account, err := c.Accounts.GetByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("unknown account %s: %w", accountID, err)
	}

	event := &data.Event{
		AccountID:      accountID,
		CameraID:       cameraID,
		Timestamp:      time.UnixMilli(raw.OccurredAt).UTC(),
		MediaType:      data.MediaType(raw.MediaType),
		MediaPaths:     raw.MediaPaths,
		EyesOnRequired: account.EyesOnCount,
	}
	if err := c.Events.Insert(ctx, event); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	c.Bus.Publish(broadcast.Message{
		Kind:      broadcast.KindEventReceived,
		AccountID: accountID,
		EventID:   event.ID,
		At:        event.Timestamp,
		Payload:   map[string]any{"media_type": raw.MediaType},
	})

	if c.Dispatcher != nil {
		c.Dispatcher.Dispatch(ctx)
	}
	return nil
}
