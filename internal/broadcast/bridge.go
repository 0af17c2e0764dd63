package broadcast

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Bridge relays hub messages between coordinator instances over NATS so
// every instance's websocket clients see the same stream. Each message is
// stamped with the origin instance id; a bridge ignores its own echoes.
type Bridge struct {
	conn       *nats.Conn
	subject    string
	instanceID string
	maxRetries int
	hub        *Hub
	sub        *nats.Subscription
}

type bridgeEnvelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

func NewBridge(conn *nats.Conn, subject string, maxRetries int) *Bridge {
	return &Bridge{
		conn:       conn,
		subject:    subject,
		instanceID: uuid.New().String(),
		maxRetries: maxRetries,
	}
}

// Start subscribes and wires the bridge into the hub.
func (b *Bridge) Start(hub *Hub) error {
	b.hub = hub
	sub, err := b.conn.Subscribe(b.subject, func(m *nats.Msg) {
		var env bridgeEnvelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			log.Printf("[Bridge] bad envelope: %v", err)
			return
		}
		if env.Origin == b.instanceID {
			return
		}
		b.hub.deliverLocal(env.Message)
	})
	if err != nil {
		return fmt.Errorf("bridge subscribe: %w", err)
	}
	b.sub = sub
	hub.SetBridge(b)
	return nil
}

// Forward publishes a locally originated message to peers, with the same
// bounded retry/backoff as the event publisher.
func (b *Bridge) Forward(msg Message) {
	data, err := json.Marshal(bridgeEnvelope{Origin: b.instanceID, Message: msg})
	if err != nil {
		log.Printf("[Bridge] marshal failed: %v", err)
		return
	}

	for i := 0; i <= b.maxRetries; i++ {
		if err = b.conn.Publish(b.subject, data); err == nil {
			return
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	log.Printf("[Bridge] publish failed after %d retries: %v", b.maxRetries, err)
}

func (b *Bridge) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
}
