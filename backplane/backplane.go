// Package backplane propagates cache invalidations across process
// instances via publish/subscribe (spec.md §4.8), grounded on the
// teacher's pkg/pubsub event/topic shapes and cache-manager/subscriptions.go
// handler wiring, with encore.dev/pubsub replaced by a plain Go interface
// so the backplane is a pluggable library contract rather than a deployed
// service annotation.
package backplane

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates the three invalidation shapes a peer can publish
// (spec §3, BackplaneMessage).
type MessageType int

const (
	KeyInvalidation MessageType = iota
	TagInvalidation
	ClearAll
)

func (t MessageType) String() string {
	switch t {
	case KeyInvalidation:
		return "key_invalidation"
	case TagInvalidation:
		return "tag_invalidation"
	case ClearAll:
		return "clear_all"
	default:
		return "unknown"
	}
}

// Message is the wire shape carried by every published invalidation,
// independent of whatever transport serializes it (spec §6: "the
// backplane message payload must carry {type, key?, tag?, instanceId,
// timestamp}").
type Message struct {
	Type       MessageType
	Key        string
	Tag        string
	InstanceID string
	Timestamp  time.Time
}

// Handler reacts to a received Message. Handlers must be idempotent:
// delivery is at-least-once and unordered (spec §4.8).
type Handler func(Message)

// Transport is the pluggable publish/subscribe substrate a Backplane
// rides on; an in-process Transport is provided below, and network-backed
// transports (Redis pub/sub, NATS, etc.) implement the same two methods.
type Transport interface {
	Publish(Message)
	// Subscribe registers fn to receive every published Message and
	// returns an unsubscribe function.
	Subscribe(fn func(Message)) (unsubscribe func())
}

// InstanceID generates a random identifier suitable for distinguishing
// this process from peers sharing a backplane.
func InstanceID() string { return uuid.NewString() }

// Backplane is the publish/subscribe contract described in spec §4.8 and
// §6: PublishInvalidation, PublishTagInvalidation, PublishClearAll,
// Subscribe, Unsubscribe.
type Backplane struct {
	transport  Transport
	instanceID string

	mu     sync.Mutex
	cancel func()
}

// New builds a Backplane riding on transport, tagging every message this
// instance publishes with instanceID so peers (and this instance itself,
// per the loopback-suppression invariant) can recognize its origin.
func New(transport Transport, instanceID string) *Backplane {
	return &Backplane{transport: transport, instanceID: instanceID}
}

func (b *Backplane) publish(msg Message) {
	msg.InstanceID = b.instanceID
	msg.Timestamp = time.Now()
	b.transport.Publish(msg)
}

func (b *Backplane) PublishInvalidation(key string) {
	b.publish(Message{Type: KeyInvalidation, Key: key})
}

func (b *Backplane) PublishTagInvalidation(tag string) {
	b.publish(Message{Type: TagInvalidation, Tag: tag})
}

func (b *Backplane) PublishClearAll() {
	b.publish(Message{Type: ClearAll})
}

// Subscribe registers handler to receive every message not originating
// from this instance (spec §3: "Backplane messages whose
// originating-instance-id equals the local instance id are dropped").
// Only one subscription is active at a time per Backplane; a second call
// replaces the first.
func (b *Backplane) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	b.cancel = b.transport.Subscribe(func(msg Message) {
		if msg.InstanceID == b.instanceID {
			return
		}
		handler(msg)
	})
}

// Unsubscribe cancels any active subscription; safe to call when none is
// active.
func (b *Backplane) Unsubscribe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

// InProcessTransport is a single-process Transport, useful for tests and
// single-instance deployments where no network backplane is configured.
// Delivery is synchronous and in-order here, though the Backplane
// contract only promises at-least-once, unordered delivery in general.
type InProcessTransport struct {
	mu   sync.RWMutex
	subs map[int]func(Message)
	next int
}

func NewInProcessTransport() *InProcessTransport {
	return &InProcessTransport{subs: make(map[int]func(Message))}
}

func (t *InProcessTransport) Publish(msg Message) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, fn := range t.subs {
		fn(msg)
	}
}

func (t *InProcessTransport) Subscribe(fn func(Message)) func() {
	t.mu.Lock()
	id := t.next
	t.next++
	t.subs[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}
