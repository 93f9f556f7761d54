package census

import (
	crand "crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
)

// Bus carries snapshots from the single producer to any number of
// consumers. Latest never blocks and may repeat or skip snapshots from a
// slow or fast reader's point of view; Subscribe gets a best-effort push
// of every publish, dropping rather than blocking when a subscriber lags.
type Bus struct {
	latest atomic.Pointer[Snapshot]

	subscriberMu sync.Mutex
	subscribers  map[string]chan *Snapshot
	closed       bool
}

// NewBus returns an empty Bus. Latest returns nil until the first publish.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Snapshot),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Publish makes snap the current snapshot and pushes it to subscribers.
// The caller must not touch snap after publishing it.
func (b *Bus) Publish(snap *Snapshot) {
	b.latest.Store(snap)

	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- snap:
		default:
			// A lagging subscriber misses this snapshot rather than
			// stalling the producer.
		}
	}
}

// Latest returns the most recently published snapshot, or nil before the
// first publish. The returned snapshot may lag the producer; readers must
// tolerate staleness.
func (b *Bus) Latest() *Snapshot {
	return b.latest.Load()
}

// Subscribe creates a new channel receiving future publishes. The channel
// ID identifies the subscription for Unsubscribe.
func (b *Bus) Subscribe() (string, chan *Snapshot) {
	id := randomID()
	ch := make(chan *Snapshot, 1)
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Close closes all subscriber channels. Further Subscribe calls return a
// closed channel; Latest keeps serving the final snapshot.
func (b *Bus) Close() {
	b.subscriberMu.Lock()
	defer b.subscriberMu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}
