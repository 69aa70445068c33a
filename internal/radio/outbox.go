package radio

import (
	"sort"
	"sync"
	"time"
)

// PendingSend tracks one outbound message awaiting acknowledgment.
type PendingSend struct {
	MessageID string    `json:"message_id"`
	Channel   uint32    `json:"channel"`
	QueuedAt  time.Time `json:"queued_at"`
}

// Outbox stores pending sends by message ID. Entries clear when the
// correlated acknowledgment event arrives; an entry that lingers means
// the mesh never confirmed delivery.
type Outbox struct {
	mu    sync.RWMutex
	items map[string]PendingSend
}

func NewOutbox() *Outbox {
	return &Outbox{items: make(map[string]PendingSend)}
}

func (o *Outbox) Track(item PendingSend) {
	if item.MessageID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[item.MessageID] = item
}

func (o *Outbox) Remove(messageID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, messageID)
}

func (o *Outbox) Get(messageID string) (PendingSend, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[messageID]
	return item, ok
}

// List returns pending sends ordered by queue time.
func (o *Outbox) List() []PendingSend {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingSend, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}

func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}
