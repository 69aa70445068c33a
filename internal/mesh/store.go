// Package mesh owns the authoritative mesh state: nodes, channels, and
// messages.
//
// Ownership boundary:
// - deduplicated, orderable message storage
// - node and channel upserts with field-level merge
// - durable write-through persistence and restart replay
// - ordered state-change publication on the fan-out feed
package mesh

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/meshmon/meshmon/internal/mesh/feed"
	"github.com/meshmon/meshmon/internal/observability"
)

var (
	ErrNodeIDRequired    = errors.New("mesh: node_id required")
	ErrMessageIDRequired = errors.New("mesh: message id required")
	ErrStoreClosed       = errors.New("mesh: store closed")
)

// Options configures a Store. An empty Path keeps state in memory only,
// which the test suites and ephemeral deployments use.
type Options struct {
	// Path is the pebble database directory for durable state.
	Path string
	// Feed receives ordered state-change events when non-nil.
	Feed *feed.Feed
}

// Store is the authoritative record of the observed mesh. All mutation
// goes through the Upsert operations; readers may query concurrently
// with writers.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]Node
	channels map[uint32]Channel

	// messages holds insertion order; byID and keyByID index it for
	// dedup and acknowledgment lookups.
	messages []Message
	byID     map[string]int
	keyByID  map[string]string
	seq      uint64

	db     *pebbleBackend
	events *feed.Feed
	closed bool
}

// Open constructs the store, replaying any durable state at opts.Path.
func Open(opts Options) (*Store, error) {
	s := &Store{
		nodes:    make(map[string]Node),
		channels: make(map[uint32]Channel),
		byID:     make(map[string]int),
		keyByID:  make(map[string]string),
		events:   opts.Feed,
	}
	if opts.Path != "" {
		db, err := openPebble(opts.Path)
		if err != nil {
			return nil, err
		}
		s.db = db
		if err := s.replay(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close flushes and closes the durable backend. The in-memory state
// stays queryable; further mutation fails with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// UpsertNode inserts or updates a node keyed by NodeID. Updates merge
// field by field: values absent from n keep their last known state, so
// a telemetry-only update never erases names or position.
func (s *Store) UpsertNode(n Node) (Node, error) {
	if n.NodeID == "" {
		return Node{}, ErrNodeIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Node{}, ErrStoreClosed
	}

	merged := mergeNode(s.nodes[n.NodeID], n)
	merged.UpdatedAt = time.Now()
	s.nodes[n.NodeID] = merged
	if err := s.persistNode(merged); err != nil {
		return Node{}, err
	}
	s.publish(feed.TypeNodeUpdated, merged)
	return merged, nil
}

// UpsertChannel inserts or updates a channel keyed by Index.
func (s *Store) UpsertChannel(c Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	c.UpdatedAt = time.Now()
	s.channels[c.Index] = c
	if err := s.persistChannel(c); err != nil {
		return err
	}
	s.publish(feed.TypeChannelUpdated, c)
	return nil
}

// UpsertMessage stores m unless a message with the same ID already
// exists. A duplicate insert is a silent no-op keeping the original
// record; the returned bool reports whether an insert happened.
func (s *Store) UpsertMessage(m Message) (bool, error) {
	if m.ID == "" {
		return false, ErrMessageIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	if _, exists := s.byID[m.ID]; exists {
		observability.RecordStoreMessage(false)
		return false, nil
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	s.seq++
	key := messageKey(time.Now(), s.seq)
	if err := s.persistMessage(key, m); err != nil {
		return false, err
	}
	s.byID[m.ID] = len(s.messages)
	s.keyByID[m.ID] = key
	s.messages = append(s.messages, m)
	observability.RecordStoreMessage(true)
	s.publish(feed.TypeMessageReceived, m)
	return true, nil
}

// MarkAcknowledged records delivery confirmation for the message with
// the given ID. Unknown IDs are ignored; late or duplicate acks are
// normal mesh behavior.
func (s *Store) MarkAcknowledged(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	idx, ok := s.byID[id]
	if !ok || s.messages[idx].Acknowledged {
		return false, nil
	}
	s.messages[idx].Acknowledged = true
	if err := s.persistMessage(s.keyByID[id], s.messages[idx]); err != nil {
		return false, err
	}
	s.publish(feed.TypeMessageAcked, s.messages[idx])
	return true, nil
}

// MessageQuery filters QueryMessages. Zero values mean "no constraint".
type MessageQuery struct {
	// Channel restricts results to one channel index when non-nil.
	Channel *uint32
	// Since excludes messages with timestamps before it.
	Since time.Time
	// Limit caps the result to the most recent N messages. The result
	// stays timestamp-ascending; the cut is taken from the tail.
	Limit int
}

// QueryMessages returns matching messages ordered by timestamp
// ascending, stable by insertion order for equal timestamps.
func (s *Store) QueryMessages(q MessageQuery) []Message {
	s.mu.RLock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		if q.Channel != nil && m.Channel != *q.Channel {
			continue
		}
		if !q.Since.IsZero() && m.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, m)
	}
	s.mu.RUnlock()

	// The source slice is insertion-ordered, so a stable sort on
	// timestamp alone yields the required tie-break.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// GetMessage returns the stored message with the given ID.
func (s *Store) GetMessage(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return s.messages[idx], true
}

// Reactions returns every reaction message referencing the given ID.
// Resolution is a query-time join over the weak ReplyID reference.
func (s *Store) Reactions(id string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.messages {
		if m.Emoji != 0 && m.ReplyID == id {
			out = append(out, m)
		}
	}
	return out
}

// QueryNodes returns every known node, ordered by NodeID.
func (s *Store) QueryNodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// QueryChannels returns every known channel, ordered by index.
func (s *Store) QueryChannels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Counts reports store cardinality for status surfaces.
func (s *Store) Counts() (nodes, channels, messages int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.channels), len(s.messages)
}

func (s *Store) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}

// mergeNode applies update over prev, last-write-wins per present field.
func mergeNode(prev, update Node) Node {
	out := prev
	out.NodeID = update.NodeID
	if update.LongName != "" {
		out.LongName = update.LongName
	}
	if update.ShortName != "" {
		out.ShortName = update.ShortName
	}
	if update.HWModel != "" {
		out.HWModel = update.HWModel
	}
	if update.Latitude != nil {
		out.Latitude = update.Latitude
	}
	if update.Longitude != nil {
		out.Longitude = update.Longitude
	}
	if update.Altitude != nil {
		out.Altitude = update.Altitude
	}
	if update.BatteryLevel != nil {
		out.BatteryLevel = update.BatteryLevel
	}
	if update.Voltage != nil {
		out.Voltage = update.Voltage
	}
	if update.ChannelUtil != nil {
		out.ChannelUtil = update.ChannelUtil
	}
	if update.SNR != nil {
		out.SNR = update.SNR
	}
	if update.LastHeard.After(out.LastHeard) {
		out.LastHeard = update.LastHeard
	}
	return out
}
