package mesh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// Key layout:
//
//	node:<node_id>              -> JSON Node
//	channel:<index, 3 digits>   -> JSON Channel
//	msg:<unixnano, 20>-<seq, 8> -> JSON Message
//
// Message keys sort by insertion time, so replay rebuilds the in-memory
// slice in the original insertion order and the ordering invariant
// survives restart. Node and channel keys are stable, so upserts
// overwrite in place.
const (
	nodeKeyPrefix    = "node:"
	channelKeyPrefix = "channel:"
	messageKeyPrefix = "msg:"
)

type pebbleBackend struct {
	db *pebble.DB
}

func openPebble(path string) (*pebbleBackend, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("mesh: open pebble at %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("mesh store opened")
	return &pebbleBackend{db: db}, nil
}

func (p *pebbleBackend) Close() error {
	return p.db.Close()
}

func (p *pebbleBackend) set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("mesh: marshal %s: %w", key, err)
	}
	if err := p.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("mesh: persist %s: %w", key, err)
	}
	return nil
}

func messageKey(at time.Time, seq uint64) string {
	return fmt.Sprintf("%s%020d-%08d", messageKeyPrefix, at.UTC().UnixNano(), seq)
}

func channelKey(index uint32) string {
	return fmt.Sprintf("%s%03d", channelKeyPrefix, index)
}

func (s *Store) persistNode(n Node) error {
	if s.db == nil {
		return nil
	}
	return s.db.set(nodeKeyPrefix+n.NodeID, n)
}

func (s *Store) persistChannel(c Channel) error {
	if s.db == nil {
		return nil
	}
	return s.db.set(channelKey(c.Index), c)
}

func (s *Store) persistMessage(key string, m Message) error {
	if s.db == nil {
		return nil
	}
	return s.db.set(key, m)
}

// replay loads all durable records into memory. Caller holds no lock;
// replay runs before the store is shared.
func (s *Store) replay() error {
	iter, err := s.db.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return fmt.Errorf("mesh: replay iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		switch {
		case strings.HasPrefix(key, nodeKeyPrefix):
			var n Node
			if err := json.Unmarshal(iter.Value(), &n); err != nil {
				return fmt.Errorf("mesh: replay %s: %w", key, err)
			}
			s.nodes[n.NodeID] = n

		case strings.HasPrefix(key, channelKeyPrefix):
			var c Channel
			if err := json.Unmarshal(iter.Value(), &c); err != nil {
				return fmt.Errorf("mesh: replay %s: %w", key, err)
			}
			s.channels[c.Index] = c

		case strings.HasPrefix(key, messageKeyPrefix):
			var m Message
			if err := json.Unmarshal(iter.Value(), &m); err != nil {
				return fmt.Errorf("mesh: replay %s: %w", key, err)
			}
			if _, exists := s.byID[m.ID]; exists {
				continue
			}
			s.byID[m.ID] = len(s.messages)
			s.keyByID[m.ID] = key
			s.messages = append(s.messages, m)
			if seq := messageSeq(key); seq > s.seq {
				s.seq = seq
			}
		}
	}

	log.Info().
		Int("nodes", len(s.nodes)).
		Int("channels", len(s.channels)).
		Int("messages", len(s.messages)).
		Msg("mesh store replayed")
	return iter.Error()
}

func messageSeq(key string) uint64 {
	i := bytes.LastIndexByte([]byte(key), '-')
	if i < 0 {
		return 0
	}
	var seq uint64
	if _, err := fmt.Sscanf(key[i+1:], "%d", &seq); err != nil {
		return 0
	}
	return seq
}
