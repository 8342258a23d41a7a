// Package eventstore implements the per-stream append-only event log used to
// resume an SSE stream from a client-supplied Last-Event-ID.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// Event is one JSON-RPC message appended to a stream.
type Event struct {
	EventID   string          `json:"event_id"`
	StreamID  string          `json:"stream_id"`
	Message   json.RawMessage `json:"message"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// DurableStore is the relational persistence seam the Event Store writes
// through. database.Repository implements this.
type DurableStore interface {
	InsertStreamEvent(ctx context.Context, e *Event) error
	// ListStreamEventsAfter returns events of streamID with createdAt strictly
	// after the event named by afterEventID's createdAt, in ascending order.
	// If afterEventID is empty or unknown, all events of the stream are returned.
	ListStreamEventsAfter(ctx context.Context, streamID, afterEventID string) ([]*Event, error)
	DeleteExpiredStreamEvents(ctx context.Context, before time.Time) (int64, error)
}

// Config bounds the in-memory tier and the durable-tier TTL.
type Config struct {
	MaxStreamEvents int           // default 1000
	MaxCacheSize    int           // default 10000, global cap across all streams
	Retention       time.Duration // default 7 days
	CleanupInterval time.Duration // default 24h
}

func (c *Config) setDefaults() {
	if c.MaxStreamEvents == 0 {
		c.MaxStreamEvents = 1000
	}
	if c.MaxCacheSize == 0 {
		c.MaxCacheSize = 10000
	}
	if c.Retention == 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 24 * time.Hour
	}
}

// Store is the two-tier Event Store: per-stream LRU caches bounded both
// per-stream and globally, plus an async-written durable tier.
type Store struct {
	cfg Config

	mu      sync.RWMutex
	streams map[string]*lru.Cache[string, *Event] // streamID -> per-stream LRU (ordered by insertion = eventId order)
	global  *lru.Cache[string, *Event]             // eventId -> Event, global LRU for total-size eviction

	durable DurableStore
	stopGC  chan struct{}
}

// New creates an Event Store. durable may be nil, in which case replay only
// serves from the in-memory tier (used in tests).
func New(durable DurableStore, cfg Config) *Store {
	cfg.setDefaults()

	s := &Store{
		cfg:     cfg,
		streams: make(map[string]*lru.Cache[string, *Event]),
		durable: durable,
		stopGC:  make(chan struct{}),
	}

	// An event evicted from the global tier also leaves its stream's cache,
	// so the total across all streams never exceeds MaxCacheSize.
	global, err := lru.NewWithEvict[string, *Event](cfg.MaxCacheSize, func(eventID string, ev *Event) {
		s.mu.RLock()
		cache, ok := s.streams[ev.StreamID]
		s.mu.RUnlock()
		if ok {
			cache.Remove(eventID)
		}
	})
	if err != nil {
		// Only returns an error for size <= 0, which setDefaults prevents.
		panic(err)
	}
	s.global = global

	go s.cleanupLoop()

	return s
}

func newSuffix() string {
	b := make([]byte, 4)
	for i := range b {
		b[i] = base36[rand.Intn(len(base36))]
	}
	return string(b)
}

// lastEventMillis is the millisecond part of the most recently issued event id.
var lastEventMillis atomic.Int64

// NewEventID builds `<streamId>_<unixMillis>_<4 base36 chars>`. The millisecond
// part is bumped past the previous id's when the clock has not moved on, so ids
// sort in issue order. streamId must not itself contain "_".
func NewEventID(streamID string) string {
	ms := time.Now().UnixMilli()
	for {
		last := lastEventMillis.Load()
		if ms <= last {
			ms = last + 1
		}
		if lastEventMillis.CompareAndSwap(last, ms) {
			break
		}
	}
	return fmt.Sprintf("%s_%d_%s", streamID, ms, newSuffix())
}

// StreamIDOf extracts the stream id prefix (everything before the first "_").
func StreamIDOf(eventID string) string {
	idx := strings.Index(eventID, "_")
	if idx < 0 {
		return eventID
	}
	return eventID[:idx]
}

// StoreEvent appends message to streamID's log: eventId generation, cache
// insertion with per-stream and global eviction, and async durable persist.
func (s *Store) StoreEvent(ctx context.Context, streamID string, message json.RawMessage) *Event {
	now := time.Now()
	ev := &Event{
		EventID:   NewEventID(streamID),
		StreamID:  streamID,
		Message:   message,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Retention),
	}

	s.mu.Lock()
	cache, ok := s.streams[streamID]
	if !ok {
		var err error
		cache, err = lru.New[string, *Event](s.cfg.MaxStreamEvents)
		if err != nil {
			panic(err)
		}
		s.streams[streamID] = cache
	}
	s.mu.Unlock()

	cache.Add(ev.EventID, ev)
	s.global.Add(ev.EventID, ev)

	if s.durable != nil {
		go func() {
			if err := s.durable.InsertStreamEvent(context.Background(), ev); err != nil {
				log.Error().Err(err).Str("stream_id", streamID).Str("event_id", ev.EventID).
					Msg("Failed to persist stream event; in-memory copy still served")
			}
		}()
	}

	return ev
}

// ReplayAfter calls send for every event of the stream named by lastEventID's
// prefix, in append order, strictly after lastEventID. An empty lastEventID
// replays nothing; an unknown one replays the whole stream from the beginning.
func (s *Store) ReplayAfter(ctx context.Context, lastEventID string, send func(eventID string, message json.RawMessage) error) error {
	if lastEventID == "" {
		return nil
	}
	streamID := StreamIDOf(lastEventID)

	if s.durable == nil {
		return s.replayFromCache(streamID, lastEventID, send)
	}

	events, err := s.durable.ListStreamEventsAfter(ctx, streamID, lastEventID)
	if err != nil {
		log.Error().Err(err).Str("stream_id", streamID).Msg("Failed to read durable events for replay, falling back to cache")
		return s.replayFromCache(streamID, lastEventID, send)
	}

	for _, ev := range events {
		var payload json.RawMessage
		if err := json.Unmarshal(ev.Message, &payload); err != nil {
			log.Warn().Err(err).Str("event_id", ev.EventID).Msg("Skipping undecodable event during replay")
			continue
		}
		if err := send(ev.EventID, ev.Message); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) replayFromCache(streamID, lastEventID string, send func(eventID string, message json.RawMessage) error) error {
	s.mu.RLock()
	cache, ok := s.streams[streamID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	keys := cache.Keys()
	// lru.Cache.Keys() is returned oldest-to-newest, which is append order
	// here because we never re-Add an existing key. An id the cache does not
	// hold (unknown, or already evicted) replays everything cached.
	afterCutoff := lastEventID == "" || StreamIDOf(lastEventID) != streamID || !cache.Contains(lastEventID)
	for _, k := range keys {
		if !afterCutoff {
			if k == lastEventID {
				afterCutoff = true
			}
			continue
		}
		ev, ok := cache.Peek(k)
		if !ok {
			continue
		}
		if err := send(ev.EventID, ev.Message); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

func (s *Store) cleanup() {
	if s.durable == nil {
		return
	}
	count, err := s.durable.DeleteExpiredStreamEvents(context.Background(), time.Now())
	if err != nil {
		log.Error().Err(err).Msg("Failed to clean up expired stream events")
		return
	}
	if count > 0 {
		log.Info().Int64("count", count).Msg("Cleaned up expired stream events")
	}
}

// DropStream removes a stream's in-memory cache, called on session close.
func (s *Store) DropStream(streamID string) {
	s.mu.Lock()
	delete(s.streams, streamID)
	s.mu.Unlock()
}

// Stop stops the background cleanup goroutine.
func (s *Store) Stop() {
	close(s.stopGC)
}
