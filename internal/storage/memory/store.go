// Package memory provides an in-process row store for tests and embedded,
// single-node use. It honours the same lock, heartbeat and event-log
// contracts as the SQL stores. Aggregate eviction is delegated to a pluggable
// EvictionPolicy.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ashita-ai/junban/internal/eventlog"
	"github.com/ashita-ai/junban/internal/model"
)

type aggregateKey struct {
	typ string
	id  string
}

type aggregate struct {
	info    model.AggregateInfo
	records []model.EventRecord
}

// Store is a mutex-guarded in-memory row store.
type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	eviction   EvictionPolicy
	locks      map[string]model.AgentLock
	nodes      map[string]model.NodeHeartbeat
	aggregates map[aggregateKey]*aggregate
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEvictionPolicy sets the policy consulted on every append.
func WithEvictionPolicy(p EvictionPolicy) Option {
	return func(s *Store) { s.eviction = p }
}

// New returns an empty store. Without WithEvictionPolicy nothing is evicted.
func New(opts ...Option) *Store {
	s := &Store{
		now:        func() time.Time { return time.Now().UTC() },
		eviction:   NoEviction{},
		locks:      make(map[string]model.AgentLock),
		nodes:      make(map[string]model.NodeHeartbeat),
		aggregates: make(map[aggregateKey]*aggregate),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryAcquireLock claims agentName unless a live lease exists.
func (s *Store) TryAcquireLock(_ context.Context, agentName, nodeID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.locks[agentName]; ok && l.Live(now) {
		return false, nil
	}
	s.locks[agentName] = model.AgentLock{
		AgentName:    agentName,
		LockedBy:     nodeID,
		LockAcquired: now,
		LockExpiry:   now.Add(ttl),
	}
	return true, nil
}

// ReleaseLock deletes nodeID's lease on agentName, or keeps it for hold.
func (s *Store) ReleaseLock(_ context.Context, agentName, nodeID string, hold time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[agentName]
	if !ok || l.LockedBy != nodeID {
		return nil
	}
	if hold <= 0 {
		delete(s.locks, agentName)
		return nil
	}
	l.LockExpiry = s.now().Add(hold)
	s.locks[agentName] = l
	return nil
}

// ListLocks returns every lock ordered by agent name.
func (s *Store) ListLocks(_ context.Context) ([]model.AgentLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.AgentLock, 0, len(s.locks))
	for _, l := range s.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentName < out[j].AgentName })
	return out, nil
}

// Heartbeat records the node as seen now.
func (s *Store) Heartbeat(_ context.Context, hb model.NodeHeartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hb.LastSeen = s.now()
	s.nodes[hb.NodeID] = hb
	return nil
}

// ListLiveNodes returns IDs of nodes seen within ttl, sorted.
func (s *Store) ListLiveNodes(_ context.Context, ttl time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	var out []string
	for id, n := range s.nodes {
		if n.LastSeen.After(cutoff) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

// ListNodes returns every heartbeat row ordered by node ID.
func (s *Store) ListNodes(_ context.Context) ([]model.NodeHeartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.NodeHeartbeat, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// ReapStaleNodes drops nodes not seen within ttl.
func (s *Store) ReapStaleNodes(_ context.Context, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	var n int64
	for id, hb := range s.nodes {
		if !hb.LastSeen.After(cutoff) {
			delete(s.nodes, id)
			n++
		}
	}
	return n, nil
}

// AppendEvents appends records if the aggregate's head equals expectedVersion,
// then runs the eviction policy.
func (s *Store) AppendEvents(_ context.Context, aggregateType, aggregateID string, expectedVersion int64, records []model.EventRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := aggregateKey{aggregateType, aggregateID}
	agg := s.aggregates[key]
	var current int64
	if agg != nil {
		current = agg.info.Version
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("memory: append %s/%s: expected version %d, head is %d: %w",
			aggregateType, aggregateID, expectedVersion, current, eventlog.ErrConcurrentModification)
	}
	if len(records) == 0 {
		return current, nil
	}

	now := s.now()
	if agg == nil {
		agg = &aggregate{info: model.AggregateInfo{AggregateType: aggregateType, AggregateID: aggregateID}}
		s.aggregates[key] = agg
	}
	for _, r := range records {
		r.Payload = append([]byte(nil), r.Payload...)
		agg.records = append(agg.records, r)
	}
	agg.info.Version = expectedVersion + int64(len(records))
	agg.info.LastChangeTimestamp = now

	s.evictLocked(now)
	return agg.info.Version, nil
}

// ListEvents returns a copy of the aggregate's records ordered by sequence.
func (s *Store) ListEvents(_ context.Context, aggregateType, aggregateID string) ([]model.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg := s.aggregates[aggregateKey{aggregateType, aggregateID}]
	if agg == nil {
		return []model.EventRecord{}, nil
	}
	return slices.Clone(agg.records), nil
}

// ListAggregates returns the newest-changed streams, optionally of one type.
func (s *Store) ListAggregates(_ context.Context, aggregateType string, limit int) ([]model.AggregateInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	out := s.infosLocked()
	out = slices.DeleteFunc(out, func(a model.AggregateInfo) bool {
		return aggregateType != "" && a.AggregateType != aggregateType
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastChangeTimestamp.After(out[j].LastChangeTimestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteAggregatesOlderThan removes aggregates last changed before cutoff.
func (s *Store) DeleteAggregatesOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, agg := range s.aggregates {
		if agg.info.LastChangeTimestamp.Before(cutoff) {
			delete(s.aggregates, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) infosLocked() []model.AggregateInfo {
	out := make([]model.AggregateInfo, 0, len(s.aggregates))
	for _, agg := range s.aggregates {
		out = append(out, agg.info)
	}
	return out
}

func (s *Store) evictLocked(now time.Time) {
	victims := s.eviction.Evict(now, s.infosLocked())
	for _, v := range victims {
		delete(s.aggregates, aggregateKey{v.AggregateType, v.AggregateID})
	}
}
