package memory

import (
	"sort"
	"time"

	"github.com/ashita-ai/junban/internal/model"
)

// EvictionPolicy picks aggregates to drop from the store. It is consulted
// after every successful append with the current set of aggregates and must
// not retain the slice.
type EvictionPolicy interface {
	Evict(now time.Time, aggregates []model.AggregateInfo) []model.AggregateInfo
}

// NoEviction keeps everything.
type NoEviction struct{}

func (NoEviction) Evict(time.Time, []model.AggregateInfo) []model.AggregateInfo { return nil }

// MaxAgePolicy evicts aggregates whose last change is older than MaxAge.
type MaxAgePolicy struct {
	MaxAge time.Duration
}

func (p MaxAgePolicy) Evict(now time.Time, aggregates []model.AggregateInfo) []model.AggregateInfo {
	if p.MaxAge <= 0 {
		return nil
	}
	cutoff := now.Add(-p.MaxAge)
	var out []model.AggregateInfo
	for _, a := range aggregates {
		if a.LastChangeTimestamp.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// MaxCountPolicy keeps at most Max aggregates, evicting the least recently
// changed first. Ties break on (type, id) so eviction is deterministic.
type MaxCountPolicy struct {
	Max int
}

func (p MaxCountPolicy) Evict(_ time.Time, aggregates []model.AggregateInfo) []model.AggregateInfo {
	if p.Max <= 0 || len(aggregates) <= p.Max {
		return nil
	}
	sorted := append([]model.AggregateInfo(nil), aggregates...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.LastChangeTimestamp.Equal(b.LastChangeTimestamp) {
			return a.LastChangeTimestamp.Before(b.LastChangeTimestamp)
		}
		if a.AggregateType != b.AggregateType {
			return a.AggregateType < b.AggregateType
		}
		return a.AggregateID < b.AggregateID
	})
	return sorted[:len(sorted)-p.Max]
}
