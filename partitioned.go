package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const partitionShardCount = 16

// PartitionFactory builds the limiter backing a previously-unseen
// partition key. It is invoked at most once per key until that
// partition is evicted (see IdleTimeLimit).
type PartitionFactory[K comparable] func(key K) (Limiter, error)

// PartitionedLimiterOptions configures a PartitionedLimiter.
type PartitionedLimiterOptions[K comparable] struct {
	// Factory builds the limiter for a key on first use. Required.
	Factory PartitionFactory[K]

	// IdleTimeLimit, if positive, evicts a partition once it has gone
	// unaccessed for this long. A zero value means partitions are never
	// evicted and live for the lifetime of the PartitionedLimiter.
	IdleTimeLimit time.Duration
}

type partitionShard[K comparable] struct {
	mu    sync.Mutex
	group singleflight.Group
	plain map[K]Limiter      // used when IdleTimeLimit == 0
	ttl   *lru.LRU[K, Limiter] // used when IdleTimeLimit > 0
}

// PartitionedLimiter fans a single logical limit out across a set of
// keys, lazily constructing one limiter per key the first time it is
// seen. The key space is sharded across partitionShardCount buckets,
// each hashed with xxhash, to keep lock contention flat as the number of
// distinct keys grows.
type PartitionedLimiter[K comparable] struct {
	opts   PartitionedLimiterOptions[K]
	shards [partitionShardCount]*partitionShard[K]
}

// NewPartitionedLimiter constructs a PartitionedLimiter. Returns
// InvalidParameterError if Factory is nil.
func NewPartitionedLimiter[K comparable](opts PartitionedLimiterOptions[K]) (*PartitionedLimiter[K], error) {
	if opts.Factory == nil {
		return nil, invalidParameter("factory", nil, "partitioned limiter requires a non-nil factory")
	}

	p := &PartitionedLimiter[K]{opts: opts}
	for i := range p.shards {
		s := &partitionShard[K]{}
		if opts.IdleTimeLimit > 0 {
			s.ttl = lru.NewLRU[K, Limiter](0, nil, opts.IdleTimeLimit)
		} else {
			s.plain = make(map[K]Limiter)
		}
		p.shards[i] = s
	}
	return p, nil
}

func shardIndex[K comparable](key K) int {
	h := xxhash.Sum64String(fmt.Sprint(key))
	return int(h % partitionShardCount)
}

func (p *PartitionedLimiter[K]) shardFor(key K) *partitionShard[K] {
	return p.shards[shardIndex(key)]
}

// resolve returns the limiter for key, constructing it via Factory on
// first touch. Concurrent first-touches of the same key collapse into a
// single Factory call via singleflight.
func (p *PartitionedLimiter[K]) resolve(key K) (Limiter, error) {
	shard := p.shardFor(key)

	shard.mu.Lock()
	if lim, ok := shard.get(key); ok {
		shard.mu.Unlock()
		return lim, nil
	}
	shard.mu.Unlock()

	v, err, _ := shard.group.Do(fmt.Sprint(key), func() (any, error) {
		shard.mu.Lock()
		if lim, ok := shard.get(key); ok {
			shard.mu.Unlock()
			return lim, nil
		}
		shard.mu.Unlock()

		lim, err := p.opts.Factory(key)
		if err != nil {
			return nil, err
		}

		shard.mu.Lock()
		shard.put(key, lim)
		shard.mu.Unlock()
		return lim, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Limiter), nil
}

func (s *partitionShard[K]) get(key K) (Limiter, bool) {
	if s.ttl != nil {
		lim, ok := s.ttl.Get(key)
		if ok {
			// Re-adding resets the entry's expiry, so the TTL counts from
			// the last access rather than from creation.
			s.ttl.Add(key, lim)
		}
		return lim, ok
	}
	lim, ok := s.plain[key]
	return lim, ok
}

func (s *partitionShard[K]) put(key K, lim Limiter) {
	if s.ttl != nil {
		s.ttl.Add(key, lim)
		return
	}
	s.plain[key] = lim
}

func (s *partitionShard[K]) count() int {
	if s.ttl != nil {
		return s.ttl.Len()
	}
	return len(s.plain)
}

func (s *partitionShard[K]) clear() {
	if s.ttl != nil {
		s.ttl.Purge()
		return
	}
	s.plain = make(map[K]Limiter)
}

// TryAcquire resolves the partition for key and delegates.
func (p *PartitionedLimiter[K]) TryAcquire(key K, n int) (*Lease, error) {
	lim, err := p.resolve(key)
	if err != nil {
		return nil, err
	}
	return lim.TryAcquire(n)
}

// Acquire resolves the partition for key and delegates.
func (p *PartitionedLimiter[K]) Acquire(ctx context.Context, key K, n int) (*Lease, error) {
	lim, err := p.resolve(key)
	if err != nil {
		return nil, err
	}
	return lim.Acquire(ctx, n)
}

// Statistics returns the snapshot for an already-resolved partition.
// Returns the zero Statistics if key has never been seen (querying
// Statistics never constructs a partition).
func (p *PartitionedLimiter[K]) Statistics(key K) Statistics {
	shard := p.shardFor(key)
	shard.mu.Lock()
	lim, ok := shard.get(key)
	shard.mu.Unlock()
	if !ok {
		return Statistics{}
	}
	return lim.Statistics()
}

// IdleDuration returns the idle duration for an already-resolved
// partition, or false if key has never been seen.
func (p *PartitionedLimiter[K]) IdleDuration(key K) (time.Duration, bool) {
	shard := p.shardFor(key)
	shard.mu.Lock()
	lim, ok := shard.get(key)
	shard.mu.Unlock()
	if !ok {
		return 0, false
	}
	return lim.IdleDuration()
}

// PartitionCount returns the number of currently-live partitions across
// all shards.
func (p *PartitionedLimiter[K]) PartitionCount() int {
	total := 0
	for _, shard := range p.shards {
		shard.mu.Lock()
		total += shard.count()
		shard.mu.Unlock()
	}
	return total
}

// Clear disposes every live partition that implements Disposer, then
// drops all partitions. Subsequent accesses reconstruct via Factory.
func (p *PartitionedLimiter[K]) Clear() {
	for _, shard := range p.shards {
		shard.mu.Lock()
		if shard.ttl != nil {
			for _, key := range shard.ttl.Keys() {
				if lim, ok := shard.ttl.Peek(key); ok {
					if d, ok := lim.(Disposer); ok {
						d.Dispose()
					}
				}
			}
		} else {
			for _, lim := range shard.plain {
				if d, ok := lim.(Disposer); ok {
					d.Dispose()
				}
			}
		}
		shard.clear()
		shard.mu.Unlock()
	}
}
