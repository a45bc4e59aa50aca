// Package cache implements the content-addressed, single-flight, tiered
// artifact cache: an in-memory L1 LRU backed by an on-disk (or otherwise
// opaque) L2 store.
package cache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/metrics"
)

// Store is the CacheStore (L2) contract: a durable, content-addressed
// byte store keyed by hex fingerprint.
type Store interface {
	Read(ctx context.Context, fingerprint string) ([]byte, bool, error)
	WriteAtomic(ctx context.Context, fingerprint string, data []byte) error
	Delete(ctx context.Context, fingerprint string) error
}

type flightEntry struct {
	done chan struct{}
	val  []byte
	err  error
}

// TieredCache composes an in-memory L1 LRU and an L2 Store behind a
// single-flight layer so concurrent requests for the same fingerprint
// share one computation.
type TieredCache struct {
	l1         *lru.Cache[string, []byte]
	l2         Store
	maxBytes   int64
	curBytes   int64
	bytesMu    sync.Mutex
	entryBytes map[string]int64

	flightMu sync.Mutex
	flight   map[string]*flightEntry

	metrics *metrics.Collectors
}

// SetMetrics overrides the cache's default (isolated-registry) collectors
// with the shared set the rest of the pipeline reports through. Call it
// once, before the cache is used concurrently.
func (c *TieredCache) SetMetrics(m *metrics.Collectors) {
	c.metrics = m
}

// New builds a TieredCache. maxEntries and maxBytes jointly bound L1;
// exceeding either evicts the least-recently-used entry.
func New(l2 Store, maxEntries int, maxBytes int64) (*TieredCache, error) {
	c := &TieredCache{
		l2:         l2,
		maxBytes:   maxBytes,
		entryBytes: make(map[string]int64),
		flight:     make(map[string]*flightEntry),
		metrics:    metrics.New(prometheus.NewRegistry()),
	}

	l1, err := lru.NewWithEvict[string, []byte](maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.l1 = l1
	return c, nil
}

func (c *TieredCache) onEvict(key string, value []byte) {
	c.bytesMu.Lock()
	c.curBytes -= c.entryBytes[key]
	delete(c.entryBytes, key)
	c.bytesMu.Unlock()
}

func (c *TieredCache) l1Put(fingerprint string, data []byte) {
	c.bytesMu.Lock()
	c.curBytes += int64(len(data))
	c.entryBytes[fingerprint] = int64(len(data))
	evictOverBudget := c.curBytes > c.maxBytes
	c.bytesMu.Unlock()

	c.l1.Add(fingerprint, data)

	// Byte-budget eviction: the LRU's own Add only enforces entry count,
	// so evict oldest entries until the parallel byte budget is met too.
	for evictOverBudget {
		_, _, ok := c.l1.RemoveOldest()
		if !ok {
			break
		}
		c.bytesMu.Lock()
		evictOverBudget = c.curBytes > c.maxBytes
		c.bytesMu.Unlock()
	}
}

// GetOrCompute returns the cached artifact bytes for fingerprint,
// invoking compute at most once across all concurrent callers requesting
// the same fingerprint. The in-flight reservation is released only after
// the computed value is durably written to L2.
func (c *TieredCache) GetOrCompute(ctx context.Context, fingerprint string, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if data, ok := c.l1.Get(fingerprint); ok {
		c.metrics.RecordCacheLookup("l1", "hit")
		return data, nil
	}

	if data, found, err := c.l2.Read(ctx, fingerprint); err == nil && found {
		c.metrics.RecordCacheLookup("l2", "hit")
		c.l1Put(fingerprint, data)
		return data, nil
	}
	c.metrics.RecordCacheLookup("l1", "miss")

	c.flightMu.Lock()
	if entry, inFlight := c.flight[fingerprint]; inFlight {
		c.flightMu.Unlock()
		select {
		case <-entry.done:
			return entry.val, entry.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	entry := &flightEntry{done: make(chan struct{})}
	c.flight[fingerprint] = entry
	c.flightMu.Unlock()

	data, err := compute(ctx)
	if err == nil {
		if writeErr := c.l2.WriteAtomic(ctx, fingerprint, data); writeErr != nil {
			err = writeErr
		} else {
			c.l1Put(fingerprint, data)
		}
	}

	entry.val, entry.err = data, err
	close(entry.done)

	c.flightMu.Lock()
	delete(c.flight, fingerprint)
	c.flightMu.Unlock()

	return data, err
}

// Stats is a snapshot of L1 occupancy, for diagnostics.
type Stats struct {
	L1Entries  int
	L1Bytes    int64
	L1MaxBytes int64
}

// Stats reports current L1 occupancy.
func (c *TieredCache) Stats() Stats {
	c.bytesMu.Lock()
	defer c.bytesMu.Unlock()
	return Stats{
		L1Entries:  c.l1.Len(),
		L1Bytes:    c.curBytes,
		L1MaxBytes: c.maxBytes,
	}
}

// Snapshot reports current L1 occupancy; an alias of Stats kept so every
// component exposes the same Snapshot name for observability wiring.
func (c *TieredCache) Snapshot() Stats {
	return c.Stats()
}

// Invalidate removes fingerprint from both tiers. Any in-flight
// computation for it is unaffected and will store normally once it
// completes (invalidation is advisory for in-flight work).
func (c *TieredCache) Invalidate(ctx context.Context, fingerprint string) error {
	c.l1.Remove(fingerprint)
	return c.l2.Delete(ctx, fingerprint)
}
