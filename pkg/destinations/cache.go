package destinations

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

// Fetcher loads the full destination list for an account phone.
type Fetcher interface {
	Destinations(ctx context.Context, phone string) ([]Destination, error)
}

type Options struct {
	TTL         time.Duration
	FuzzyCutoff float64
	// MaxAccounts bounds how many account snapshots are held at once.
	MaxAccounts int64
	Logger      *slog.Logger
}

// Cache holds per-account destination snapshots for TTL. A snapshot is
// replaced wholesale on refresh and never mutated, so readers always see a
// complete list. Concurrent refreshes of one phone share a single fetch.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	cutoff  float64
	store   *ristretto.Cache[string, []Destination]
	group   singleflight.Group
	logger  *slog.Logger

	rejected atomic.Int64
}

func NewCache(fetcher Fetcher, opts Options) (*Cache, error) {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.FuzzyCutoff <= 0 || opts.FuzzyCutoff > 1 {
		opts.FuzzyCutoff = DefaultFuzzyCutoff
	}
	if opts.MaxAccounts <= 0 {
		opts.MaxAccounts = 1_000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	store, err := ristretto.NewCache(&ristretto.Config[string, []Destination]{
		NumCounters:        opts.MaxAccounts * 10,
		MaxCost:            opts.MaxAccounts,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("destinations cache: %w", err)
	}
	return &Cache{
		fetcher: fetcher,
		ttl:     opts.TTL,
		cutoff:  opts.FuzzyCutoff,
		store:   store,
		logger:  opts.Logger,
	}, nil
}

// Lookup returns the destinations for phone, refreshing when the snapshot is
// missing or expired. Fetch failures yield an empty list and are not cached.
func (c *Cache) Lookup(ctx context.Context, phone string) []Destination {
	if phone == "" {
		return nil
	}
	if list, ok := c.store.Get(phone); ok {
		return clone(list)
	}
	v, err, _ := c.group.Do(phone, func() (any, error) {
		if list, ok := c.store.Get(phone); ok {
			return list, nil
		}
		list, err := c.fetcher.Destinations(ctx, phone)
		if err != nil {
			return nil, err
		}
		snapshot := clone(list)
		c.remember(phone, snapshot)
		return snapshot, nil
	})
	if err != nil {
		c.logger.Warn("destinations_lookup_failed", "error", err)
		return nil
	}
	return clone(v.([]Destination))
}

// remember stores snapshot. Admission can refuse it, in which case the
// caller still gets the fresh list and the next lookup fetches again.
func (c *Cache) remember(phone string, snapshot []Destination) {
	ok := c.store.SetWithTTL(phone, snapshot, 1, c.ttl)
	c.store.Wait()
	if ok {
		_, ok = c.store.Get(phone)
	}
	if !ok {
		c.rejected.Add(1)
		c.logger.Warn("destinations_cache_rejected", "destinations", len(snapshot))
	}
}

// Rejected counts snapshots the cache declined to keep.
func (c *Cache) Rejected() int64 {
	return c.rejected.Load()
}

// Find returns the destination with exactly matching normalized label.
func (c *Cache) Find(ctx context.Context, phone, label string) (Destination, bool) {
	return FindExact(c.Lookup(ctx, phone), label)
}

// Resolve matches label exactly, then fuzzily at the configured cutoff.
func (c *Cache) Resolve(ctx context.Context, phone, label string) (Destination, bool) {
	return FindClosest(c.Lookup(ctx, phone), label, c.cutoff)
}

// Invalidate drops the snapshot for phone so the next lookup refetches.
func (c *Cache) Invalidate(phone string) {
	c.store.Del(phone)
}

func (c *Cache) Close() {
	c.store.Close()
}

func clone(list []Destination) []Destination {
	if list == nil {
		return nil
	}
	out := make([]Destination, len(list))
	copy(out, list)
	return out
}
