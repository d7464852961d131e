// Package cache decorates the insight service with a bounded, expiring result cache.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"insights-engine/internal/metrics"
	"insights-engine/internal/model"
	"insights-engine/internal/service"
)

// Invalidator drops cached results.
type Invalidator interface {
	Invalidate(workspaceID string)
	InvalidateAll()
}

// CachedService caches aggregate and retention results per workspace. Event pages and
// compile output pass straight through.
type CachedService struct {
	next    service.InsightService
	lru     *expirable.LRU[string, any]
	group   singleflight.Group
	metrics *metrics.Collector
	// loadTimeout bounds a shared load, which outlives any single caller's context.
	loadTimeout time.Duration
	// gen moves on every invalidation so results computed before it are not stored.
	gen atomic.Uint64
}

var _ service.InsightService = (*CachedService)(nil)

const defaultLoadTimeout = time.Minute

// New wraps next with a cache of at most size entries living for ttl.
func New(next service.InsightService, size int, ttl time.Duration, collector *metrics.Collector) *CachedService {
	return &CachedService{
		next:        next,
		lru:         expirable.NewLRU[string, any](size, nil, ttl),
		metrics:     collector,
		loadTimeout: defaultLoadTimeout,
	}
}

// WithLoadTimeout sets the deadline of shared loads. Zero keeps the default.
func (c *CachedService) WithLoadTimeout(d time.Duration) *CachedService {
	if d > 0 {
		c.loadTimeout = d
	}
	return c
}

func (c *CachedService) Query(ctx context.Context, q model.InsightQuery) (model.InsightResult, error) {
	key, err := Key("query", q.WorkspaceID, canonicalQuery(q))
	if err != nil {
		return c.next.Query(ctx, q)
	}
	v, err := c.load(ctx, key, func(ctx context.Context) (any, error) {
		return c.next.Query(ctx, q)
	})
	if err != nil {
		return model.InsightResult{}, err
	}
	return v.(model.InsightResult), nil
}

func (c *CachedService) QueryEvents(ctx context.Context, q model.InsightQuery) (model.EventPage, error) {
	return c.next.QueryEvents(ctx, q)
}

func (c *CachedService) Retention(ctx context.Context, q model.RetentionQuery) (model.RetentionMatrix, error) {
	canonical := q
	canonical.Filters = sortedConditions(q.Filters)
	key, err := Key("retention", q.WorkspaceID, canonical)
	if err != nil {
		return c.next.Retention(ctx, q)
	}
	v, err := c.load(ctx, key, func(ctx context.Context) (any, error) {
		return c.next.Retention(ctx, q)
	})
	if err != nil {
		return model.RetentionMatrix{}, err
	}
	return v.(model.RetentionMatrix), nil
}

func (c *CachedService) Compile(q model.InsightQuery) ([]model.CompiledStatement, error) {
	return c.next.Compile(q)
}

// load returns the cached value or computes it once for all concurrent callers.
// The shared load runs detached from the caller that started it, so one caller giving
// up does not fail the others. Failures are never cached.
func (c *CachedService) load(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	if v, ok := c.lru.Get(key); ok {
		c.lookup(true)
		return v, nil
	}
	c.lookup(false)

	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()

		gen := c.gen.Load()
		v, err := fn(loadCtx)
		if err != nil {
			return nil, err
		}
		if c.gen.Load() == gen {
			c.lru.Add(key, v)
		}
		return v, nil
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *CachedService) lookup(hit bool) {
	if c.metrics != nil {
		c.metrics.CacheLookup(hit)
	}
}

// Invalidate drops every cached result of a workspace.
func (c *CachedService) Invalidate(workspaceID string) {
	c.gen.Add(1)
	prefix := workspaceID + ":"
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.lru.Remove(key)
		}
	}
}

// InvalidateAll empties the cache.
func (c *CachedService) InvalidateAll() {
	c.gen.Add(1)
	c.lru.Purge()
}

// Len is the number of live entries.
func (c *CachedService) Len() int {
	return c.lru.Len()
}

type keyPayload struct {
	Op    string `json:"op"`
	Query any    `json:"query"`
}

// Key is "<workspace>:<xxhash of the canonical request>".
func Key(op, workspaceID string, query any) (string, error) {
	data, err := json.Marshal(keyPayload{Op: op, Query: query})
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	return workspaceID + ":" + strconv.FormatUint(xxhash.Sum64(data), 16), nil
}

// canonicalQuery drops paging fields and orders filters, which are a conjunction.
func canonicalQuery(q model.InsightQuery) model.InsightQuery {
	q.Cursor = ""
	q.Limit = 0
	q.Filters = sortedConditions(q.Filters)
	return q
}

func sortedConditions(conds []model.Condition) []model.Condition {
	if len(conds) < 2 {
		return conds
	}
	type keyed struct {
		key  string
		cond model.Condition
	}
	items := make([]keyed, 0, len(conds))
	for _, c := range conds {
		data, _ := json.Marshal(c)
		items = append(items, keyed{key: string(data), cond: c})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].key < items[j].key })

	out := make([]model.Condition, len(items))
	for i, it := range items {
		out[i] = it.cond
	}
	return out
}
