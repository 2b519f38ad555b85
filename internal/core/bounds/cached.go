package bounds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/cartodb-layer/internal/cache/keys"
	"github.com/mohammed-shakir/cartodb-layer/internal/cache/redisstore"
	"github.com/mohammed-shakir/cartodb-layer/internal/core/observability"
	"github.com/mohammed-shakir/cartodb-layer/pkg/layer"
)

// Store is the shared tier; *redisstore.Client satisfies it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type entry struct {
	b       orb.Bound
	expires time.Time
}

// generation counts Forget calls for a key while fetches for it are in flight.
type generation struct {
	n        uint64
	inflight int
}

// Cached fronts a BoundsSource with an in-process LRU and an optional Store.
// Empty or malformed extents are never cached. A Forget that lands while a
// lookup is in flight wins: the lookup's result is returned but not cached.
type Cached struct {
	mu   sync.Mutex
	gens map[string]*generation

	next      layer.BoundsSource
	logger    *slog.Logger
	lru       *lru.Cache[string, entry]
	store     Store
	ttl       time.Duration
	opTimeout time.Duration
	now       func() time.Time
}

type CacheConfig struct {
	Size      int
	TTL       time.Duration
	OpTimeout time.Duration
}

func NewCached(logger *slog.Logger, next layer.BoundsSource, store Store, cfg CacheConfig) (*Cached, error) {
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 150 * time.Millisecond
	}
	c, err := lru.New[string, entry](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("extent lru: %w", err)
	}
	return &Cached{
		gens:      make(map[string]*generation),
		next:      next,
		logger:    logger,
		lru:       c,
		store:     store,
		ttl:       cfg.TTL,
		opTimeout: cfg.OpTimeout,
		now:       time.Now,
	}, nil
}

func (c *Cached) Extent(ctx context.Context, account, table string) (orb.Bound, error) {
	key := keys.ExtentKey(account, table)

	if e, ok := c.lru.Get(key); ok && c.now().Before(e.expires) {
		observability.IncExtentCache("lru", true)
		return e.b, nil
	}
	observability.IncExtentCache("lru", false)

	gen := c.begin(key)
	defer c.done(key)

	if b, ok := c.fromStore(ctx, key); ok {
		c.remember(key, gen, b)
		return b, nil
	}

	b, err := c.next.Extent(ctx, account, table)
	if err != nil {
		return orb.Bound{}, err
	}
	if !c.remember(key, gen, b) {
		return b, nil
	}
	c.toStore(ctx, key, b)
	if !c.current(key, gen) {
		// a Forget's Del may have run before our Set
		if err := c.delStore(ctx, key); err != nil {
			c.logger.Warn("extent store cleanup failed", "key", key, "err", err)
		}
	}
	return b, nil
}

// Forget drops the cached extent of account/table from both tiers.
func (c *Cached) Forget(ctx context.Context, account, table string) error {
	key := keys.ExtentKey(account, table)
	c.mu.Lock()
	if g, ok := c.gens[key]; ok {
		g.n++
	}
	c.lru.Remove(key)
	c.mu.Unlock()

	if err := c.delStore(ctx, key); err != nil {
		return fmt.Errorf("forget extent %s/%s: %w", account, table, err)
	}
	return nil
}

func (c *Cached) begin(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gens[key]
	if !ok {
		g = &generation{}
		c.gens[key] = g
	}
	g.inflight++
	return g.n
}

func (c *Cached) done(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.gens[key]
	if g.inflight--; g.inflight == 0 {
		delete(c.gens, key)
	}
}

func (c *Cached) current(key string, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key].n == gen
}

// remember adds b to the LRU unless key was forgotten since gen was taken.
func (c *Cached) remember(key string, gen uint64, b orb.Bound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key].n != gen {
		c.logger.Debug("extent invalidated during lookup; not cached", "key", key)
		return false
	}
	c.lru.Add(key, entry{b: b, expires: c.now().Add(c.ttl)})
	return true
}

func (c *Cached) Len() int { return c.lru.Len() }

func (c *Cached) fromStore(ctx context.Context, key string) (orb.Bound, bool) {
	if c.store == nil {
		return orb.Bound{}, false
	}
	sctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	raw, err := c.store.Get(sctx, key)
	if err != nil {
		if !errors.Is(err, redisstore.ErrNotFound) {
			c.logger.Warn("extent store get failed", "key", key, "err", err)
		}
		observability.IncExtentCache("redis", false)
		return orb.Bound{}, false
	}
	var v [4]float64
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.Warn("extent store value corrupt", "key", key, "err", err)
		observability.IncExtentCache("redis", false)
		return orb.Bound{}, false
	}
	observability.IncExtentCache("redis", true)
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, true
}

func (c *Cached) delStore(ctx context.Context, key string) error {
	if c.store == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.store.Del(sctx, key)
}

func (c *Cached) toStore(ctx context.Context, key string, b orb.Bound) {
	if c.store == nil {
		return
	}
	raw, _ := json.Marshal([4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()})

	sctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.store.Set(sctx, key, raw, c.ttl); err != nil {
		c.logger.Warn("extent store set failed", "key", key, "err", err)
	}
}
