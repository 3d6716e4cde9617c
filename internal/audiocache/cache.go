// Package audiocache keeps synthesized and reference audio for one lesson
// session, keyed by normalized text and language tag.
package audiocache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/loqalabs/loqa-tutor/internal/audio"
)

// ErrStale is returned by Resolve when the cache was cleared while the
// payload was being fetched. The fetched payload is discarded.
var ErrStale = errors.New("audio cache cleared during fetch")

// Key identifies a cached payload. The same text in two languages is two keys.
type Key struct {
	Text     string
	Language string
}

// NewKey normalizes text whitespace and the language tag.
func NewKey(text, language string) Key {
	return Key{
		Text:     strings.Join(strings.Fields(text), " "),
		Language: strings.ToLower(strings.TrimSpace(language)),
	}
}

// Payload is a cached clip plus the handle that frees it.
type Payload struct {
	Clip   audio.Clip
	Source string
	// Release frees externally allocated resources backing the clip. It is
	// called at most once, after eviction and once no playback holds the entry.
	Release func()
}

// FillFunc produces a payload on a cache miss.
type FillFunc func(ctx context.Context) (Payload, error)

type entry struct {
	payload  Payload
	pins     int
	evicted  bool
	released bool
}

func (e *entry) releaseIfIdle() {
	if e.evicted && e.pins == 0 && !e.released {
		e.released = true
		if e.payload.Release != nil {
			e.payload.Release()
		}
	}
}

// Cache is safe for concurrent use. It is owned by a single session and must
// not be shared across sessions.
type Cache struct {
	mu         sync.Mutex
	entries    map[Key]*entry
	generation uint64
	group      singleflight.Group
	log        *slog.Logger

	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// New returns an empty cache.
func New(log *slog.Logger) *Cache {
	c := &Cache{
		entries: make(map[Key]*entry),
		log:     log.With(slog.String("component", "audio-cache")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-tutor/audiocache")
	var err error
	if c.hits, err = meter.Int64Counter("loqa.audiocache.hits", metric.WithDescription("Audio cache hits")); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	if c.misses, err = meter.Int64Counter("loqa.audiocache.misses", metric.WithDescription("Audio cache misses")); err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	}
	return c
}

// Get returns the payload for (text, language) if present.
func (c *Cache) Get(text, language string) (Payload, bool) {
	key := NewKey(text, language)
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	c.record(ok)
	if !ok {
		return Payload{}, false
	}
	return e.payload, true
}

// Put stores payload, evicting any previous entry under the same key.
func (c *Cache) Put(text, language string, payload Payload) {
	key := NewKey(text, language)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, payload)
}

func (c *Cache) putLocked(key Key, payload Payload) {
	if old, ok := c.entries[key]; ok {
		old.evicted = true
		old.releaseIfIdle()
	}
	c.entries[key] = &entry{payload: payload}
}

// Acquire returns the payload and pins it until the returned release func is
// called. A pinned entry removed by Clear or Put is freed on release.
func (c *Cache) Acquire(text, language string) (Payload, func(), bool) {
	p, release, ok := c.acquire(NewKey(text, language))
	c.record(ok)
	return p, release, ok
}

func (c *Cache) acquire(key Key) (Payload, func(), bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		e.pins++
	}
	c.mu.Unlock()
	if !ok {
		return Payload{}, func() {}, false
	}
	var once sync.Once
	return e.payload, func() {
		once.Do(func() {
			c.mu.Lock()
			e.pins--
			e.releaseIfIdle()
			c.mu.Unlock()
		})
	}, true
}

// Clear drops every entry and invalidates in-flight fills.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	for key, e := range c.entries {
		e.evicted = true
		e.releaseIfIdle()
		delete(c.entries, key)
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Generation changes on every Clear.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Resolve returns a pinned payload for (text, language), filling the cache on
// a miss. Concurrent misses for the same key share one fill. The caller must
// invoke the returned release func when done with the payload.
func (c *Cache) Resolve(ctx context.Context, text, language string, fill FillFunc) (Payload, func(), error) {
	if p, release, ok := c.Acquire(text, language); ok {
		return p, release, nil
	}

	key := NewKey(text, language)
	gen := c.Generation()
	flight := fmt.Sprintf("%d|%s|%s", gen, key.Language, key.Text)
	_, err, _ := c.group.Do(flight, func() (any, error) {
		payload, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.generation != gen {
			if payload.Release != nil {
				payload.Release()
			}
			return nil, ErrStale
		}
		c.putLocked(key, payload)
		return nil, nil
	})
	if err != nil {
		return Payload{}, func() {}, err
	}
	p, release, ok := c.acquire(key)
	if !ok {
		return Payload{}, func() {}, ErrStale
	}
	return p, release, nil
}

// Item names one payload to warm.
type Item struct {
	Text     string
	Language string
	Fill     FillFunc
}

// Prefetch fills the cache for every item with at most limit concurrent
// fills. Individual failures do not stop the others; they are joined into
// the returned error.
func (c *Cache) Prefetch(ctx context.Context, items []Item, limit int) error {
	if limit <= 0 {
		limit = 2
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(limit)
	for _, item := range items {
		g.Go(func() error {
			_, release, err := c.Resolve(ctx, item.Text, item.Language, item.Fill)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("prefetch %q: %w", item.Text, err))
				mu.Unlock()
				return nil
			}
			release()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (c *Cache) record(hit bool) {
	counter := c.misses
	if hit {
		counter = c.hits
	}
	if counter != nil {
		counter.Add(context.Background(), 1)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
