// Package cache provides the in-memory response cache of the proxy: a byte
// size bounded LRU map from request fingerprints to stored responses, with
// per-key leases that coalesce concurrent fills of the same key.
package cache

import (
	"container/list"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"
)

// Key is the fingerprint identifying a cacheable request.
type Key uint64

// KeyFor fingerprints a request by method, scheme, host and the full
// path+query. The host is lowercased so that equivalent requests coalesce.
func KeyFor(method, scheme, host, requestURI string) Key {
	d := xxhash.New()
	d.WriteString(method)
	d.WriteString("\x00")
	d.WriteString(scheme)
	d.WriteString("\x00")
	d.WriteString(strings.ToLower(host))
	d.WriteString("\x00")
	d.WriteString(requestURI)
	return Key(d.Sum64())
}

// Entry is a stored response.
type Entry struct {
	Status int
	Header http.Header
	Body   []byte

	size       int64
	insertedAt time.Time
	key        Key
	href       *list.Element
}

// Size returns the accounted size of the entry: the serialized length of its
// headers plus the body length.
func (e *Entry) Size() int64 {
	return e.size
}

func headerSize(h http.Header) int64 {
	var n int64
	for k, vv := range h {
		for _, v := range vv {
			n += int64(len(k) + len(v) + 4)
		}
	}
	return n
}

// Lease is the exclusive right, held by one request, to populate the cache
// entry for a key. It resolves exactly once, through Fulfill or Cancel.
type Lease struct {
	c   *Cache
	key Key
}

// WaitResult is delivered to a waiter when the lease for its key
// resolves: the fulfilled entry, or a fresh lease when this waiter was
// promoted after a cancel.
type WaitResult struct {
	Entry *Entry
	Lease *Lease
}

type flight struct {
	lease   *Lease
	waiters []chan WaitResult
}

// Cache is the response cache. A single mutex protects the entry map, the
// recency list and the pending lease table; critical sections only move
// pointers, response bodies are referenced, not copied.
type Cache struct {
	maxSize int64

	mu      sync.Mutex
	size    int64
	entries map[Key]*Entry
	history *list.List // most recently used at the front
	pending map[Key]*flight

	now func() time.Time

	// SizeChanged, when set, observes the current total size after every
	// mutation. Used to feed the cache size gauge.
	SizeChanged func(int64)
}

// New creates a cache bounded by maxSize bytes of stored entries.
func New(maxSize int64) *Cache {
	c := &Cache{
		maxSize: maxSize,
		entries: map[Key]*Entry{},
		history: list.New(),
		pending: map[Key]*flight{},
		now:     time.Now,
	}
	return c
}

// Get resolves a key to exactly one of three outcomes: a stored entry (hit),
// a lease making the caller responsible for filling the key (miss), or a
// wait channel when another request already holds the lease. The channel
// delivers either the fulfilled entry or, when the holder cancelled and this
// waiter is first in line, a fresh lease.
func (c *Cache) Get(key Key) (*Entry, *Lease, <-chan WaitResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.history.MoveToFront(e.href)
		return e, nil, nil
	}

	if f, ok := c.pending[key]; ok {
		ch := make(chan WaitResult, 1)
		f.waiters = append(f.waiters, ch)
		return nil, nil, ch
	}

	l := &Lease{c: c, key: key}
	c.pending[key] = &flight{lease: l}
	return nil, l, nil
}

// Fulfill stores the response under the lease's key and resolves all
// waiters with it. The entry is refused, and the lease behaves as
// cancelled, when it alone exceeds the cache bound. Returns whether the
// entry was admitted. Resolving an already resolved lease is a no-op.
func (l *Lease) Fulfill(status int, header http.Header, body []byte) bool {
	c := l.c
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.pending[l.key]
	if !ok || f.lease != l {
		return false
	}

	e := &Entry{
		Status:     status,
		Header:     header,
		Body:       body,
		insertedAt: c.now(),
		key:        l.key,
	}
	e.size = headerSize(header) + int64(len(body))

	if e.size > c.maxSize {
		log.Debugf("cache entry of %d bytes refused, bound is %d", e.size, c.maxSize)
		c.resolveCancel(f, l.key)
		return false
	}

	for c.size+e.size > c.maxSize {
		c.evictOldest()
	}

	c.entries[l.key] = e
	e.href = c.history.PushFront(e)
	c.size += e.size
	c.sizeChanged()

	delete(c.pending, l.key)
	for _, ch := range f.waiters {
		ch <- WaitResult{Entry: e}
	}
	return true
}

// Cancel releases the lease without storing anything. The first waiter, if
// any, is promoted to lease holder; the remaining waiters keep waiting on
// the promoted holder's outcome.
func (l *Lease) Cancel() {
	c := l.c
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.pending[l.key]
	if !ok || f.lease != l {
		return
	}
	c.resolveCancel(f, l.key)
}

func (c *Cache) resolveCancel(f *flight, key Key) {
	if len(f.waiters) == 0 {
		delete(c.pending, key)
		return
	}
	next := &Lease{c: c, key: key}
	ch := f.waiters[0]
	f.waiters = f.waiters[1:]
	f.lease = next
	ch <- WaitResult{Lease: next}
}

// Abandon releases a waiter that is no longer interested in the key, for
// example because its downstream connection closed. If the waiter was
// already promoted to lease holder, the lease is cancelled so the next
// waiter takes over; a flight is never left without a live holder.
func (c *Cache) Abandon(key Key, ch <-chan WaitResult) {
	c.mu.Lock()
	if f, ok := c.pending[key]; ok {
		for i, w := range f.waiters {
			if (<-chan WaitResult)(w) == ch {
				f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
				c.mu.Unlock()
				return
			}
		}
	}
	c.mu.Unlock()

	// the waiter was already resolved, the result sits in the channel
	select {
	case res := <-ch:
		if res.Lease != nil {
			res.Lease.Cancel()
		}
	default:
	}
}

func (c *Cache) evictOldest() {
	el := c.history.Back()
	if el == nil {
		return
	}
	e := el.Value.(*Entry)
	c.history.Remove(el)
	delete(c.entries, e.key)
	c.size -= e.size
	c.sizeChanged()
}

func (c *Cache) sizeChanged() {
	if c.SizeChanged != nil {
		c.SizeChanged(c.size)
	}
}

// Size returns the summed size of the stored entries.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of stored entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MaxSize returns the configured bound.
func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

var admissibleStatus = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusNoContent:            true,
	http.StatusMultipleChoices:      true,
	http.StatusMovedPermanently:     true,
	http.StatusNotFound:             true,
	http.StatusGone:                 true,
}

// Admissible reports whether a response may be stored, by status and
// response cache directives.
func Admissible(status int, header http.Header) bool {
	if !admissibleStatus[status] {
		return false
	}
	for _, v := range header.Values("Cache-Control") {
		v = strings.ToLower(v)
		if strings.Contains(v, "no-store") || strings.Contains(v, "private") {
			return false
		}
	}
	return true
}
