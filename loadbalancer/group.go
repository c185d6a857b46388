// Package loadbalancer implements health-aware weighted random selection
// over the origins of a route. Failed origins are excluded from selection
// for a bounded down time.
package loadbalancer

import (
	"math/rand"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mdevuyst/granite/routing"
)

// Group owns the transient health state of the origins of one route and
// selects among them. Selection and failure marking are safe for concurrent
// use from any number of requests.
type Group struct {
	origins []*routing.Origin
	index   map[*routing.Origin]int

	// per-origin deadline before which the origin is excluded from
	// selection, unix nanoseconds, zero until first marked down; a
	// deadline in the past counts as healthy
	downUntil []atomic.Int64

	downTime   time.Duration
	retryLimit int
	total      int

	rnd *rand.Rand
	now func() time.Time
}

// NewGroup builds a group for the route's origins. The route must have been
// validated: origins are non-empty with a positive total weight.
func NewGroup(origins []*routing.Origin, downTime time.Duration, retryLimit int) *Group {
	g := &Group{
		origins:    origins,
		index:      make(map[*routing.Origin]int, len(origins)),
		downUntil:  make([]atomic.Int64, len(origins)),
		downTime:   downTime,
		retryLimit: retryLimit,
		rnd:        rand.New(NewLockedSource()),
		now:        time.Now,
	}
	for i, o := range origins {
		g.index[o] = i
		g.total += o.Weight
	}
	return g
}

// RetryLimit returns how many additional connect attempts the proxy may make
// after the first one fails.
func (g *Group) RetryLimit() int {
	return g.retryLimit
}

// MarkDown records a connect failure: the origin is excluded from selection
// until now + down time. Concurrent markers all write now + down time, so
// the last writer wins within clock resolution.
func (g *Group) MarkDown(o *routing.Origin) {
	i, ok := g.index[o]
	if !ok {
		return
	}
	g.downUntil[i].Store(g.now().Add(g.downTime).UnixNano())
	log.Infof("origin %s marked down for %v", o.Host, g.downTime)
}

func (g *Group) isDown(i int, now int64) bool {
	return g.downUntil[i].Load() > now
}

// PickNext returns a weighted random choice among the healthy origins not in
// excluded. When every remaining origin is down, the down state is ignored
// and one of the non-excluded origins is returned anyway, giving it a chance
// to recover. Returns nil only when all origins are excluded.
func (g *Group) PickNext(excluded map[*routing.Origin]struct{}) *routing.Origin {
	now := g.now().UnixNano()

	candidates := make([]int, 0, len(g.origins))
	sum := 0
	for i, o := range g.origins {
		if _, ok := excluded[o]; ok {
			continue
		}
		if g.isDown(i, now) {
			continue
		}
		candidates = append(candidates, i)
		sum += o.Weight
	}

	if len(candidates) == 0 {
		for i, o := range g.origins {
			if _, ok := excluded[o]; ok {
				continue
			}
			candidates = append(candidates, i)
			sum += o.Weight
		}
	}

	if len(candidates) == 0 || sum <= 0 {
		return nil
	}

	n := g.rnd.Intn(sum)
	for _, i := range candidates {
		n -= g.origins[i].Weight
		if n < 0 {
			return g.origins[i]
		}
	}
	return g.origins[candidates[len(candidates)-1]]
}

// Provider attaches a Group to each installed route, applying the
// process-wide origin policy unless the route overrides it.
type Provider struct {
	DownTime   time.Duration
	RetryLimit int
}

func (p Provider) Do(r *routing.Route) {
	downTime := p.DownTime
	if r.OriginDownTime > 0 {
		downTime = r.OriginDownTime
	}
	retryLimit := p.RetryLimit
	if r.ConnectionRetryLimit != nil {
		retryLimit = *r.ConnectionRetryLimit
	}
	r.Selector = NewGroup(r.Origins, downTime, retryLimit)
}
