package routing

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

type tripleKey struct {
	scheme Scheme
	host   string
	prefix string
}

type hostKey struct {
	scheme Scheme
	host   string
}

type prefixEntry struct {
	prefix string
	route  *Route
}

// snapshot is an immutable view of the route set. Readers hold it for the
// duration of a lookup without synchronization.
type snapshot struct {
	owners map[tripleKey]*Route
	byName map[string]*Route

	// per (scheme, host): entries ordered by descending prefix length,
	// then ascending prefix, then ascending route name
	byHost map[hostKey][]prefixEntry
}

func emptySnapshot() *snapshot {
	return &snapshot{
		owners: map[tripleKey]*Route{},
		byName: map[string]*Route{},
		byHost: map[hostKey][]prefixEntry{},
	}
}

// Options for initializing a route table.
type Options struct {

	// PostProcessors are applied to each route when it is installed,
	// before it becomes visible to lookups.
	PostProcessors []PostProcessor
}

// Table is the live route table. Lookups are lock-free: they load the
// current snapshot and match against it. Mutations rebuild the snapshot
// under a single-writer lock and publish it atomically, so a concurrent
// reader observes either the prior route set or the new one.
type Table struct {
	snapshot atomic.Value // of *snapshot
	mu       sync.Mutex
	post     []PostProcessor
}

// NewTable initializes an empty route table.
func NewTable(o Options) *Table {
	t := &Table{post: o.PostProcessors}
	t.snapshot.Store(emptySnapshot())
	return t
}

func (t *Table) load() *snapshot {
	return t.snapshot.Load().(*snapshot)
}

func (r *Route) triples() []tripleKey {
	var ts []tripleKey
	for _, s := range r.IncomingSchemes {
		for _, h := range r.Hosts {
			for _, p := range r.PathPrefixes {
				ts = append(ts, tripleKey{s, h, p})
			}
		}
	}
	return ts
}

// rebuild constructs a new snapshot from the given triple ownership.
func rebuild(owners map[tripleKey]*Route) *snapshot {
	s := &snapshot{
		owners: owners,
		byName: map[string]*Route{},
		byHost: map[hostKey][]prefixEntry{},
	}
	for tk, r := range owners {
		s.byName[r.Name] = r
		hk := hostKey{tk.scheme, tk.host}
		s.byHost[hk] = append(s.byHost[hk], prefixEntry{tk.prefix, r})
	}
	for hk, entries := range s.byHost {
		sort.Slice(entries, func(i, j int) bool {
			pi, pj := entries[i].prefix, entries[j].prefix
			if len(pi) != len(pj) {
				return len(pi) > len(pj)
			}
			if pi != pj {
				return pi < pj
			}
			return entries[i].route.Name < entries[j].route.Name
		})
		s.byHost[hk] = entries
	}
	return s
}

// Upsert validates and installs a route. A route with an already present
// name replaces the prior route entirely. A route claiming a (scheme, host,
// prefix) triple owned by a different route evicts only that claim; the
// prior owner keeps its other triples and is dropped when none remain.
func (t *Table) Upsert(r *Route) error {
	if err := r.Validate(); err != nil {
		return err
	}
	for _, p := range t.post {
		p.Do(r)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.load()
	owners := make(map[tripleKey]*Route, len(cur.owners)+len(r.Hosts))
	old := cur.byName[r.Name]
	for tk, owner := range cur.owners {
		if owner == old {
			continue
		}
		owners[tk] = owner
	}
	for _, tk := range r.triples() {
		owners[tk] = r
	}

	next := rebuild(owners)
	t.snapshot.Store(next)
	log.Debugf("route %q installed, %d routes active", r.Name, len(next.byName))
	return nil
}

// Delete removes the route with the given name together with all triples it
// owns. It reports whether the route was present.
func (t *Table) Delete(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.load()
	old, ok := cur.byName[name]
	if !ok {
		return false
	}
	owners := make(map[tripleKey]*Route, len(cur.owners))
	for tk, owner := range cur.owners {
		if owner == old {
			continue
		}
		owners[tk] = owner
	}
	t.snapshot.Store(rebuild(owners))
	log.Debugf("route %q deleted", name)
	return true
}

// Lookup matches a request by scheme, host and path. The route with the
// longest path prefix matching the path wins; ties break on the
// lexicographically smallest prefix, then smallest route name. Returns nil
// when no route matches.
func (t *Table) Lookup(scheme Scheme, host, path string) *Route {
	s := t.load()
	entries := s.byHost[hostKey{scheme, strings.ToLower(host)}]
	for _, e := range entries {
		if len(path) >= len(e.prefix) && path[:len(e.prefix)] == e.prefix {
			return e.route
		}
	}
	return nil
}

// Routes returns the routes of the current snapshot, ordered by name.
func (t *Table) Routes() []*Route {
	s := t.load()
	routes := make([]*Route, 0, len(s.byName))
	for _, r := range s.byName {
		routes = append(routes, r)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Name < routes[j].Name })
	return routes
}
