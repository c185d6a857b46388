// Package routing provides the dynamic route table of the proxy: the route
// and origin data model, the JSON wire format used by the admin API, and a
// table supporting lock-free request matching with atomic replacement of the
// route set.
package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidRoute = errors.New("invalid route")

// Scheme of an incoming or outgoing connection.
type Scheme int

const (
	HTTP Scheme = iota
	HTTPS
)

func (s Scheme) String() string {
	if s == HTTPS {
		return "Https"
	}
	return "Http"
}

func (s Scheme) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Scheme) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch strings.ToLower(v) {
	case "http":
		*s = HTTP
	case "https":
		*s = HTTPS
	default:
		return fmt.Errorf("%w: unknown scheme %q", ErrInvalidRoute, v)
	}
	return nil
}

// SchemeChoice selects the upstream scheme of a route. MatchIncoming mirrors
// the scheme the request arrived on.
type SchemeChoice int

const (
	MatchIncoming SchemeChoice = iota
	ToHTTP
	ToHTTPS
)

func (s SchemeChoice) String() string {
	switch s {
	case ToHTTP:
		return "Http"
	case ToHTTPS:
		return "Https"
	}
	return "MatchIncoming"
}

func (s SchemeChoice) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SchemeChoice) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch strings.ToLower(v) {
	case "http":
		*s = ToHTTP
	case "https":
		*s = ToHTTPS
	case "matchincoming", "":
		*s = MatchIncoming
	default:
		return fmt.Errorf("%w: unknown outgoing scheme %q", ErrInvalidRoute, v)
	}
	return nil
}

// Resolve maps the choice to a concrete scheme for a request that arrived
// with the given incoming scheme.
func (s SchemeChoice) Resolve(incoming Scheme) Scheme {
	switch s {
	case ToHTTP:
		return HTTP
	case ToHTTPS:
		return HTTPS
	}
	return incoming
}

// Origin is a single upstream server instance of a route.
type Origin struct {
	Host               string `json:"host"`
	HTTPPort           int    `json:"http_port,omitempty"`
	HTTPSPort          int    `json:"https_port,omitempty"`
	HostHeaderOverride string `json:"host_header_override,omitempty"`
	SNI                string `json:"sni,omitempty"`
	Weight             int    `json:"weight,omitempty"`
}

const (
	defaultHTTPPort  = 80
	defaultHTTPSPort = 443
	defaultWeight    = 10
)

// Port returns the upstream port for the given scheme.
func (o *Origin) Port(s Scheme) int {
	if s == HTTPS {
		return o.HTTPSPort
	}
	return o.HTTPPort
}

// ServerName returns the TLS server name to present to the origin.
func (o *Origin) ServerName() string {
	if o.SNI != "" {
		return o.SNI
	}
	return o.Host
}

// OriginSelector is the capability set that the proxy needs from an origin
// group: health-aware selection, failure marking and the retry budget.
type OriginSelector interface {
	PickNext(excluded map[*Origin]struct{}) *Origin
	MarkDown(*Origin)
	RetryLimit() int
}

// PostProcessor instances are applied to a route when it is installed into
// the table, before it becomes visible to lookups.
type PostProcessor interface {
	Do(*Route)
}

// Route selects an origin group and per-request policy for a family of
// incoming requests.
type Route struct {
	Name            string
	Customer        string
	IncomingSchemes []Scheme
	Hosts           []string
	PathPrefixes    []string
	CacheEnabled    bool
	OutgoingScheme  SchemeChoice
	Origins         []*Origin

	// optional per-route overrides of the process-wide origin policy,
	// zero values inherit
	OriginDownTime       time.Duration
	ConnectionRetryLimit *int

	// Selector is attached by a post-processor at install time.
	Selector OriginSelector
}

type routeJSON struct {
	Name            string        `json:"name"`
	Customer        string        `json:"customer,omitempty"`
	IncomingSchemes []Scheme      `json:"incoming_schemes"`
	Schemes         []Scheme      `json:"schemes,omitempty"`
	Hosts           []string      `json:"hosts"`
	PathPrefixes    []string      `json:"path_prefixes"`
	Paths           []string      `json:"paths,omitempty"`
	CacheEnabled    bool          `json:"cache_enabled"`
	Cache           bool          `json:"cache,omitempty"`
	OutgoingScheme  *SchemeChoice `json:"outgoing_scheme,omitempty"`

	// historical misspelling, still accepted on input
	OutgoingSchcme *SchemeChoice `json:"outgoing_schcme,omitempty"`

	Origins              []*Origin `json:"origins"`
	OriginDownTime       int       `json:"origin_down_time,omitempty"`
	ConnectionRetryLimit *int      `json:"connection_retry_limit,omitempty"`
}

func (r *Route) UnmarshalJSON(b []byte) error {
	var j routeJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}

	r.Name = j.Name
	r.Customer = j.Customer
	r.IncomingSchemes = j.IncomingSchemes
	if len(r.IncomingSchemes) == 0 {
		r.IncomingSchemes = j.Schemes
	}
	r.Hosts = j.Hosts
	r.PathPrefixes = j.PathPrefixes
	if len(r.PathPrefixes) == 0 {
		r.PathPrefixes = j.Paths
	}
	r.CacheEnabled = j.CacheEnabled || j.Cache
	r.OutgoingScheme = MatchIncoming
	if j.OutgoingScheme != nil {
		r.OutgoingScheme = *j.OutgoingScheme
	} else if j.OutgoingSchcme != nil {
		r.OutgoingScheme = *j.OutgoingSchcme
	}
	r.Origins = j.Origins
	r.OriginDownTime = time.Duration(j.OriginDownTime) * time.Second
	r.ConnectionRetryLimit = j.ConnectionRetryLimit
	return nil
}

func (r *Route) MarshalJSON() ([]byte, error) {
	j := routeJSON{
		Name:            r.Name,
		Customer:        r.Customer,
		IncomingSchemes: r.IncomingSchemes,
		Hosts:           r.Hosts,
		PathPrefixes:    r.PathPrefixes,
		CacheEnabled:    r.CacheEnabled,
		Origins:         r.Origins,
	}
	s := r.OutgoingScheme
	j.OutgoingScheme = &s
	if r.OriginDownTime > 0 {
		j.OriginDownTime = int(r.OriginDownTime / time.Second)
	}
	j.ConnectionRetryLimit = r.ConnectionRetryLimit
	type alias routeJSON
	return json.Marshal(alias(j))
}

// normalize applies defaults and canonical forms in place. It is called by
// Validate and is idempotent.
func (r *Route) normalize() {
	if len(r.IncomingSchemes) == 0 {
		r.IncomingSchemes = []Scheme{HTTP, HTTPS}
	}
	for i, h := range r.Hosts {
		r.Hosts[i] = strings.ToLower(h)
	}
	for _, o := range r.Origins {
		if o.HTTPPort == 0 {
			o.HTTPPort = defaultHTTPPort
		}
		if o.HTTPSPort == 0 {
			o.HTTPSPort = defaultHTTPSPort
		}
		if o.Weight == 0 {
			o.Weight = defaultWeight
		}
	}
}

// Validate normalizes the route and reports the first violated constraint,
// wrapped in ErrInvalidRoute.
func (r *Route) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRoute)
	}
	if len(r.Hosts) == 0 {
		return fmt.Errorf("%w: route %q: empty hosts", ErrInvalidRoute, r.Name)
	}
	for _, h := range r.Hosts {
		if h == "" {
			return fmt.Errorf("%w: route %q: empty host", ErrInvalidRoute, r.Name)
		}
	}
	if len(r.PathPrefixes) == 0 {
		return fmt.Errorf("%w: route %q: empty path prefixes", ErrInvalidRoute, r.Name)
	}
	for _, p := range r.PathPrefixes {
		if p == "" || p[0] != '/' {
			return fmt.Errorf("%w: route %q: path prefix %q must start with /", ErrInvalidRoute, r.Name, p)
		}
	}
	if len(r.Origins) == 0 {
		return fmt.Errorf("%w: route %q: empty origins", ErrInvalidRoute, r.Name)
	}
	r.normalize()
	total := 0
	for _, o := range r.Origins {
		if o.Host == "" {
			return fmt.Errorf("%w: route %q: origin with empty host", ErrInvalidRoute, r.Name)
		}
		if o.Weight < 0 {
			return fmt.Errorf("%w: route %q: origin %q: negative weight", ErrInvalidRoute, r.Name, o.Host)
		}
		total += o.Weight
	}
	if total <= 0 {
		return fmt.Errorf("%w: route %q: total origin weight must be positive", ErrInvalidRoute, r.Name)
	}
	return nil
}
