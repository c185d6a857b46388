package routing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteDecode(t *testing.T) {
	const doc = `{
		"name": "shop",
		"customer": "acme",
		"incoming_schemes": ["Http", "Https"],
		"hosts": ["Shop.Example.ORG"],
		"path_prefixes": ["/", "/checkout"],
		"cache_enabled": true,
		"outgoing_scheme": "Https",
		"origins": [
			{"host": "10.0.0.1", "weight": 3},
			{"host": "10.0.0.2", "https_port": 8443, "sni": "internal.example.org"}
		],
		"origin_down_time": 30,
		"connection_retry_limit": 2
	}`

	var r Route
	require.NoError(t, json.Unmarshal([]byte(doc), &r))
	require.NoError(t, r.Validate())

	assert.Equal(t, "shop", r.Name)
	assert.Equal(t, "acme", r.Customer)
	assert.Equal(t, []Scheme{HTTP, HTTPS}, r.IncomingSchemes)
	assert.Equal(t, []string{"shop.example.org"}, r.Hosts)
	assert.True(t, r.CacheEnabled)
	assert.Equal(t, ToHTTPS, r.OutgoingScheme)
	assert.Equal(t, 30*time.Second, r.OriginDownTime)
	require.NotNil(t, r.ConnectionRetryLimit)
	assert.Equal(t, 2, *r.ConnectionRetryLimit)

	require.Len(t, r.Origins, 2)
	assert.Equal(t, 3, r.Origins[0].Weight)
	assert.Equal(t, 80, r.Origins[0].HTTPPort)
	assert.Equal(t, 443, r.Origins[0].HTTPSPort)
	assert.Equal(t, 10, r.Origins[1].Weight)
	assert.Equal(t, 8443, r.Origins[1].HTTPSPort)
	assert.Equal(t, "internal.example.org", r.Origins[1].ServerName())
	assert.Equal(t, "10.0.0.1", r.Origins[0].ServerName())
}

func TestRouteDecodeAliases(t *testing.T) {
	// the short field spellings used by older clients remain accepted
	const doc = `{
		"name": "f",
		"hosts": ["forward"],
		"paths": ["/"],
		"schemes": ["Http"],
		"cache": true,
		"origins": [{"host": "127.0.0.1", "http_port": 9001, "weight": 1}]
	}`

	var r Route
	require.NoError(t, json.Unmarshal([]byte(doc), &r))
	require.NoError(t, r.Validate())

	assert.Equal(t, []string{"/"}, r.PathPrefixes)
	assert.Equal(t, []Scheme{HTTP}, r.IncomingSchemes)
	assert.True(t, r.CacheEnabled)
	assert.Equal(t, MatchIncoming, r.OutgoingScheme)
	assert.Equal(t, 9001, r.Origins[0].HTTPPort)
}

func TestRouteDecodeMisspelledOutgoingScheme(t *testing.T) {
	const doc = `{
		"name": "m",
		"hosts": ["h"],
		"paths": ["/"],
		"outgoing_schcme": "Http",
		"origins": [{"host": "127.0.0.1"}]
	}`

	var r Route
	require.NoError(t, json.Unmarshal([]byte(doc), &r))
	assert.Equal(t, ToHTTP, r.OutgoingScheme)
}

func TestRouteDecodeUnknownScheme(t *testing.T) {
	var r Route
	err := json.Unmarshal([]byte(`{"name":"x","incoming_schemes":["Gopher"]}`), &r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRoute)
}

func TestRouteRoundTrip(t *testing.T) {
	in := testRoute("rt", []string{"example.org"}, []string{"/", "/api"}, HTTP, HTTPS)
	in.CacheEnabled = true
	in.OutgoingScheme = ToHTTPS
	require.NoError(t, in.Validate())

	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Route
	require.NoError(t, json.Unmarshal(b, &out))
	require.NoError(t, out.Validate())

	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Hosts, out.Hosts)
	assert.Equal(t, in.PathPrefixes, out.PathPrefixes)
	assert.Equal(t, in.IncomingSchemes, out.IncomingSchemes)
	assert.Equal(t, in.CacheEnabled, out.CacheEnabled)
	assert.Equal(t, in.OutgoingScheme, out.OutgoingScheme)
}

func TestSchemeChoiceResolve(t *testing.T) {
	assert.Equal(t, HTTP, MatchIncoming.Resolve(HTTP))
	assert.Equal(t, HTTPS, MatchIncoming.Resolve(HTTPS))
	assert.Equal(t, HTTP, ToHTTP.Resolve(HTTPS))
	assert.Equal(t, HTTPS, ToHTTPS.Resolve(HTTP))
}
