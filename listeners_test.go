package granite

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdevuyst/granite/config"
)

func testListener(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenListeners(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Proxy.HTTPBindAddrs = []string{"127.0.0.1:0"}
	cfg.Proxy.HTTPSBindAddrs = []string{"127.0.0.1:0", "127.0.0.1:0"}
	cfg.API.BindAddr = "127.0.0.1:0"

	ls, err := openListeners(cfg)
	require.NoError(t, err)
	assert.Len(t, ls.http, 1)
	assert.Len(t, ls.https, 2)
	require.NotNil(t, ls.api)

	for _, l := range append(append(ls.http, ls.https...), ls.api) {
		l.Close()
	}
}

func TestListenerHandoff(t *testing.T) {
	ls := &listeners{
		http:  []net.Listener{testListener(t)},
		https: []net.Listener{testListener(t), testListener(t)},
		api:   testListener(t),
	}

	sock := filepath.Join(t.TempDir(), "upgrade.sock")

	sendErr := make(chan error, 1)
	go func() { sendErr <- sendListeners(sock, ls) }()

	var inherited *listeners
	var err error
	require.Eventually(t, func() bool {
		inherited, err = inheritListeners(sock)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "successor must be able to inherit")

	require.NoError(t, <-sendErr)
	require.Len(t, inherited.http, 1)
	require.Len(t, inherited.https, 2)
	require.NotNil(t, inherited.api)

	assert.Equal(t, ls.http[0].Addr().String(), inherited.http[0].Addr().String())
	assert.Equal(t, ls.api.Addr().String(), inherited.api.Addr().String())

	// the inherited socket accepts connections
	conn, err := net.Dial("tcp", inherited.http[0].Addr().String())
	require.NoError(t, err)
	conn.Close()

	for _, l := range append(append(inherited.http, inherited.https...), inherited.api) {
		l.Close()
	}
}
