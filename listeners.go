package granite

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mdevuyst/granite/config"
)

// successorWait bounds how long a handoff waits for the successor process
// to connect to the upgrade socket.
const successorWait = 30 * time.Second

// listeners are the bound sockets of the process, in handoff order: the
// plaintext data plane listeners, the TLS data plane listeners, then the
// admin listener.
type listeners struct {
	http  []net.Listener
	https []net.Listener
	api   net.Listener
}

// openListeners binds the configured addresses, or inherits the sockets
// from a predecessor process when upgrading.
func openListeners(c *config.Config) (*listeners, error) {
	if c.Upgrade {
		log.Infof("inheriting listening sockets via %s", c.UpgradeSock)
		return inheritListeners(c.UpgradeSock)
	}

	ls := &listeners{}
	for _, addr := range c.Proxy.HTTPBindAddrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %v", addr, err)
		}
		ls.http = append(ls.http, l)
	}
	for _, addr := range c.Proxy.HTTPSBindAddrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %v", addr, err)
		}
		ls.https = append(ls.https, l)
	}
	if c.API.BindAddr != "" {
		l, err := net.Listen("tcp", c.API.BindAddr)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %v", c.API.BindAddr, err)
		}
		ls.api = l
	}
	return ls, nil
}

func listenerFiles(ls *listeners) ([]*os.File, error) {
	var files []*os.File
	add := func(l net.Listener) error {
		tl, ok := l.(*net.TCPListener)
		if !ok {
			return fmt.Errorf("listener %s is not a TCP listener", l.Addr())
		}
		f, err := tl.File()
		if err != nil {
			return err
		}
		files = append(files, f)
		return nil
	}
	for _, l := range ls.http {
		if err := add(l); err != nil {
			return nil, err
		}
	}
	for _, l := range ls.https {
		if err := add(l); err != nil {
			return nil, err
		}
	}
	if ls.api != nil {
		if err := add(ls.api); err != nil {
			return nil, err
		}
	}
	return files, nil
}

// sendListeners serves one handoff on the upgrade socket: it waits for the
// successor to connect and passes the listener file descriptors together
// with a count header so the successor can reassemble them by role.
func sendListeners(sockPath string, ls *listeners) error {
	os.Remove(sockPath)
	ul, err := net.Listen("unix", sockPath)
	if err != nil {
		return err
	}
	defer ul.Close()
	defer os.Remove(sockPath)

	// don't hang shutdown forever when no successor shows up
	ul.(*net.UnixListener).SetDeadline(time.Now().Add(successorWait))

	conn, err := ul.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()
	uc := conn.(*net.UnixConn)

	files, err := listenerFiles(ls)
	if err != nil {
		return err
	}
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}

	apiCount := 0
	if ls.api != nil {
		apiCount = 1
	}
	header := fmt.Sprintf("%d %d %d", len(ls.http), len(ls.https), apiCount)
	_, _, err = uc.WriteMsgUnix([]byte(header), syscall.UnixRights(fds...), nil)
	if err != nil {
		return err
	}
	log.Infof("handed %d listening sockets to successor", len(fds))
	return nil
}

// inheritListeners connects to the predecessor's upgrade socket and
// rebuilds the listeners from the received file descriptors.
func inheritListeners(sockPath string) (*listeners, error) {
	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to upgrade socket: %v", err)
	}
	defer conn.Close()
	uc := conn.(*net.UnixConn)

	buf := make([]byte, 64)
	oob := make([]byte, 4096)
	n, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("receiving sockets: %v", err)
	}

	var httpCount, httpsCount, apiCount int
	if _, err := fmt.Sscanf(string(buf[:n]), "%d %d %d", &httpCount, &httpsCount, &apiCount); err != nil {
		return nil, fmt.Errorf("malformed handoff header: %v", err)
	}

	scms, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, err
	}
	if len(scms) != 1 {
		return nil, fmt.Errorf("expected one control message, got %d", len(scms))
	}
	fds, err := syscall.ParseUnixRights(&scms[0])
	if err != nil {
		return nil, err
	}
	if len(fds) != httpCount+httpsCount+apiCount {
		return nil, fmt.Errorf("expected %d sockets, got %d", httpCount+httpsCount+apiCount, len(fds))
	}

	next := 0
	take := func() (net.Listener, error) {
		f := os.NewFile(uintptr(fds[next]), "listener")
		next++
		defer f.Close()
		return net.FileListener(f)
	}

	ls := &listeners{}
	for i := 0; i < httpCount; i++ {
		l, err := take()
		if err != nil {
			return nil, err
		}
		ls.http = append(ls.http, l)
	}
	for i := 0; i < httpsCount; i++ {
		l, err := take()
		if err != nil {
			return nil, err
		}
		ls.https = append(ls.https, l)
	}
	if apiCount > 0 {
		if ls.api, err = take(); err != nil {
			return nil, err
		}
	}
	log.Infof("inherited %d listening sockets", len(fds))
	return ls, nil
}
