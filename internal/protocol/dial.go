package protocol

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	maxMessageSize   = 512 * 1024
)

// newDialer returns a WebSocket dialer that honours HTTP(S)_PROXY and, when
// ALL_PROXY is set, SOCKS proxies.
func newDialer() *websocket.Dialer {
	d := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}

	if os.Getenv("ALL_PROXY") == "" && os.Getenv("all_proxy") == "" {
		return d
	}
	forward := &net.Dialer{Timeout: handshakeTimeout}
	pd := proxy.FromEnvironmentUsing(forward)
	if cd, ok := pd.(proxy.ContextDialer); ok {
		d.Proxy = nil
		d.NetDialContext = cd.DialContext
	} else {
		d.Proxy = nil
		d.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return pd.Dial(network, addr)
		}
	}
	return d
}
