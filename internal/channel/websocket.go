package channel

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrader upgrades an incoming HTTP request to a WebSocket connection
// on the manager side (spec §6: `/websocket/events?Auth-Realm=<realm>`).
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Accept upgrades an HTTP request/response pair into a Channel. The
// caller has already authenticated the request (bearer token
// validation happens before the upgrade, per spec §6).
func Accept(w http.ResponseWriter, r *http.Request) (*Channel, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return Wrap(conn), nil
}

// Dial opens a WebSocket connection to the manager's events endpoint
// for realm, authenticated with an OAuth2 bearer token, from the
// gateway side (spec §6).
func Dial(host string, secure bool, realm, bearerToken string, handshakeTimeout time.Duration) (*Channel, error) {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     "/websocket/events",
		RawQuery: "Auth-Realm=" + url.QueryEscape(realm),
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", bearerToken))

	conn, _, err := dialer.Dial(u.String(), header)
	if err != nil {
		return nil, err
	}
	return Wrap(conn), nil
}
