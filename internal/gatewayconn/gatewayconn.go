// Package gatewayconn implements the reverse Gateway-Client Service
// (spec §4.8): it lets this manager instance act as a gateway to
// another manager, running one internal/gatewayclient instance per
// configured GatewayConnection. Configuration is stored per realm and
// hot-reloaded from a JSON file with fsnotify, the same mechanism the
// teacher uses to watch mounted credential material.
package gatewayconn

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/coreiot/gatewaysync/internal/auth"
	"github.com/coreiot/gatewaysync/internal/gatewayclient"
	"github.com/coreiot/gatewaysync/internal/store"
)

// Connection describes one outbound connection from this manager,
// acting as a gateway, to another manager's gateway endpoint (spec
// §4.8).
type Connection struct {
	Realm        string `json:"realm"`
	Host         string `json:"host"`
	Secure       bool   `json:"secure"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Disabled     bool   `json:"disabled"`
}

type running struct {
	conn Connection
	stop chan struct{}
}

// Service owns the set of active reverse gateway-client connections,
// at most one per realm (spec §4.8).
type Service struct {
	st     store.Store
	issuer *auth.TokenIssuer // only used when pointed at this same process in tests; a real deployment's Creds.Issuer is nil and Token() goes over HTTP instead

	mu     sync.Mutex
	active map[string]*running // realm -> running
}

// NewService returns an empty Service backed by st for serving local
// inventory through each reverse connection's gatewayclient.
func NewService(st store.Store) *Service {
	return &Service{st: st, active: make(map[string]*running)}
}

// Reconcile brings the active connection set in line with desired,
// starting new connections, stopping removed or disabled ones, and
// restarting changed ones. At most one active connection per realm is
// kept, matching the configured set (spec §4.8).
func (s *Service) Reconcile(desired []Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]Connection, len(desired))
	for _, c := range desired {
		wanted[c.Realm] = c
	}

	for realm, r := range s.active {
		c, stillWanted := wanted[realm]
		if !stillWanted || c.Disabled || c != r.conn {
			log.WithField("realm", realm).Info("gatewayconn: stopping reverse connection")
			close(r.stop)
			delete(s.active, realm)
		}
	}

	for realm, c := range wanted {
		if c.Disabled {
			continue
		}
		if _, ok := s.active[realm]; ok {
			continue
		}
		s.start(realm, c)
	}
}

func (s *Service) start(realm string, c Connection) {
	stop := make(chan struct{})
	s.active[realm] = &running{conn: c, stop: stop}

	creds := auth.ClientCredentials{Issuer: s.issuer, ClientID: c.ClientID, ClientSecret: c.ClientSecret}
	client := gatewayclient.New(gatewayclient.Config{Host: c.Host, Secure: c.Secure, Realm: realm, Creds: creds}, s.st)
	log.WithField("realm", realm).WithField("host", c.Host).Info("gatewayconn: starting reverse connection")
	go client.Run(stop)
}

// WithIssuer points reverse connections at an in-process TokenIssuer,
// used in tests and single-process deployments; a real deployment's
// ClientCredentials instead calls out over HTTP to the remote
// manager's token endpoint, which this reference implementation does
// not provide.
func (s *Service) WithIssuer(issuer *auth.TokenIssuer) *Service {
	s.issuer = issuer
	return s
}

// Active returns the realms with a currently running reverse
// connection, used by the admin surface's list endpoint (spec §6).
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for realm := range s.active {
		out = append(out, realm)
	}
	return out
}

// Shutdown stops every active connection.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for realm, r := range s.active {
		close(r.stop)
		delete(s.active, realm)
	}
}

// LoadFile reads and parses a JSON array of Connection from path.
func LoadFile(path string) ([]Connection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var conns []Connection
	if err := json.Unmarshal(data, &conns); err != nil {
		return nil, err
	}
	return conns, nil
}

// WatchFile reloads path on every filesystem change and calls
// Reconcile with the freshly parsed connection list, until stop is
// closed. Errors reading or parsing the file are logged and the
// previous configuration is left in place.
func (s *Service) WatchFile(path string, stop <-chan struct{}) error {
	if conns, err := LoadFile(path); err != nil {
		log.WithError(err).WithField("path", path).Warn("gatewayconn: initial config load failed")
	} else {
		s.Reconcile(conns)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case event := <-watcher.Events:
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			conns, err := LoadFile(path)
			if err != nil {
				log.WithError(err).WithField("path", path).Warn("gatewayconn: reload failed, keeping previous configuration")
				continue
			}
			log.WithField("path", path).Info("gatewayconn: reloaded connection configuration")
			s.Reconcile(conns)
		case err := <-watcher.Errors:
			log.WithError(err).Warn("gatewayconn: watcher error")
		case <-stop:
			return nil
		}
	}
}
