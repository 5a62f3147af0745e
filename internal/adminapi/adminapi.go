// Package adminapi implements the admin REST surface listed in spec
// §6 for completeness of the contract: management of reverse
// gateway-client connections (§4.8) and a forwarding endpoint for
// asset mutations under a gateway parent (§4.4). Routed with
// httprouter, in the style of the teacher's apiserver.
package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/coreiot/gatewaysync/internal/asset"
	"github.com/coreiot/gatewaysync/internal/auth"
	"github.com/coreiot/gatewaysync/internal/connector"
	"github.com/coreiot/gatewaysync/internal/eventbus"
	"github.com/coreiot/gatewaysync/internal/gatewayconn"
	"github.com/coreiot/gatewaysync/internal/gwerrors"
	"github.com/coreiot/gatewaysync/internal/idmap"
	"github.com/coreiot/gatewaysync/internal/router"
	"github.com/coreiot/gatewaysync/internal/store"
)

type jsonError struct {
	Error string `json:"error"`
}

// Server implements the admin REST surface of spec §6.
type Server struct {
	router *httprouter.Router

	connections map[string][]gatewayconn.Connection // realm -> connections, the admin-facing view
	svc         *gatewayconn.Service
	evr         *router.Router

	st       store.Store
	ids      *idmap.Mapper
	bus      eventbus.Bus
	issuer   *auth.TokenIssuer
	registry *connector.Registry
}

// NewServer wires the admin routes: reverse-connection CRUD, the
// asset forwarding endpoint, and inbound gateway provisioning.
func NewServer(svc *gatewayconn.Service, evr *router.Router) *Server {
	s := &Server{
		router:      httprouter.New(),
		connections: make(map[string][]gatewayconn.Connection),
		svc:         svc,
		evr:         evr,
	}
	s.router.POST("/gateway/:realm/connections", s.handleCreateConnection)
	s.router.GET("/gateway/:realm/connections", s.handleListConnections)
	s.router.DELETE("/gateway/:realm/connections/:id", s.handleDeleteConnection)
	s.router.POST("/assets", s.handleCreateAsset)
	s.router.POST("/gateways", s.handleCreateGateway)
	s.router.DELETE("/gateways/:realm/:id", s.handleDeleteGateway)
	return s
}

// WithInboundProvisioning equips the server to mint a gateway asset and
// its client-credentials pair and register a live connector for it
// (spec §3 "Gateway asset", §4.4). Without this, POST /gateways is
// unavailable; a deployment that never accepts inbound gateway
// connections can omit it.
func (s *Server) WithInboundProvisioning(st store.Store, ids *idmap.Mapper, bus eventbus.Bus, issuer *auth.TokenIssuer, registry *connector.Registry) *Server {
	s.st, s.ids, s.bus, s.issuer, s.registry = st, ids, bus, issuer, registry
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	realm := p.ByName("realm")
	var conn gatewayconn.Connection
	if err := json.NewDecoder(r.Body).Decode(&conn); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	conn.Realm = realm

	s.connections[realm] = []gatewayconn.Connection{conn} // at most one active connection per realm, spec §4.8
	s.svc.Reconcile(s.flatten())

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(conn)
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	realm := p.ByName("realm")
	_ = json.NewEncoder(w).Encode(s.connections[realm])
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	realm := p.ByName("realm")
	delete(s.connections, realm)
	s.svc.Reconcile(s.flatten())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) flatten() []gatewayconn.Connection {
	var out []gatewayconn.Connection
	for _, conns := range s.connections {
		out = append(out, conns...)
	}
	return out
}

// createAssetRequest is the body of POST /assets: an asset to create
// under parentId, forwarded through the event router when parentId is
// a mirrored descendant of a gateway (spec §4.4, §6).
type createAssetRequest struct {
	ParentID string     `json:"parentId"`
	Realm    string     `json:"realm"`
	Asset    asset.Asset `json:"asset"`
}

func (s *Server) handleCreateAsset(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var req createAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Asset.ParentID = req.ParentID

	created, err := s.evr.MutateAsset(req.Realm, asset.CauseCreate, req.Asset)
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(created)
}

// createGatewayRequest is the body of POST /gateways: a new gateway
// asset to provision with a fresh client-credentials pair and a
// registered connector, ready to accept the gateway's first dial
// (spec §3, §4.4, §6).
type createGatewayRequest struct {
	Realm string `json:"realm"`
	Name  string `json:"name"`
}

type createGatewayResponse struct {
	GatewayID    string `json:"gatewayId"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

func (s *Server) handleCreateGateway(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if s.st == nil {
		writeError(w, http.StatusNotImplemented, gwerrors.New(gwerrors.UnsupportedOperation, "inbound gateway provisioning is not configured"))
		return
	}
	var req createGatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	gw := asset.Asset{ID: asset.NewID(), Realm: req.Realm, Name: req.Name, Type: asset.GatewayType}
	created, err := s.st.Create(gw)
	if err != nil {
		writeGatewayError(w, err)
		return
	}

	creds := auth.NewCredentialsFor(created.ID) // client id doubles as gateway asset id, spec §3
	s.issuer.Register(creds)

	c := connector.New(connector.Config{GatewayID: created.ID, Realm: req.Realm}, s.st, s.ids, s.bus)
	s.registry.Register(c)

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(createGatewayResponse{GatewayID: created.ID, ClientID: creds.ClientID, ClientSecret: creds.ClientSecret})
}

// handleDeleteGateway is the one call site that actually deletes a
// gateway asset: it tears down the connector (dropping the mirrored
// subtree, spec §4.4), revokes its credentials, and deletes the
// gateway asset itself. Distinct from a process shutdown, which
// retains the mirror verbatim (spec §4.4; see
// internal/connector.Registry.Shutdown).
func (s *Server) handleDeleteGateway(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if s.st == nil {
		writeError(w, http.StatusNotImplemented, gwerrors.New(gwerrors.UnsupportedOperation, "inbound gateway provisioning is not configured"))
		return
	}
	realm := p.ByName("realm")
	id := p.ByName("id")

	if c, ok := s.registry.Lookup(id); ok {
		if err := c.Teardown(); err != nil {
			writeGatewayError(w, err)
			return
		}
		s.registry.Unregister(id)
	}
	s.issuer.Revoke(id) // client id doubles as gateway asset id, spec §3

	if err := s.st.Delete(realm, id); err != nil {
		writeGatewayError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(jsonError{Error: err.Error()}); encErr != nil {
		log.WithError(encErr).Warn("adminapi: failed to encode error response")
	}
}

func writeGatewayError(w http.ResponseWriter, err error) {
	var gwErr *gwerrors.Error
	if e, ok := err.(*gwerrors.Error); ok {
		gwErr = e
	}
	status := http.StatusInternalServerError
	if gwErr != nil {
		status = gwerrors.HTTPStatus(gwErr.Kind)
	}
	writeError(w, status, err)
}
