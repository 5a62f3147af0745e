// Command manager runs the Gateway Synchronization Subsystem's
// manager side: it accepts gateway websocket connections, mirrors
// their inventory, and serves the admin REST surface (spec §4.4, §6).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coreiot/gatewaysync/internal/adminapi"
	"github.com/coreiot/gatewaysync/internal/auth"
	"github.com/coreiot/gatewaysync/internal/channel"
	"github.com/coreiot/gatewaysync/internal/connector"
	"github.com/coreiot/gatewaysync/internal/eventbus"
	"github.com/coreiot/gatewaysync/internal/gatewayconn"
	"github.com/coreiot/gatewaysync/internal/idmap"
	"github.com/coreiot/gatewaysync/internal/router"
	"github.com/coreiot/gatewaysync/internal/store"
	"github.com/coreiot/gatewaysync/pkg/admin"
	"github.com/coreiot/gatewaysync/pkg/flags"
)

func main() {
	addr := flag.String("addr", ":9080", "address to serve the gateway websocket and token endpoints on")
	metricsAddr := flag.String("metrics-addr", ":9990", "address to serve /metrics, /ping and /ready on")
	enablePprof := flag.Bool("enable-pprof", false, "serve /debug/pprof on the metrics address")
	idmapKey := flag.String("idmap-key", "", "secret key for deriving mirrored ids; must never change once gateways hold data")
	reverseConnFile := flag.String("reverse-connections-file", "", "path to a JSON file of outbound reverse gateway-client connections (spec §4.8), hot-reloaded")
	flags.ConfigureAndParse()

	if *idmapKey == "" {
		log.Fatal("-idmap-key is required")
	}

	st := store.NewMemory()
	ids := idmap.New([]byte(*idmapKey))
	bus := eventbus.NewInMemory()
	registry := connector.NewRegistry()
	issuer := auth.NewTokenIssuer()
	evr := router.New(st, registry)

	reverseSvc := gatewayconn.NewService(st).WithIssuer(issuer)
	adminSrv := adminapi.NewServer(reverseSvc, evr).
		WithInboundProvisioning(st, ids, bus, issuer, registry)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	if *reverseConnFile != "" {
		go func() {
			if err := reverseSvc.WatchFile(*reverseConnFile, done); err != nil {
				log.WithError(err).Error("manager: reverse-connections watcher exited")
			}
		}()
	}

	var ready atomic.Bool
	metricsServer := admin.NewServer(*metricsAddr, *enablePprof, ready.Load)
	go func() {
		log.Infof("manager: serving admin on %s", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("manager: admin server error")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/", adminSrv)
	mux.HandleFunc("/websocket/events", newEventsHandler(registry, issuer))
	mux.HandleFunc("/auth/realms/", newTokenHandler(issuer))

	apiServer := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 15 * time.Second}
	go func() {
		log.Infof("manager: serving gateway connections and admin API on %s", *addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("manager: api server error")
		}
	}()
	ready.Store(true)

	<-stop
	log.Info("manager: shutting down")
	close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(ctx)
	_ = metricsServer.Shutdown(ctx)
	reverseSvc.Shutdown()
	registry.Shutdown()
}

// newEventsHandler upgrades an authenticated gateway dial to a
// websocket channel and runs its connector's handshake and read loop
// to completion (spec §4.4, §6). The gateway asset must already exist
// and have a registered connector, provisioned via POST /gateways.
func newEventsHandler(registry *connector.Registry, issuer *auth.TokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		gatewayID, err := issuer.Validate(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		c, ok := registry.Lookup(gatewayID)
		if !ok {
			http.Error(w, "unknown gateway", http.StatusNotFound)
			return
		}

		ch, err := channel.Accept(w, r)
		if err != nil {
			log.WithError(err).WithField("gatewayId", gatewayID).Warn("manager: websocket upgrade failed")
			return
		}

		if err := c.Connect(ch); err != nil {
			log.WithError(err).WithField("gatewayId", gatewayID).Warn("manager: connector exited")
		}
	}
}

// newTokenHandler implements the client-credentials grant at
// /auth/realms/<realm>/protocol/openid-connect/token (spec §6). The
// realm in the path is not consulted: a client id is registered
// globally against exactly one gateway, spec §4.1's per-gateway
// isolation already scopes everything that matters.
func newTokenHandler(issuer *auth.TokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		clientID := r.FormValue("client_id")
		clientSecret := r.FormValue("client_secret")

		token, err := issuer.Issue(clientID, clientSecret)
		if err != nil {
			http.Error(w, "invalid client credentials", http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			AccessToken string `json:"access_token"`
			TokenType   string `json:"token_type"`
			ExpiresIn   int    `json:"expires_in"`
		}{AccessToken: token, TokenType: "bearer", ExpiresIn: int(auth.TokenTTL.Seconds())})
	}
}
