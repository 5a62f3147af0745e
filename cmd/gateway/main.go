// Command gateway runs the gateway side of the sync protocol: it
// dials a manager, serves its local inventory, and applies
// write-through mutations from the manager (spec §4.5).
package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/coreiot/gatewaysync/internal/auth"
	"github.com/coreiot/gatewaysync/internal/gatewayclient"
	"github.com/coreiot/gatewaysync/internal/store"
	"github.com/coreiot/gatewaysync/pkg/admin"
	"github.com/coreiot/gatewaysync/pkg/flags"
)

func main() {
	managerHost := flag.String("manager-host", "", "host:port of the manager's gateway endpoint")
	secure := flag.Bool("secure", false, "use wss:// and https:// against the manager")
	realm := flag.String("realm", "", "realm this gateway's inventory belongs to")
	clientID := flag.String("client-id", "", "OAuth2 client id issued when this gateway was provisioned")
	clientSecret := flag.String("client-secret", "", "OAuth2 client secret issued when this gateway was provisioned")
	metricsAddr := flag.String("metrics-addr", ":9091", "address to serve /metrics, /ping and /ready on")
	enablePprof := flag.Bool("enable-pprof", false, "serve /debug/pprof on the metrics address")
	flags.ConfigureAndParse()

	if *managerHost == "" || *realm == "" || *clientID == "" || *clientSecret == "" {
		log.Fatal("-manager-host, -realm, -client-id and -client-secret are all required")
	}

	st := store.NewMemory()
	scheme := "http"
	if *secure {
		scheme = "https"
	}
	tokenURL := scheme + "://" + *managerHost + "/auth/realms/" + *realm + "/protocol/openid-connect/token"

	cfg := gatewayclient.Config{
		Host:   *managerHost,
		Secure: *secure,
		Realm:  *realm,
		Creds: auth.ClientCredentials{
			TokenURL:     tokenURL,
			ClientID:     *clientID,
			ClientSecret: *clientSecret,
		},
	}
	client := gatewayclient.New(cfg, st)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	metricsServer := admin.NewServer(*metricsAddr, *enablePprof, client.Connected)
	go func() {
		log.Infof("gateway: serving admin on %s", *metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("gateway: admin server error")
		}
	}()

	go client.Run(done)

	<-stop
	log.Info("gateway: shutting down")
	close(done)
	_ = metricsServer.Close()
}
