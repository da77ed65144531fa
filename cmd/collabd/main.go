// Command collabd runs the realtime collaboration gateway: a WebSocket
// endpoint that authenticates connections, resolves them to notes, and
// multiplexes CRDT document/awareness traffic through per-note sessions
// (spec.md §1, §4.5, §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hedgedoc/collab-core/internal/collab/collabapi"
	"github.com/hedgedoc/collab-core/internal/collab/gatewayhttp"
	"github.com/hedgedoc/collab-core/internal/collab/registry"
	"github.com/hedgedoc/collab-core/internal/collabconfig"
	"github.com/hedgedoc/collab-core/internal/collabutil"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "collabd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a JSON config file")
	listenAddr := flag.String("listen", "", "override the gateway's listen address")
	metricsAddr := flag.String("metrics-addr", "", "override the metrics listen address")
	cookieSecret := flag.String("cookie-secret", "", "HMAC secret for HEDGEDOC_SESSION cookie validation; empty uses the noop (dev-only) validator")
	flag.Parse()

	var overrides collabconfig.FlagOverrides
	if *listenAddr != "" {
		overrides.ListenAddr = listenAddr
	}
	if *metricsAddr != "" {
		overrides.MetricsAddr = metricsAddr
	}

	cfg, err := collabconfig.Load(*configPath, &overrides)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	services, err := wireServices()
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}

	var cookieValidator collabapi.CookieValidator
	if *cookieSecret == "" {
		log.Warn("no cookie secret configured, using NoopCookieValidator — unsafe for production")
		cookieValidator = collabapi.NoopCookieValidator{}
	} else {
		cookieValidator = collabapi.NewHMACCookieValidator([]byte(*cookieSecret))
	}

	metrics := registry.NewMetrics(prometheus.DefaultRegisterer)
	reg := registry.New(services.notes, services.documentFactory, "body", log, metrics)

	handler := &gatewayhttp.Handler{
		Registry:        reg,
		Notes:           services.notes,
		Sessions:        services.sessions,
		Users:           services.users,
		Permissions:     services.permissions,
		CookieValidator: cookieValidator,
		CookieName:      cfg.CookieName,
		ConnectTimeout:  cfg.ConnectTimeout,
		SendBufferSize:  cfg.SendBufferSize,
		Log:             log,
	}

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	gatewaySrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collabutil.SafeGo(log, func() {
		log.Info("gateway listening", zap.String("addr", cfg.ListenAddr))
		if err := gatewaySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("gateway server failed", zap.Error(err))
		}
	})
	collabutil.SafeGo(log, func() {
		log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	})

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = gatewaySrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	reg.Shutdown(shutdownCtx)

	return nil
}

// wiredServices groups the external backend services the gateway
// depends on but does not implement itself (spec.md §1's boundary: note
// storage, session store, user store, and permission checks live in
// HedgeDoc's existing backend, reached here through the collabapi
// interfaces).
type wiredServices struct {
	notes           collabapi.NoteService
	sessions        collabapi.SessionService
	users           collabapi.UserService
	permissions     collabapi.PermissionsService
	documentFactory registry.DocumentFactory
}

// wireServices constructs the external-service and CRDT-engine bindings.
// Both are out of scope for this module (spec.md §1): a real deployment
// injects HedgeDoc's backend clients and a CRDT engine binding here. This
// returns an error rather than panicking so a misconfigured deployment
// fails fast and loud instead of serving broken connections.
func wireServices() (wiredServices, error) {
	return wiredServices{}, fmt.Errorf("no NoteService/SessionService/UserService/PermissionsService/DocumentFactory bindings configured: wire real backend clients into wireServices before running collabd")
}
