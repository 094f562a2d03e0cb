package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zenazn/goji/web"

	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/store"
)

const (
	// DefaultWebAddress is the default address of the HTTP API.
	DefaultWebAddress = "localhost:8000"

	// WebAPIPath is the prefix of all API endpoints.
	WebAPIPath = "/api/"

	// ShutdownDelay bounds the wait for in-flight requests on shutdown.
	ShutdownDelay = 5 * time.Second
)

// Service serves one dataset over HTTP.
type Service struct {
	store    *store.Store
	config   store.WebConfig
	gatherer prometheus.Gatherer
	mux      *web.Mux
}

// New returns a service for s.  If gatherer is non-nil its metrics are served
// at /metrics.
func New(s *store.Store, config store.WebConfig, gatherer prometheus.Gatherer) *Service {
	service := &Service{
		store:    s,
		config:   config,
		gatherer: gatherer,
	}
	service.initRoutes()
	return service
}

// ServeHTTP lets a Service be used as an http.Handler.
func (service *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service.mux.ServeHTTP(w, r)
}

// Serve listens and serves HTTP requests until ctx is canceled.  Stay-alive
// connections can't hog goroutines for more than an hour.
func (service *Service) Serve(ctx context.Context) error {
	address := service.config.Address
	if address == "" {
		address = DefaultWebAddress
	}
	src := &http.Server{
		Addr:        address,
		Handler:     service,
		ReadTimeout: 1 * time.Hour,
	}
	errCh := make(chan error, 1)
	go func() {
		mm.Infof("Web server for %s listening at %s ...\n", service.store, address)
		errCh <- src.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	mm.Infof("Shutting down web server at %s\n", address)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownDelay)
	defer cancel()
	if err := src.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
