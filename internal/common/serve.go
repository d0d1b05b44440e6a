package common

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
)

// ServeMetrics exposes the prometheus metrics endpoint together with any
// additional handlers (e.g. a health check) and returns a shutdown function.
// A failure to bind the port is fatal: the process cannot be scraped.
func ServeMetrics(port uint16, extraHandlers map[string]http.Handler) (shutdown func()) {
	hook := promrus.MustNewPrometheusHook()
	log.AddHook(hook)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	for pattern, handler := range extraHandlers {
		mux.Handle(pattern, handler)
	}
	return ServeHttp(port, mux)
}

// ServeHttp starts an HTTP server listening on the given port and returns
// a function that shuts it down cleanly.
func ServeHttp(port uint16, mux http.Handler) (shutdown func()) {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Infof("Starting http server listening on %d", port)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			panic(err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Infof("Stopping http server listening on %d", port)
		if err := srv.Shutdown(ctx); err != nil {
			panic(err)
		}
	}
}
