// geoserver serves the in-memory spatial data service: it loads a CSV
// snapshot, builds the spatial index, and exposes query/delete/insert
// operations over HTTP, reconciling mutations back to the snapshot on
// a timer.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/geoserver/internal/config"
	"github.com/grailbio/geoserver/internal/core"
	"github.com/grailbio/geoserver/internal/gendata"
	"github.com/grailbio/geoserver/internal/httpapi"
	"github.com/grailbio/geoserver/internal/reconcile"
)

var (
	configPath = flag.String("config", "", "Path to the JSON configuration file (required)")
	addr       = flag.String("addr", "127.0.0.1:8080", "HTTP listen address")
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if *configPath == "" {
		log.Fatalf("geoserver: -config is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("geoserver: %v", err)
	}

	c, err := core.New(cfg, gendata.NewRandomGenerator(gendata.DefaultDomain, uint64(time.Now().UnixNano())))
	if err != nil {
		log.Fatalf("geoserver: failed to build core from %s: %v", cfg.DataFile, err)
	}

	reconciler := reconcile.New(c, time.Duration(cfg.ReconcilerPeriodSeconds)*time.Second)
	reconciler.Start()

	zapLog := httpapi.NewLogger()
	defer zapLog.Sync() // nolint: errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:         *addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	httpServer.Handler = httpapi.NewRouter(c, zapLog, func() {
		stop()
	})

	go func() {
		log.Printf("geoserver: listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("geoserver: http server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("geoserver: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error.Printf("geoserver: http server shutdown: %v", err)
	}

	reconciler.Stop()
	c.Shutdown()
	log.Printf("geoserver: shutdown complete")
}
