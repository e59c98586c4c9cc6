// Command notepush runs the notification decision and dispatch engine:
// it wires storage, the mute-list cache, the filter cascade, and the APNS
// transport together and exposes a small HTTP surface for liveness.
//
// The WebSocket relay front end that hands events to Pipeline.Process is
// out of scope for this engine (see SPEC_FULL.md §1); EventSource is the
// seam a front end plugs into.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/damus-io/notepush/internal/config"
	"github.com/damus-io/notepush/internal/filter"
	"github.com/damus-io/notepush/internal/mutecache"
	"github.com/damus-io/notepush/internal/pipeline"
	"github.com/damus-io/notepush/internal/push"
	"github.com/damus-io/notepush/internal/relayquery"
	"github.com/damus-io/notepush/internal/store"
)

// Version is set via ldflags at build time.
var Version = "dev"

// EventSource is the seam a relay front end plugs into: anything that can
// hand well-formed, pre-validated events to the pipeline.
type EventSource interface {
	Events() <-chan *nostr.Event
}

func defaultConfigPath() string {
	if base := os.Getenv("NOTEPUSH_BASE_DIR"); base != "" {
		return filepath.Join(base, "notepush.json")
	}
	return "~/.notepush/notepush.json"
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "Path to configuration file")
	genConfig := flag.Bool("gen-config", false, "Generate a default configuration file and exit")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("notepush %s\n", Version)
		os.Exit(0)
	}

	if *genConfig {
		if err := config.WriteTemplate(*configPath); err != nil {
			log.Fatalf("Failed to write config template: %v", err)
		}
		fmt.Printf("Configuration template written to %s\n", *configPath)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("notepush %s starting...", Version)

	eventStore, err := store.Open(cfg.StoragePath)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer eventStore.Close()

	relayQuery := relayquery.New(cfg.Relay.URL)
	cache, err := mutecache.New(
		relayQuery,
		cfg.MuteCache.Capacity,
		cfg.MuteCache.TTL,
		cfg.MuteCache.MaxStaleAge,
		cfg.Relay.FetchTimeout,
	)
	if err != nil {
		log.Fatalf("Failed to build mute list cache: %v", err)
	}

	cascade := filter.New(eventStore, cache, cfg.Kinds)

	transport, err := push.New(push.Config{
		BundleID:    cfg.APNS.BundleID,
		KeyPath:     cfg.APNS.KeyPath,
		KeyID:       cfg.APNS.KeyID,
		TeamID:      cfg.APNS.TeamID,
		Production:  cfg.APNS.Environment == "production",
		SendTimeout: cfg.APNS.SendTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to build APNS transport: %v", err)
	}

	pl := pipeline.New(eventStore, eventStore, cascade, transport, cfg.Dispatch.Concurrency)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, initiating shutdown...", sig)
		cancel()
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)

	server := &http.Server{
		Addr:         "127.0.0.1:8787",
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health server error: %v", err)
		}
	}()

	// No front end is wired into this build, so src is nil and run exits
	// immediately without consuming events; a relay front end plugs in by
	// passing its EventSource here instead.
	var src EventSource
	go run(ctx, src, pl)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("health server shutdown error: %v", err)
	}
	log.Println("notepush shutdown complete")
}

// run drains src, handing each event to pl.Process, until ctx is canceled or
// src's channel closes. src may be nil when no front end has been wired in
// yet, in which case run returns immediately.
func run(ctx context.Context, src EventSource, pl *pipeline.Pipeline) {
	if src == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			if _, err := pl.Process(ctx, ev); err != nil {
				log.Printf("pipeline.Process failed for event %s: %v", ev.ID, err)
			}
		}
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"healthy"}`)
}
