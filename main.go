package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/maxmars1/maplab/internal/api"
	"github.com/maxmars1/maplab/internal/archive"
	"github.com/maxmars1/maplab/internal/engine"
	"github.com/maxmars1/maplab/internal/server"
	"github.com/maxmars1/maplab/internal/version"
	"github.com/maxmars1/maplab/internal/vimap"
	"github.com/maxmars1/maplab/internal/visualiser"
)

var (
	configPath      = flag.String("config", "", "Path to the YAML server config (built-in defaults when empty)")
	listen          = flag.String("listen", ":8080", "Listen address")
	mergedMapFolder = flag.String("merged-map-folder", "", "Override the merged map output folder")
	backupInterval  = flag.Int("backup-interval", 0, "Override the backup interval in seconds")
	archiveDB       = flag.String("archive-db", "", "Override the archive sqlite file (empty in config disables archiving)")
	queueCapacity   = flag.Int("queue-capacity", 0, "Override the ingestion queue capacity")
	restoreFrom     = flag.String("restore-from", "", "Restore the map from a saved folder before starting")
)

func loadConfig() server.Config {
	var cfg server.Config
	if *configPath == "" {
		cfg = server.DefaultConfig()
	} else {
		var err error
		cfg, err = server.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *mergedMapFolder != "" {
		cfg.MergedMapFolder = *mergedMapFolder
	}
	if *backupInterval > 0 {
		cfg.BackupIntervalS = *backupInterval
	}
	if *archiveDB != "" {
		cfg.ArchiveDB = *archiveDB
	}
	if *queueCapacity > 0 {
		cfg.QueueCapacity = *queueCapacity
	}
	return cfg
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("maplab map server %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)
	cfg := loadConfig()

	opts := []server.NodeOption{server.WithVisualizer(visualiser.New())}

	var arc *archive.Archive
	if cfg.ArchiveDB != "" {
		var err error
		arc, err = archive.Open(cfg.ArchiveDB)
		if err != nil {
			log.Fatalf("Failed to open archive: %v", err)
		}
		defer arc.Close()
		opts = append(opts, server.WithRecorder(arc))
	}

	node := server.NewNode(cfg, engine.NewBuiltin(), opts...)

	if *restoreFrom != "" {
		sn, err := vimap.LoadSnapshot(*restoreFrom)
		if err != nil {
			log.Fatalf("Failed to restore map from '%s': %v", *restoreFrom, err)
		}
		node.MapState().Restore(sn)
		log.Printf("Restored map version %d from '%s'", sn.Version, *restoreFrom)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		log.Fatalf("Failed to start map server: %v", err)
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes
		if arc != nil {
			arc.AttachAdminRoutes(mux)
		}

		apiMux := api.NewServer(node).ServeMux()
		mux.Handle("/api/", apiMux)

		httpServer := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Drain the pipeline once a signal arrives
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()

		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := node.Shutdown(drainCtx); err != nil {
			log.Printf("Map server shutdown error: %v", err)
		}
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
