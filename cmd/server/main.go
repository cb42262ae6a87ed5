package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/pflag"

	"github.com/nicktill/tinystation/pkg/config"
	"github.com/nicktill/tinystation/pkg/server"
)

const (
	// Server configuration
	serverReadTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// options are the command-line overrides applied on top of the config file.
type options struct {
	configPath string
	port       string
	dataDir    string
	store      string
	busMode    string
	demo       bool
	static     string
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("tinystation", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", os.Getenv("TINYSTATION_CONFIG"), "path to YAML config file")
	flagSet.StringVar(&opts.port, "port", "", "HTTP port (overrides config and PORT)")
	flagSet.StringVar(&opts.dataDir, "data-dir", "", "data directory for the badger store")
	flagSet.StringVar(&opts.store, "store", "", "storage backend: badger or memory")
	flagSet.StringVar(&opts.busMode, "bus-mode", "", "bus delivery: direct or tick")
	flagSet.BoolVar(&opts.demo, "demo", false, "start producers that support it in demo mode")
	flagSet.StringVar(&opts.static, "web", "./web/", "directory of static dashboard files")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return opts, nil
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.port != "" {
		cfg.Port = opts.port
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.store != "" {
		cfg.Store.Backend = opts.store
	}
	if opts.busMode != "" {
		cfg.Bus.Mode = opts.busMode
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = []config.SourceConfig{{ID: "system", Type: "system"}}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func main() {
	log.Println("🚀 Starting TinyStation...")

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		log.Fatalf("❌ %v", err)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		log.Fatalf("❌ Failed to load configuration: %v", err)
	}
	log.Printf("⚙️  Configuration: store = %s, bus = %s, retention = %d days, sources = %d, alert rules = %d",
		cfg.Store.Backend, cfg.Bus.Mode, cfg.Store.RetentionDays, len(cfg.Sources), len(cfg.Alerts))

	backend, err := server.InitializeStorage(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize storage: %v", err)
	}
	defer backend.Close()

	station, err := server.NewStation(cfg, backend, nil)
	if err != nil {
		log.Fatalf("❌ Failed to build station: %v", err)
	}
	if opts.demo {
		log.Printf("🎭 Demo mode enabled on %d sources", station.SetDemo(true))
	}
	station.Start()

	router := mux.NewRouter()
	server.SetupRoutes(router, station)

	// Serve static files (strip prefix to prevent path traversal)
	fileServer := http.FileServer(http.Dir(opts.static))
	router.PathPrefix("/").Handler(http.StripPrefix("/", fileServer))

	// No write timeout: websocket connections are long-lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: serverReadTimeout,
	}

	go func() {
		log.Printf("🌐 Server starting on http://localhost:%s", cfg.Port)
		log.Println("📡 API endpoints:")
		log.Println("   GET  /v1/history/{field} - Field history")
		log.Println("   GET  /v1/history/summary - Per-field summary")
		log.Println("   GET  /v1/latest          - Latest payload per topic")
		log.Println("   GET  /v1/alerts          - Active alerts")
		log.Println("   GET  /v1/ws              - Live stream")
		log.Println("✅ Server ready to accept requests")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutdown signal received...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	log.Println("🔄 Gracefully shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown warning: %v", err)
	}

	// Producers stop first, then the final flush runs before the
	// backend is closed by the deferred Close.
	log.Println("⏸️  Stopping station...")
	done := make(chan struct{})
	go func() {
		station.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Println("✅ All background tasks stopped cleanly")
	case <-shutdownCtx.Done():
		log.Println("⚠️  Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("👋 TinyStation exited cleanly")
}
