package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"pomotimer/internal/history"
	"pomotimer/internal/presets"
	"pomotimer/internal/realtime"
	"pomotimer/internal/session"
	"pomotimer/internal/timer"

	"github.com/joho/godotenv"
	"github.com/tebeka/atexit"
)

// Config holds server configuration, loaded from environment variables.
type Config struct {
	Port         int
	StaticDir    string
	MaxTimers    int
	PresetsFile  string
	HistoryDB    string
	TickInterval time.Duration
}

func loadConfig() Config {
	cfg := Config{
		Port:         8420,
		StaticDir:    "./frontend/dist",
		MaxTimers:    10,
		PresetsFile:  "./pomotimer.yaml",
		HistoryDB:    "./pomotimer.db",
		TickInterval: timer.DefaultInterval,
	}

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv("MAX_TIMERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTimers = n
		}
	}
	if v, ok := os.LookupEnv("PRESETS_FILE"); ok {
		cfg.PresetsFile = v
	}
	if v, ok := os.LookupEnv("HISTORY_DB"); ok {
		cfg.HistoryDB = v
	}
	if v := os.Getenv("TICK_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TickInterval = time.Duration(n) * time.Millisecond
		}
	}

	return cfg
}

func main() {
	// A .env file in the working directory supplies defaults; variables
	// already set in the environment win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("warning: .env: %v", err)
	}
	cfg := loadConfig()

	// Load presets and watch the file (callback will be wired once the
	// realtime server exists).
	var rtServer *realtime.Server
	presetWatch, err := presets.NewWatcher(cfg.PresetsFile, func(p presets.Presets) {
		if rtServer != nil {
			rtServer.OnPresetsUpdate(p)
		}
	})
	if err != nil {
		log.Fatalf("presets: %v", err)
	}

	// Open the history store. An empty path disables it.
	mgrOpts := []session.Option{session.WithEngineOptions(timer.WithInterval(cfg.TickInterval))}
	var (
		hist  realtime.HistoryReader
		store *history.Store
	)
	if cfg.HistoryDB != "" {
		store, err = history.Open(cfg.HistoryDB)
		if err != nil {
			log.Fatalf("history: %v", err)
		}
		mgrOpts = append(mgrOpts, session.WithRecorder(store))
		hist = store
	}

	sessMgr := session.NewManager(cfg.MaxTimers, presetWatch, mgrOpts...)

	// Timers are shut down before the store closes so interrupted runs
	// still get recorded.
	atexit.Register(func() {
		sessMgr.Shutdown()
		presetWatch.Close()
		if store != nil {
			if err := store.Close(); err != nil {
				log.Printf("history: close: %v", err)
			}
		}
	})

	// Initialize realtime server.
	rtServer = realtime.New(sessMgr, hist, cfg.StaticDir)

	// Set up HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		httpServer.Close()
	}()

	log.Printf("pomotimer server running on http://localhost:%d (presets: %s)", cfg.Port, presetWatch.Path())
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Printf("HTTP server error: %v", err)
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
