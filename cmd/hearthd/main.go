// Hearthd is a single-user home automation daemon. It watches a camera for
// a known face, opens a session when one is recognized, and serves an
// interactive command loop for lights, weather, and music until the user
// logs out or leaves.
//
// Usage:
//
//	hearthd [flags]
//	hearthd --config /path/to/hearth.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/hearthctl/hearth/internal/config"
	"github.com/hearthctl/hearth/internal/device/audio"
	"github.com/hearthctl/hearth/internal/device/lights"
	"github.com/hearthctl/hearth/internal/device/speech"
	"github.com/hearthctl/hearth/internal/device/weather"
	"github.com/hearthctl/hearth/internal/dispatch"
	"github.com/hearthctl/hearth/internal/health"
	"github.com/hearthctl/hearth/internal/recognition"
	"github.com/hearthctl/hearth/internal/recovery"
	"github.com/hearthctl/hearth/internal/session"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configFile := flag.String("config", "", "path to config file (e.g. configs/hearth.local.yaml)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hearthd %s\n", version)
		os.Exit(0)
	}

	// Optional .env for local credentials (e.g. METEOMATICS_PASSWORD).
	_ = godotenv.Load()

	// Load configuration.
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging.
	config.SetupLogging(cfg.Logging)
	slog.Info("hearthd starting", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load the known identities.
	identities, err := recognition.LoadIdentities(cfg.Recognition.EncodingsFile, cfg.Session.MaxUsers)
	if err != nil {
		if !cfg.Recognition.AllowUnauthenticated {
			slog.Error("failed to load identities", "file", cfg.Recognition.EncodingsFile, "error", err)
			os.Exit(1)
		}
		slog.Warn("no identities loaded, running unauthenticated", "error", err)
	}

	// Start the vision worker that owns the camera. A camera the worker
	// cannot open is a fatal startup error; there is nothing to watch.
	var detector recognition.Detector
	if !cfg.Recognition.AllowUnauthenticated {
		worker, err := recognition.StartWorker(ctx, recognition.WorkerConfig{
			Command:    cfg.Camera.Worker,
			Source:     cfg.Camera.Source,
			Framerate:  cfg.Camera.Framerate,
			Width:      cfg.Camera.Width,
			Confidence: cfg.Camera.Confidence,
		})
		if err != nil {
			slog.Error("failed to start vision worker", "error", err)
			os.Exit(1)
		}
		defer worker.Close()
		detector = worker
	}

	// Device adapters, each behind its own recovery policy so one failing
	// device never trips another's breaker.
	var speaker speech.Speaker
	if cfg.Voice.Enabled {
		speaker = speech.New(cfg.Voice, recovery.New("speech", recovery.Config{}))
	} else {
		speaker = speech.Silent{}
	}
	defer speaker.Close()

	lightCtl := lights.NewKasa(cfg.Lights, recovery.New("lights", recovery.Config{}))
	weatherCli := weather.New(cfg.Weather, recovery.New("weather", recovery.Config{}))

	// Playback holds the call open for the duration of the track, so the
	// policy needs a much longer per-attempt deadline than the default.
	player := audio.New(cfg.Music, recovery.New("audio", recovery.Config{
		MaxRetries:  1,
		CallTimeout: 6 * time.Minute,
	}))

	// Session manager.
	sessions := session.NewManager(session.Config{
		Debounce:    cfg.Recognition.Debounce,
		GracePeriod: time.Duration(cfg.Recognition.GracePeriod * float64(time.Second)),
		Timeout:     time.Duration(cfg.Session.Timeout) * time.Second,
	}, speaker)

	// Start health check server.
	healthServer := health.New(cfg.Server.HealthPort, sessions)
	go func() {
		if err := healthServer.ListenAndServe(ctx); err != nil {
			slog.Error("health server failed", "error", err)
		}
	}()

	observations := make(chan recognition.Observation, 16)

	var wg sync.WaitGroup

	if detector != nil {
		engine := recognition.NewEngine(identities, cfg.Recognition.Tolerance, detector)
		interval := time.Duration(cfg.Recognition.Interval * float64(time.Second))
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(observations)
			engine.Run(ctx, interval, observations)
		}()
	} else {
		// Unauthenticated mode: feed a synthetic presence stream so the
		// session activates as "guest" and never lapses.
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(observations)
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					obs := recognition.Observation{
						ID:        uuid.NewString(),
						BestMatch: "guest",
						At:        time.Now(),
					}
					select {
					case observations <- obs:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sessions.Run(ctx, observations)
	}()

	// Command loop on stdin/stdout.
	dispatcher := dispatch.New(sessions, lightCtl, weatherCli, player, speaker,
		cfg.Lights.DefaultBrightness, os.Stdin, os.Stdout)

	healthServer.SetReady(true)
	slog.Info("hearthd ready",
		"identities", len(identities),
		"health_port", cfg.Server.HealthPort)

	dispatcher.Run(ctx)

	cancel()
	wg.Wait()
	slog.Info("hearthd stopped")
}
