package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/satindergrewal/bandstage/internal/api"
	"github.com/satindergrewal/bandstage/internal/audio"
	"github.com/satindergrewal/bandstage/internal/catalog"
	"github.com/satindergrewal/bandstage/internal/config"
	"github.com/satindergrewal/bandstage/internal/logging"
	"github.com/satindergrewal/bandstage/internal/stage"
	"github.com/satindergrewal/bandstage/internal/stream"
	"github.com/satindergrewal/bandstage/internal/tempo"
)

func main() {
	cfg := config.Load()
	log := logging.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mode, err := stage.ParseMode(cfg.SwapMode)
	if err != nil {
		log.WithField("mode", cfg.SwapMode).Warn("unknown swap mode, using loop")
		mode = stage.ModeLoop
	}
	store := stage.NewStore(mode)
	wall := tempo.NewMonotonic()

	log.WithField("catalog", cfg.CatalogDir).Info("bandstage starting up...")

	cat, err := catalog.Load(cfg.CatalogDir)
	if err != nil {
		// Keep serving so the error is visible; nothing can be spawned.
		log.WithError(err).Error("catalog rejected, serving degraded")
		store.SetError(err)
		bpm := cfg.BPM
		if bpm <= 0 {
			bpm = catalog.DefaultBPM
		}
		clock, clockErr := tempo.NewClock(bpm, wall)
		if clockErr != nil {
			log.WithError(clockErr).Fatal("invalid tempo")
		}
		serve(ctx, cfg, log, api.New(api.Options{Store: store, Clock: clock, Context: ctx, Log: log}), nil)
		return
	}

	reg := catalog.NewRegistry(cat)
	if cfg.WatchCatalog {
		w, err := catalog.NewWatcher(cfg.CatalogDir)
		if err != nil {
			log.WithError(err).Warn("catalog watch unavailable")
		} else {
			defer w.Close()
			go reg.Follow(ctx, w, cfg.CatalogDir, log, store.SetError)
			log.Info("watching catalog for changes")
		}
	}

	bpm := cfg.BPM
	if bpm <= 0 {
		bpm = cat.ProjectBPM
	}
	clock, err := tempo.NewClock(bpm, wall)
	if err != nil {
		log.WithError(err).Fatal("invalid tempo")
	}

	// Audio: software device, buffer cache and the engine that schedules on it
	dev := audio.NewDevice(wall, cfg.MasterGain, log)
	defer dev.Close()
	loader := audio.NewLoader(reg, cfg.CatalogDir, cfg.AssetBaseURL, log)
	cache := audio.NewBufferCache(loader.Load)
	engine := audio.NewEngine(dev, clock, reg, cache, log)
	engine.SetErrorHandler(store.SetError)
	go dev.Run(ctx)

	if cfg.Preload {
		go preload(ctx, reg, cache, log)
	}

	// Broadcaster: fan-out rendered frames to all listeners
	broadcaster := stream.NewBroadcaster(log)
	go broadcaster.Run(ctx, dev.Frames())
	webrtcHandler := stream.NewWebRTCHandler(broadcaster, log)
	defer webrtcHandler.Close()
	if cfg.Speaker {
		go func() {
			if err := stream.NewSpeaker(broadcaster, log).Run(ctx); err != nil {
				log.WithError(err).Warn("local playback unavailable")
			}
		}()
	}

	sched := stage.NewScheduler(clock, reg, store, engine, stage.SchedulerConfig{
		Width:  cfg.StageWidth,
		Height: cfg.StageHeight,
		Tick:   cfg.TickInterval,
	}, log)
	if cfg.Lineup {
		if err := sched.SpawnLineup(); err != nil {
			log.WithError(err).Warn("lineup incomplete")
		}
	}
	go sched.Run(ctx)

	server := api.New(api.Options{
		Store:     store,
		Scheduler: sched,
		Clock:     clock,
		Catalog:   reg,
		Audio:     engine,
		Listeners: broadcaster.ListenerCount,
		Context:   ctx,
		Log:       log,
	})
	server.Handle("/stream", stream.NewHTTPHandler(broadcaster, 0, log))
	server.Handle("/offer", webrtcHandler)

	serve(ctx, cfg, log, server, func() {
		sched.Wait()
		engine.Wait()
	})
}

// preload warms the buffer cache with every catalog loop so the first swap
// to each one does not wait on a decode.
func preload(ctx context.Context, reg *catalog.Registry, cache *audio.BufferCache, log logrus.FieldLogger) {
	loops := reg.Current().Loops()
	ids := make([]string, 0, len(loops))
	for _, l := range loops {
		ids = append(ids, l.ID)
	}
	start := time.Now()
	if err := cache.Preload(ctx, ids); err != nil {
		log.WithError(err).Warn("preload incomplete")
		return
	}
	log.WithFields(logrus.Fields{"loops": len(ids), "took": time.Since(start).Round(time.Millisecond)}).Info("loops preloaded")
}

// serve runs the HTTP server until ctx is done, then runs drain.
func serve(ctx context.Context, cfg config.Config, log logrus.FieldLogger, h http.Handler, drain func()) {
	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: h}

	go func() {
		<-ctx.Done()
		log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Streams never finish on their own.
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
	}()

	log.WithField("addr", addr).Info("bandstage live")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("HTTP server error")
	}
	if drain != nil {
		drain()
	}
}
