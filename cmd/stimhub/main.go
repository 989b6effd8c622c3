package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stim-hub/internal/config"
	"stim-hub/internal/dglab"
	"stim-hub/internal/events"
	"stim-hub/internal/httpapi"
	"stim-hub/internal/manager"
	"stim-hub/internal/observability"
	"stim-hub/internal/relay"
	"stim-hub/internal/schedule"
	"stim-hub/internal/yokonex"
)

func main() {
	path := os.Getenv("STIMHUB_CONFIG")
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	log := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(log)

	shutdownObs, promHandler, tracer := observability.SetupObservability(cfg.ServiceName)
	defer shutdownObs()

	mapper := events.NewMapper(log)
	mgr := manager.New(mapper, log)

	for _, em := range cfg.Events {
		mapping, err := em.ToMapping()
		if err != nil {
			log.Error("event mapping invalid", "event", em.Event, "error", err)
			os.Exit(1)
		}
		if err := mapper.Register(mapping); err != nil {
			log.Error("event mapping rejected", "event", em.Event, "error", err)
			os.Exit(1)
		}
	}

	for _, d := range cfg.DGLab {
		a, err := dglab.New(d.DGLabConfig(), mgr.NotifySink(), log)
		if err != nil {
			log.Error("dglab adapter init failed", "device", d.ID, "error", err)
			os.Exit(1)
		}
		if err := mgr.Register(a); err != nil {
			log.Error("device registration failed", "device", d.ID, "error", err)
			os.Exit(1)
		}
	}
	for _, y := range cfg.Yokonex {
		a, err := yokonex.New(y.YokonexConfig(), mgr.NotifySink(), log)
		if err != nil {
			log.Error("yokonex adapter init failed", "device", y.ID, "error", err)
			os.Exit(1)
		}
		if err := mgr.Register(a); err != nil {
			log.Error("device registration failed", "device", y.ID, "error", err)
			os.Exit(1)
		}
	}

	notes, cancelNotes := mgr.Subscribe()
	defer cancelNotes()
	go observability.RecordNotifications(notes)

	sched := schedule.New(mgr, log)
	sched.Reconcile(cfg.ScheduleTriggers())
	sched.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	var rly *relay.Server
	if cfg.Relay.Enabled {
		rly = relay.NewServer(log)
		mux.Handle(cfg.Relay.Path, rly)
	}
	mux.Handle("/", httpapi.New(mgr, mapper, sched, log).Handler())

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: observability.WrapHandler(tracer, cfg.ServiceName, mux)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
		}
	}()
	log.Info("stim-hub started", "addr", cfg.ListenAddr,
		"devices", len(cfg.DGLab)+len(cfg.Yokonex), "relay", cfg.Relay.Enabled)

	go func() {
		if err := mgr.ConnectAll(context.Background()); err != nil {
			log.Warn("initial connect incomplete", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sched.Stop()
	if err := mgr.DisconnectAll(ctx); err != nil {
		log.Warn("disconnect incomplete", "error", err)
	}
	mgr.Close()
	if rly != nil {
		rly.Close()
	}
	_ = srv.Shutdown(ctx)
	log.Info("stim-hub stopped")
}
