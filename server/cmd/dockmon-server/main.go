package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dockmon/server/internal/alerts"
	"github.com/dockmon/server/internal/batch"
	"github.com/dockmon/server/internal/config"
	"github.com/dockmon/server/internal/containerops"
	"github.com/dockmon/server/internal/coordinator"
	"github.com/dockmon/server/internal/deploy"
	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/engine"
	"github.com/dockmon/server/internal/eventbus"
	"github.com/dockmon/server/internal/fleet"
	"github.com/dockmon/server/internal/notify"
	"github.com/dockmon/server/internal/realtime"
	"github.com/dockmon/server/internal/registry"
	"github.com/dockmon/server/internal/scheduler"
	"github.com/dockmon/server/internal/statsclient"
	"github.com/dockmon/server/internal/statsreport"
	"github.com/dockmon/server/internal/store"
	"github.com/dockmon/server/internal/update"
	"github.com/dockmon/server/internal/updatecheck"
	"github.com/dockmon/server/internal/vault"
)

var (
	version = "2.2.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := setupLogging(cfg)
	log.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("DockMon server starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Persistence and the credential vault.
	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer st.Close()

	masterKey, err := vault.LoadOrCreateMasterKey(cfg.VaultKeyPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load vault master key")
	}
	v, err := vault.New(masterKey)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize vault")
	}
	st.SetChannelCrypter(v)

	// The event bus is the one process-wide singleton; everything else is
	// constructor injected around it.
	bus := eventbus.New(log, st, nil)

	dispatcher := notify.New(5, 10, log)
	alertEngine := alerts.NewEngine(st, st, st, &alerts.ChannelNotifier{Channels: st, Dispatch: dispatcher}, time.Now, log)
	bus.SetAlertEvaluator(&alerts.EventBusAdapter{Engine: alertEngine})

	coord := coordinator.New(st, bus, coordinator.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		DegradedAfter:     cfg.DegradedAfter,
		OfflineAfter:      cfg.OfflineAfter,
		MaxPendingAge:     10 * time.Minute,
		ReconnectWait:     2 * time.Minute,
	}, log)

	engines := engine.New(log)

	updater := update.New(st, st, st, bus, engines, coord, bus, log)
	if cfg.ReleaseChecksumURL != "" {
		updater.SetReleaseChecksumURL(cfg.ReleaseChecksumURL)
	}

	deployer := deploy.New(st, st, st, bus, engines, coord, bus, log)

	lookup := fleet.NewLookup(st, engines, log)
	ops := containerops.New(st, st, st, engines, coord, updater, log)
	batchMgr := batch.New(st, lookup, ops, busEventEmitter{bus}, cfg.BatchPerHostConcurrency, log)

	hub := realtime.New(log)
	hub.BindBus(bus)

	statsClient := statsclient.New(cfg.StatsServiceURL, cfg.StatsServiceToken, nil)
	reporter := statsreport.New(st, statsClient, alertEngine, log)
	reporter.SetBroadcaster(hub)

	adapter := registry.New(storeCredentials{st}, log)
	checker := updatecheck.New(st, st, updatecheck.AdapterResolver{Adapter: adapter}, bus, cfg.AgentReleaseURL, log)

	sched := scheduler.New(nil, cfg.MinSleepInterval, log)
	registerJobs(sched, cfg, st, checker, log)

	go coord.Run(ctx)
	go sched.Run(ctx)
	go pollStats(ctx, reporter, cfg.StatsPollInterval)

	mux := http.NewServeMux()
	mux.Handle("/agent/ws", coord)
	mux.Handle("/ws", hub)
	registerAPI(mux, st, updater, deployer, batchMgr)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: recoverMiddleware(log, mux),
	}
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("HTTP/WebSocket server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server stopped with error")
			cancel()
		}
	}()

	bus.Emit(eventbus.Event{Type: eventbus.SystemStartup, Data: map[string]interface{}{"version": version}})

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig).Info("Received shutdown signal")
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	log.Info("Shutting down gracefully...")
	bus.Emit(eventbus.Event{Type: eventbus.SystemShutdown})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}
	cancel()
}

// busEventEmitter adapts the event bus to batch.Emitter's string-typed
// surface.
type busEventEmitter struct {
	bus *eventbus.Bus
}

func (b busEventEmitter) Emit(eventType string, data map[string]interface{}) {
	b.bus.Emit(eventbus.Event{Type: eventbus.Type(eventType), Data: data})
}

// storeCredentials adapts the store's registry-credential lookup to
// registry.CredentialLookup.
type storeCredentials struct {
	store *store.Store
}

func (s storeCredentials) CredentialsFor(ctx context.Context, registryHost string) (*registry.Credentials, bool, error) {
	username, password, ok, err := s.store.RegistryCredentialsFor(registryHost)
	if err != nil || !ok {
		return nil, false, err
	}
	return &registry.Credentials{Username: username, Password: password}, true, nil
}

// registerJobs wires C12's periodic jobs: the update-check sweep, the agent
// release check, and the two retention purges.
func registerJobs(sched *scheduler.Scheduler, cfg *config.Config, st *store.Store, checker *updatecheck.Checker, log *logrus.Logger) {
	offset := 0
	if settings, err := st.GetGlobalSettings(); err == nil {
		offset = settings.TimezoneOffsetMinutes
	} else {
		log.WithError(err).Warn("Reading global settings, scheduling jobs in UTC")
	}

	updateTarget, _ := time.Parse("15:04", cfg.UpdateCheckTime) // validated at config load
	purgeTarget, _ := time.Parse("15:04", "04:30")

	sched.AddJob(&scheduler.Job{
		Name: "update-check", TargetTime: updateTarget, TimezoneOffsetMinutes: offset,
		Run: func(ctx context.Context) {
			n := checker.CheckAll(ctx)
			log.WithField("newly_available", n).Info("Update-check sweep finished")
			checker.CheckAgentReleases(ctx)
		},
	})
	sched.AddJob(&scheduler.Job{
		Name: "purge-resolved-alerts", TargetTime: purgeTarget, TimezoneOffsetMinutes: offset,
		Run: func(ctx context.Context) {
			cutoff := time.Now().UTC().AddDate(0, 0, -cfg.AlertRetentionDays)
			n, err := st.PurgeResolvedAlertsOlderThan(cutoff.Format(time.RFC3339))
			if err != nil {
				log.WithError(err).Error("Purging resolved alerts")
				return
			}
			log.WithField("purged", n).Info("Purged resolved alerts")
		},
	})
	sched.AddJob(&scheduler.Job{
		Name: "purge-event-log", TargetTime: purgeTarget, TimezoneOffsetMinutes: offset,
		Run: func(ctx context.Context) {
			cutoff := time.Now().UTC().AddDate(0, 0, -cfg.EventRetentionDays)
			n, err := st.PurgeEventLogOlderThan(cutoff)
			if err != nil {
				log.WithError(err).Error("Purging event log")
				return
			}
			log.WithField("purged", n).Info("Purged cached events")
		},
	})
}

// pollStats feeds the stats sidecar's samples into the alert engine (and
// the UI hub) on a fixed cadence.
func pollStats(ctx context.Context, reporter *statsreport.Reporter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reporter.Poll(ctx)
		}
	}
}

// registerAPI mounts the thin JSON entry points the executors are driven
// through. The full typed API surface (auth, validation, the complete
// route set) lives above this binary; these handlers only translate a
// request body into the corresponding core call, the way the stats
// sidecar's own mux handlers do.
func registerAPI(mux *http.ServeMux, st *store.Store, updater *update.Executor, deployer *deploy.Executor, batchMgr *batch.Manager) {
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy", "version": version})
	})

	mux.HandleFunc("/api/batch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			Action       string                 `json:"action"`
			ContainerIDs []string               `json:"container_ids"`
			Params       map[string]interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		jobID, err := batchMgr.CreateJob(r.Context(), "system", domain.BatchAction(req.Action), req.ContainerIDs, req.Params)
		if err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
	})

	mux.HandleFunc("/api/deployments", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			HostID            string            `json:"host_id"`
			Name              string            `json:"name"`
			ComposeYAML       string            `json:"compose_yaml"`
			Environment       map[string]string `json:"environment"`
			Profiles          []string          `json:"profiles"`
			WaitForHealthy    bool              `json:"wait_for_healthy"`
			HealthTimeout     int               `json:"health_timeout"`
			RollbackOnFailure *bool             `json:"rollback_on_failure"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.HostID == "" || req.ComposeYAML == "" {
			httpError(w, http.StatusBadRequest, "host_id and compose_yaml are required")
			return
		}

		rollback := true
		if req.RollbackOnFailure != nil {
			rollback = *req.RollbackOnFailure
		}
		deploymentID := req.HostID + ":" + uuid.NewString()[:12]
		now := time.Now().UTC()
		d := &domain.Deployment{
			ID: deploymentID, HostID: req.HostID, DeploymentType: domain.DeploymentStack,
			Name: req.Name, Status: domain.DeployPlanning, Definition: []byte(req.ComposeYAML),
			StartedAt: &now, RollbackOnFailure: rollback,
		}
		if err := st.CreateDeployment(d); err != nil {
			httpError(w, http.StatusConflict, err.Error())
			return
		}

		go deployer.Deploy(context.Background(), deploy.Request{
			DeploymentID: deploymentID, HostID: req.HostID, ProjectName: req.Name,
			ComposeYAML: req.ComposeYAML, Environment: req.Environment, Profiles: req.Profiles,
			WaitForHealthy: req.WaitForHealthy, HealthTimeout: req.HealthTimeout,
			RollbackOnFailure: rollback,
		})

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"deployment_id": deploymentID})
	})

	mux.HandleFunc("/api/updates", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			HostID        string `json:"host_id"`
			ContainerID   string `json:"container_id"`
			ContainerName string `json:"container_name"`
			NewImage      string `json:"new_image"`
			StopTimeout   int    `json:"stop_timeout"`
			HealthTimeout int    `json:"health_timeout"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.HostID == "" || req.ContainerID == "" || req.NewImage == "" {
			httpError(w, http.StatusBadRequest, "host_id, container_id and new_image are required")
			return
		}

		go updater.UpdateContainer(context.Background(), update.Context{
			HostID: req.HostID, ContainerID: req.ContainerID, ContainerName: req.ContainerName,
			NewImage: req.NewImage, StopTimeout: req.StopTimeout, HealthTimeout: req.HealthTimeout,
		})

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "started"})
	})
}

func httpError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// recoverMiddleware guards the HTTP/WS layer: a panicking handler logs and
// returns 500 instead of crashing the process.
func recoverMiddleware(log *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithFields(logrus.Fields{"panic": rec, "path": r.URL.Path}).Error("Handler panicked")
				httpError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// setupLogging configures the logger based on config.
func setupLogging(cfg *config.Config) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.LogJSON {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return log
}
