// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command dispatcherd is the composition root for the dispatch subsystem
// (spec §9): it wires the store, the HTTP API, the worker pool, and the
// background schedulers into one process and runs them until signaled to
// shut down. Nothing here is a singleton — every collaborator is built once,
// by value, and handed to whatever needs it.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/soraflow/dispatcher/internal/api"
	"github.com/soraflow/dispatcher/internal/api/handlers"
	"github.com/soraflow/dispatcher/internal/auth"
	"github.com/soraflow/dispatcher/internal/config"
	"github.com/soraflow/dispatcher/internal/dispatch"
	"github.com/soraflow/dispatcher/internal/dispatcherlog"
	"github.com/soraflow/dispatcher/internal/eventlog"
	"github.com/soraflow/dispatcher/internal/jobrunner"
	"github.com/soraflow/dispatcher/internal/model"
	"github.com/soraflow/dispatcher/internal/quota"
	"github.com/soraflow/dispatcher/internal/ratelimit"
	"github.com/soraflow/dispatcher/internal/scheduler"
	"github.com/soraflow/dispatcher/internal/store"
	"github.com/soraflow/dispatcher/internal/upstream"
	"github.com/soraflow/dispatcher/internal/worker"
)

func main() {
	env, err := config.Load()
	if err != nil {
		dispatcherlog.L().Fatal().Err(err).Msg("dispatcherd: failed to load environment")
	}
	dispatcherlog.Configure(dispatcherlog.Config{
		Level:   env.LogLevel,
		Output:  os.Stdout,
		Service: "dispatcherd",
	})

	if err := run(env); err != nil {
		dispatcherlog.L().Fatal().Err(err).Msg("dispatcherd: exited with error")
	}
}

func run(env config.Env) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(env.DBPath, store.DefaultConfig())
	if err != nil {
		return err
	}
	defer st.Close()

	overlay := config.NewOverlay(st, env)
	settings, err := overlay.Load(ctx)
	if err != nil {
		return err
	}
	retain := store.DefaultRetentionConfig()

	// The event bus and the quota notifier get no Redis client: no Redis
	// endpoint is read here, so eventlog.Service serves streams from its
	// pollLoop.
	events := eventlog.New(st, nil, settings.Logging.LogMaskMode, retain)
	quotaNotifier := eventlog.NewQuotaNotifier(nil)
	quotaTracker := quota.New(st, quotaNotifier, settings.Logging.LogMaskMode, retain)

	issuer := auth.NewIssuer(env.SecretKey, time.Duration(settings.Auth.AccessTokenExpireMinutes)*time.Minute)
	limiter := ratelimit.New(ratelimit.Config{
		GlobalRate:  100,
		GlobalBurst: 200,
		PerIPRate:   10,
		PerIPBurst:  20,
		TransportRates: map[string]rate.Limit{
			"proxied-api": 2,
			"in-browser":  1,
			"api":         20,
		},
		TransportBurst: map[string]int{
			"proxied-api": 4,
			"in-browser":  2,
			"api":         40,
		},
		CleanupInterval: 5 * time.Minute,
	})

	dispatcher := dispatch.New(st)
	fakeUpstream := upstream.NewFake()
	runner := jobrunner.New(st, dispatcher, fakeUpstream, fakeUpstream.AsUpstreamClient(), fakeUpstream, func() jobrunner.Config {
		s, _ := overlay.Load(ctx)
		return jobrunner.Config{
			Dispatch:    model.AccountDispatchSettings{},
			Sora:        s.Sora,
			Watermark:   model.WatermarkSettings{},
			LogMaskMode: s.Logging.LogMaskMode,
			Retention:   retain,
		}
	}).WithQuota(quotaTracker)

	pool := worker.New(st, runner, noopNurtureRunner{}, func() worker.Config {
		s, _ := overlay.Load(ctx)
		return worker.Config{
			JobMaxConcurrency:   s.Sora.JobMaxConcurrency,
			JobLeaseSeconds:     120,
			NurtureLeaseSeconds: 300,
			ClaimPollInterval:   time.Second,
			StaleSweepInterval:  30 * time.Second,
		}
	}, "")

	scanScheduler := scheduler.NewScanScheduler(st, noopScanner{}, func() model.ScanSchedulerSettings {
		e, _ := overlay.ScanSchedulerEnvelope(ctx)
		return e.Data
	}, pool.Owner(), settings.Scan.DefaultGroupTitle, settings.Logging.LogMaskMode, retain)

	recoveryScheduler := scheduler.NewRecoveryScheduler(st, noopScanner{}, func() model.RecoverySettings {
		return model.RecoverySettings{Enabled: false}
	}, pool.Owner(), settings.Logging.LogMaskMode, retain)

	// ScanSchedulerSettings is clock-slot driven (Times []string), not an
	// interval, so the selftest freshness window uses NewAdminSelftest's own
	// default rather than deriving one from settings.
	router := api.NewRouter(api.Dependencies{
		Jobs:           handlers.NewJobs(st),
		Auth:           handlers.NewAuth(st, issuer),
		AdminLogs:      handlers.NewAdminLogs(events),
		AdminSettings:  handlers.NewAdminSettings(overlay),
		AdminSelftest:  handlers.NewAdminSelftest(st, 0),
		Issuer:         issuer,
		RateLimiter:    limiter,
		AllowedOrigins: env.CORSAllowedOrigins(),
	})

	httpServer := &http.Server{
		Addr:              settings.Server.Host + ":" + strconv.Itoa(settings.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return scanScheduler.Run(gctx) })
	g.Go(func() error { return recoveryScheduler.Run(gctx) })
	g.Go(func() error {
		dispatcherlog.L().Info().Str("addr", httpServer.Addr).Msg("dispatcherd: listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		pool.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// noopNurtureRunner is the placeholder NurtureBatch executor: the spec
// explicitly leaves per-batch nurture workflow out of scope (spec §3), but
// WorkerPool still needs something to run under a claimed batch's lease.
type noopNurtureRunner struct{}

func (noopNurtureRunner) Run(ctx context.Context, batchID int64) error { return nil }

// noopScanner is the placeholder upstream.SessionScanner: a real scan pass
// drives an actual ixbrowser automation stack, which lives outside this
// module's scope (internal/upstream only owns the interface and a
// deterministic test fake — see internal/upstream/fake.go).
type noopScanner struct{}

func (noopScanner) Scan(ctx context.Context, groupTitle string) ([]upstream.ScanObservation, error) {
	return nil, nil
}
