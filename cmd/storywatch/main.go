// Command storywatch polls a mailbox for fanfiction update links, fetches
// and integrates each one into a Calibre library, and keeps retrying
// transient failures until they succeed or exhaust policy. See spec.md
// for the full task contract; this file only wires components together.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/storywatch/internal/activeset"
	"github.com/agentworkforce/storywatch/internal/config"
	"github.com/agentworkforce/storywatch/internal/configwatch"
	"github.com/agentworkforce/storywatch/internal/coordinator"
	"github.com/agentworkforce/storywatch/internal/delay"
	"github.com/agentworkforce/storywatch/internal/emailsource"
	"github.com/agentworkforce/storywatch/internal/fetcherclient"
	"github.com/agentworkforce/storywatch/internal/health"
	"github.com/agentworkforce/storywatch/internal/libraryclient"
	"github.com/agentworkforce/storywatch/internal/logging"
	"github.com/agentworkforce/storywatch/internal/maintenance"
	"github.com/agentworkforce/storywatch/internal/model"
	"github.com/agentworkforce/storywatch/internal/notify"
	"github.com/agentworkforce/storywatch/internal/overrides"
	"github.com/agentworkforce/storywatch/internal/persistence"
	"github.com/agentworkforce/storywatch/internal/retrypolicy"
	"github.com/agentworkforce/storywatch/internal/runtime"
	"github.com/agentworkforce/storywatch/internal/worker"
)

// defaultWorkerCount is the size of the SiteWorker pool. Nothing in
// config.toml names a worker count (spec.md §6 only bounds per-site
// retry and runtime behavior), so this is a fixed pool sized generously
// above any realistic number of concurrently active fanfiction sites;
// Coordinator's domain-locking means excess workers simply sit idle.
const defaultWorkerCount = 8

func main() {
	configPath := flag.String("config", envOrDefault("STORYWATCH_CONFIG", "config.toml"), "path to config.toml")
	verbose := flag.Bool("verbose", boolEnv("VERBOSE", false), "enable debug-level logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storywatch: %v\n", err)
		os.Exit(1)
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	log, err := logging.New(false, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storywatch: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	overr, err := overrides.Load(cfg.Overrides.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storywatch: load overrides: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, overr, log); err != nil {
		log.Errorw("storywatch exiting with error", "err", err)
		os.Exit(2)
	}
}

func run(cfg config.Config, overr *overrides.Set, log *logging.Logger) error {
	activeStore, err := persistence.BuildActiveSetStore(cfg.Persistence.ActiveSetDSN)
	if err != nil {
		return fmt.Errorf("build active set store: %w", err)
	}
	active := activeset.New(activeStore)
	recovered, err := active.Recover()
	if err != nil {
		return fmt.Errorf("recover active set: %w", err)
	}
	if len(recovered) > 0 {
		log.Warnw("active set recovered stale in-flight identities from previous run; not re-offered to coordinator", "count", len(recovered))
	}

	delayStore, err := persistence.BuildDelayStore(cfg.Persistence.DelayDSN)
	if err != nil {
		return fmt.Errorf("build delay store: %w", err)
	}

	coord := coordinator.New(active, log.Named("coordinator"), 0)
	delaySink := make(chan model.Story)
	go func() {
		for story := range delaySink {
			coord.Ingress() <- coordinator.Arrival{Story: story}
		}
	}()
	sched := delay.NewWithStore(delaySink, delay.RealClock, log.Named("delay"), delayStore)
	if err := sched.Recover(); err != nil {
		return fmt.Errorf("recover delay scheduler: %w", err)
	}

	var mirror *persistence.IngressMirror
	if cfg.GCPPubSub.Enabled {
		mirror, err = persistence.NewIngressMirror(context.Background(), cfg.GCPPubSub.ProjectID, cfg.GCPPubSub.TopicID, log.Named("ingressmirror"))
		if err != nil {
			return fmt.Errorf("build gcppubsub ingress mirror: %w", err)
		}
		defer mirror.Close()
		coord.SetMirror(mirror)
	}

	notifier := notify.New(notify.Options{
		URLs:   cfg.Notifications.URLs,
		Logger: stdlibLogAdapter{log: log.Named("notify")},
	})

	imapClient := emailsource.NewIMAPClient(cfg.Email.Server, cfg.Email.Email, cfg.Email.Password, cfg.Email.Mailbox)
	source := emailsource.New(
		imapClient,
		active,
		sched,
		coord.Ingress(),
		notifier,
		cfg.Email.DisabledSites,
		time.Duration(cfg.Email.SleepTime*float64(time.Second)),
		log.Named("emailsource"),
	)

	fetcher := fetcherclient.New(cfg.Fetcher.BinaryPath)
	libClient := libraryclient.New(cfg.Library.BinaryPath, cfg.Library.Path, cfg.Library.Username, cfg.Library.Password)
	integrationMode := libraryclient.Mode(cfg.Library.MetadataPreservationMode)

	retryCfg := retrypolicy.Config{
		MaxNormalRetries:      cfg.Retry.MaxNormalRetries,
		FinalAttemptEnabled:   cfg.Retry.FinalAttemptEnabled,
		FinalAttemptWaitHours: cfg.Retry.FinalAttemptWaitHours,
	}
	updateMethod := retrypolicy.UpdateMethod(cfg.Library.UpdateMethod)

	rt := runtime.New(cfg.Runtime, log.Named("runtime"))

	if err := rt.Register("emailsource", func(ctx context.Context) error {
		source.Run(ctx)
		return nil
	}); err != nil {
		return err
	}
	if err := rt.Register("coordinator", func(ctx context.Context) error {
		coord.Run(ctx)
		return nil
	}); err != nil {
		return err
	}

	scratchBase := os.TempDir()
	for i := 0; i < defaultWorkerCount; i++ {
		id := "worker-" + strconv.Itoa(i)
		w := worker.New(worker.Options{
			ID:      id,
			Coord:   coord,
			Active:  active,
			Delay:   sched,
			Fetcher: fetcher,
			Library: libClient,
			Integrate: func(ctx context.Context, libraryID, scratchDir string) (string, error) {
				return libraryclient.Integrate(ctx, libClient, integrationMode, libraryID, scratchDir)
			},
			Scratch:   &worker.DirScratchAllocator{Base: scratchBase},
			Notify:    notifier,
			Overrides: overr,
			Retry:     retryCfg,
			Method:    updateMethod,
			Log:       log.Named(id),
		})
		if err := rt.Register(id, func(ctx context.Context) error {
			w.Run(ctx)
			return nil
		}); err != nil {
			return err
		}
	}

	if err := rt.Register("delayscheduler", func(ctx context.Context) error {
		<-ctx.Done()
		sched.Cancel()
		return nil
	}); err != nil {
		return err
	}

	var maintSched *maintenance.Scheduler
	if cfg.Maintenance.Enabled {
		sweep := maintenance.New(active, coord, sched, log.Named("maintenance"))
		maintSched, err = maintenance.NewScheduler(sweep, cfg.Maintenance.Cron)
		if err != nil {
			return fmt.Errorf("build maintenance scheduler: %w", err)
		}
	}

	var healthSrv *http.Server
	if cfg.Health.Enabled {
		metrics := health.InitMetrics()
		srv := health.New(func() any { return rt.Health() })
		healthSrv = &http.Server{Addr: cfg.Health.Addr, Handler: srv}
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("health server stopped unexpectedly", "err", err)
			}
		}()

		interval := time.Duration(cfg.Runtime.HealthCheckInterval * float64(time.Second))
		if err := rt.Register("metrics", func(ctx context.Context) error {
			driveMetrics(ctx, interval, metrics, rt, active, sched)
			return nil
		}); err != nil {
			return err
		}
	}

	watchDone := make(chan struct{})
	var watcher *configwatch.Watcher
	if resolvedPath := strings.TrimSpace(flagConfigPath()); resolvedPath != "" {
		watcher, err = configwatch.New(resolvedPath, log.Named("configwatch"), nil)
		if err != nil {
			log.Warnw("failed to start config watcher, continuing without it", "err", err)
			watcher = nil
		}
	}
	if watcher != nil {
		go watcher.Run(watchDone)
	}

	if maintSched != nil {
		maintSched.Start()
	}

	rt.Run(context.Background())

	close(watchDone)
	if maintSched != nil {
		maintSched.Stop()
	}
	if healthSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// flagConfigPath re-reads the --config value after flag.Parse has already
// run once in main; flag.Lookup is used here rather than threading the
// path through run's signature, since only configwatch needs it.
func flagConfigPath() string {
	if f := flag.Lookup("config"); f != nil {
		return f.Value.String()
	}
	return ""
}

// driveMetrics keeps the process-wide gauges current on the same cadence
// TaskRuntime uses for its own health checks, so /metrics never freezes at
// its startup values.
func driveMetrics(ctx context.Context, interval time.Duration, m *health.Metrics, rt *runtime.Runtime, active *activeset.ActiveSet, sched *delay.Scheduler) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	update := func() {
		var running, crashed int
		for _, snap := range rt.Health() {
			switch snap.State {
			case runtime.StateRunning:
				running++
			case runtime.StateCrashed:
				crashed++
			}
		}
		m.TasksRunning.Set(float64(running))
		m.TasksCrashed.Set(float64(crashed))
		m.ActiveSetSize.Set(float64(active.Len()))
		m.DelayPending.Set(float64(sched.Pending()))
	}

	update()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

func envOrDefault(name, fallback string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	return v
}

func boolEnv(name string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// stdlibLogAdapter satisfies notify.Logger (a single Printf method, the
// teacher's own minimal logging seam) on top of the zap-backed Logger
// used everywhere else.
type stdlibLogAdapter struct {
	log *logging.Logger
}

func (a stdlibLogAdapter) Printf(format string, args ...any) {
	a.log.Infof(format, args...)
}
