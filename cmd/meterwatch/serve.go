package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"meterwatch/internal/config"
	"meterwatch/internal/fetch"
	"meterwatch/internal/httpapi"
	"meterwatch/internal/meter"
	"meterwatch/internal/notify"
	"meterwatch/internal/poller"
	"meterwatch/internal/store"
	"meterwatch/pkg/logx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the polling daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logSvc, log := logx.New(logxConfigFrom(cfg))
	defer logSvc.Close()
	log = log.With(logx.String("svc", "meterwatch"))
	log.Info("starting", logx.String("version", version), logx.String("config", cfgPath))

	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	storeCfg, err := storeConfigFrom(cfg)
	if err != nil {
		return err
	}
	st, err := store.Open(storeCfg, log)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	fetchCfg, err := fetchConfigFrom(cfg)
	if err != nil {
		return err
	}
	fetcher, err := fetch.New(fetchCfg, log)
	if err != nil {
		return err
	}

	loc, err := parserLocation(cfg)
	if err != nil {
		return err
	}

	notifier, err := notify.New(notifyConfigFrom(cfg), log)
	if err != nil {
		return err
	}

	pol := poller.New(pollerConfigFrom(cfg), poller.Deps{
		Fetcher:   fetcher,
		Parser:    meter.NewTextParser(loc),
		Store:     st,
		Log:       log,
		OnChange:  notifier.HandleChange,
		OnFailure: notifier.HandleFailure,
	})

	httpCfg, err := httpConfigFrom(cfg)
	if err != nil {
		return err
	}
	srv := httpapi.NewServer(httpCfg, httpapi.Deps{
		Status: pol.Snapshot,
		Store:  st,
		Log:    log,
	})

	if err := pol.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return mgr.Watch(gctx) })
	g.Go(func() error { return applyConfigUpdates(gctx, mgr, logSvc, pol, log) })
	g.Go(func() error { return notifySystemd(gctx, log) })

	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pol.Stop(stopCtx)
	cancel()
	log.Info("stopped")
	return err
}

// applyConfigUpdates pushes validated file changes into the running
// services. Credentials and fetcher changes need a restart; everything
// else applies live.
func applyConfigUpdates(ctx context.Context, mgr *config.Manager, logSvc *logx.Service, pol *poller.Service, log logx.Logger) error {
	ch := mgr.Subscribe(1)
	defer mgr.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-ch:
			if !ok {
				return nil
			}
			logSvc.Apply(logxConfigFrom(cfg))
			pol.Apply(pollerConfigFrom(cfg))
			log.Info("config applied", logx.Int("idle_poll_seconds", cfg.Poll.IdlePollSeconds))
		}
	}
}

// notifySystemd sends READY=1 and keeps the watchdog fed when the unit
// enables one. Outside systemd both calls are no-ops.
func notifySystemd(ctx context.Context, log logx.Logger) error {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		log.Debug("sd_notify ready")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		<-ctx.Done()
		return nil
	}

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			return nil
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
