package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"meterwatch/internal/config"
	"meterwatch/internal/fetch"
	"meterwatch/internal/meter"
	"meterwatch/internal/poller"
	"meterwatch/internal/store"
	"meterwatch/pkg/logx"
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Scrape once, print the resulting state as JSON, and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnce()
	},
}

func runOnce() error {
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

	// Logs go to stderr here so stdout stays parseable JSON.
	log := logx.NewConsoleStderr(cfg.Logging.Level)

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

	pol := poller.New(pollerConfigFrom(cfg), poller.Deps{
		Fetcher: fetcher,
		Parser:  meter.NewTextParser(loc),
		Store:   st,
		Log:     log,
	})

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	status := pol.RunOnce(runCtx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return err
	}
	if status.LastError != "" {
		return errors.New(status.LastError)
	}
	return nil
}
