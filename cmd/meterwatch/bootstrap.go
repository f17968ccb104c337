package main

import (
	"fmt"
	"time"

	"meterwatch/internal/config"
	"meterwatch/internal/fetch"
	"meterwatch/internal/httpapi"
	"meterwatch/internal/notify"
	"meterwatch/internal/poller"
	"meterwatch/internal/store"
	"meterwatch/pkg/logx"
)

// Mapping from the file config to the per-component configs. The
// components take resolved values (durations, locations) so all string
// parsing fails here, at startup, with a field path in the error.

func logxConfigFrom(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func pollerConfigFrom(cfg *config.Config) poller.Config {
	p := cfg.Poll
	return poller.Config{
		IdlePoll:   time.Duration(p.IdlePollSeconds) * time.Second,
		ProbeAfter: time.Duration(p.ProbeAfterMinutes) * time.Minute,
		ProbePoll:  time.Duration(p.ProbePollSeconds) * time.Second,
		ProbeMax:   time.Duration(p.ProbeMaxMinutes) * time.Minute,
		MinPoll:    time.Duration(p.MinPollSeconds) * time.Second,
		Jitter:     time.Duration(p.JitterSeconds) * time.Second,

		KeepLastOnError:     p.KeepLast(),
		AllowDecrease:       p.AllowDecrease,
		DecreaseToleranceM3: p.DecreaseToleranceM3,
		ProbeSchedule:       p.ProbeSchedule,
	}
}

func fetchConfigFrom(cfg *config.Config) (fetch.Config, error) {
	timeout, err := config.ParseDurationField("fetcher.timeout", cfg.Fetcher.Timeout)
	if err != nil {
		return fetch.Config{}, err
	}
	return fetch.Config{
		Driver:  cfg.Fetcher.Driver,
		Timeout: timeout,
		Credentials: fetch.Credentials{
			Email:    cfg.Credentials.Email,
			Password: cfg.Credentials.Password,
		},
		Command: cfg.Fetcher.Command,
		URL:     cfg.Fetcher.URL,
	}, nil
}

func storeConfigFrom(cfg *config.Config) (store.Config, error) {
	if cfg.Storage == nil {
		return store.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func httpConfigFrom(cfg *config.Config) (httpapi.Config, error) {
	read, err := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationField("http.idle_timeout", cfg.HTTP.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         cfg.HTTP.Addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func notifyConfigFrom(cfg *config.Config) notify.Config {
	if cfg.Notify == nil {
		return notify.Config{}
	}
	return notify.Config{
		Enabled:          cfg.Notify.Enabled,
		Token:            cfg.Notify.Token,
		ChatID:           cfg.Notify.ChatID,
		FailureThreshold: cfg.Notify.FailureThreshold,
		RatePerMin:       cfg.Notify.RatePerMin,
	}
}

// parserLocation resolves poll.timezone. The portal prints naive local
// timestamps, so this decides what instant "kl. 06.30" means.
func parserLocation(cfg *config.Config) (*time.Location, error) {
	tz := cfg.Poll.Timezone
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("poll.timezone: %w", err)
	}
	return loc, nil
}
