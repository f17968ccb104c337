package poller

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"meterwatch/internal/fetch"
	"meterwatch/internal/meter"
	"meterwatch/internal/store"
	"meterwatch/pkg/logx"
)

// Deps are the poller's injected collaborators. Fetcher and Parser are
// required; everything else has a safe default or may be nil.
type Deps struct {
	Fetcher fetch.Fetcher
	Parser  meter.Parser
	Store   store.Store // nil means storage disabled
	Log     logx.Logger

	Clock   func() time.Time // defaults to time.Now
	RandInt func(n int) int  // jitter source, defaults to math/rand

	OnChange  func(Status) // fires after each accepted material change
	OnFailure func(Status) // fires after each failed cycle
}

// Service runs the scrape-reconcile-sleep loop. It is the only writer
// of the reconciliation state and the published Status; Snapshot() is
// safe to call concurrently from the HTTP layer.
type Service struct {
	mu sync.Mutex

	cfg  Config
	deps Deps
	log  logx.Logger

	eng    engine
	sched  schedState
	status Status

	consecutiveFailures int
	lastSuccessAt       *time.Time

	cronParser cron.Parser
	cr         *cron.Cron

	probeKick chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func New(cfg Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.RandInt == nil {
		deps.RandInt = rand.Intn
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "poller"))

	return &Service{
		cfg:        normalize(cfg),
		deps:       deps,
		log:        log,
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		probeKick:  make(chan struct{}, 1),
		sched:      schedState{mode: ModeIdle},
		status:     Status{Stale: true, Mode: ModeIdle, LastError: "not scraped yet"},
	}
}

// Start loads the persisted reading (startup recovery), publishes the
// initial status, and launches the loop. The first scrape runs
// immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	cfg := s.cfg
	s.mu.Unlock()

	s.recoverLastGood(ctx)

	if err := s.startCron(cfg.ProbeSchedule); err != nil {
		return err
	}

	go s.run(ctx)
	s.log.Info("poller started",
		logx.Duration("idle_poll", cfg.IdlePoll),
		logx.Duration("probe_after", cfg.ProbeAfter),
		logx.Duration("probe_poll", cfg.ProbePoll),
		logx.Duration("probe_max", cfg.ProbeMax),
		logx.Duration("min_poll", cfg.MinPoll),
		logx.Duration("jitter", cfg.Jitter))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.stopCh = nil
	cr := s.cr
	s.cr = nil
	s.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
	}
	s.log.Info("poller stopped")
}

// Apply updates the configuration at runtime. Interval changes take
// effect at the next delay computation; a probe schedule change
// restarts the cron trigger.
func (s *Service) Apply(cfg Config) {
	cfg = normalize(cfg)

	s.mu.Lock()
	oldSchedule := s.cfg.ProbeSchedule
	running := s.stopCh != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && !strings.EqualFold(strings.TrimSpace(oldSchedule), strings.TrimSpace(cfg.ProbeSchedule)) {
		s.mu.Lock()
		cr := s.cr
		s.cr = nil
		s.mu.Unlock()
		if cr != nil {
			<-cr.Stop().Done()
		}
		if err := s.startCron(cfg.ProbeSchedule); err != nil {
			s.log.Warn("invalid probe schedule, trigger disabled", logx.Err(err))
		}
	}
	s.log.Info("poller config applied")
}

// Snapshot returns the current status. Safe for concurrent use.
func (s *Service) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RunOnce executes a single fetch-parse-reconcile cycle and returns the
// resulting status. Used by the `once` diagnostic command. The persisted
// reading is loaded first so the cycle reconciles against it instead of
// treating the scrape as the first ever reading.
func (s *Service) RunOnce(ctx context.Context) Status {
	s.mu.Lock()
	seeded := s.eng.lastGood != nil || s.eng.seenAny
	s.mu.Unlock()
	if !seeded {
		s.recoverLastGood(ctx)
	}
	s.cycle(ctx)
	return s.Snapshot()
}

// recoverLastGood seeds the reconciliation engine and the published
// status from the persisted reading, if any.
func (s *Service) recoverLastGood(ctx context.Context) {
	if s.deps.Store == nil {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	lg, err := s.deps.Store.LoadLastGood(loadCtx)
	cancel()
	if err != nil {
		s.log.Warn("loading persisted reading failed", logx.Err(err))
		return
	}
	if lg == nil {
		return
	}

	s.mu.Lock()
	s.eng.lastGood = lg
	// Seed change detection so an unchanged portal reading after
	// a restart does not fire a change notification.
	s.eng.seenAny = true
	s.eng.lastSeenObservedAt = copyTime(lg.ObservedAt)
	s.eng.lastSeenReading = lg.Reading
	// No cycle has run yet, so this is not an error state: the
	// recovered reading is served as healthy-but-stale.
	s.status = s.buildStatusLocked(Status{Stale: true})
	s.mu.Unlock()

	s.log.Info("recovered persisted reading",
		logx.Float64("reading_m3", lg.Reading),
		logx.Time("updated_at", lg.UpdatedAt))
}

func (s *Service) startCron(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	cr := cron.New(cron.WithParser(s.cronParser))
	_, err := cr.AddFunc(spec, func() {
		select {
		case s.probeKick <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	cr.Start()

	s.mu.Lock()
	s.cr = cr
	s.mu.Unlock()
	s.log.Info("probe schedule armed", logx.String("spec", spec))
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.doneCh)

	for {
		delay := s.cycle(ctx)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopped():
			timer.Stop()
			return
		case <-s.probeKick:
			timer.Stop()
			now := s.deps.Clock()
			s.mu.Lock()
			s.sched.forceProbe(now)
			s.mu.Unlock()
			s.log.Info("probe schedule fired, probing now")
		case <-timer.C:
		}
	}
}

func (s *Service) stopped() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return s.stopCh
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// cycle runs one scrape, reconciles it, publishes the new status and
// returns the next delay. This is the single suspension-free writer of
// all poller state.
func (s *Service) cycle(ctx context.Context) time.Duration {
	obs := s.observe(ctx)
	now := s.deps.Clock()

	s.mu.Lock()
	cfg := s.cfg

	var (
		outcome  reconcileOutcome
		toSave   *meter.LastGood
		toRecord *store.HistoryEntry
	)

	next := Status{ScrapedAt: &now}

	if obs.Err != nil {
		s.consecutiveFailures++
		next.LastError = obs.Err.Error()
		next.Stale = true
		next.Raw = obs.Raw // non-empty when the fetch worked but parsing failed
	} else {
		outcome = s.eng.reconcile(cfg, *obs.Reading, now)
		switch {
		case outcome.Accepted:
			s.consecutiveFailures = 0
			s.lastSuccessAt = &now
			next.Stale = false
			next.Raw = obs.Raw
			lg := *s.eng.lastGood
			toSave = &lg
			if outcome.Changed {
				toRecord = &store.HistoryEntry{
					Reading:    lg.Reading,
					ObservedAt: copyTime(lg.ObservedAt),
					AcceptedAt: now,
				}
			}
		case outcome.Rejected:
			// Silent discard: the exposed value keeps mirroring LastGood.
			next.Stale = true
			next.Raw = obs.Raw
		}
	}

	s.sched.advance(cfg, now, outcome.Changed)
	delay := computeDelay(cfg, s.sched.mode, s.consecutiveFailures, s.deps.RandInt)
	next.NextPollInSeconds = int(delay / time.Second)

	s.status = s.buildStatusLocked(next)
	published := s.status
	s.mu.Unlock()

	// Side effects happen outside the lock: none of them may stall or
	// break the loop.
	switch {
	case obs.Err != nil:
		s.log.Warn("scrape failed",
			logx.Err(obs.Err),
			logx.Int("consecutive_failures", published.ConsecutiveFailures),
			logx.Duration("next_poll", delay))
		if s.deps.OnFailure != nil {
			s.deps.OnFailure(published)
		}
	case outcome.Rejected:
		s.log.Warn("reading rejected, decrease beyond tolerance",
			logx.Float64("observed_m3", obs.Reading.M3),
			logx.Float64("kept_m3", derefFloat(published.Reading)))
	case outcome.Changed:
		s.log.Info("new reading accepted",
			logx.Float64("reading_m3", derefFloat(published.Reading)),
			logx.Duration("next_poll", delay))
	default:
		s.log.Debug("reading unchanged", logx.Duration("next_poll", delay))
	}

	if toSave != nil && s.deps.Store != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.deps.Store.SaveLastGood(saveCtx, *toSave); err != nil {
			// Non-fatal: memory stays correct, the next accepted change
			// retries the write.
			s.log.Warn("persisting reading failed", logx.Err(err))
		}
		if toRecord != nil {
			if err := s.deps.Store.AppendReading(saveCtx, *toRecord); err != nil {
				s.log.Warn("appending history failed", logx.Err(err))
			}
		}
		cancel()
	}

	if outcome.Changed && s.deps.OnChange != nil {
		s.deps.OnChange(published)
	}

	return delay
}

// observe performs fetch + parse and never panics or hangs: both
// collaborators are bounded by their own timeouts.
func (s *Service) observe(ctx context.Context) Observation {
	raw, err := s.deps.Fetcher.Fetch(ctx)
	if err != nil {
		return Observation{Err: err}
	}
	r, err := s.deps.Parser.Parse(raw)
	if err != nil {
		return Observation{Err: err, Raw: raw}
	}
	return Observation{Reading: &r, Raw: raw}
}

// buildStatusLocked fills the fields derived from reconciliation state
// into a partially built status. Callers hold s.mu.
func (s *Service) buildStatusLocked(next Status) Status {
	next.Mode = s.sched.mode
	next.ConsecutiveFailures = s.consecutiveFailures
	next.LastSuccessAt = s.lastSuccessAt

	lg := s.eng.lastGood
	keep := next.LastError == "" || s.cfg.KeepLastOnError
	if lg != nil && keep {
		next.Healthy = true
		v := lg.Reading
		next.Reading = &v
		next.ObservedAt = copyTime(lg.ObservedAt)
	}
	return next
}

func derefFloat(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
