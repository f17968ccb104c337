package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meterwatch/internal/meter"
	"meterwatch/internal/store"
	"meterwatch/pkg/logx"
)

type fetchFunc func(ctx context.Context) (string, error)

func (f fetchFunc) Fetch(ctx context.Context) (string, error) { return f(ctx) }

// scriptFetcher returns its entries in order, repeating the last one.
type scriptFetcher struct {
	mu   sync.Mutex
	outs []string
	errs []error
	i    int
}

func (f *scriptFetcher) Fetch(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.i
	if i >= len(f.outs) {
		i = len(f.outs) - 1
	}
	f.i++
	return f.outs[i], f.errs[i]
}

type memStore struct {
	mu       sync.Mutex
	lastGood *meter.LastGood
	history  []store.HistoryEntry
	saveErr  error
}

func (m *memStore) LoadLastGood(context.Context) (*meter.LastGood, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastGood == nil {
		return nil, nil
	}
	cp := *m.lastGood
	return &cp, nil
}

func (m *memStore) SaveLastGood(_ context.Context, lg meter.LastGood) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.lastGood = &lg
	return nil
}

func (m *memStore) AppendReading(_ context.Context, e store.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, e)
	return nil
}

func (m *memStore) RecentReadings(_ context.Context, limit int) ([]store.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]store.HistoryEntry(nil), m.history...)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func newTestService(cfg Config, f interface {
	Fetch(context.Context) (string, error)
}, st store.Store) *Service {
	return New(cfg, Deps{
		Fetcher: f,
		Parser:  meter.NewTextParser(time.UTC),
		Store:   st,
		Log:     logx.Nop(),
		RandInt: zeroRand,
	})
}

func TestFailureResilienceKeepsLastGood(t *testing.T) {
	cfg := testCfg()
	cfg.KeepLastOnError = true

	f := &scriptFetcher{
		outs: []string{"aflæst til: 442,675 kl. 7.30, d. 28.02.2026", ""},
		errs: []error{nil, errors.New("portal down")},
	}
	s := newTestService(cfg, f, nil)
	ctx := context.Background()

	s.cycle(ctx)
	st := s.Snapshot()
	if !st.Healthy || st.Reading == nil || *st.Reading != 442.675 {
		t.Fatalf("unexpected status after accept: %+v", st)
	}

	for n := 1; n <= 5; n++ {
		s.cycle(ctx)
		st = s.Snapshot()
		if !st.Healthy {
			t.Fatalf("failure %d: healthy = false with keep_last_on_error", n)
		}
		if st.Reading == nil || *st.Reading != 442.675 {
			t.Fatalf("failure %d: reading = %v, want 442.675", n, st.Reading)
		}
		if st.ConsecutiveFailures != n {
			t.Fatalf("failure %d: consecutive_failures = %d", n, st.ConsecutiveFailures)
		}
		if !st.Stale {
			t.Fatalf("failure %d: stale = false", n)
		}
		if st.LastError == "" {
			t.Fatalf("failure %d: last_error empty", n)
		}
	}
}

func TestFailureWithoutKeepLast(t *testing.T) {
	cfg := testCfg()
	cfg.KeepLastOnError = false

	f := &scriptFetcher{
		outs: []string{"aflæst til: 100,000", ""},
		errs: []error{nil, errors.New("portal down")},
	}
	s := newTestService(cfg, f, nil)
	ctx := context.Background()

	s.cycle(ctx)
	s.cycle(ctx)
	st := s.Snapshot()
	if st.Healthy {
		t.Fatal("healthy = true after failure with keep_last_on_error disabled")
	}
	if st.Reading != nil {
		t.Fatalf("reading = %v, want absent", *st.Reading)
	}

	// Recovery: the next good scrape restores the status.
	f.mu.Lock()
	f.outs = append(f.outs, "aflæst til: 100,250")
	f.errs = append(f.errs, nil)
	f.mu.Unlock()
	s.cycle(ctx)
	st = s.Snapshot()
	if !st.Healthy || st.Reading == nil || *st.Reading != 100.250 {
		t.Fatalf("unexpected status after recovery: %+v", st)
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive_failures = %d after recovery", st.ConsecutiveFailures)
	}
}

func TestRejectedDecreaseKeepsExposedValue(t *testing.T) {
	cfg := testCfg()

	f := &scriptFetcher{
		outs: []string{"aflæst til: 100,000", "aflæst til: 50,000"},
		errs: []error{nil, nil},
	}
	s := newTestService(cfg, f, nil)
	ctx := context.Background()

	s.cycle(ctx)
	s.cycle(ctx)
	st := s.Snapshot()
	if !st.Healthy {
		t.Fatal("rejection must not make the status unhealthy")
	}
	if st.Reading == nil || *st.Reading != 100.0 {
		t.Fatalf("reading = %v, want 100.0", st.Reading)
	}
	if !st.Stale {
		t.Fatal("rejected cycle should be stale")
	}
	if st.LastError != "" {
		t.Fatalf("rejection should be silent, got last_error %q", st.LastError)
	}
}

func TestCyclePersistsAndRecordsHistory(t *testing.T) {
	cfg := testCfg()
	ms := &memStore{}

	f := &scriptFetcher{
		outs: []string{
			"aflæst til: 100,000 kl. 7.30, d. 28.02.2026",
			"aflæst til: 100,000 kl. 7.30, d. 28.02.2026", // identical, no change
			"aflæst til: 100,500 kl. 7.30, d. 01.03.2026",
		},
		errs: []error{nil, nil, nil},
	}
	s := newTestService(cfg, f, ms)
	ctx := context.Background()

	s.cycle(ctx)
	s.cycle(ctx)
	s.cycle(ctx)

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.lastGood == nil || ms.lastGood.Reading != 100.5 {
		t.Fatalf("persisted LastGood = %+v, want 100.5", ms.lastGood)
	}
	if len(ms.history) != 2 {
		t.Fatalf("history entries = %d, want 2 (identical read records nothing)", len(ms.history))
	}
}

func TestStoreFailureDoesNotBreakCycle(t *testing.T) {
	cfg := testCfg()
	ms := &memStore{saveErr: errors.New("disk full")}

	f := &scriptFetcher{outs: []string{"aflæst til: 77,000"}, errs: []error{nil}}
	s := newTestService(cfg, f, ms)

	s.cycle(context.Background())
	st := s.Snapshot()
	if !st.Healthy || st.Reading == nil || *st.Reading != 77.0 {
		t.Fatalf("in-memory acceptance must survive store failure: %+v", st)
	}
}

func TestNextPollPublished(t *testing.T) {
	cfg := testCfg()
	cfg.Jitter = 0

	f := &scriptFetcher{outs: []string{"aflæst til: 10,000"}, errs: []error{nil}}
	s := newTestService(cfg, f, nil)

	delay := s.cycle(context.Background())
	st := s.Snapshot()
	if st.NextPollInSeconds != int(delay/time.Second) {
		t.Fatalf("next_poll_in_seconds = %d, delay = %v", st.NextPollInSeconds, delay)
	}
	if st.NextPollInSeconds <= 0 {
		t.Fatalf("next_poll_in_seconds = %d, want > 0", st.NextPollInSeconds)
	}
}

func TestStartupRecovery(t *testing.T) {
	cfg := testCfg()
	obs := time.Date(2026, 2, 27, 7, 30, 0, 0, time.UTC)
	ms := &memStore{lastGood: &meter.LastGood{
		Reading:    442.675,
		ObservedAt: &obs,
		UpdatedAt:  time.Now().Add(-time.Hour),
	}}

	block := make(chan struct{})
	f := fetchFunc(func(ctx context.Context) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-block:
			return "", errors.New("released")
		}
	})

	s := newTestService(cfg, f, ms)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := s.Snapshot()
	if !st.Healthy {
		t.Fatal("healthy = false before first scrape, want recovery from store")
	}
	if st.Reading == nil || *st.Reading != 442.675 {
		t.Fatalf("reading = %v, want 442.675", st.Reading)
	}
	if !st.Stale {
		t.Fatal("recovered status should be stale until a scrape succeeds")
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
}

func TestRestartDoesNotRefireChangeNotification(t *testing.T) {
	cfg := testCfg()
	obs := time.Date(2026, 2, 28, 7, 30, 0, 0, time.UTC)
	ms := &memStore{lastGood: &meter.LastGood{
		Reading:    442.675,
		ObservedAt: &obs,
		UpdatedAt:  time.Now(),
	}}

	var changes int
	f := &scriptFetcher{
		outs: []string{"aflæst til: 442,675 kl. 7.30, d. 28.02.2026"},
		errs: []error{nil},
	}
	s := New(cfg, Deps{
		Fetcher:  f,
		Parser:   meter.NewTextParser(time.UTC),
		Store:    ms,
		Log:      logx.Nop(),
		RandInt:  zeroRand,
		OnChange: func(Status) { changes++ },
	})

	// Seed recovery state the way Start does, without the loop.
	lg, _ := ms.LoadLastGood(context.Background())
	s.mu.Lock()
	s.eng.lastGood = lg
	s.eng.seenAny = true
	s.eng.lastSeenObservedAt = copyTime(lg.ObservedAt)
	s.eng.lastSeenReading = lg.Reading
	s.mu.Unlock()

	s.cycle(context.Background())
	if changes != 0 {
		t.Fatalf("unchanged reading after restart fired %d change notifications", changes)
	}
}

func TestRunOnce(t *testing.T) {
	cfg := testCfg()
	f := &scriptFetcher{outs: []string{"aflæst til: 5,000"}, errs: []error{nil}}
	s := newTestService(cfg, f, nil)

	st := s.RunOnce(context.Background())
	if !st.Healthy || st.Reading == nil || *st.Reading != 5.0 {
		t.Fatalf("unexpected RunOnce status: %+v", st)
	}
}

func TestRunOnceReconcilesAgainstPersistedReading(t *testing.T) {
	cfg := testCfg()
	ms := &memStore{lastGood: &meter.LastGood{Reading: 442.675, UpdatedAt: time.Now()}}
	f := &scriptFetcher{outs: []string{"aflæst til: 100,000"}, errs: []error{nil}}
	s := newTestService(cfg, f, ms)

	// A single-shot cycle must load LastGood first; otherwise the lower
	// scrape would count as the first ever reading and overwrite it.
	st := s.RunOnce(context.Background())
	if st.Reading == nil || *st.Reading != 442.675 {
		t.Fatalf("exposed reading = %+v, want persisted 442.675", st.Reading)
	}
	if !st.Stale {
		t.Error("rejected decrease should leave the status stale")
	}

	lg, err := ms.LoadLastGood(context.Background())
	if err != nil {
		t.Fatalf("LoadLastGood: %v", err)
	}
	if lg == nil || lg.Reading != 442.675 {
		t.Fatalf("persisted reading regressed: %+v", lg)
	}
}
