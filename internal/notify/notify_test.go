package notify

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"meterwatch/internal/poller"
	"meterwatch/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := what.(string); ok {
		f.sent = append(f.sent, s)
	}
	return &tele.Message{}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitSent(t *testing.T, f *fakeSender, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.count() < want {
		if time.Now().After(deadline) {
			t.Fatalf("sent %d messages, want %d", f.count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testService(f *fakeSender, cfg Config) *Service {
	return &Service{
		cfg:     withDefaults(cfg),
		log:     logx.Nop(),
		bot:     f,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
}

func TestDisabledServiceIsNoop(t *testing.T) {
	s, err := New(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Must not panic with no bot.
	s.HandleChange(poller.Status{})
	s.HandleFailure(poller.Status{ConsecutiveFailures: 100})
}

func TestEnabledRequiresToken(t *testing.T) {
	if _, err := New(Config{Enabled: true}, logx.Nop()); err == nil {
		t.Fatal("expected error when enabled without token")
	}
}

func TestChangeMessage(t *testing.T) {
	v := 442.675
	at := time.Date(2026, 2, 28, 7, 30, 0, 0, time.UTC)
	got := changeMessage(poller.Status{Reading: &v, ObservedAt: &at})
	want := "💧 New meter reading: 442,675 m³ (aflæst 28.02.2026 07:30)"
	if got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
}

func TestFailureAlertFiresOncePerStreak(t *testing.T) {
	f := &fakeSender{}
	s := testService(f, Config{FailureThreshold: 3})

	for n := 1; n <= 6; n++ {
		s.HandleFailure(poller.Status{ConsecutiveFailures: n, LastError: "boom"})
	}
	waitSent(t, f, 1)
	time.Sleep(20 * time.Millisecond)
	if f.count() != 1 {
		t.Fatalf("sent %d alerts for one streak, want 1", f.count())
	}

	// A change re-arms the alert.
	v := 1.0
	s.HandleChange(poller.Status{Reading: &v})
	waitSent(t, f, 2)
	s.HandleFailure(poller.Status{ConsecutiveFailures: 3})
	waitSent(t, f, 3)
}

func TestBelowThresholdNoAlert(t *testing.T) {
	f := &fakeSender{}
	s := testService(f, Config{FailureThreshold: 5})

	for n := 1; n <= 4; n++ {
		s.HandleFailure(poller.Status{ConsecutiveFailures: n})
	}
	time.Sleep(20 * time.Millisecond)
	if f.count() != 0 {
		t.Fatalf("sent %d alerts below threshold", f.count())
	}
}

func TestFormatM3(t *testing.T) {
	if got := formatM3(442.675); got != "442,675" {
		t.Fatalf("formatM3 = %q", got)
	}
	if got := formatM3(5); got != "5,000" {
		t.Fatalf("formatM3 = %q", got)
	}
}
