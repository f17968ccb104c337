// Package notify pushes meter events to a Telegram chat: one message
// per accepted material change, and one when a scrape-failure streak
// crosses the configured threshold.
//
// Everything here is best-effort. A Telegram outage never affects the
// poll loop.
package notify

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"meterwatch/internal/poller"
	"meterwatch/pkg/logx"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64

	// FailureThreshold is the consecutive-failure count that triggers a
	// single alert. The alert re-arms after the next accepted change.
	FailureThreshold int

	// RatePerMin caps outgoing messages. Excess messages are dropped.
	RatePerMin int
}

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	bot     sender
	limiter *rate.Limiter

	// streakAlerted suppresses repeat alerts within one failure streak.
	streakAlerted bool
}

const (
	defaultFailureThreshold = 5
	defaultRatePerMin       = 6
)

// New builds the notifier. A disabled config returns a no-op service;
// an enabled config with a bad token returns an error at startup.
func New(cfg Config, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: withDefaults(cfg), log: log.With(logx.String("comp", "notify"))}
	if !cfg.Enabled {
		return s, nil
	}
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, errors.New("notify: token and chat_id are required when enabled")
	}

	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notify: creating bot: %w", err)
	}
	s.bot = bot
	s.limiter = rate.NewLimiter(rate.Limit(float64(s.cfg.RatePerMin)/60.0), 2)
	return s, nil
}

func withDefaults(cfg Config) Config {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = defaultRatePerMin
	}
	return cfg
}

// HandleChange is wired as the poller's OnChange hook.
func (s *Service) HandleChange(st poller.Status) {
	s.mu.Lock()
	s.streakAlerted = false
	enabled := s.bot != nil
	s.mu.Unlock()
	if !enabled {
		return
	}
	s.send(changeMessage(st))
}

// HandleFailure is wired as the poller's OnFailure hook.
func (s *Service) HandleFailure(st poller.Status) {
	s.mu.Lock()
	fire := s.bot != nil && !s.streakAlerted && st.ConsecutiveFailures >= s.cfg.FailureThreshold
	if fire {
		s.streakAlerted = true
	}
	s.mu.Unlock()
	if !fire {
		return
	}
	s.send(failureMessage(st))
}

func (s *Service) send(text string) {
	if s.limiter != nil && !s.limiter.Allow() {
		s.log.Debug("notification dropped by rate limit")
		return
	}
	// Telegram round-trips can be slow; never block the poll loop.
	go func() {
		_, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), text, &tele.SendOptions{DisableWebPagePreview: true})
		if err != nil {
			s.log.Warn("telegram send failed", logx.Err(err))
		}
	}()
}

func changeMessage(st poller.Status) string {
	var b strings.Builder
	b.WriteString("💧 New meter reading: ")
	if st.Reading != nil {
		b.WriteString(formatM3(*st.Reading))
	} else {
		b.WriteString("?")
	}
	b.WriteString(" m³")
	if st.ObservedAt != nil {
		b.WriteString(" (aflæst ")
		b.WriteString(st.ObservedAt.Format("02.01.2006 15:04"))
		b.WriteString(")")
	}
	return b.String()
}

func failureMessage(st poller.Status) string {
	msg := fmt.Sprintf("⚠️ meterwatch: %d consecutive scrape failures", st.ConsecutiveFailures)
	if st.LastError != "" {
		msg += "\nlast error: " + st.LastError
	}
	if st.Healthy && st.Reading != nil {
		msg += fmt.Sprintf("\nstill serving last good reading %s m³", formatM3(*st.Reading))
	}
	return msg
}

// formatM3 renders the value the way the portal does: three decimals,
// decimal comma.
func formatM3(v float64) string {
	return strings.ReplaceAll(strconv.FormatFloat(v, 'f', 3, 64), ".", ",")
}
