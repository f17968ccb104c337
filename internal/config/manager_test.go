package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseJSONWithDefaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"credentials": {"email": "a@b.dk", "password": "s3cret"},
		"poll": {"idle_poll_seconds": 600},
		"fetcher": {"command": ["/usr/bin/scrape"]}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Credentials.Email != "a@b.dk" {
		t.Errorf("email = %q", cfg.Credentials.Email)
	}
	if cfg.Poll.IdlePollSeconds != 600 {
		t.Errorf("idle_poll_seconds = %d, want 600", cfg.Poll.IdlePollSeconds)
	}
	// omitted fields get the add-on defaults
	if cfg.Poll.ProbeAfterMinutes != 45 {
		t.Errorf("probe_after_minutes = %d, want default 45", cfg.Poll.ProbeAfterMinutes)
	}
	if cfg.Poll.ProbePollSeconds != 120 {
		t.Errorf("probe_poll_seconds = %d, want default 120", cfg.Poll.ProbePollSeconds)
	}
	if !cfg.Poll.KeepLast() {
		t.Error("keep_last_on_error should default to true")
	}
	if !cfg.Logging.ConsoleEnabled() {
		t.Error("logging.console should default to true")
	}
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
credentials:
  email: a@b.dk
  password: s3cret
fetcher:
  driver: http
  url: https://example.test/fragment
poll:
  keep_last_on_error: false
  decrease_tolerance_m3: 0.001
  probe_schedule: "30 6 * * *"
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Fetcher.Driver != "http" || cfg.Fetcher.URL != "https://example.test/fragment" {
		t.Errorf("fetcher = %+v", cfg.Fetcher)
	}
	if cfg.Poll.KeepLast() {
		t.Error("keep_last_on_error=false not honored")
	}
	if cfg.Poll.DecreaseToleranceM3 != 0.001 {
		t.Errorf("decrease_tolerance_m3 = %v", cfg.Poll.DecreaseToleranceM3)
	}
	if cfg.Poll.ProbeSchedule != "30 6 * * *" {
		t.Errorf("probe_schedule = %q", cfg.Poll.ProbeSchedule)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.json", `{"credentials": {"email": "a", "password": "b"}, "pall": {}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"poll": {}} {"poll": {}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "exec ok",
			cfg: Config{
				Credentials: CredentialsConfig{Email: "a", Password: "b"},
				Fetcher:     FetcherConfig{Command: []string{"/bin/scrape"}},
			},
		},
		{
			name:    "exec missing command",
			cfg:     Config{Credentials: CredentialsConfig{Email: "a", Password: "b"}},
			wantErr: true,
		},
		{
			name:    "exec missing credentials",
			cfg:     Config{Fetcher: FetcherConfig{Command: []string{"/bin/scrape"}}},
			wantErr: true,
		},
		{
			name: "http ok without credentials",
			cfg:  Config{Fetcher: FetcherConfig{Driver: "http", URL: "https://x.test"}},
		},
		{
			name:    "http missing url",
			cfg:     Config{Fetcher: FetcherConfig{Driver: "http"}},
			wantErr: true,
		},
		{
			name:    "unknown driver",
			cfg:     Config{Fetcher: FetcherConfig{Driver: "carrier-pigeon"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadCommitGet(t *testing.T) {
	path := writeConfig(t, "config.json", `{"credentials": {"email": "a", "password": "b"}, "fetcher": {"command": ["x"]}}`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Get(); got != cfg {
		t.Error("Get should return the committed snapshot")
	}
}

func TestSubscribeDropOldest(t *testing.T) {
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{Poll: PollConfig{IdlePollSeconds: 1}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got != second {
		t.Error("publish should drop the oldest update for slow subscribers")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationOrDefault("fetcher.timeout", "", 90e9); err != nil || d != 90e9 {
		t.Errorf("empty = (%v, %v), want default", d, err)
	}
	if d, err := ParseDurationField("fetcher.timeout", "45s"); err != nil || d.Seconds() != 45 {
		t.Errorf("45s = (%v, %v)", d, err)
	}
	if _, err := ParseDurationField("fetcher.timeout", "-5s"); err == nil {
		t.Error("negative duration should fail")
	}
	if _, err := ParseDurationField("fetcher.timeout", "bananas"); err == nil {
		t.Error("garbage duration should fail")
	}
}
