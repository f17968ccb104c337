package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"meterwatch/pkg/logx"
)

// execFetcher spawns an external scraper helper (typically a headless
// browser script) and reads the raw fragment from its stdout.
//
// Contract with the helper:
//   - credentials are passed via METERWATCH_EMAIL / METERWATCH_PASSWORD
//   - stdout carries the raw text fragment on success
//   - exit code 2 means the login was rejected; anything else non-zero
//     is a transient failure
type execFetcher struct {
	cfg Config
	log logx.Logger
}

const authExitCode = 2

func newExecFetcher(cfg Config, log logx.Logger) (*execFetcher, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, errors.New("fetcher.command is required for exec driver")
	}
	return &execFetcher{cfg: cfg, log: log}, nil
}

func (f *execFetcher) Fetch(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.cfg.Command[0], f.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(),
		"METERWATCH_EMAIL="+f.cfg.Credentials.Email,
		"METERWATCH_PASSWORD="+f.cfg.Credentials.Password,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: helper timed out after %s", ErrTransient, took.Round(time.Second))
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() == authExitCode {
			return "", fmt.Errorf("%w: helper exit code %d", ErrAuth, authExitCode)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%w: %s", ErrTransient, msg)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return "", fmt.Errorf("%w: helper produced no output", ErrTransient)
	}

	f.log.Debug("helper fetch ok",
		logx.String("comp", "fetch"),
		logx.Duration("took", took),
		logx.Int("bytes", len(out)))
	return out, nil
}
