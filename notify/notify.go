// Package notify e-mails run reports via multiple providers.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"adsync/pkg/run"
)

// Message is one report e-mail. Text is the plain-text alternative of HTML.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Provider delivers a message.
type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// Sender mails run reports using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	to       string
}

// New creates a new report sender mailing to the given address.
func New(provider Provider, logger *slog.Logger, to string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		to:       to,
	}
}

// Subject summarizes rep in one line.
func Subject(rep *run.Report) string {
	status := "ok"
	switch {
	case rep.Err != nil:
		status = "aborted"
	case rep.Failed > 0:
		status = "with failures"
	}
	return fmt.Sprintf("adsync %s %s: %d processed, %d skipped, %d failed",
		rep.Command, status, rep.Processed, rep.Skipped, rep.Failed)
}

// SendReport mails rep. Runs that touched no ad are not reported.
func (s *Sender) SendReport(ctx context.Context, rep *run.Report) error {
	if len(rep.Events) == 0 && rep.Err == nil {
		s.logger.Debug("Nothing to report", "command", rep.Command, "run_id", rep.RunID)
		return nil
	}

	msg := Message{
		To:      s.to,
		Subject: Subject(rep),
		HTML:    formatReportBody(rep),
		Text:    formatReportText(rep),
	}
	s.logger.Info("Sending run report",
		"to", msg.To,
		"subject", msg.Subject,
		"event_count", len(rep.Events))

	if err := s.provider.Send(ctx, msg); err != nil {
		return fmt.Errorf("send run report: %w", err)
	}
	return nil
}

// deliver runs send with the retry policy shared by the API providers. send
// returns retry.Unrecoverable for errors a second attempt cannot fix.
func deliver(ctx context.Context, logger *slog.Logger, provider string, msg Message, send func() error) error {
	return retry.Do(
		func() error {
			start := time.Now()
			if err := send(); err != nil {
				logger.Warn("Report delivery failed",
					"provider", provider,
					"to", msg.To,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				return err
			}
			logger.Info("Report delivered",
				"provider", provider,
				"to", msg.To,
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying report delivery", "provider", provider, "attempt", n, "error", err)
		}),
	)
}
