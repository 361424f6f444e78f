package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/perimetra/asm/internal/events"
	"github.com/perimetra/asm/internal/models"
)

type SlackConfig struct {
	Enabled    bool
	WebhookURL string
	Channel    string
}

type EmailConfig struct {
	Enabled  bool
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	To       []string
}

type Config struct {
	MinSeverity models.Severity
	Slack       SlackConfig
	Email       EmailConfig
}

// Service pushes findings at or above the configured severity, and run
// failures, out to Slack and email. It rides the event bus as an ordinary
// subscriber; a slow webhook never backs up the engine.
type Service struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
}

func New(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = models.SeverityHigh
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *Service) Enabled() bool {
	return s.cfg.Slack.Enabled || s.cfg.Email.Enabled
}

// Start consumes bus events until the context ends.
func (s *Service) Start(ctx context.Context, bus *events.Bus) {
	if !s.Enabled() {
		return
	}
	sub := bus.Subscribe(events.FindingDiscovered, events.RunFailed)

	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				s.handle(ctx, ev)
			}
		}
	}()
}

func (s *Service) handle(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.FindingDiscovered:
		severity := models.Severity(str(ev.Payload, "severity"))
		if severity.Rank() < s.cfg.MinSeverity.Rank() {
			return
		}
		title := str(ev.Payload, "title")
		url := str(ev.Payload, "url")
		subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(severity)), title)
		body := subject
		if url != "" {
			body += "\n" + url
		}
		s.send(ctx, subject, body)

	case events.RunFailed:
		subject := fmt.Sprintf("Recon run failed for target %s", ev.TargetID)
		body := subject
		if reason := str(ev.Payload, "reason"); reason != "" {
			body += "\nreason: " + reason
		}
		s.send(ctx, subject, body)
	}
}

func (s *Service) send(ctx context.Context, subject, body string) {
	if s.cfg.Slack.Enabled && s.cfg.Slack.WebhookURL != "" {
		if err := s.sendSlack(ctx, body); err != nil {
			s.logger.Warn("slack notification failed", "error", err)
		}
	}
	if s.cfg.Email.Enabled && len(s.cfg.Email.To) > 0 {
		if err := s.sendEmail(subject, body); err != nil {
			s.logger.Warn("email notification failed", "error", err)
		}
	}
}

func (s *Service) sendSlack(ctx context.Context, text string) error {
	payload := map[string]interface{}{"text": text}
	if s.cfg.Slack.Channel != "" {
		payload["channel"] = s.cfg.Slack.Channel
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Slack.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (s *Service) sendEmail(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Email.SMTPHost, s.cfg.Email.SMTPPort)
	var auth smtp.Auth
	if s.cfg.Email.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Email.Username, s.cfg.Email.Password, s.cfg.Email.SMTPHost)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		s.cfg.Email.From, strings.Join(s.cfg.Email.To, ", "), subject, body)

	return smtp.SendMail(addr, auth, s.cfg.Email.From, s.cfg.Email.To, []byte(msg))
}

func str(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
