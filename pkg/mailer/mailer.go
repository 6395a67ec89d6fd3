// Package mailer delivers alert digests to administrators over SMTP.
// Delivery failures are reported to the caller but are never fatal to
// the sweep that triggered them.
package mailer

import (
	"fmt"
	"strings"

	"github.com/pharmatrack/pharmatrack-backend/pkg/config"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
	gomail "gopkg.in/gomail.v2"
)

// Mailer sends alert notification emails.
type Mailer struct {
	cfg    *config.SMTPConfig
	logger *logger.Logger
}

// New creates a Mailer. When the SMTP host is not configured the mailer
// is disabled and Send becomes a no-op.
func New(cfg *config.SMTPConfig, log *logger.Logger) *Mailer {
	m := &Mailer{cfg: cfg, logger: log}
	if !m.Enabled() {
		log.Warn().Msg("SMTP not configured, alert emails disabled")
	}
	return m
}

// Enabled reports whether outbound email is configured.
func (m *Mailer) Enabled() bool {
	return m.cfg.Host != ""
}

// AlertLine is one alert row in a digest email.
type AlertLine struct {
	Severity string
	Title    string
	Message  string
}

// SendAlertDigest sends a plain-text digest of alerts, one message per
// recipient. A failure for one recipient does not block delivery to the
// others; an error is returned only when every send failed.
func (m *Mailer) SendAlertDigest(recipients []string, lines []AlertLine) error {
	if !m.Enabled() {
		return nil
	}
	if len(recipients) == 0 || len(lines) == 0 {
		return nil
	}

	body := digestBody(lines)
	subject := fmt.Sprintf("PharmaTrack: %d new inventory alerts", len(lines))
	dialer := gomail.NewDialer(m.cfg.Host, m.cfg.Port, m.cfg.User, m.cfg.Password)

	failed := 0
	for _, recipient := range recipients {
		msg := gomail.NewMessage()
		msg.SetHeader("From", m.cfg.From)
		msg.SetHeader("To", recipient)
		msg.SetHeader("Subject", subject)
		msg.SetBody("text/plain", body)

		if err := dialer.DialAndSend(msg); err != nil {
			failed++
			m.logger.Error().Err(err).Str("recipient", recipient).Msg("failed to send alert digest")
		}
	}

	if failed == len(recipients) {
		return fmt.Errorf("alert digest failed for all %d recipients", failed)
	}

	m.logger.Info().
		Int("alerts", len(lines)).
		Int("recipients", len(recipients)-failed).
		Msg("alert digest sent")

	return nil
}

func digestBody(lines []AlertLine) string {
	var body strings.Builder
	body.WriteString("The daily inventory sweep raised the following alerts:\n\n")
	for _, l := range lines {
		fmt.Fprintf(&body, "[%s] %s\n%s\n\n", strings.ToUpper(l.Severity), l.Title, l.Message)
	}
	body.WriteString("Open the dashboard to acknowledge or resolve these alerts.\n")
	return body.String()
}
