package service

import (
	"context"
	"time"

	"github.com/pharmatrack/pharmatrack-backend/internal/tracking/repository"
	"github.com/pharmatrack/pharmatrack-backend/pkg/logger"
	"github.com/pharmatrack/pharmatrack-backend/pkg/mailer"
)

// AlertSweeper periodically walks the active inventory and raises stock and
// expiry alerts. One failing drug never aborts the sweep; errors are logged
// and the walk continues.
type AlertSweeper struct {
	drugRepo *repository.DrugRepository
	userRepo *repository.UserCacheRepository
	alerts   *AlertService
	mail     *mailer.Mailer
	logger   *logger.Logger

	interval     time.Duration
	emailEnabled bool
	cancel       context.CancelFunc
}

// NewAlertSweeper creates a new alert sweeper
func NewAlertSweeper(
	drugRepo *repository.DrugRepository,
	userRepo *repository.UserCacheRepository,
	alerts *AlertService,
	mail *mailer.Mailer,
	interval time.Duration,
	emailEnabled bool,
	log *logger.Logger,
) *AlertSweeper {
	return &AlertSweeper{
		drugRepo:     drugRepo,
		userRepo:     userRepo,
		alerts:       alerts,
		mail:         mail,
		logger:       log,
		interval:     interval,
		emailEnabled: emailEnabled,
	}
}

// Start runs the sweeper in a background goroutine. An initial sweep runs
// immediately so a restarted service does not wait a full interval.
func (s *AlertSweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		s.logger.Info().Dur("interval", s.interval).Msg("alert sweeper started")

		s.Sweep(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("alert sweeper stopped")
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop stops the sweeper goroutine
func (s *AlertSweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Sweep runs one full pass over the active inventory. Returns the alerts
// raised during the pass.
func (s *AlertSweeper) Sweep(ctx context.Context) []*repository.Alert {
	start := time.Now()
	s.logger.Info().Msg("starting alert sweep")

	drugs, err := s.drugRepo.GetAllActive(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("alert sweep failed to load inventory")
		return nil
	}

	var raised []*repository.Alert
	now := time.Now()

	for _, d := range drugs {
		d.ComputeDerived(now)

		raised = append(raised, s.alerts.DetectForDrug(ctx, d)...)
		s.alerts.ResolveCleared(ctx, d)
	}

	s.logger.Info().
		Dur("duration", time.Since(start)).
		Int("drugs", len(drugs)).
		Int("alerts_raised", len(raised)).
		Msg("alert sweep completed")

	if len(raised) > 0 {
		s.emailDigest(ctx, raised)
	}

	return raised
}

// emailDigest sends the raised alerts to administrators. Failures are logged
// only; email is best effort on top of the broadcast events.
func (s *AlertSweeper) emailDigest(ctx context.Context, raised []*repository.Alert) {
	if !s.emailEnabled || !s.mail.Enabled() {
		return
	}

	recipients, err := s.userRepo.AdminEmails(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load admin emails for alert digest")
		return
	}
	if len(recipients) == 0 {
		s.logger.Warn().Msg("no admin emails cached, skipping alert digest")
		return
	}

	lines := make([]mailer.AlertLine, 0, len(raised))
	for _, a := range raised {
		lines = append(lines, mailer.AlertLine{
			Severity: a.Severity,
			Title:    a.Title,
			Message:  a.Message,
		})
	}

	if err := s.mail.SendAlertDigest(recipients, lines); err != nil {
		s.logger.Error().Err(err).Msg("failed to send alert digest")
	}
}
