package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/notify"
	"github.com/pier-paas/pier/internal/repository"
)

// warningWindow is deliberately a bit under 24h so a scheduler that runs at
// a fixed interval never skips a warning day.
const warningWindow = 23 * time.Hour

// SuspensionConfig tunes the subscription check.
type SuspensionConfig struct {
	GracePeriod       time.Duration
	WarningDayOffsets []int
	Cooldown          time.Duration
}

// Suspender drives subscription-based suspension of services. The job
// running it is limited to one concurrent instance process-wide because its
// side effects (suspension, email) are time-windowed, not idempotent.
type Suspender struct {
	services      repository.ServiceRepository
	subscriptions repository.SubscriptionRepository
	mailer        notify.Mailer
	logger        *slog.Logger
	cfg           SuspensionConfig
	now           func() time.Time
}

// NewSuspender constructs a Suspender.
func NewSuspender(services repository.ServiceRepository, subscriptions repository.SubscriptionRepository, mailer notify.Mailer, logger *slog.Logger, cfg SuspensionConfig) *Suspender {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 7 * 24 * time.Hour
	}
	if len(cfg.WarningDayOffsets) == 0 {
		cfg.WarningDayOffsets = []int{1, 3, 5, 7}
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Hour
	}
	if logger != nil {
		logger = logger.With("component", "suspension")
	}
	return &Suspender{
		services:      services,
		subscriptions: subscriptions,
		mailer:        mailer,
		logger:        logger,
		cfg:           cfg,
		now:           time.Now,
	}
}

// CheckReport summarizes one subscription sweep.
type CheckReport struct {
	Checked   int
	Warned    int
	Suspended int
	Errors    []error
}

// CheckAll sweeps every non-active subscription. Per-subscription failures
// are isolated; only the initial listing is systemic.
func (s *Suspender) CheckAll(ctx context.Context) (CheckReport, error) {
	report := CheckReport{}
	subscriptions, err := s.subscriptions.ListSubscriptions(ctx, []domain.SubscriptionStatus{
		domain.SubscriptionPastDue,
		domain.SubscriptionUnpaid,
		domain.SubscriptionCanceled,
	})
	if err != nil {
		return report, fmt.Errorf("list subscriptions: %w", err)
	}
	report.Checked = len(subscriptions)

	for _, subscription := range subscriptions {
		warned, suspended, err := s.check(ctx, subscription)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("subscription %s: %w", subscription.ID, err))
			s.logger.Warn("subscription check failed", "subscription_id", subscription.ID, "error", err)
			continue
		}
		if warned {
			report.Warned++
		}
		if suspended {
			report.Suspended++
		}
	}
	return report, nil
}

func (s *Suspender) check(ctx context.Context, subscription domain.Subscription) (warned, suspended bool, err error) {
	now := s.now().UTC()
	switch subscription.Status {
	case domain.SubscriptionPastDue:
		graceEnd := subscription.CurrentPeriodEnd.Add(s.cfg.GracePeriod)
		if now.After(graceEnd) {
			suspended, err = s.suspend(ctx, subscription, now)
			return false, suspended, err
		}
		warned, err = s.maybeWarn(ctx, subscription, now)
		return warned, false, err
	case domain.SubscriptionUnpaid, domain.SubscriptionCanceled:
		// No grace period: suspend directly.
		suspended, err = s.suspend(ctx, subscription, now)
		return false, suspended, err
	default:
		return false, false, nil
	}
}

// maybeWarn sends at most one warning per roughly-24h window, on the
// configured day offsets within the grace period.
func (s *Suspender) maybeWarn(ctx context.Context, subscription domain.Subscription, now time.Time) (bool, error) {
	sincePeriodEnd := now.Sub(subscription.CurrentPeriodEnd)
	if sincePeriodEnd < 0 {
		return false, nil
	}
	day := int(sincePeriodEnd.Hours() / 24)
	if !containsInt(s.cfg.WarningDayOffsets, day) {
		return false, nil
	}
	if subscription.LastWarningAt != nil && now.Sub(*subscription.LastWarningAt) < warningWindow {
		return false, nil
	}
	if err := s.mailer.SendPaymentWarning(ctx, subscription, day); err != nil {
		return false, fmt.Errorf("send payment warning: %w", err)
	}
	if err := s.subscriptions.SetLastWarningAt(ctx, subscription.ID, now); err != nil {
		return false, fmt.Errorf("record warning timestamp: %w", err)
	}
	s.logger.Info("payment warning sent", "subscription_id", subscription.ID, "grace_day", day)
	return true, nil
}

// suspend flips every running service of the owner to suspended, at most
// once per cooldown window per subscription. Containers are left in place:
// suspension must stay cheap to undo.
func (s *Suspender) suspend(ctx context.Context, subscription domain.Subscription, now time.Time) (bool, error) {
	if subscription.LastSuspendedAt != nil && now.Sub(*subscription.LastSuspendedAt) < s.cfg.Cooldown {
		return false, nil
	}
	owner := subscription.OwnerKey()
	if owner == "" {
		return false, fmt.Errorf("subscription has no owner")
	}
	services, err := s.services.ListServicesByOwner(ctx, owner)
	if err != nil {
		return false, fmt.Errorf("list owner services: %w", err)
	}

	flipped := 0
	for _, svc := range services {
		if svc.Status == domain.StatusStopped || svc.Status == domain.StatusSuspended {
			continue
		}
		if err := s.services.UpdateServiceStatus(ctx, svc.ID, domain.StatusSuspended); err != nil {
			s.logger.Warn("suspend service failed", "service_id", svc.ID, "subscription_id", subscription.ID, "error", err)
			continue
		}
		flipped++
	}
	if err := s.subscriptions.SetLastSuspendedAt(ctx, subscription.ID, now); err != nil {
		return false, fmt.Errorf("record suspension timestamp: %w", err)
	}
	if err := s.mailer.SendSuspensionNotice(ctx, subscription); err != nil {
		s.logger.Warn("suspension notice failed", "subscription_id", subscription.ID, "error", err)
	}
	s.logger.Info("subscription suspended", "subscription_id", subscription.ID, "services_suspended", flipped)
	return true, nil
}

// Reinstate flips a suspended owner's services back to running after
// payment recovers.
func (s *Suspender) Reinstate(ctx context.Context, subscription domain.Subscription) error {
	owner := subscription.OwnerKey()
	if owner == "" {
		return fmt.Errorf("subscription has no owner")
	}
	services, err := s.services.ListServicesByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("list owner services: %w", err)
	}
	for _, svc := range services {
		if svc.Status != domain.StatusSuspended {
			continue
		}
		if err := s.services.UpdateServiceStatus(ctx, svc.ID, domain.StatusRunning); err != nil {
			s.logger.Warn("reinstate service failed", "service_id", svc.ID, "error", err)
		}
	}
	s.logger.Info("subscription reinstated", "subscription_id", subscription.ID)
	return nil
}

func containsInt(values []int, target int) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
