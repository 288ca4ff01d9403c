package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/pier-paas/pier/internal/domain"
	"github.com/pier-paas/pier/internal/repository"
)

type fakeSubscriptionRepo struct {
	subs         []domain.Subscription
	warningAt    map[string]time.Time
	suspendedAt  map[string]time.Time
	warningCalls int
	suspendCalls int
}

func newFakeSubscriptionRepo(subs ...domain.Subscription) *fakeSubscriptionRepo {
	return &fakeSubscriptionRepo{
		subs:        subs,
		warningAt:   make(map[string]time.Time),
		suspendedAt: make(map[string]time.Time),
	}
}

func (f *fakeSubscriptionRepo) ListSubscriptions(_ context.Context, statuses []domain.SubscriptionStatus) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for _, sub := range f.subs {
		for _, status := range statuses {
			if sub.Status == status {
				out = append(out, sub)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeSubscriptionRepo) GetSubscriptionByOwner(context.Context, string) (*domain.Subscription, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeSubscriptionRepo) SetLastWarningAt(_ context.Context, id string, at time.Time) error {
	f.warningAt[id] = at
	f.warningCalls++
	return nil
}

func (f *fakeSubscriptionRepo) SetLastSuspendedAt(_ context.Context, id string, at time.Time) error {
	f.suspendedAt[id] = at
	f.suspendCalls++
	return nil
}

type recordingMailer struct {
	warnings []string
	notices  []string
}

func (m *recordingMailer) SendPaymentWarning(_ context.Context, sub domain.Subscription, _ int) error {
	m.warnings = append(m.warnings, sub.ID)
	return nil
}

func (m *recordingMailer) SendSuspensionNotice(_ context.Context, sub domain.Subscription) error {
	m.notices = append(m.notices, sub.ID)
	return nil
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func strptr(s string) *string { return &s }

func TestCheckAllSuspendsPastDueAfterGracePeriod(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	services := newFakeServiceRepo(
		&domain.Service{ID: "svc-1", UserID: strptr("u1"), Status: domain.StatusRunning},
		&domain.Service{ID: "svc-2", UserID: strptr("u1"), Status: domain.StatusStopped},
	)
	subs := newFakeSubscriptionRepo(domain.Subscription{
		ID:               "sub-1",
		UserID:           strptr("u1"),
		Status:           domain.SubscriptionPastDue,
		CurrentPeriodEnd: now.Add(-8 * 24 * time.Hour),
	})
	mailer := &recordingMailer{}
	suspender := NewSuspender(services, subs, mailer, testLogger(), SuspensionConfig{})
	suspender.now = fixedClock(now)

	report, err := suspender.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll returned error: %v", err)
	}
	if report.Suspended != 1 {
		t.Fatalf("expected 1 suspension, got %d", report.Suspended)
	}
	if services.services["svc-1"].Status != domain.StatusSuspended {
		t.Fatalf("running service must flip to suspended, got %s", services.services["svc-1"].Status)
	}
	if services.services["svc-2"].Status != domain.StatusStopped {
		t.Fatalf("stopped service must stay stopped, got %s", services.services["svc-2"].Status)
	}
	if len(mailer.notices) != 1 {
		t.Fatalf("expected one suspension notice, got %v", mailer.notices)
	}
}

func TestCheckAllSkipsSuspensionWithinCooldown(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	lastSuspended := now.Add(-30 * time.Minute)
	services := newFakeServiceRepo(
		&domain.Service{ID: "svc-1", UserID: strptr("u1"), Status: domain.StatusRunning},
	)
	subs := newFakeSubscriptionRepo(domain.Subscription{
		ID:              "sub-1",
		UserID:          strptr("u1"),
		Status:          domain.SubscriptionUnpaid,
		LastSuspendedAt: &lastSuspended,
	})
	suspender := NewSuspender(services, subs, &recordingMailer{}, testLogger(), SuspensionConfig{Cooldown: time.Hour})
	suspender.now = fixedClock(now)

	report, err := suspender.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll returned error: %v", err)
	}
	if report.Suspended != 0 {
		t.Fatalf("a suspension 30 minutes ago must not repeat, got %d", report.Suspended)
	}
	if subs.suspendCalls != 0 {
		t.Fatalf("expected no suspension timestamp writes, got %d", subs.suspendCalls)
	}
}

func TestCheckAllWarnsOnConfiguredGraceDays(t *testing.T) {
	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name       string
		now        time.Time
		wantWarned int
	}{
		{"day one", periodEnd.Add(24*time.Hour + time.Hour), 1},
		{"day two is not an offset", periodEnd.Add(2*24*time.Hour + time.Hour), 0},
		{"day three", periodEnd.Add(3*24*time.Hour + time.Hour), 1},
		{"before period end", periodEnd.Add(-time.Hour), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			services := newFakeServiceRepo()
			subs := newFakeSubscriptionRepo(domain.Subscription{
				ID:               "sub-1",
				UserID:           strptr("u1"),
				Status:           domain.SubscriptionPastDue,
				CurrentPeriodEnd: periodEnd,
			})
			mailer := &recordingMailer{}
			suspender := NewSuspender(services, subs, mailer, testLogger(), SuspensionConfig{})
			suspender.now = fixedClock(tc.now)

			report, err := suspender.CheckAll(context.Background())
			if err != nil {
				t.Fatalf("CheckAll returned error: %v", err)
			}
			if report.Warned != tc.wantWarned {
				t.Fatalf("expected %d warnings, got %d", tc.wantWarned, report.Warned)
			}
		})
	}
}

func TestCheckAllSendsAtMostOneWarningPerDay(t *testing.T) {
	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := periodEnd.Add(24*time.Hour + 6*time.Hour)
	recentWarning := now.Add(-2 * time.Hour)
	subs := newFakeSubscriptionRepo(domain.Subscription{
		ID:               "sub-1",
		UserID:           strptr("u1"),
		Status:           domain.SubscriptionPastDue,
		CurrentPeriodEnd: periodEnd,
		LastWarningAt:    &recentWarning,
	})
	mailer := &recordingMailer{}
	suspender := NewSuspender(newFakeServiceRepo(), subs, mailer, testLogger(), SuspensionConfig{})
	suspender.now = fixedClock(now)

	report, err := suspender.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll returned error: %v", err)
	}
	if report.Warned != 0 || len(mailer.warnings) != 0 {
		t.Fatalf("a warning 2 hours ago must suppress the next one, got %d", report.Warned)
	}
}

func TestReinstateFlipsOnlySuspendedServices(t *testing.T) {
	services := newFakeServiceRepo(
		&domain.Service{ID: "svc-1", UserID: strptr("u1"), Status: domain.StatusSuspended},
		&domain.Service{ID: "svc-2", UserID: strptr("u1"), Status: domain.StatusStopped},
	)
	suspender := NewSuspender(services, newFakeSubscriptionRepo(), &recordingMailer{}, testLogger(), SuspensionConfig{})

	sub := domain.Subscription{ID: "sub-1", UserID: strptr("u1"), Status: domain.SubscriptionActive}
	if err := suspender.Reinstate(context.Background(), sub); err != nil {
		t.Fatalf("Reinstate returned error: %v", err)
	}
	if services.services["svc-1"].Status != domain.StatusRunning {
		t.Fatalf("suspended service must return to running, got %s", services.services["svc-1"].Status)
	}
	if services.services["svc-2"].Status != domain.StatusStopped {
		t.Fatalf("stopped service must stay stopped, got %s", services.services["svc-2"].Status)
	}
}
