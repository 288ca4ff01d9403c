// Package notify holds the one-way outbound sinks: billing usage reports
// and payment emails. Deliveries are fire-and-forget from the worker's point
// of view; retry policy belongs to the job broker.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pier-paas/pier/internal/domain"
)

// UsageReport carries aggregated per-metric quantities for one subscription
// over a completed collection period.
type UsageReport struct {
	SubscriptionID string                        `json:"subscription_id"`
	PeriodStart    time.Time                     `json:"period_start"`
	PeriodEnd      time.Time                     `json:"period_end"`
	Quantities     map[domain.MetricKind]float64 `json:"quantities"`
}

// BillingSink receives usage reports.
type BillingSink interface {
	ReportUsage(ctx context.Context, report UsageReport) error
}

// Mailer sends payment lifecycle notifications.
type Mailer interface {
	SendPaymentWarning(ctx context.Context, subscription domain.Subscription, daysIntoGrace int) error
	SendSuspensionNotice(ctx context.Context, subscription domain.Subscription) error
}

// HTTPBillingSink posts usage reports to the billing service.
type HTTPBillingSink struct {
	url       string
	authToken string
	client    *http.Client
}

// NewHTTPBillingSink constructs a sink posting to the given URL.
func NewHTTPBillingSink(url, authToken string, timeout time.Duration) *HTTPBillingSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBillingSink{
		url:       url,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

// ReportUsage implements BillingSink.
func (s *HTTPBillingSink) ReportUsage(ctx context.Context, report UsageReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode usage report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post usage report: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("billing sink returned status %d", resp.StatusCode)
	}
	return nil
}

// LogMailer writes notifications to the log instead of sending email. Used
// in development and as the fallback when no mail transport is configured.
type LogMailer struct {
	Logger *slog.Logger
}

// SendPaymentWarning implements Mailer.
func (m LogMailer) SendPaymentWarning(_ context.Context, subscription domain.Subscription, daysIntoGrace int) error {
	if m.Logger != nil {
		m.Logger.Info("payment warning", "subscription_id", subscription.ID, "owner", subscription.OwnerKey(), "grace_day", daysIntoGrace)
	}
	return nil
}

// SendSuspensionNotice implements Mailer.
func (m LogMailer) SendSuspensionNotice(_ context.Context, subscription domain.Subscription) error {
	if m.Logger != nil {
		m.Logger.Info("suspension notice", "subscription_id", subscription.ID, "owner", subscription.OwnerKey())
	}
	return nil
}

// NopBillingSink accepts and discards reports.
type NopBillingSink struct{}

// ReportUsage implements BillingSink.
func (NopBillingSink) ReportUsage(context.Context, UsageReport) error { return nil }
