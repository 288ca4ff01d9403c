package domain

import "time"

// SubscriptionStatus mirrors the billing provider's view of an account.
type SubscriptionStatus string

// Subscription status values.
const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionUnpaid   SubscriptionStatus = "unpaid"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Subscription links an owning account to its payment state. Owner is
// exactly one of user or organization.
type Subscription struct {
	ID               string
	UserID           *string
	OrganizationID   *string
	Status           SubscriptionStatus
	CurrentPeriodEnd time.Time
	LastWarningAt    *time.Time
	LastSuspendedAt  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// OwnerKey returns the same stable owner identifier used by Service, so the
// suspension machine can match subscriptions to the services they fund.
func (s Subscription) OwnerKey() string {
	if s.OrganizationID != nil && *s.OrganizationID != "" {
		return "org:" + *s.OrganizationID
	}
	if s.UserID != nil && *s.UserID != "" {
		return "user:" + *s.UserID
	}
	return ""
}
