package domain

import "time"

// Action names recorded in the subscriber audit trail.
const (
	ActionSubscribed          = "subscribed"
	ActionResubscribed        = "resubscribed"
	ActionSubscriptionFailed  = "subscription_failed"
	ActionUnsubscribed        = "unsubscribed"
	ActionStatusChanged       = "status_changed"
	ActionDeleted             = "deleted"
	ActionWelcomeEmailSent    = "welcome_email_sent"
	ActionWelcomeEmailFailed  = "welcome_email_failed"
	ActionBroadcastSent       = "broadcast_sent"
	ActionBroadcastFailed     = "broadcast_failed"
	ActionCountryResolved     = "country_resolved"
	ActionUnsubscribeRejected = "unsubscribe_rejected"
)

// ActionLogEntry is one append-only audit record. Entries outlive the
// subscriber they describe, so they carry the email rather than an ID.
type ActionLogEntry struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Action    string    `json:"action" db:"action"`
	Detail    string    `json:"detail,omitempty" db:"details"`
	IPAddress string    `json:"ip_address,omitempty" db:"ip_address"`
	Success   bool      `json:"success" db:"success"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
}
