package domain

import "time"

// SubscriberStatus enumerates the states a subscriber can be in.
type SubscriberStatus string

const (
	SubscriberPending      SubscriberStatus = "pending"
	SubscriberConfirmed    SubscriberStatus = "confirmed"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
	SubscriberBounced      SubscriberStatus = "bounced"
)

// Valid reports whether s is one of the known statuses.
func (s SubscriberStatus) Valid() bool {
	switch s {
	case SubscriberPending, SubscriberConfirmed, SubscriberUnsubscribed, SubscriberBounced:
		return true
	}
	return false
}

// Active reports whether the subscriber should still receive mail.
func (s SubscriberStatus) Active() bool {
	return s == SubscriberPending || s == SubscriberConfirmed
}

// AllStatuses lists every status in display order.
var AllStatuses = []SubscriberStatus{
	SubscriberPending,
	SubscriberConfirmed,
	SubscriberUnsubscribed,
	SubscriberBounced,
}

// UnknownSource is stored when a subscription arrives without an origin tag.
// It is the only source value a later subscription may overwrite.
const UnknownSource = "unknown"

// UnknownCountry is stored until geo enrichment resolves the client address.
const UnknownCountry = "unknown"

// Subscriber is one email address on the newsletter list. Email is unique
// case-insensitively; ID is assigned once and never reused.
type Subscriber struct {
	ID        string           `json:"id" db:"id"`
	Email     string           `json:"email" db:"email"`
	Status    SubscriberStatus `json:"status" db:"status"`
	Source    string           `json:"source" db:"source"`
	IPAddress string           `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent string           `json:"user_agent,omitempty" db:"user_agent"`
	Referrer  string           `json:"referrer,omitempty" db:"referrer"`
	Country   string           `json:"country" db:"country"`

	UTMSource   string   `json:"utm_source,omitempty" db:"utm_source"`
	UTMMedium   string   `json:"utm_medium,omitempty" db:"utm_medium"`
	UTMCampaign string   `json:"utm_campaign,omitempty" db:"utm_campaign"`
	Metadata    Metadata `json:"metadata,omitempty" db:"metadata"`

	EmailCount    int        `json:"email_count" db:"email_count"`
	LastEmailSent *time.Time `json:"last_email_sent,omitempty" db:"last_email_sent"`

	SubscribedAt   time.Time  `json:"subscribed_at" db:"subscribed_at"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at,omitempty" db:"unsubscribed_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// UpsertOutcome tells the caller whether an upsert inserted or refreshed a row.
type UpsertOutcome string

const (
	OutcomeCreated UpsertOutcome = "created"
	OutcomeUpdated UpsertOutcome = "updated"
)
