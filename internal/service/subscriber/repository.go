package subscriber

import (
	"context"
	"time"

	"github.com/countryballcards/signup/internal/domain"
)

// Repository defines the data access contract for subscribers and their
// action log. Email arguments are matched case-insensitively.
type Repository interface {
	// FindByEmail returns ErrNotFound when no row matches.
	FindByEmail(ctx context.Context, email string) (*domain.Subscriber, error)

	// Insert stores a new subscriber. Returns ErrDuplicate if the email is
	// already taken, which happens when a concurrent insert won the race.
	Insert(ctx context.Context, s *domain.Subscriber) error

	// Resubscribe applies p to an existing row in one statement and returns
	// the updated record. Returns ErrNotFound when no row matches.
	Resubscribe(ctx context.Context, email string, p ResubscribePatch) (*domain.Subscriber, error)

	// SetStatus changes the status. ConfirmedAt/UnsubscribedAt are stamped
	// with at only when the row transitions into that status.
	SetStatus(ctx context.Context, email string, status domain.SubscriberStatus, at time.Time) (*domain.Subscriber, error)

	// Delete removes the row. Returns ErrNotFound if it doesn't exist.
	Delete(ctx context.Context, email string) error

	// List returns subscribers matching the filter, newest first, plus the
	// total matching count ignoring Limit/Offset.
	List(ctx context.Context, f ListFilter) ([]domain.Subscriber, int, error)

	// Stats aggregates counts; Today counts rows subscribed at or after since.
	Stats(ctx context.Context, since time.Time) (*Stats, error)

	// RecordSend increments email_count and sets last_email_sent.
	RecordSend(ctx context.Context, email string, at time.Time) error

	// SetCountry stores the resolved country code.
	SetCountry(ctx context.Context, email, country string) error

	// LogAction appends to the action log.
	LogAction(ctx context.Context, e *domain.ActionLogEntry) error

	// ListActions returns the newest entries for email, newest first.
	ListActions(ctx context.Context, email string, limit int) ([]domain.ActionLogEntry, error)
}

// ResubscribePatch carries the fields refreshed when a known address
// subscribes again. Source is applied only if the stored source is empty
// or "unknown"; an unsubscribed row moves back to pending.
type ResubscribePatch struct {
	Source      string
	IPAddress   string
	UserAgent   string
	Referrer    string
	UTMSource   string
	UTMMedium   string
	UTMCampaign string
	Metadata    domain.Metadata
	UpdatedAt   time.Time
}

// ListFilter controls pagination and filtering for subscriber lists.
// Limit <= 0 means no limit.
type ListFilter struct {
	Status domain.SubscriberStatus
	Source string
	Since  time.Time
	Search string
	Limit  int
	Offset int
}

// Stats is the aggregate view served by the public stats endpoint and the
// admin dashboard.
type Stats struct {
	Total        int            `json:"total"`
	Active       int            `json:"active"`
	Pending      int            `json:"pending"`
	Confirmed    int            `json:"confirmed"`
	Unsubscribed int            `json:"unsubscribed"`
	Bounced      int            `json:"bounced"`
	Today        int            `json:"today"`
	BySource     map[string]int `json:"by_source"`
}
