package subscriber

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/countryballcards/signup/internal/domain"
	"github.com/countryballcards/signup/internal/pkg/logger"
	"github.com/google/uuid"
)

// Search and listing bounds.
const (
	MinSearchLen   = 2
	SearchLimit    = 20
	DefaultRecent  = 10
	DefaultActions = 50
)

// Service implements subscriber business logic. It is safe for concurrent
// use if the underlying repository is.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a subscriber service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// SetClock replaces time.Now. Used by tests and the CSV importer, which
// replays historic timestamps.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// ClientInfo is the request snapshot stored with a write.
type ClientInfo struct {
	IPAddress string
	UserAgent string
	Referrer  string
}

// UpsertInput is everything a subscribe call can carry.
type UpsertInput struct {
	Email    string
	Source   string
	Metadata map[string]string
	Client   ClientInfo

	// SubscribedAt overrides the creation time (imports only).
	SubscribedAt time.Time
}

// UpsertResult reports what Upsert did.
type UpsertResult struct {
	Outcome    domain.UpsertOutcome
	Subscriber *domain.Subscriber
}

// Upsert creates a pending subscriber for a new address or refreshes the
// existing record for a known one.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (*UpsertResult, error) {
	email := strings.TrimSpace(in.Email)
	if !domain.ValidEmail(email) {
		return nil, ErrInvalidEmail
	}
	source := domain.ClipText(strings.TrimSpace(in.Source), domain.MaxSourceLen)
	if source == "" {
		source = domain.UnknownSource
	}
	meta := domain.NormalizeMetadata(in.Metadata)
	in.Client = in.Client.clean()
	now := s.now().UTC()

	existing, err := s.repo.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return s.resubscribe(ctx, existing.Email, source, meta, in.Client, now)
	case !errors.Is(err, ErrNotFound):
		return nil, s.storageFailure(ctx, email, in.Client.IPAddress, "lookup", err)
	}

	created := in.SubscribedAt
	if created.IsZero() {
		created = now
	}
	sub := &domain.Subscriber{
		ID:           uuid.New().String(),
		Email:        email,
		Status:       domain.SubscriberPending,
		Source:       source,
		IPAddress:    in.Client.IPAddress,
		UserAgent:    in.Client.UserAgent,
		Referrer:     in.Client.Referrer,
		Country:      domain.UnknownCountry,
		UTMSource:    utm(meta, domain.MetaUTMSource),
		UTMMedium:    utm(meta, domain.MetaUTMMedium),
		UTMCampaign:  utm(meta, domain.MetaUTMCampaign),
		Metadata:     meta,
		SubscribedAt: created.UTC(),
		UpdatedAt:    now,
	}

	if err := s.repo.Insert(ctx, sub); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Lost a race against a concurrent first subscription.
			return s.resubscribe(ctx, email, source, meta, in.Client, now)
		}
		return nil, s.storageFailure(ctx, email, in.Client.IPAddress, "insert", err)
	}

	s.logAction(ctx, email, domain.ActionSubscribed, "source: "+source, in.Client.IPAddress, true)
	return &UpsertResult{Outcome: domain.OutcomeCreated, Subscriber: sub}, nil
}

func (s *Service) resubscribe(ctx context.Context, email, source string, meta domain.Metadata, c ClientInfo, now time.Time) (*UpsertResult, error) {
	sub, err := s.repo.Resubscribe(ctx, email, ResubscribePatch{
		Source:      source,
		IPAddress:   c.IPAddress,
		UserAgent:   c.UserAgent,
		Referrer:    c.Referrer,
		UTMSource:   utm(meta, domain.MetaUTMSource),
		UTMMedium:   utm(meta, domain.MetaUTMMedium),
		UTMCampaign: utm(meta, domain.MetaUTMCampaign),
		Metadata:    meta,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, s.storageFailure(ctx, email, c.IPAddress, "resubscribe", err)
	}
	s.logAction(ctx, email, domain.ActionResubscribed, "source: "+source, c.IPAddress, true)
	return &UpsertResult{Outcome: domain.OutcomeUpdated, Subscriber: sub}, nil
}

// clean fits client details to their columns. Text columns must hold valid
// UTF-8.
func (c ClientInfo) clean() ClientInfo {
	return ClientInfo{
		IPAddress: domain.ClipText(strings.TrimSpace(c.IPAddress), domain.MaxIPLen),
		UserAgent: strings.ToValidUTF8(c.UserAgent, "\uFFFD"),
		Referrer:  strings.ToValidUTF8(c.Referrer, "\uFFFD"),
	}
}

// utm returns the campaign field for its denormalised column.
func utm(meta domain.Metadata, key string) string {
	return domain.ClipText(meta[key], domain.MaxUTMLen)
}

// storageFailure logs a failed write and wraps err in ErrStorage.
func (s *Service) storageFailure(ctx context.Context, email, ip, op string, err error) error {
	logger.Error("subscriber: storage failure", "op", op, "email", email, "error", err)
	s.logAction(ctx, email, domain.ActionSubscriptionFailed, op+": storage error", ip, false)
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// Unsubscribe marks the address unsubscribed. Repeating the call is a no-op
// that keeps the original unsubscribe time.
func (s *Service) Unsubscribe(ctx context.Context, email, reason string) (*domain.Subscriber, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrInvalidEmail
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "User request"
	}
	sub, err := s.repo.SetStatus(ctx, email, domain.SubscriberUnsubscribed, s.now().UTC())
	if err != nil {
		return nil, s.wrap(err)
	}
	s.logAction(ctx, sub.Email, domain.ActionUnsubscribed, reason, "", true)
	return sub, nil
}

// SetStatus is the admin status override.
func (s *Service) SetStatus(ctx context.Context, email string, status domain.SubscriberStatus) (*domain.Subscriber, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrInvalidEmail
	}
	sub, err := s.repo.SetStatus(ctx, email, status, s.now().UTC())
	if err != nil {
		return nil, s.wrap(err)
	}
	s.logAction(ctx, sub.Email, domain.ActionStatusChanged, "status: "+string(status), "", true)
	return sub, nil
}

// Find returns the subscriber for email.
func (s *Service) Find(ctx context.Context, email string) (*domain.Subscriber, error) {
	sub, err := s.repo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, s.wrap(err)
	}
	return sub, nil
}

// List returns subscribers matching the filter plus the total count.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Subscriber, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, ErrInvalidStatus
	}
	subs, total, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, 0, s.wrap(err)
	}
	return subs, total, nil
}

// Search finds subscribers whose email contains q.
func (s *Service) Search(ctx context.Context, q string) ([]domain.Subscriber, error) {
	q = strings.TrimSpace(q)
	if len([]rune(q)) < MinSearchLen {
		return nil, ErrQueryTooShort
	}
	subs, _, err := s.List(ctx, ListFilter{Search: q, Limit: SearchLimit})
	return subs, err
}

// Recent returns the newest n subscribers.
func (s *Service) Recent(ctx context.Context, n int) ([]domain.Subscriber, error) {
	if n <= 0 {
		n = DefaultRecent
	}
	subs, _, err := s.List(ctx, ListFilter{Limit: n})
	return subs, err
}

// Export returns every subscriber, optionally restricted to one status.
func (s *Service) Export(ctx context.Context, status domain.SubscriberStatus) ([]domain.Subscriber, error) {
	subs, _, err := s.List(ctx, ListFilter{Status: status})
	return subs, err
}

// Delete hard-deletes a subscriber. The action log keeps its history.
func (s *Service) Delete(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrInvalidEmail
	}
	if err := s.repo.Delete(ctx, email); err != nil {
		return s.wrap(err)
	}
	s.logAction(ctx, email, domain.ActionDeleted, "admin delete", "", true)
	return nil
}

// Stats returns aggregate counts; "today" starts at UTC midnight.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	st, err := s.repo.Stats(ctx, midnight)
	if err != nil {
		return nil, s.wrap(err)
	}
	if st.BySource == nil {
		st.BySource = map[string]int{}
	}
	st.Active = st.Pending + st.Confirmed
	return st, nil
}

// RecordSend bumps the send counters after a successful delivery.
func (s *Service) RecordSend(ctx context.Context, email string) error {
	if err := s.repo.RecordSend(ctx, email, s.now().UTC()); err != nil {
		return s.wrap(err)
	}
	return nil
}

// SetCountry stores the geo lookup result.
func (s *Service) SetCountry(ctx context.Context, email, country string) error {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		return nil
	}
	if err := s.repo.SetCountry(ctx, email, country); err != nil {
		return s.wrap(err)
	}
	return nil
}

// RecordAction appends an audit entry on behalf of another component.
// Failures are logged, never returned.
func (s *Service) RecordAction(ctx context.Context, email, action, detail, ip string, success bool) {
	s.logAction(ctx, email, action, detail, ip, success)
}

// RecordFailure logs a rejected subscription attempt. The input may not be
// a valid address, so it is clipped to the column width.
func (s *Service) RecordFailure(ctx context.Context, email, detail, ip string) {
	email = domain.ClipText(strings.TrimSpace(email), domain.MaxEmailLen)
	s.logAction(ctx, email, domain.ActionSubscriptionFailed, detail, ip, false)
}

// Actions returns the audit trail for email, newest first.
func (s *Service) Actions(ctx context.Context, email string, limit int) ([]domain.ActionLogEntry, error) {
	if limit <= 0 {
		limit = DefaultActions
	}
	entries, err := s.repo.ListActions(ctx, strings.TrimSpace(email), limit)
	if err != nil {
		return nil, s.wrap(err)
	}
	return entries, nil
}

func (s *Service) logAction(ctx context.Context, email, action, detail, ip string, success bool) {
	e := &domain.ActionLogEntry{
		ID:        uuid.New().String(),
		Email:     email,
		Action:    action,
		Detail:    detail,
		IPAddress: domain.ClipText(ip, domain.MaxIPLen),
		Success:   success,
		Timestamp: s.now().UTC(),
	}
	if err := s.repo.LogAction(ctx, e); err != nil {
		logger.Warn("subscriber: action log write failed", "action", action, "email", email, "error", err)
	}
}

// wrap passes sentinel errors through and tags everything else as storage.
func (s *Service) wrap(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrStorage):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
}
