// Package memory is an in-process subscriber store for local development
// and tests. Data is lost on restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/countryballcards/signup/internal/domain"
	"github.com/countryballcards/signup/internal/service/subscriber"
)

// SubscriberRepo implements subscriber.Repository with maps guarded by a
// single RWMutex. The key is the lower-cased email, which gives the same
// case-insensitive uniqueness as the SQL unique index.
type SubscriberRepo struct {
	mu      sync.RWMutex
	byEmail map[string]*domain.Subscriber
	actions []domain.ActionLogEntry
}

// NewSubscriberRepo creates an empty repository.
func NewSubscriberRepo() *SubscriberRepo {
	return &SubscriberRepo{byEmail: make(map[string]*domain.Subscriber)}
}

func key(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

func clone(s *domain.Subscriber) *domain.Subscriber {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(domain.Metadata, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (r *SubscriberRepo) FindByEmail(_ context.Context, email string) (*domain.Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byEmail[key(email)]
	if !ok {
		return nil, subscriber.ErrNotFound
	}
	return clone(s), nil
}

func (r *SubscriberRepo) Insert(_ context.Context, s *domain.Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(s.Email)
	if _, exists := r.byEmail[k]; exists {
		return subscriber.ErrDuplicate
	}
	r.byEmail[k] = clone(s)
	return nil
}

func (r *SubscriberRepo) Resubscribe(_ context.Context, email string, p subscriber.ResubscribePatch) (*domain.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byEmail[key(email)]
	if !ok {
		return nil, subscriber.ErrNotFound
	}
	if s.Source == "" || s.Source == domain.UnknownSource {
		s.Source = p.Source
	}
	if s.Status == domain.SubscriberUnsubscribed {
		s.Status = domain.SubscriberPending
	}
	s.IPAddress = p.IPAddress
	s.UserAgent = p.UserAgent
	s.Referrer = p.Referrer
	s.UTMSource = p.UTMSource
	s.UTMMedium = p.UTMMedium
	s.UTMCampaign = p.UTMCampaign
	s.Metadata = p.Metadata
	s.UpdatedAt = p.UpdatedAt
	return clone(s), nil
}

func (r *SubscriberRepo) SetStatus(_ context.Context, email string, status domain.SubscriberStatus, at time.Time) (*domain.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byEmail[key(email)]
	if !ok {
		return nil, subscriber.ErrNotFound
	}
	if s.Status != status {
		switch status {
		case domain.SubscriberConfirmed:
			t := at
			s.ConfirmedAt = &t
		case domain.SubscriberUnsubscribed:
			t := at
			s.UnsubscribedAt = &t
		}
		s.Status = status
		s.UpdatedAt = at
	}
	return clone(s), nil
}

func (r *SubscriberRepo) Delete(_ context.Context, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(email)
	if _, ok := r.byEmail[k]; !ok {
		return subscriber.ErrNotFound
	}
	delete(r.byEmail, k)
	return nil
}

func (r *SubscriberRepo) List(_ context.Context, f subscriber.ListFilter) ([]domain.Subscriber, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	search := strings.ToLower(f.Search)
	var matched []domain.Subscriber
	for _, s := range r.byEmail {
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		if f.Source != "" && s.Source != f.Source {
			continue
		}
		if !f.Since.IsZero() && s.SubscribedAt.Before(f.Since) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(s.Email), search) {
			continue
		}
		matched = append(matched, *clone(s))
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].SubscribedAt.Equal(matched[j].SubscribedAt) {
			return matched[i].Email < matched[j].Email
		}
		return matched[i].SubscribedAt.After(matched[j].SubscribedAt)
	})

	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []domain.Subscriber{}, total, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (r *SubscriberRepo) Stats(_ context.Context, since time.Time) (*subscriber.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := &subscriber.Stats{BySource: make(map[string]int)}
	for _, s := range r.byEmail {
		st.Total++
		switch s.Status {
		case domain.SubscriberPending:
			st.Pending++
		case domain.SubscriberConfirmed:
			st.Confirmed++
		case domain.SubscriberUnsubscribed:
			st.Unsubscribed++
		case domain.SubscriberBounced:
			st.Bounced++
		}
		if !s.SubscribedAt.Before(since) {
			st.Today++
		}
		st.BySource[s.Source]++
	}
	return st, nil
}

func (r *SubscriberRepo) RecordSend(_ context.Context, email string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byEmail[key(email)]
	if !ok {
		return subscriber.ErrNotFound
	}
	t := at
	s.EmailCount++
	s.LastEmailSent = &t
	return nil
}

func (r *SubscriberRepo) SetCountry(_ context.Context, email, country string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byEmail[key(email)]
	if !ok {
		return subscriber.ErrNotFound
	}
	s.Country = country
	return nil
}

func (r *SubscriberRepo) LogAction(_ context.Context, e *domain.ActionLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, *e)
	return nil
}

func (r *SubscriberRepo) ListActions(_ context.Context, email string, limit int) ([]domain.ActionLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k := key(email)
	var out []domain.ActionLogEntry
	for i := len(r.actions) - 1; i >= 0; i-- {
		if key(r.actions[i].Email) != k {
			continue
		}
		out = append(out, r.actions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
