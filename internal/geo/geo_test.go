package geo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/countryballcards/signup/internal/domain"
	"github.com/countryballcards/signup/internal/pkg/httpretry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicIP(t *testing.T) {
	cases := map[string]bool{
		"8.8.8.8":         true,
		"2606:4700::1111": true,
		"10.1.2.3":        false,
		"192.168.0.1":     false,
		"127.0.0.1":       false,
		"::1":             false,
		"169.254.10.1":    false,
		"::ffff:10.0.0.1": false,
		"unknown":         false,
		"":                false,
		"::ffff:8.8.8.8":  true,
	}
	for ip, want := range cases {
		assert.Equal(t, want, PublicIP(ip), ip)
	}
}

func TestLocator_Country(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json/8.8.8.8", r.URL.Path)
		assert.Contains(t, r.URL.RawQuery, "countryCode")
		w.Write([]byte(`{"status":"success","countryCode":"us"}`))
	}))
	defer srv.Close()

	l := NewLocator(srv.Client(), srv.URL+"/")
	cc, err := l.Country(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "US", cc)
}

func TestLocator_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
	}))
	defer srv.Close()

	l := NewLocator(srv.Client(), srv.URL)
	_, err := l.Country(context.Background(), "8.8.4.4")
	assert.ErrorContains(t, err, "reserved range")

	_, err = l.Country(context.Background(), "10.0.0.1")
	assert.ErrorIs(t, err, ErrNotPublic)
}

func TestLocator_RetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"success","countryCode":"DE"}`))
	}))
	defer srv.Close()

	client := httpretry.NewRetryClient(srv.Client(), 2, httpretry.WithBackoff(time.Millisecond, 2*time.Millisecond))
	cc, err := NewLocator(client, srv.URL).Country(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "DE", cc)
	assert.Equal(t, 2, calls)
}

type fakeStore struct {
	mu      sync.Mutex
	country map[string]string
	actions []string
}

func (s *fakeStore) SetCountry(_ context.Context, email, country string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.country == nil {
		s.country = map[string]string{}
	}
	s.country[email] = country
	return nil
}

func (s *fakeStore) RecordAction(_ context.Context, _, action, _, _ string, _ bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, action)
}

func TestEnricher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","countryCode":"FR"}`))
	}))
	defer srv.Close()

	store := &fakeStore{}
	e := NewEnricher(NewLocator(srv.Client(), srv.URL), store, time.Second)
	e.Enrich("ada@example.com", "8.8.8.8")
	e.Enrich("bob@example.com", "192.168.1.10")
	e.Wait()

	assert.Equal(t, map[string]string{"ada@example.com": "FR"}, store.country)
	assert.Equal(t, []string{domain.ActionCountryResolved}, store.actions)
}
