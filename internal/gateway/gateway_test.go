package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/countryballcards/signup/internal/domain"
	"github.com/countryballcards/signup/internal/pkg/logger"
	"github.com/countryballcards/signup/internal/ratelimit"
	"github.com/countryballcards/signup/internal/repository/memory"
	"github.com/countryballcards/signup/internal/service/subscriber"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allowAll struct{}

func (allowAll) Allow(context.Context, string) bool { return true }

type denyAll struct{}

func (denyAll) Allow(context.Context, string) bool { return false }

type fakeNotifier struct {
	mu      sync.Mutex
	welcome []string
}

func (n *fakeNotifier) Welcome(sub *domain.Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.welcome = append(n.welcome, sub.Email)
}

func (n *fakeNotifier) Wait() {}

type fakeEnricher struct {
	calls [][2]string
}

func (e *fakeEnricher) Enrich(email, ip string) { e.calls = append(e.calls, [2]string{email, ip}) }
func (e *fakeEnricher) Wait()                   {}

type failingStore struct {
	*subscriber.Service
}

func (failingStore) Upsert(context.Context, subscriber.UpsertInput) (*subscriber.UpsertResult, error) {
	return nil, fmt.Errorf("%w: insert: connection reset", subscriber.ErrStorage)
}

func newGateway(t *testing.T, limiter Limiter) (*Gateway, *subscriber.Service, *memory.SubscriberRepo, *fakeNotifier) {
	t.Helper()
	repo := memory.NewSubscriberRepo()
	svc := subscriber.NewService(repo)
	n := &fakeNotifier{}
	return New(svc, limiter, n), svc, repo, n
}

var rc = RequestContext{ClientIP: "203.0.113.7", UserAgent: "Mozilla/5.0", Referrer: "https://countryballcards.com/"}

func TestSubscribe_CreatedThenUpdated(t *testing.T) {
	g, svc, _, n := newGateway(t, allowAll{})
	ctx := context.Background()

	env := g.Subscribe(ctx, SubscribeRequest{Email: "a@b.co", Source: "hero"}, rc)
	require.True(t, env.Success)
	assert.Equal(t, domain.OutcomeCreated, env.Outcome)
	assert.Equal(t, MsgSubscribed, env.Message)
	assert.NotEmpty(t, env.SubscriberID)

	again := g.Subscribe(ctx, SubscribeRequest{Email: "A@B.co", Source: "footer"}, rc)
	require.True(t, again.Success)
	assert.Equal(t, domain.OutcomeUpdated, again.Outcome)
	assert.Equal(t, MsgUpdated, again.Message)
	assert.Equal(t, env.SubscriberID, again.SubscriberID)

	g.Wait()
	assert.Equal(t, []string{"a@b.co"}, n.welcome)

	sub, err := svc.Find(ctx, "a@b.co")
	require.NoError(t, err)
	assert.Equal(t, "hero", sub.Source)
	assert.Equal(t, domain.SubscriberPending, sub.Status)
}

func TestSubscribe_DefaultSourceIsAPI(t *testing.T) {
	g, svc, _, _ := newGateway(t, allowAll{})
	ctx := context.Background()

	require.True(t, g.Subscribe(ctx, SubscribeRequest{Email: "a@b.co"}, rc).Success)
	sub, err := svc.Find(ctx, "a@b.co")
	require.NoError(t, err)
	assert.Equal(t, DefaultSource, sub.Source)
}

func TestSubscribe_Validation(t *testing.T) {
	g, svc, repo, n := newGateway(t, allowAll{})
	ctx := context.Background()

	env := g.Subscribe(ctx, SubscribeRequest{Email: "   "}, rc)
	assert.False(t, env.Success)
	assert.Equal(t, KindValidation, env.ErrorKind)
	assert.Equal(t, MsgEmailRequired, env.Message)

	env = g.Subscribe(ctx, SubscribeRequest{Email: "not-an-email"}, rc)
	assert.False(t, env.Success)
	assert.Equal(t, KindValidation, env.ErrorKind)
	assert.Equal(t, MsgInvalidEmail, env.Message)

	_, total, err := repo.List(ctx, subscriber.ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, n.welcome)

	actions, err := svc.Actions(ctx, "not-an-email", 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionSubscriptionFailed, actions[0].Action)
	assert.False(t, actions[0].Success)
	assert.Equal(t, rc.ClientIP, actions[0].IPAddress)
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(os.Stderr) })
	return &buf
}

func rejections(t *testing.T, buf *bytes.Buffer) []map[string]string {
	t.Helper()
	var out []map[string]string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]string
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["msg"] == "gateway: rejected" {
			out = append(out, entry)
		}
	}
	return out
}

func TestValidationFailuresAreLogged(t *testing.T) {
	buf := captureLog(t)
	g, _, _, _ := newGateway(t, allowAll{})
	ctx := context.Background()

	g.Subscribe(ctx, SubscribeRequest{Email: "  "}, rc)
	g.Subscribe(ctx, SubscribeRequest{Email: "not-an-email"}, rc)
	g.Unsubscribe(ctx, "", "", rc)
	g.Unsubscribe(ctx, "nope", "", rc)

	got := rejections(t, buf)
	require.Len(t, got, 4)
	want := [][2]string{
		{"subscribe", "email is required"},
		{"subscribe", "invalid email format"},
		{"unsubscribe", "email is required"},
		{"unsubscribe", "invalid email format"},
	}
	for i, w := range want {
		assert.Equal(t, "WARN", got[i]["level"])
		assert.Equal(t, w[0], got[i]["op"])
		assert.Equal(t, w[1], got[i]["reason"])
		assert.Equal(t, rc.ClientIP, got[i]["ip"])
	}
}

func TestSubscribe_RateLimited(t *testing.T) {
	g, _, repo, _ := newGateway(t, denyAll{})
	env := g.Subscribe(context.Background(), SubscribeRequest{Email: "a@b.co"}, rc)
	assert.False(t, env.Success)
	assert.Equal(t, KindRateLimited, env.ErrorKind)
	assert.Equal(t, MsgRateLimited, env.Message)

	_, total, _ := repo.List(context.Background(), subscriber.ListFilter{})
	assert.Zero(t, total)
}

func TestSubscribe_EleventhRequestIsLimited(t *testing.T) {
	store := ratelimit.NewFileStore(filepath.Join(t.TempDir(), "rate_limits.json"))
	limiter := ratelimit.New(ratelimit.Config{MaxRequests: 10, WindowSeconds: 60}, store)
	g, _, _, _ := newGateway(t, limiter)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		env := g.Subscribe(ctx, SubscribeRequest{Email: "repeat@b.co"}, rc)
		require.True(t, env.Success, "request %d", i+1)
	}
	env := g.Subscribe(ctx, SubscribeRequest{Email: "repeat@b.co"}, rc)
	assert.Equal(t, KindRateLimited, env.ErrorKind)
	assert.Equal(t, MsgRateLimited, env.Message)

	other := rc
	other.ClientIP = "198.51.100.9"
	assert.True(t, g.Subscribe(ctx, SubscribeRequest{Email: "repeat@b.co"}, other).Success)
}

func TestSubscribe_StorageFailure(t *testing.T) {
	svc := subscriber.NewService(memory.NewSubscriberRepo())
	g := New(failingStore{svc}, allowAll{}, &fakeNotifier{})

	env := g.Subscribe(context.Background(), SubscribeRequest{Email: "a@b.co"}, rc)
	assert.False(t, env.Success)
	assert.Equal(t, KindStorage, env.ErrorKind)
	assert.Equal(t, MsgSubscribeFailed, env.Message)
}

func TestSubscribe_EnrichesOnlyOnCreate(t *testing.T) {
	repo := memory.NewSubscriberRepo()
	e := &fakeEnricher{}
	g := New(subscriber.NewService(repo), allowAll{}, nil, WithEnricher(e))
	ctx := context.Background()

	g.Subscribe(ctx, SubscribeRequest{Email: "a@b.co"}, rc)
	g.Subscribe(ctx, SubscribeRequest{Email: "a@b.co"}, rc)
	g.Wait()
	assert.Equal(t, [][2]string{{"a@b.co", rc.ClientIP}}, e.calls)
}

func TestSubscribe_StoresFlattenedMetadata(t *testing.T) {
	g, svc, _, _ := newGateway(t, allowAll{})
	ctx := context.Background()

	q := url.Values{}
	q.Set("utm_source", "reddit")
	withQuery := rc
	withQuery.Query = q

	g.Subscribe(ctx, SubscribeRequest{
		Email:    "a@b.co",
		Campaign: map[string]any{"utm_source": "newsletter", "utm_medium": "social", "ignored": "x"},
		FormData: map[string]any{"page_url": "https://countryballcards.com/join", "timestamp": float64(1714557600000)},
	}, withQuery)

	sub, err := svc.Find(ctx, "a@b.co")
	require.NoError(t, err)
	assert.Equal(t, "reddit", sub.UTMSource)
	assert.Equal(t, "social", sub.UTMMedium)
	assert.Equal(t, "https://countryballcards.com/join", sub.Metadata[domain.MetaPageURL])
	assert.Equal(t, "1714557600000", sub.Metadata[domain.MetaFormTimestamp])
	assert.Equal(t, "Mozilla/5.0", sub.Metadata[domain.MetaUserAgent])
	assert.NotContains(t, sub.Metadata, "ignored")
}

func TestSubscribe_OversizedSourceAndCampaignAreClipped(t *testing.T) {
	g, svc, _, _ := newGateway(t, allowAll{})
	ctx := context.Background()

	env := g.Subscribe(ctx, SubscribeRequest{
		Email:    "long@b.co",
		Source:   strings.Repeat("s", 150),
		Campaign: map[string]any{"utm_source": strings.Repeat("u", 400)},
	}, rc)
	require.True(t, env.Success, env.Message)

	sub, err := svc.Find(ctx, "long@b.co")
	require.NoError(t, err)
	assert.Equal(t, domain.MaxSourceLen, utf8.RuneCountInString(sub.Source))
	assert.Len(t, sub.UTMSource, domain.MaxUTMLen)
}

func TestFlattenMetadata_IgnoresNonScalars(t *testing.T) {
	meta := FlattenMetadata(SubscribeRequest{
		Campaign: map[string]any{"utm_campaign": map[string]any{"nested": true}, "utm_term": true},
	}, RequestContext{})
	assert.Equal(t, map[string]string{"utm_term": "true"}, meta)
}

func TestUnsubscribe(t *testing.T) {
	g, svc, _, _ := newGateway(t, allowAll{})
	ctx := context.Background()

	env := g.Unsubscribe(ctx, "ghost@b.co", "", rc)
	assert.Equal(t, KindNotFound, env.ErrorKind)
	assert.Equal(t, MsgNotFound, env.Message)

	g.Subscribe(ctx, SubscribeRequest{Email: "a@b.co"}, rc)
	first := g.Unsubscribe(ctx, "A@B.CO", "too many emails", rc)
	require.True(t, first.Success)
	assert.Equal(t, MsgUnsubscribed, first.Message)

	sub, err := svc.Find(ctx, "a@b.co")
	require.NoError(t, err)
	require.NotNil(t, sub.UnsubscribedAt)
	stamp := *sub.UnsubscribedAt

	second := g.Unsubscribe(ctx, "a@b.co", "", rc)
	require.True(t, second.Success)
	sub, err = svc.Find(ctx, "a@b.co")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriberUnsubscribed, sub.Status)
	assert.True(t, stamp.Equal(*sub.UnsubscribedAt))

	again := g.Subscribe(ctx, SubscribeRequest{Email: "a@b.co"}, rc)
	assert.Equal(t, domain.OutcomeUpdated, again.Outcome)
	sub, _ = svc.Find(ctx, "a@b.co")
	assert.Equal(t, domain.SubscriberPending, sub.Status)
}

func TestUnsubscribe_ValidationAndLimit(t *testing.T) {
	g, _, _, _ := newGateway(t, allowAll{})
	assert.Equal(t, MsgEmailRequired, g.Unsubscribe(context.Background(), "", "", rc).Message)
	assert.Equal(t, MsgInvalidEmail, g.Unsubscribe(context.Background(), "nope", "", rc).Message)

	limited, _, _, _ := newGateway(t, denyAll{})
	assert.Equal(t, KindRateLimited, limited.Unsubscribe(context.Background(), "a@b.co", "", rc).ErrorKind)
}
