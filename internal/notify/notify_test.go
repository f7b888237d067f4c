package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/countryballcards/signup/internal/config"
	"github.com/countryballcards/signup/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRenderer() *Renderer {
	return NewRenderer("Countryball Cards", "https://countryballcards.com/")
}

func TestRender_Welcome(t *testing.T) {
	msg, err := newRenderer().Render(KindWelcome, map[string]any{
		"email":           "ada@example.com",
		"unsubscribe_url": "https://countryballcards.com/unsubscribe?email=ada%40example.com&sig=abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "Welcome to Countryball Cards - your early bird spot is reserved!", msg.Subject)
	assert.Contains(t, msg.HTML, "https://countryballcards.com/printandplay.html")
	assert.Contains(t, msg.HTML, "sig=abc")
	assert.Contains(t, msg.Text, "Unsubscribe: https://countryballcards.com/unsubscribe")
	assert.NotContains(t, msg.Text, " on .")
}

func TestRender_LaunchWithDiscount(t *testing.T) {
	msg, err := newRenderer().Render(KindLaunch, map[string]any{
		"discount_code": "EARLY5",
		"campaign_url":  "https://kickstarter.example/cbc",
	})
	require.NoError(t, err)
	assert.Equal(t, "Countryball Cards is LIVE!", msg.Subject)
	assert.Contains(t, msg.Text, "EARLY5")
	assert.Contains(t, msg.HTML, "https://kickstarter.example/cbc")
}

func TestRender_Custom(t *testing.T) {
	r := newRenderer()
	msg, err := r.Render(KindCustom, map[string]any{
		CustomSubject: "Hi {{ email | mask_email }}",
		CustomHTML:    "<p>{{ brand }}</p>",
		"email":       "ada@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi ad***@example.com", msg.Subject)
	assert.Equal(t, "<p>Countryball Cards</p>", msg.HTML)
	assert.Empty(t, msg.Text)

	_, err = r.Render(KindCustom, map[string]any{CustomSubject: "x"})
	assert.ErrorIs(t, err, ErrMissingTemplate)

	_, err = r.Render("newsletter", nil)
	assert.Error(t, err)
}

func TestRenderer_Validate(t *testing.T) {
	r := newRenderer()
	assert.NoError(t, r.Validate("{{ email }}", "{% if x %}y{% endif %}"))
	assert.Error(t, r.Validate("{% if x %}unterminated"))
}

type fakeSES struct {
	mu    sync.Mutex
	calls []*sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSESDispatcher_BuildsMessage(t *testing.T) {
	api := &fakeSES{}
	d := NewSESDispatcherWithClient(api, config.MailConfig{
		FromEmail: "hello@countryballcards.com", FromName: "Countryball Cards",
		ReplyTo: "support@countryballcards.com", ConfigurationSet: "signup",
	}, newRenderer())

	require.NoError(t, d.Send(context.Background(), "ada@example.com", KindWelcome, nil))
	require.Len(t, api.calls, 1)
	in := api.calls[0]
	assert.Equal(t, "Countryball Cards <hello@countryballcards.com>", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"ada@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, []string{"support@countryballcards.com"}, in.ReplyToAddresses)
	assert.Equal(t, "signup", aws.ToString(in.ConfigurationSetName))
	require.NotNil(t, in.Content.Simple.Body.Text)
	assert.Equal(t, "welcome", aws.ToString(in.EmailTags[0].Value))
}

func TestSESDispatcher_ProviderError(t *testing.T) {
	api := &fakeSES{err: errors.New("throttled")}
	d := NewSESDispatcherWithClient(api, config.MailConfig{FromEmail: "a@b.co"}, newRenderer())
	err := d.Send(context.Background(), "ada@example.com", KindWelcome, nil)
	assert.ErrorContains(t, err, "throttled")
}

func TestLinkSigner(t *testing.T) {
	s := NewLinkSigner("s3cret", "https://countryballcards.com/")
	sig := s.Sign("Ada@Example.com")
	assert.Equal(t, sig, s.Sign("ada@example.com"))
	assert.NoError(t, s.Verify("ada@example.com", sig))
	assert.ErrorIs(t, s.Verify("eve@example.com", sig), ErrBadSignature)
	assert.ErrorIs(t, s.Verify("ada@example.com", "zz"), ErrBadSignature)
	assert.ErrorIs(t, s.Verify("ada@example.com", ""), ErrBadSignature)

	u := s.UnsubscribeURL("ada@example.com")
	assert.True(t, strings.HasPrefix(u, "https://countryballcards.com/unsubscribe?email=ada%40example.com&sig="))

	assert.ErrorIs(t, NewLinkSigner("", "").Verify("ada@example.com", sig), ErrBadSignature)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []string
	err  error
	data []map[string]any
}

func (d *recordingDispatcher) Send(_ context.Context, to string, _ TemplateKind, data map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, to)
	d.data = append(d.data, data)
	return d.err
}

type fakeRecorder struct {
	mu      sync.Mutex
	sends   []string
	actions []string
}

func (r *fakeRecorder) RecordSend(_ context.Context, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, email)
	return nil
}

func (r *fakeRecorder) RecordAction(_ context.Context, _, action, _, _ string, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
}

func TestNotifier_WelcomeOncePerSubscriber(t *testing.T) {
	d := &recordingDispatcher{}
	rec := &fakeRecorder{}
	n := NewNotifier(d, rec, NewLinkSigner("k", "https://countryballcards.com"))

	sub := &domain.Subscriber{ID: "sub-1", Email: "ada@example.com", Source: "hero"}
	n.Welcome(sub)
	n.Welcome(sub)
	n.Wait()

	assert.Equal(t, []string{"ada@example.com"}, d.sent)
	assert.Equal(t, []string{"ada@example.com"}, rec.sends)
	assert.Equal(t, []string{domain.ActionWelcomeEmailSent}, rec.actions)
	assert.Contains(t, d.data[0]["unsubscribe_url"], "sig=")
}

func TestNotifier_FailureIsRecordedNotReturned(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("smtp down")}
	rec := &fakeRecorder{}
	n := NewNotifier(d, rec, nil, WithTimeout(time.Second))

	n.Welcome(&domain.Subscriber{ID: "sub-2", Email: "bob@example.com"})
	n.Wait()

	assert.Empty(t, rec.sends)
	assert.Equal(t, []string{domain.ActionWelcomeEmailFailed}, rec.actions)
}

func TestRedisDeduper(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	d := NewRedisDeduper(client, time.Hour)
	first, err := d.Claim(context.Background(), "welcome:sub-1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.Claim(context.Background(), "welcome:sub-1")
	require.NoError(t, err)
	assert.False(t, again)

	mr.FastForward(2 * time.Hour)
	expired, err := d.Claim(context.Background(), "welcome:sub-1")
	require.NoError(t, err)
	assert.True(t, expired)
}

func TestNotifier_DedupeErrorSkipsSend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	d := &recordingDispatcher{}
	n := NewNotifier(d, &fakeRecorder{}, nil, WithDeduper(NewRedisDeduper(client, 0)), WithTimeout(time.Second))
	n.Welcome(&domain.Subscriber{ID: "sub-3", Email: "cy@example.com"})
	n.Wait()

	assert.Empty(t, d.sent)
}
