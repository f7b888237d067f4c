// Package notify renders and delivers subscriber email. Dispatchers are
// synchronous; Notifier wraps them in the fire-and-forget boundary used on
// the subscribe path.
package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/countryballcards/signup/internal/config"
	"github.com/countryballcards/signup/internal/pkg/logger"
)

// Dispatcher delivers one rendered template to one recipient.
type Dispatcher interface {
	Send(ctx context.Context, to string, kind TemplateKind, data map[string]any) error
}

// SESAPI is the subset of the SES v2 client used for delivery.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESDispatcher sends mail through AWS SES v2.
type SESDispatcher struct {
	client    SESAPI
	renderer  *Renderer
	from      string
	replyTo   string
	configSet string
}

// NewSESDispatcher loads AWS configuration for cfg. Static credentials are
// used when both keys are set; otherwise the default provider chain applies.
func NewSESDispatcher(ctx context.Context, cfg config.MailConfig, renderer *Renderer) (*SESDispatcher, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewSESDispatcherWithClient(sesv2.NewFromConfig(awsCfg), cfg, renderer), nil
}

// NewSESDispatcherWithClient wires an existing client.
func NewSESDispatcherWithClient(client SESAPI, cfg config.MailConfig, renderer *Renderer) *SESDispatcher {
	from := cfg.FromEmail
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromEmail)
	}
	return &SESDispatcher{
		client:    client,
		renderer:  renderer,
		from:      from,
		replyTo:   cfg.ReplyTo,
		configSet: cfg.ConfigurationSet,
	}
}

func (d *SESDispatcher) Send(ctx context.Context, to string, kind TemplateKind, data map[string]any) error {
	if d.client == nil {
		return ErrNotConfigured
	}
	msg, err := d.renderer.Render(kind, data)
	if err != nil {
		return err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(d.from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("template"), Value: aws.String(string(kind))},
		},
	}
	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if d.replyTo != "" {
		input.ReplyToAddresses = []string{d.replyTo}
	}
	if d.configSet != "" {
		input.ConfigurationSetName = aws.String(d.configSet)
	}

	out, err := d.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	logger.Info("notify: sent", "to", to, "template", string(kind), "message_id", aws.ToString(out.MessageId))
	return nil
}

// LogDispatcher renders messages and logs them instead of sending. Used
// when mail is disabled and in development.
type LogDispatcher struct {
	renderer *Renderer
}

// NewLogDispatcher creates a logging dispatcher.
func NewLogDispatcher(renderer *Renderer) *LogDispatcher {
	return &LogDispatcher{renderer: renderer}
}

func (d *LogDispatcher) Send(_ context.Context, to string, kind TemplateKind, data map[string]any) error {
	msg, err := d.renderer.Render(kind, data)
	if err != nil {
		return err
	}
	logger.Info("notify: mail disabled, not sent", "to", to, "template", string(kind), "subject", msg.Subject)
	return nil
}

// NewDispatcher picks the dispatcher for cfg.Provider.
func NewDispatcher(ctx context.Context, cfg config.MailConfig, renderer *Renderer) (Dispatcher, error) {
	switch cfg.Provider {
	case "ses":
		return NewSESDispatcher(ctx, cfg, renderer)
	case "log", "":
		return NewLogDispatcher(renderer), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Provider)
	}
}
