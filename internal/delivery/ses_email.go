package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESConfig struct {
	Region    string
	FromEmail string
}

// SESSender sends escalation e-mail via AWS SES.
type SESSender struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return newSESSender(ses.NewFromConfig(awsCfg), cfg.FromEmail, logger), nil
}

func newSESSender(client sesAPI, from string, logger *zap.Logger) *SESSender {
	return &SESSender{client: client, from: from, logger: logger}
}

// SendEmail sends one plain-text message to every address in to.
func (s *SESSender) SendEmail(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return fmt.Errorf("email: no recipients")
	}
	if subject == "" {
		return fmt.Errorf("email: missing subject")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: to,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.Strings("to", to),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
