package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// snsAPI is the subset of the SNS client used here.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSConfig configures SMS delivery through AWS SNS.
type SNSConfig struct {
	Region string
	// SenderNumber is the origination number shown to recipients.
	SenderNumber string
}

// SNSSender sends SMS via AWS SNS direct phone publish.
type SNSSender struct {
	client snsAPI
	sender string
	logger *zap.Logger
}

// NewSNSSender creates a new SNS sender for SMS notifications
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return newSNSSender(sns.NewFromConfig(awsCfg), cfg.SenderNumber, logger), nil
}

func newSNSSender(client snsAPI, sender string, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, sender: sender, logger: logger}
}

// SendSMS publishes body to phone as a transactional SMS.
func (s *SNSSender) SendSMS(ctx context.Context, phone, body string) error {
	if phone == "" {
		return fmt.Errorf("sms: missing phone number")
	}
	if body == "" {
		return fmt.Errorf("sms: empty message")
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.sender != "" {
		attrs["AWS.MM.SMS.OriginationNumber"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.sender),
		}
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("phone_number", phone),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
