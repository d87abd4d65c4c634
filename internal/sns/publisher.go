// Package sns mirrors notification events onto an SNS topic so systems
// outside this process can react to them.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/orderalert/internal/events"
)

type publishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Config struct {
	Region   string
	TopicARN string
	Endpoint string // optional, for LocalStack
}

// Mirror publishes every bus event it receives to a topic.
type Mirror struct {
	client   publishAPI
	topicARN string
	logger   *zap.Logger
}

func NewMirror(ctx context.Context, cfg Config, logger *zap.Logger) (*Mirror, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Info("sns event mirror initialized",
		zap.String("region", cfg.Region),
		zap.String("topic_arn", cfg.TopicARN),
	)

	return newMirror(client, cfg.TopicARN, logger), nil
}

func newMirror(client publishAPI, topicARN string, logger *zap.Logger) *Mirror {
	return &Mirror{client: client, topicARN: topicARN, logger: logger}
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

// Publish sends evt to the topic. Subscribers can filter on the event, type
// and order_id attributes.
func (m *Mirror) Publish(ctx context.Context, evt events.Event) (string, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	attrs := map[string]types.MessageAttributeValue{
		"event": stringAttr(string(evt.Kind)),
	}
	if evt.Type != "" {
		attrs["type"] = stringAttr(string(evt.Type))
	}
	if evt.Notification != nil {
		attrs["order_id"] = stringAttr(evt.Notification.OrderID)
	}

	result, err := m.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(m.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// Listener adapts the mirror to an event bus subscriber.
func (m *Mirror) Listener() events.Handler {
	return func(ctx context.Context, evt events.Event) error {
		id, err := m.Publish(ctx, evt)
		if err != nil {
			return err
		}
		m.logger.Debug("event mirrored",
			zap.String("event", string(evt.Kind)),
			zap.String("message_id", id),
		)
		return nil
	}
}
