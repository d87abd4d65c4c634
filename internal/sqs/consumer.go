// Package sqs consumes order-placed messages published by the storefront.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/orderalert/internal/db"
)

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type Config struct {
	Region   string
	QueueURL string

	// RetryDelay is how long a failed message stays invisible before redelivery.
	RetryDelay time.Duration
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// OrderPlaced is the message body published when an order is placed.
type OrderPlaced struct {
	OrderID string `json:"order_id"`
}

// Handler processes one placed order. Returning an error wrapping
// db.ErrNotFound drops the message; any other error leaves it for redelivery.
type Handler func(ctx context.Context, orderID string) error

// Consumer long-polls the order queue.
type Consumer struct {
	client   sqsAPI
	queueURL string
	config   Config
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return newConsumer(sqs.NewFromConfig(awsCfg), cfg, logger), nil
}

func newConsumer(client sqsAPI, cfg Config, logger *zap.Logger) *Consumer {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		config:   cfg,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) {
	c.logger.Info("order queue consumer started", zap.String("queue_url", c.queueURL))

	for {
		if ctx.Err() != nil {
			c.logger.Info("order queue consumer stopping")
			return
		}

		if _, err := c.Poll(ctx, handle); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("failed to receive from order queue", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.config.ErrorBackoff):
			}
		}
	}
}

// Poll receives one batch and handles it. It returns how many messages were
// removed from the queue.
func (c *Consumer) Poll(ctx context.Context, handle Handler) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	deleted := 0
	for _, msg := range result.Messages {
		if c.process(ctx, msg, handle) {
			deleted++
		}
	}
	return deleted, nil
}

func (c *Consumer) process(ctx context.Context, msg types.Message, handle Handler) bool {
	messageID := aws.ToString(msg.MessageId)

	var body OrderPlaced
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &body); err != nil || strings.TrimSpace(body.OrderID) == "" {
		// redelivering a malformed message can never succeed
		c.logger.Error("dropping malformed order message",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		return c.delete(ctx, msg)
	}

	err := handle(ctx, body.OrderID)
	switch {
	case err == nil:
		return c.delete(ctx, msg)
	case errors.Is(err, db.ErrNotFound):
		c.logger.Warn("dropping message for unknown order",
			zap.String("message_id", messageID),
			zap.String("order_id", body.OrderID),
		)
		return c.delete(ctx, msg)
	default:
		c.logger.Warn("order message failed, will be redelivered",
			zap.String("message_id", messageID),
			zap.String("order_id", body.OrderID),
			zap.Error(err),
		)
		c.retryLater(ctx, msg)
		return false
	}
}

func (c *Consumer) delete(ctx context.Context, msg types.Message) bool {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		c.logger.Error("sqs delete failed",
			zap.String("message_id", aws.ToString(msg.MessageId)),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (c *Consumer) retryLater(ctx context.Context, msg types.Message) {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     msg.ReceiptHandle,
		VisibilityTimeout: int32(c.config.RetryDelay / time.Second),
	})
	if err != nil {
		c.logger.Warn("sqs change visibility failed",
			zap.String("message_id", aws.ToString(msg.MessageId)),
			zap.Error(err),
		)
	}
}
