// Package queue publishes domain events to SQS for downstream notification
// and audit consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"maplebill/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends committed-transition events to a single SQS queue. The
// engine treats publish failures as non-fatal; consumers tolerate gaps and
// reconcile from the billing ledger.
type Publisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewPublisher creates a Publisher for the given queue URL. logger may be nil.
func NewPublisher(client SQSSender, queueURL string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Publish serializes the event to JSON and sends it, with the event type and
// account id as message attributes so consumers can filter without decoding
// the body.
func (p *Publisher) Publish(ctx context.Context, event types.DomainEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal domain event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
			"account_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.AccountID),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send domain event %s: %w", event.ID, err)
	}

	p.logger.DebugContext(ctx, "domain event published",
		"event_id", event.ID,
		"event_type", string(event.Type),
		"account_id", event.AccountID,
	)
	return nil
}
