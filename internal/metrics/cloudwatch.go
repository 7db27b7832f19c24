// Package metrics emits transition-outcome counters to CloudWatch.
package metrics

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metric and dimension names.
const (
	MetricTransition = "SubscriptionTransition"
	DimOperation     = "Operation"
	DimOutcome       = "Outcome"
)

// TransitionRecorder emits one SubscriptionTransition count per transition
// attempt, dimensioned by operation and outcome. Emission failures are
// logged and swallowed; metrics never fail a transition.
type TransitionRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewTransitionRecorder creates a recorder publishing to the given
// CloudWatch namespace. logger may be nil.
func NewTransitionRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *TransitionRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransitionRecorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordTransition increments the counter for one (operation, outcome) pair.
func (r *TransitionRecorder) RecordTransition(ctx context.Context, op, outcome string) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(r.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricTransition),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{
						Name:  aws.String(DimOperation),
						Value: aws.String(op),
					},
					{
						Name:  aws.String(DimOutcome),
						Value: aws.String(outcome),
					},
				},
			},
		},
	}

	if _, err := r.client.PutMetricData(ctx, input); err != nil {
		r.logger.ErrorContext(ctx, "failed to record transition metric",
			"operation", op,
			"outcome", outcome,
			"error", err,
		)
	}
}
