package router

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"stillpoint/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metric and dimension names.
const (
	metricDeliveryOutcome = "DeliveryOutcome"
	metricBatchSize       = "QueueBatchSize"
	metricBatchDuration   = "QueueBatchDuration"
	metricPushLatency     = "PushLatency"

	dimCategory = "Category"
	dimOutcome  = "Outcome"
)

// Compile-time assertion that CloudWatchMetrics implements MetricsRecorder.
var _ types.MetricsRecorder = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics implements types.MetricsRecorder by emitting delivery
// outcome counts, batch sizes, and push latency to CloudWatch. Emission
// failures are logged and swallowed; observability must never fail a send.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to the given
// namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordOutcome emits one DeliveryOutcome count with Category and Outcome
// dimensions.
func (m *CloudWatchMetrics) RecordOutcome(ctx context.Context, category types.Category, outcome types.Outcome) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(metricDeliveryOutcome),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(dimCategory), Value: aws.String(string(category))},
			{Name: aws.String(dimOutcome), Value: aws.String(string(outcome))},
		},
	})
}

// RecordBatch emits the batch size and wall-clock duration of one queue run.
func (m *CloudWatchMetrics) RecordBatch(ctx context.Context, size int, duration time.Duration) {
	m.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(metricBatchSize),
			Value:      aws.Float64(float64(size)),
			Unit:       cwtypes.StandardUnitCount,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(metricBatchDuration),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
		},
	)
}

// RecordPushLatency emits the time one transport send took.
func (m *CloudWatchMetrics) RecordPushLatency(ctx context.Context, d time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(metricPushLatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

func (m *CloudWatchMetrics) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record metrics", "error", err.Error())
	}
}
