package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/imrishuroy/go-orderflow-notifier/internal/aws"
)

// PutMetricData accepts at most 1000 datums per call.
const maxDatumsPerCall = 1000

// CloudWatch buffers datums in memory and ships them with Flush. The worker
// flushes once at the end of every invocation.
type CloudWatch struct {
	client    aws.CloudWatchAPI
	namespace string
	nowFunc   func() time.Time

	mu     sync.Mutex
	datums []cwtypes.MetricDatum
}

// NewCloudWatch returns a recorder publishing under namespace.
func NewCloudWatch(client aws.CloudWatchAPI, namespace string) *CloudWatch {
	return &CloudWatch{
		client:    client,
		namespace: namespace,
		nowFunc:   time.Now,
	}
}

func (c *CloudWatch) add(name string, value float64, unit cwtypes.StandardUnit, dims ...cwtypes.Dimension) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datums = append(c.datums, cwtypes.MetricDatum{
		MetricName: sdkaws.String(name),
		Value:      sdkaws.Float64(value),
		Unit:       unit,
		Timestamp:  sdkaws.Time(c.nowFunc()),
		Dimensions: dims,
	})
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: sdkaws.String(name), Value: sdkaws.String(value)}
}

func (c *CloudWatch) ObserveDispatch(outcome string, d time.Duration) {
	c.add("NotificationDispatched", 1, cwtypes.StandardUnitCount, dim("Outcome", outcome))
	c.add("NotificationDispatchLatency", float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds, dim("Outcome", outcome))
}

func (c *CloudWatch) ObserveCycle(claimed, conflicts int, d time.Duration) {
	c.add("SchedulerClaimed", float64(claimed), cwtypes.StandardUnitCount)
	c.add("SchedulerClaimConflicts", float64(conflicts), cwtypes.StandardUnitCount)
	c.add("SchedulerCycleDuration", float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds)
}

func (c *CloudWatch) ObservePaymentEvent(result string) {
	c.add("PaymentEvent", 1, cwtypes.StandardUnitCount, dim("Result", result))
}

func (c *CloudWatch) ObserveTransition(from, to string) {
	c.add("OrderTransition", 1, cwtypes.StandardUnitCount, dim("From", from), dim("To", to))
}

// Pending reports how many datums are buffered.
func (c *CloudWatch) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.datums)
}

// Flush sends all buffered datums. On error the unsent datums are dropped;
// metrics are best-effort.
func (c *CloudWatch) Flush(ctx context.Context) error {
	c.mu.Lock()
	datums := c.datums
	c.datums = nil
	c.mu.Unlock()

	for start := 0; start < len(datums); start += maxDatumsPerCall {
		end := start + maxDatumsPerCall
		if end > len(datums) {
			end = len(datums)
		}
		_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  sdkaws.String(c.namespace),
			MetricData: datums[start:end],
		})
		if err != nil {
			return fmt.Errorf("put metric data: %w", err)
		}
	}
	return nil
}
