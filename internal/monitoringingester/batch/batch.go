package batch

import (
	"time"

	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/runmonproject/runmon/internal/monitoringingester/ingress"
	"github.com/runmonproject/runmon/internal/monitoringingester/metrics"
	"github.com/runmonproject/runmon/internal/monitoringingester/model"
)

// Collector extracts bounded batches from a pending buffer.  A batch is closed as soon
// as the time budget elapses, the count threshold is reached, or the buffer is
// observed empty - whichever occurs first.  The collector never waits for more
// messages to arrive: small batches keep persistence latency low for small workloads
// while the threshold amortises commit overhead under load.
type Collector struct {
	queue   *ingress.Queue[*model.Message]
	clock   clock.PassiveClock
	metrics *metrics.Metrics
}

func NewCollector(queue *ingress.Queue[*model.Message], m *metrics.Metrics) *Collector {
	return &Collector{
		queue:   queue,
		clock:   clock.RealClock{},
		metrics: m,
	}
}

// NewCollectorWithClock is used by tests that need a deterministic clock.
func NewCollectorWithClock(queue *ingress.Queue[*model.Message], m *metrics.Metrics, clk clock.PassiveClock) *Collector {
	return &Collector{
		queue:   queue,
		clock:   clk,
		metrics: m,
	}
}

// Collect accumulates up to threshold messages within budget.  A non-positive budget
// means no time bound, so combined with a large threshold it drains everything
// currently buffered.
func (c *Collector) Collect(budget time.Duration, threshold int) []*model.Message {
	var messages []*model.Message
	start := c.clock.Now()
	for {
		if len(messages) >= threshold {
			break
		}
		if budget > 0 && c.clock.Since(start) >= budget {
			break
		}
		msg, ok := c.queue.TryPop()
		if !ok {
			break
		}
		messages = append(messages, msg)
	}
	c.metrics.RecordBatchSize(len(messages))
	return messages
}
