package ingress

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runmonproject/runmon/internal/monitoringingester/metrics"
	"github.com/runmonproject/runmon/internal/monitoringingester/model"
)

// StopFlag is the single cross-goroutine shutdown signal.  It is monotonic: once set
// it is never unset.
type StopFlag struct {
	v atomic.Bool
}

func (f *StopFlag) Set() {
	f.v.Store(true)
}

func (f *StopFlag) IsSet() bool {
	return f.v.Load()
}

// Forwarder continuously drains one ingress queue into a pending buffer, decoupling
// producer cadence from batch-consumer cadence.  It exits only once the stop flag is
// set and its source queue has been observed empty, so no message enqueued before
// shutdown is ever lost.
type Forwarder[T any] struct {
	name         string
	source       *Queue[T]
	pending      *Queue[*model.Message]
	transform    func(T) (*model.Message, bool)
	stop         *StopFlag
	pollInterval time.Duration
	metrics      *metrics.Metrics
	log          *logrus.Entry
}

// NewPriorityForwarder forwards workflow and task messages to the priority pending
// buffer.  The STOP sentinel is not forwarded; instead onStop is invoked (once per
// sentinel observed) to trigger the coordinator's drain.
func NewPriorityForwarder(
	source *Queue[*model.Message],
	pending *Queue[*model.Message],
	stop *StopFlag,
	pollInterval time.Duration,
	m *metrics.Metrics,
	log *logrus.Entry,
	onStop func(),
) *Forwarder[*model.Message] {
	return &Forwarder[*model.Message]{
		name:    "priority",
		source:  source,
		pending: pending,
		transform: func(msg *model.Message) (*model.Message, bool) {
			if msg.Kind == model.MessageKindStop {
				onStop()
				return nil, false
			}
			return msg, true
		},
		stop:         stop,
		pollInterval: pollInterval,
		metrics:      m,
		log:          log.WithField("forwarder", "priority"),
	}
}

// NewResourceForwarder forwards resource samples to the resource pending buffer.  The
// envelope's source address is informational only and is dropped here.
func NewResourceForwarder(
	source *Queue[*model.ResourceEnvelope],
	pending *Queue[*model.Message],
	stop *StopFlag,
	pollInterval time.Duration,
	m *metrics.Metrics,
	log *logrus.Entry,
) *Forwarder[*model.ResourceEnvelope] {
	return &Forwarder[*model.ResourceEnvelope]{
		name:    "resource",
		source:  source,
		pending: pending,
		transform: func(env *model.ResourceEnvelope) (*model.Message, bool) {
			return env.Message, env.Message != nil
		},
		stop:         stop,
		pollInterval: pollInterval,
		metrics:      m,
		log:          log.WithField("forwarder", "resource"),
	}
}

// Run polls the source queue until the stop flag is set and the source is empty.
// An empty poll is not an error; the forwarder backs off briefly and re-polls.
func (f *Forwarder[T]) Run() {
	f.log.Info("Forwarder starting")
	for {
		item, ok := f.source.TryPop()
		if !ok {
			if f.stop.IsSet() && f.source.Len() == 0 {
				f.log.Info("Stop flag set and source drained; forwarder exiting")
				return
			}
			time.Sleep(f.pollInterval)
			continue
		}

		f.metrics.RecordMessageReceived(f.name)
		if msg, forward := f.transform(item); forward {
			f.pending.Put(msg)
		}
	}
}
