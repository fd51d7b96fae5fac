package monitoringingester

import (
	"context"
	"math"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/runmonproject/runmon/internal/common/database"
	"github.com/runmonproject/runmon/internal/monitoringingester/batch"
	"github.com/runmonproject/runmon/internal/monitoringingester/configuration"
	"github.com/runmonproject/runmon/internal/monitoringingester/ingress"
	"github.com/runmonproject/runmon/internal/monitoringingester/instructions"
	"github.com/runmonproject/runmon/internal/monitoringingester/metrics"
	"github.com/runmonproject/runmon/internal/monitoringingester/model"
	"github.com/runmonproject/runmon/internal/monitoringingester/monitordb"
	"github.com/runmonproject/runmon/internal/monitoringingester/receiver"
)

// State describes the coordinator's lifecycle.  Transitions only ever move forward.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Ingester wires the full pipeline together: two ingress queues feeding two pending
// buffers via forwarder goroutines, and a single coordinator loop that collects
// batches, converts them to instructions and hands them to the sink.  All database
// work happens on the coordinator goroutine.
type Ingester struct {
	config    *configuration.MonitoringIngesterConfiguration
	sink      monitordb.Sink
	converter *instructions.Converter

	priorityIngress *ingress.Queue[*model.Message]
	resourceIngress *ingress.Queue[*model.ResourceEnvelope]
	priorityPending *ingress.Queue[*model.Message]
	resourcePending *ingress.Queue[*model.Message]

	priorityCollector *batch.Collector
	resourceCollector *batch.Collector

	stop    *ingress.StopFlag
	state   atomic.Int32
	metrics *metrics.Metrics
	log     *logrus.Entry
}

func NewIngester(
	config *configuration.MonitoringIngesterConfiguration,
	sink monitordb.Sink,
	m *metrics.Metrics,
	log *logrus.Entry,
) *Ingester {
	priorityIngress := ingress.NewQueue[*model.Message]("priority-ingress", config.PendingQueueSoftCeiling, log)
	resourceIngress := ingress.NewQueue[*model.ResourceEnvelope]("resource-ingress", config.PendingQueueSoftCeiling, log)
	priorityPending := ingress.NewQueue[*model.Message]("priority-pending", config.PendingQueueSoftCeiling, log)
	resourcePending := ingress.NewQueue[*model.Message]("resource-pending", config.PendingQueueSoftCeiling, log)

	return &Ingester{
		config:            config,
		sink:              sink,
		converter:         instructions.NewConverter(m, log),
		priorityIngress:   priorityIngress,
		resourceIngress:   resourceIngress,
		priorityPending:   priorityPending,
		resourcePending:   resourcePending,
		priorityCollector: batch.NewCollector(priorityPending, m),
		resourceCollector: batch.NewCollector(resourcePending, m),
		stop:              &ingress.StopFlag{},
		metrics:           m,
		log:               log.WithField("component", "ingester"),
	}
}

// PriorityIngress is the queue producers put workflow and task messages on, including
// the stop sentinel.
func (i *Ingester) PriorityIngress() *ingress.Queue[*model.Message] {
	return i.priorityIngress
}

// ResourceIngress is the queue producers put resource samples on.
func (i *Ingester) ResourceIngress() *ingress.Queue[*model.ResourceEnvelope] {
	return i.resourceIngress
}

func (i *Ingester) State() State {
	return State(i.state.Load())
}

// Run executes the pipeline until a stop sentinel has been observed and every queue
// has been drained, or until the sink reports an unrecoverable error.  Cancelling ctx
// is equivalent to receiving a stop sentinel.
func (i *Ingester) Run(ctx context.Context) error {
	i.state.Store(int32(StateRunning))
	i.log.Info("Ingester starting")

	priorityForwarder := ingress.NewPriorityForwarder(
		i.priorityIngress, i.priorityPending, i.stop, i.config.PollInterval, i.metrics, i.log,
		func() {
			i.log.Info("Stop sentinel received")
			i.stop.Set()
		})
	resourceForwarder := ingress.NewResourceForwarder(
		i.resourceIngress, i.resourcePending, i.stop, i.config.PollInterval, i.metrics, i.log)

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		priorityForwarder.Run()
	}()
	go func() {
		defer wg.Done()
		resourceForwarder.Run()
	}()

	for !i.stop.IsSet() || i.queuedMessages() > 0 {
		if ctx.Err() != nil && !i.stop.IsSet() {
			i.log.Info("Context cancelled; draining")
			i.stop.Set()
		}

		budget := i.config.BatchDuration
		threshold := i.config.BatchSize
		if i.stop.IsSet() {
			if i.State() == StateRunning {
				i.state.Store(int32(StateDraining))
				i.log.Info("Draining pending messages before stopping")
			}
			// No time bound and no count bound while draining: every already
			// queued message must reach the database before we stop.
			budget = 0
			threshold = math.MaxInt
		}

		set := i.converter.Convert(i.priorityCollector.Collect(budget, threshold))
		i.converter.ConvertResourceBatch(i.resourceCollector.Collect(budget, threshold), set)

		if set.IsEmpty() {
			// Nothing buffered yet.  While draining this still happens when the
			// forwarders have not caught up with the ingress queues.
			time.Sleep(i.config.PollInterval)
			continue
		}

		if err := i.storeSet(ctx, set); err != nil {
			return err
		}
	}

	wg.Wait()

	// A forwarder can move a message into a pending buffer after the loop's last
	// queue check but before it exits: it has already popped the message off its
	// ingress queue, so queuedMessages cannot see it.  Both forwarders have exited
	// by now, so one more sweep over the pending buffers picks up anything that
	// slipped through that window.
	set := i.converter.Convert(i.priorityCollector.Collect(0, math.MaxInt))
	i.converter.ConvertResourceBatch(i.resourceCollector.Collect(0, math.MaxInt), set)
	if !set.IsEmpty() {
		if err := i.storeSet(ctx, set); err != nil {
			return err
		}
	}

	i.state.Store(int32(StateStopped))
	i.log.Info("All queues drained; ingester stopped")
	return nil
}

func (i *Ingester) storeSet(ctx context.Context, set *model.InstructionSet) error {
	if err := i.sink.Store(ctx, set); err != nil {
		// The sink has already exhausted its retries.  Stop accepting work and
		// surface the error; the forwarders are left to exit on their own once
		// producers stop.
		i.stop.Set()
		i.state.Store(int32(StateStopped))
		i.log.WithError(err).Error("Unrecoverable database error; ingester stopping")
		return errors.WithMessage(err, "storing instruction set")
	}
	return nil
}

func (i *Ingester) queuedMessages() int {
	return i.priorityIngress.Len() +
		i.resourceIngress.Len() +
		i.priorityPending.Len() +
		i.resourcePending.Len()
}

// Run is the monitoring ingester entry point: it connects to postgres, ensures the
// schema, starts the telemetry receiver if one is configured and runs the pipeline
// until a stop sentinel or termination signal arrives.
func Run(config *configuration.MonitoringIngesterConfiguration) error {
	log := logrus.NewEntry(logrus.StandardLogger()).WithField("service", "monitoringingester")
	m := metrics.Get()

	var pool *pgxpool.Pool
	err := retry.Do(
		func() error {
			var err error
			pool, err = database.OpenPgxPool(config.Postgres)
			return err
		},
		retry.Attempts(config.ConnectionAttempts),
		retry.Delay(time.Second),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Failed to connect to postgres (attempt %d), retrying", n+1)
		}),
	)
	if err != nil {
		return errors.WithMessage(err, "connecting to postgres")
	}
	defer pool.Close()

	ctx := context.Background()
	if err := monitordb.EnsureSchema(ctx, pool); err != nil {
		return errors.WithMessage(err, "ensuring monitoring schema")
	}

	db := monitordb.NewMonitorDb(pool, m, log)
	ingester := NewIngester(config, db, m, log)

	if config.ReceiverAddress != "" {
		rcv, err := receiver.New(config.ReceiverAddress, ingester.PriorityIngress(), ingester.ResourceIngress(), m, log)
		if err != nil {
			return errors.WithMessage(err, "starting telemetry receiver")
		}
		defer rcv.Close()
	}

	// A termination signal is treated exactly like a stop sentinel on the priority
	// channel: drain everything already queued, then stop.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Infof("Received signal %v, shutting down", sig)
		ingester.PriorityIngress().Put(model.Stop())
	}()

	return ingester.Run(ctx)
}
