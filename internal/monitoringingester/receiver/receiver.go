package receiver

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/runmonproject/runmon/internal/monitoringingester/ingress"
	"github.com/runmonproject/runmon/internal/monitoringingester/metrics"
	"github.com/runmonproject/runmon/internal/monitoringingester/model"
)

// envelope is the wire format accepted by the receiver: one JSON object per line with
// a type discriminator and the matching payload.
type envelope struct {
	Type     string                 `json:"type"`
	Workflow *model.WorkflowMessage `json:"workflow,omitempty"`
	Task     *model.TaskMessage     `json:"task,omitempty"`
	Resource *model.ResourceMessage `json:"resource,omitempty"`
}

const (
	typeWorkflowInfo = "workflow_info"
	typeTaskInfo     = "task_info"
	typeResourceInfo = "resource_info"
	typeStop         = "stop"
)

// Receiver accepts newline delimited JSON telemetry over TCP and feeds the ingress
// queues.  Workflow and task messages go to the priority queue, resource samples to
// the resource queue tagged with the sender's address.  Malformed lines are logged,
// counted and skipped; they never close the connection.
type Receiver struct {
	listener net.Listener
	priority *ingress.Queue[*model.Message]
	resource *ingress.Queue[*model.ResourceEnvelope]
	metrics  *metrics.Metrics
	log      *logrus.Entry

	mu     sync.Mutex
	closed bool
}

// New starts listening on addr and begins accepting connections in the background.
func New(
	addr string,
	priority *ingress.Queue[*model.Message],
	resource *ingress.Queue[*model.ResourceEnvelope],
	m *metrics.Metrics,
	log *logrus.Entry,
) (*Receiver, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.WithMessagef(err, "listening on %s", addr)
	}
	r := &Receiver{
		listener: listener,
		priority: priority,
		resource: resource,
		metrics:  m,
		log:      log.WithField("component", "receiver"),
	}
	go r.acceptLoop()
	r.log.Infof("Telemetry receiver listening on %s", listener.Addr())
	return r, nil
}

// Addr returns the address the receiver is listening on.
func (r *Receiver) Addr() net.Addr {
	return r.listener.Addr()
}

// Close stops accepting new connections.  Established connections are closed as their
// readers observe the listener shutdown or the peer disconnects.
func (r *Receiver) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.listener.Close()
}

func (r *Receiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Receiver) acceptLoop() {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if r.isClosed() {
				return
			}
			r.log.WithError(err).Warn("Failed to accept connection")
			continue
		}
		go r.handleConnection(conn)
	}
}

func (r *Receiver) handleConnection(conn net.Conn) {
	defer conn.Close()

	addr := conn.RemoteAddr().String()
	log := r.log.WithFields(logrus.Fields{
		"connection": uuid.NewString(),
		"remote":     addr,
	})
	log.Info("Connection established")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		r.handleLine(line, addr, log)
	}
	if err := scanner.Err(); err != nil && !r.isClosed() {
		log.WithError(err).Warn("Connection read failed")
	}
	log.Info("Connection closed")
}

func (r *Receiver) handleLine(line []byte, addr string, log *logrus.Entry) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		r.metrics.RecordMessageError(metrics.MessageErrorDeserialization)
		log.WithError(err).Warn("Discarding undecodable telemetry line")
		return
	}

	switch env.Type {
	case typeWorkflowInfo:
		if env.Workflow == nil {
			r.reject(log, env.Type)
			return
		}
		r.priority.Put(&model.Message{Kind: model.MessageKindWorkflowInfo, Workflow: env.Workflow})
	case typeTaskInfo:
		if env.Task == nil {
			r.reject(log, env.Type)
			return
		}
		r.priority.Put(&model.Message{Kind: model.MessageKindTaskInfo, Task: env.Task})
	case typeResourceInfo:
		if env.Resource == nil {
			r.reject(log, env.Type)
			return
		}
		r.resource.Put(&model.ResourceEnvelope{
			Message: &model.Message{Kind: model.MessageKindResourceInfo, Resource: env.Resource},
			Addr:    addr,
		})
	case typeStop:
		r.priority.Put(model.Stop())
	default:
		r.metrics.RecordMessageError(metrics.MessageErrorDeserialization)
		log.Warnf("Discarding telemetry line with unknown type %q", env.Type)
	}
}

func (r *Receiver) reject(log *logrus.Entry, msgType string) {
	r.metrics.RecordMessageError(metrics.MessageErrorDeserialization)
	log.Warnf("Discarding %s message with missing payload", msgType)
}
