package instructions

import (
	"github.com/sirupsen/logrus"

	"github.com/runmonproject/runmon/internal/monitoringingester/metrics"
	"github.com/runmonproject/runmon/internal/monitoringingester/model"
)

// Converter turns batches of telemetry messages into an InstructionSet: the
// insert/update calls that should be made against each record set for one batch cycle.
//
// Classification rules:
//   - A workflow message with the start-only runtime-version field present is a start
//     message (workflow insert); otherwise it is an end message (workflow update of
//     completion time and counters).
//   - Every task message appends one status row, unconditionally.
//   - A task message without a return time is a task insert; with a return time it is
//     a task update restricted to the return-time column.  The two groups are disjoint
//     by construction.
//   - Every task message additionally refreshes the workflow's running
//     failed/completed counters carried on the message.
//
// Messages that are malformed for their declared kind are logged, counted and
// skipped; a single bad message never fails its batch.
type Converter struct {
	metrics *metrics.Metrics
	log     *logrus.Entry
}

func NewConverter(m *metrics.Metrics, log *logrus.Entry) *Converter {
	return &Converter{
		metrics: m,
		log:     log.WithField("component", "converter"),
	}
}

// Convert classifies one batch drawn from the priority pending buffer.  Order within
// each instruction group follows batch order.
func (c *Converter) Convert(batch []*model.Message) *model.InstructionSet {
	set := &model.InstructionSet{}
	for _, msg := range batch {
		switch msg.Kind {
		case model.MessageKindWorkflowInfo:
			c.handleWorkflowMessage(msg.Workflow, set)
		case model.MessageKindTaskInfo:
			c.handleTaskMessage(msg.Task, set)
		default:
			c.metrics.RecordMessageError(metrics.MessageErrorMalformed)
			c.log.Warnf("Ignoring message of unexpected kind %s on the priority channel", msg.Kind)
		}
	}
	return set
}

// ConvertResourceBatch classifies one batch drawn from the resource pending buffer.
// Resource samples are append-only; there is no update path.
func (c *Converter) ConvertResourceBatch(batch []*model.Message, set *model.InstructionSet) {
	for _, msg := range batch {
		if msg.Kind != model.MessageKindResourceInfo || msg.Resource == nil {
			c.metrics.RecordMessageError(metrics.MessageErrorMalformed)
			c.log.Warnf("Ignoring message of unexpected kind %s on the resource channel", msg.Kind)
			continue
		}
		r := msg.Resource
		if r.RunID == "" || r.TaskID == "" {
			c.metrics.RecordMessageError(metrics.MessageErrorMalformed)
			c.log.Warnf("Ignoring resource message with missing key fields (run_id=%q task_id=%q)", r.RunID, r.TaskID)
			continue
		}
		set.ResourcesToCreate = append(set.ResourcesToCreate, &model.CreateResourceInstruction{
			TaskID:         r.TaskID,
			RunID:          r.RunID,
			Timestamp:      r.Timestamp,
			ProcessPID:     r.ProcessPID,
			CPUPercent:     r.CPUPercent,
			MemoryPercent:  r.MemoryPercent,
			ChildrenCount:  r.ChildrenCount,
			TimeUser:       r.TimeUser,
			TimeSystem:     r.TimeSystem,
			MemoryVirtual:  r.MemoryVirtual,
			MemoryResident: r.MemoryResident,
			DiskRead:       r.DiskRead,
			DiskWrite:      r.DiskWrite,
			ProcessStatus:  r.ProcessStatus,
		})
	}
}

func (c *Converter) handleWorkflowMessage(w *model.WorkflowMessage, set *model.InstructionSet) {
	if w == nil || w.RunID == "" {
		c.metrics.RecordMessageError(metrics.MessageErrorMalformed)
		c.log.Warn("Ignoring malformed workflow message")
		return
	}

	if w.RuntimeVersion != nil {
		// workflow start message
		set.WorkflowsToCreate = append(set.WorkflowsToCreate, &model.CreateWorkflowInstruction{
			RunID:               w.RunID,
			Name:                w.Name,
			Version:             w.Version,
			TimeBegan:           w.TimeBegan,
			Host:                w.Host,
			User:                w.User,
			RunDir:              w.RunDir,
			TasksFailedCount:    w.TasksFailedCount,
			TasksCompletedCount: w.TasksCompletedCount,
		})
		return
	}

	// workflow end message
	set.WorkflowsToUpdate = append(set.WorkflowsToUpdate, &model.UpdateWorkflowInstruction{
		RunID:               w.RunID,
		TimeCompleted:       w.TimeCompleted,
		TasksFailedCount:    w.TasksFailedCount,
		TasksCompletedCount: w.TasksCompletedCount,
	})
}

func (c *Converter) handleTaskMessage(t *model.TaskMessage, set *model.InstructionSet) {
	if t == nil || t.RunID == "" || t.TaskID == "" {
		c.metrics.RecordMessageError(metrics.MessageErrorMalformed)
		c.log.Warn("Ignoring malformed task message")
		return
	}

	// Every task message appends to the status history, regardless of whether the
	// task itself is inserted or updated.
	set.StatusesToCreate = append(set.StatusesToCreate, &model.CreateStatusInstruction{
		TaskID:     t.TaskID,
		RunID:      t.RunID,
		StatusName: t.StatusName,
		Timestamp:  t.Timestamp,
	})

	// Every task message carries the workflow's running counters, so the workflow row
	// stays current within the same cycle.  The sink conflates these per run.
	set.WorkflowCountersToUpdate = append(set.WorkflowCountersToUpdate, &model.UpdateWorkflowCountersInstruction{
		RunID:               t.RunID,
		TasksFailedCount:    t.TasksFailedCount,
		TasksCompletedCount: t.TasksCompletedCount,
	})

	if t.TimeReturned == nil {
		set.TasksToCreate = append(set.TasksToCreate, &model.CreateTaskInstruction{
			TaskID:        t.TaskID,
			RunID:         t.RunID,
			Executor:      t.Executor,
			FuncName:      t.FuncName,
			TimeSubmitted: t.TimeSubmitted,
			Memoize:       t.Memoize,
			Inputs:        t.Inputs,
			Outputs:       t.Outputs,
			Stdin:         t.Stdin,
			Stdout:        t.Stdout,
		})
		return
	}

	set.TasksToUpdate = append(set.TasksToUpdate, &model.UpdateTaskInstruction{
		TaskID:       t.TaskID,
		RunID:        t.RunID,
		TimeReturned: *t.TimeReturned,
	})
}
