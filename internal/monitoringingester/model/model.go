package model

import "time"

// MessageKind identifies the semantic type of a telemetry message.
type MessageKind int

const (
	MessageKindUnknown MessageKind = iota

	// Reports any task related info such as launch, completion etc.
	MessageKindTaskInfo

	// Reports of resource utilization on a per-task basis
	MessageKindResourceInfo

	// Top level workflow information
	MessageKindWorkflowInfo

	// Control sentinel instructing the pipeline to drain and stop.  Only valid on
	// the priority channel and never persisted.
	MessageKindStop
)

func (k MessageKind) String() string {
	switch k {
	case MessageKindTaskInfo:
		return "TASK_INFO"
	case MessageKindResourceInfo:
		return "RESOURCE_INFO"
	case MessageKindWorkflowInfo:
		return "WORKFLOW_INFO"
	case MessageKindStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Message is a tagged union over the telemetry payloads.  Exactly the payload field
// matching Kind is expected to be non-nil; messages violating this are rejected by the
// instruction converter rather than failing the batch they arrived in.
type Message struct {
	Kind     MessageKind      `json:"kind"`
	Workflow *WorkflowMessage `json:"workflow,omitempty"`
	Task     *TaskMessage     `json:"task,omitempty"`
	Resource *ResourceMessage `json:"resource,omitempty"`
}

// Stop returns the control sentinel message.
func Stop() *Message {
	return &Message{Kind: MessageKindStop}
}

// WorkflowMessage describes the state of one workflow run.  RuntimeVersion is only
// populated on the start message; its presence is what distinguishes a start message
// from an end message.
type WorkflowMessage struct {
	RunID               string     `json:"run_id"`
	Name                string     `json:"workflow_name"`
	Version             string     `json:"workflow_version"`
	RuntimeVersion      *string    `json:"runtime_version,omitempty"`
	TimeBegan           time.Time  `json:"time_began"`
	TimeCompleted       *time.Time `json:"time_completed,omitempty"`
	Host                string     `json:"host"`
	User                string     `json:"user"`
	RunDir              string     `json:"rundir"`
	TasksFailedCount    int        `json:"tasks_failed_count"`
	TasksCompletedCount int        `json:"tasks_completed_count"`
}

// TaskMessage describes one observed state transition of a task.  TimeReturned is nil
// until the task has completed; every task message also carries the workflow's running
// completion counters so the workflow row can be kept current within the same cycle.
type TaskMessage struct {
	TaskID              string     `json:"task_id"`
	RunID               string     `json:"run_id"`
	Executor            string     `json:"task_executor"`
	FuncName            string     `json:"task_func_name"`
	TimeSubmitted       time.Time  `json:"task_time_submitted"`
	TimeReturned        *time.Time `json:"task_time_returned,omitempty"`
	Memoize             bool       `json:"task_memoize"`
	Inputs              string     `json:"task_inputs"`
	Outputs             string     `json:"task_outputs"`
	Stdin               *string    `json:"task_stdin,omitempty"`
	Stdout              *string    `json:"task_stdout,omitempty"`
	StatusName          string     `json:"task_status_name"`
	Timestamp           time.Time  `json:"timestamp"`
	TasksFailedCount    int        `json:"tasks_failed_count"`
	TasksCompletedCount int        `json:"tasks_completed_count"`
}

// ResourceMessage is one periodic sample of a task's process resource usage.
type ResourceMessage struct {
	TaskID         string    `json:"task_id"`
	RunID          string    `json:"run_id"`
	Timestamp      time.Time `json:"timestamp"`
	ProcessPID     int32     `json:"psutil_process_pid"`
	CPUPercent     float64   `json:"psutil_process_cpu_percent"`
	MemoryPercent  float64   `json:"psutil_process_memory_percent"`
	ChildrenCount  int32     `json:"psutil_process_children_count"`
	TimeUser       float64   `json:"psutil_process_time_user"`
	TimeSystem     float64   `json:"psutil_process_time_system"`
	MemoryVirtual  int64     `json:"psutil_process_memory_virtual"`
	MemoryResident int64     `json:"psutil_process_memory_resident"`
	DiskRead       int64     `json:"psutil_process_disk_read"`
	DiskWrite      int64     `json:"psutil_process_disk_write"`
	ProcessStatus  string    `json:"psutil_process_status"`
}

// ResourceEnvelope is what producers put on the resource channel: the sample plus the
// address it was received from.  The address is informational and dropped by the
// forwarder.
type ResourceEnvelope struct {
	Message *Message
	Addr    string
}

// CreateWorkflowInstruction is an instruction to insert a new row into the workflow table
type CreateWorkflowInstruction struct {
	RunID               string
	Name                string
	Version             string
	TimeBegan           time.Time
	Host                string
	User                string
	RunDir              string
	TasksFailedCount    int
	TasksCompletedCount int
}

// UpdateWorkflowInstruction is an instruction to mark an existing workflow row completed
type UpdateWorkflowInstruction struct {
	RunID               string
	TimeCompleted       *time.Time
	TasksFailedCount    int
	TasksCompletedCount int
}

// UpdateWorkflowCountersInstruction is an instruction to refresh the running
// failed/completed counters on an existing workflow row
type UpdateWorkflowCountersInstruction struct {
	RunID               string
	TasksFailedCount    int
	TasksCompletedCount int
}

// CreateTaskInstruction is an instruction to insert a new row into the task table
type CreateTaskInstruction struct {
	TaskID        string
	RunID         string
	Executor      string
	FuncName      string
	TimeSubmitted time.Time
	Memoize       bool
	Inputs        string
	Outputs       string
	Stdin         *string
	Stdout        *string
}

// UpdateTaskInstruction is an instruction to set the return time on an existing task row
type UpdateTaskInstruction struct {
	TaskID       string
	RunID        string
	TimeReturned time.Time
}

// CreateStatusInstruction is an instruction to append one row to the status history
type CreateStatusInstruction struct {
	TaskID     string
	RunID      string
	StatusName string
	Timestamp  time.Time
}

// CreateResourceInstruction is an instruction to append one resource sample row
type CreateResourceInstruction struct {
	TaskID         string
	RunID          string
	Timestamp      time.Time
	ProcessPID     int32
	CPUPercent     float64
	MemoryPercent  float64
	ChildrenCount  int32
	TimeUser       float64
	TimeSystem     float64
	MemoryVirtual  int64
	MemoryResident int64
	DiskRead       int64
	DiskWrite      int64
	ProcessStatus  string
}

// InstructionSet is the set of database changes that should be made for a single batch
// cycle.  Groups are applied in the order in which they are declared here.
type InstructionSet struct {
	WorkflowsToCreate        []*CreateWorkflowInstruction
	WorkflowsToUpdate        []*UpdateWorkflowInstruction
	WorkflowCountersToUpdate []*UpdateWorkflowCountersInstruction
	TasksToCreate            []*CreateTaskInstruction
	TasksToUpdate            []*UpdateTaskInstruction
	StatusesToCreate         []*CreateStatusInstruction
	ResourcesToCreate        []*CreateResourceInstruction
}

// IsEmpty reports whether the set contains no instructions at all.
func (s *InstructionSet) IsEmpty() bool {
	return len(s.WorkflowsToCreate) == 0 &&
		len(s.WorkflowsToUpdate) == 0 &&
		len(s.WorkflowCountersToUpdate) == 0 &&
		len(s.TasksToCreate) == 0 &&
		len(s.TasksToUpdate) == 0 &&
		len(s.StatusesToCreate) == 0 &&
		len(s.ResourcesToCreate) == 0
}
