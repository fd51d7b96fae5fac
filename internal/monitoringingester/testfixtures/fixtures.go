package testfixtures

import (
	"context"
	"sync"
	"time"

	"github.com/runmonproject/runmon/internal/monitoringingester/model"
)

// Standard values for use in tests
const (
	RunID          = "f7bb67ab-8f69-4b7a-8b25-0b3a7b6c3f3a"
	RunID2         = "9d0f6a6a-36c4-4d45-9a6a-7e9f2b0a1c55"
	TaskID         = "1"
	TaskID2        = "2"
	WorkflowName   = "fresh_config"
	Version        = "1.0.0"
	RuntimeVersion = "2024.04.1"
	Host           = "compute-01"
	User           = "astro"
	RunDir         = "/home/astro/runinfo/000"
	Executor       = "htex_local"
	FuncName       = "simulate"
)

var BaseTime = time.Date(2024, time.April, 2, 10, 30, 0, 0, time.UTC)

// WorkflowStart returns the message emitted when a workflow run begins.  The runtime
// version field is what marks it as a start message.
func WorkflowStart() *model.Message {
	rv := RuntimeVersion
	return &model.Message{
		Kind: model.MessageKindWorkflowInfo,
		Workflow: &model.WorkflowMessage{
			RunID:          RunID,
			Name:           WorkflowName,
			Version:        Version,
			RuntimeVersion: &rv,
			TimeBegan:      BaseTime,
			Host:           Host,
			User:           User,
			RunDir:         RunDir,
		},
	}
}

// WorkflowEnd returns the message emitted when a workflow run finishes.
func WorkflowEnd(failed int, completed int) *model.Message {
	end := BaseTime.Add(10 * time.Minute)
	return &model.Message{
		Kind: model.MessageKindWorkflowInfo,
		Workflow: &model.WorkflowMessage{
			RunID:               RunID,
			Name:                WorkflowName,
			Version:             Version,
			TimeBegan:           BaseTime,
			TimeCompleted:       &end,
			Host:                Host,
			User:                User,
			RunDir:              RunDir,
			TasksFailedCount:    failed,
			TasksCompletedCount: completed,
		},
	}
}

// TaskLaunched returns the message emitted when a task is first submitted.
func TaskLaunched(taskID string) *model.Message {
	return &model.Message{
		Kind: model.MessageKindTaskInfo,
		Task: &model.TaskMessage{
			TaskID:        taskID,
			RunID:         RunID,
			Executor:      Executor,
			FuncName:      FuncName,
			TimeSubmitted: BaseTime,
			Memoize:       true,
			Inputs:        "[]",
			Outputs:       "[]",
			StatusName:    "launched",
			Timestamp:     BaseTime,
		},
	}
}

// TaskCompleted returns the message emitted when a task finishes.
func TaskCompleted(taskID string, completed int) *model.Message {
	returned := BaseTime.Add(time.Minute)
	return &model.Message{
		Kind: model.MessageKindTaskInfo,
		Task: &model.TaskMessage{
			TaskID:              taskID,
			RunID:               RunID,
			Executor:            Executor,
			FuncName:            FuncName,
			TimeSubmitted:       BaseTime,
			TimeReturned:        &returned,
			Memoize:             true,
			Inputs:              "[]",
			Outputs:             "[]",
			StatusName:          "exec_done",
			Timestamp:           returned,
			TasksCompletedCount: completed,
		},
	}
}

// ResourceSample returns one resource utilisation sample for a task.
func ResourceSample(taskID string) *model.Message {
	return &model.Message{
		Kind: model.MessageKindResourceInfo,
		Resource: &model.ResourceMessage{
			TaskID:         taskID,
			RunID:          RunID,
			Timestamp:      BaseTime.Add(30 * time.Second),
			ProcessPID:     4242,
			CPUPercent:     87.5,
			MemoryPercent:  3.2,
			ChildrenCount:  1,
			TimeUser:       25.1,
			TimeSystem:     1.8,
			MemoryVirtual:  1 << 30,
			MemoryResident: 256 << 20,
			DiskRead:       1024,
			DiskWrite:      2048,
			ProcessStatus:  "running",
		},
	}
}

// ResourceEnvelope wraps a resource message the way a producer would.
func ResourceEnvelope(msg *model.Message) *model.ResourceEnvelope {
	return &model.ResourceEnvelope{Message: msg, Addr: "10.0.0.7:52114"}
}

// RecordingSink records every InstructionSet it is given.  If Err is set, Store
// returns it without recording.
type RecordingSink struct {
	mu     sync.Mutex
	stored []*model.InstructionSet

	Err error
}

func (s *RecordingSink) Store(_ context.Context, instructions *model.InstructionSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.stored = append(s.stored, instructions)
	return nil
}

// Stored returns a snapshot of everything recorded so far.
func (s *RecordingSink) Stored() []*model.InstructionSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.InstructionSet, len(s.stored))
	copy(out, s.stored)
	return out
}
