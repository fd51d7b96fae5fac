package instructions

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/runmonproject/runmon/internal/monitoringingester/metrics"
	"github.com/runmonproject/runmon/internal/monitoringingester/model"
	"github.com/runmonproject/runmon/internal/monitoringingester/testfixtures"
)

func testConverter() *Converter {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewConverter(metrics.Get(), logrus.NewEntry(logger))
}

func TestConvert_WorkflowStart(t *testing.T) {
	set := testConverter().Convert([]*model.Message{testfixtures.WorkflowStart()})

	assert.Len(t, set.WorkflowsToCreate, 1)
	assert.Empty(t, set.WorkflowsToUpdate)

	created := set.WorkflowsToCreate[0]
	assert.Equal(t, testfixtures.RunID, created.RunID)
	assert.Equal(t, testfixtures.WorkflowName, created.Name)
	assert.Equal(t, testfixtures.BaseTime, created.TimeBegan)
	assert.Equal(t, testfixtures.Host, created.Host)
}

func TestConvert_WorkflowEnd(t *testing.T) {
	set := testConverter().Convert([]*model.Message{testfixtures.WorkflowEnd(1, 9)})

	assert.Empty(t, set.WorkflowsToCreate)
	assert.Len(t, set.WorkflowsToUpdate, 1)

	updated := set.WorkflowsToUpdate[0]
	assert.Equal(t, testfixtures.RunID, updated.RunID)
	assert.NotNil(t, updated.TimeCompleted)
	assert.Equal(t, 1, updated.TasksFailedCount)
	assert.Equal(t, 9, updated.TasksCompletedCount)
}

func TestConvert_TaskLaunched(t *testing.T) {
	set := testConverter().Convert([]*model.Message{testfixtures.TaskLaunched(testfixtures.TaskID)})

	assert.Len(t, set.TasksToCreate, 1)
	assert.Empty(t, set.TasksToUpdate)

	// Every task message appends to the status history and refreshes the workflow
	// counters, even before the task completes.
	assert.Len(t, set.StatusesToCreate, 1)
	assert.Equal(t, "launched", set.StatusesToCreate[0].StatusName)
	assert.Len(t, set.WorkflowCountersToUpdate, 1)
	assert.Equal(t, 0, set.WorkflowCountersToUpdate[0].TasksCompletedCount)
}

func TestConvert_TaskCompleted(t *testing.T) {
	set := testConverter().Convert([]*model.Message{testfixtures.TaskCompleted(testfixtures.TaskID, 3)})

	assert.Empty(t, set.TasksToCreate)
	assert.Len(t, set.TasksToUpdate, 1)
	assert.Len(t, set.StatusesToCreate, 1)
	assert.Len(t, set.WorkflowCountersToUpdate, 1)

	assert.Equal(t, testfixtures.TaskID, set.TasksToUpdate[0].TaskID)
	assert.Equal(t, 3, set.WorkflowCountersToUpdate[0].TasksCompletedCount)
}

func TestConvert_InsertAndUpdateAreDisjoint(t *testing.T) {
	set := testConverter().Convert([]*model.Message{
		testfixtures.TaskLaunched(testfixtures.TaskID),
		testfixtures.TaskCompleted(testfixtures.TaskID, 1),
	})

	// The same task appears once per group, never in both for one message.
	assert.Len(t, set.TasksToCreate, 1)
	assert.Len(t, set.TasksToUpdate, 1)
	assert.Len(t, set.StatusesToCreate, 2)
	assert.Len(t, set.WorkflowCountersToUpdate, 2)
}

func TestConvert_StatusOrderFollowsBatchOrder(t *testing.T) {
	set := testConverter().Convert([]*model.Message{
		testfixtures.TaskLaunched(testfixtures.TaskID),
		testfixtures.TaskLaunched(testfixtures.TaskID2),
		testfixtures.TaskCompleted(testfixtures.TaskID, 1),
		testfixtures.TaskCompleted(testfixtures.TaskID2, 2),
	})

	assert.Len(t, set.StatusesToCreate, 4)
	assert.Equal(t, testfixtures.TaskID, set.StatusesToCreate[0].TaskID)
	assert.Equal(t, testfixtures.TaskID2, set.StatusesToCreate[1].TaskID)
	assert.Equal(t, testfixtures.TaskID, set.StatusesToCreate[2].TaskID)
	assert.Equal(t, testfixtures.TaskID2, set.StatusesToCreate[3].TaskID)
}

func TestConvert_MalformedMessagesAreSkipped(t *testing.T) {
	set := testConverter().Convert([]*model.Message{
		{Kind: model.MessageKindWorkflowInfo},                                     // no payload
		{Kind: model.MessageKindTaskInfo, Task: &model.TaskMessage{RunID: "run"}}, // no task id
		{Kind: model.MessageKindResourceInfo},                                     // wrong channel
		testfixtures.WorkflowStart(),
	})

	// The one well-formed message survives; the bad ones never fail the batch.
	assert.Len(t, set.WorkflowsToCreate, 1)
	assert.Empty(t, set.TasksToCreate)
	assert.Empty(t, set.StatusesToCreate)
}

func TestConvertResourceBatch(t *testing.T) {
	set := &model.InstructionSet{}
	testConverter().ConvertResourceBatch([]*model.Message{
		testfixtures.ResourceSample(testfixtures.TaskID),
		{Kind: model.MessageKindResourceInfo, Resource: &model.ResourceMessage{TaskID: testfixtures.TaskID}}, // no run id
		testfixtures.WorkflowStart(), // wrong channel
	}, set)

	assert.Len(t, set.ResourcesToCreate, 1)
	created := set.ResourcesToCreate[0]
	assert.Equal(t, testfixtures.TaskID, created.TaskID)
	assert.Equal(t, testfixtures.RunID, created.RunID)
	assert.Equal(t, 87.5, created.CPUPercent)
}

func TestConvert_EmptyBatch(t *testing.T) {
	set := testConverter().Convert(nil)
	assert.True(t, set.IsEmpty())
}
