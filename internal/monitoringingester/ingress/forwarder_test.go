package ingress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/runmonproject/runmon/internal/monitoringingester/metrics"
	"github.com/runmonproject/runmon/internal/monitoringingester/model"
	"github.com/runmonproject/runmon/internal/monitoringingester/testfixtures"
)

const testPollInterval = time.Millisecond

func TestPriorityForwarder_ForwardsInOrder(t *testing.T) {
	source := NewQueue[*model.Message]("source", 0, testLogger())
	pending := NewQueue[*model.Message]("pending", 0, testLogger())
	stop := &StopFlag{}

	msgs := []*model.Message{
		testfixtures.WorkflowStart(),
		testfixtures.TaskLaunched(testfixtures.TaskID),
		testfixtures.TaskCompleted(testfixtures.TaskID, 1),
	}
	for _, msg := range msgs {
		source.Put(msg)
	}
	stop.Set()

	f := NewPriorityForwarder(source, pending, stop, testPollInterval, metrics.Get(), testLogger(), func() {})
	f.Run()

	assert.Equal(t, 0, source.Len())
	for _, expected := range msgs {
		got, ok := pending.TryPop()
		assert.True(t, ok)
		assert.Equal(t, expected, got)
	}
}

func TestPriorityForwarder_StopSentinelNotForwarded(t *testing.T) {
	source := NewQueue[*model.Message]("source", 0, testLogger())
	pending := NewQueue[*model.Message]("pending", 0, testLogger())
	stop := &StopFlag{}

	source.Put(testfixtures.WorkflowStart())
	source.Put(model.Stop())

	stopCalls := 0
	f := NewPriorityForwarder(source, pending, stop, testPollInterval, metrics.Get(), testLogger(), func() {
		stopCalls++
		stop.Set()
	})
	f.Run()

	assert.Equal(t, 1, stopCalls)
	// Only the workflow message is forwarded; the sentinel is consumed.
	assert.Equal(t, 1, pending.Len())
	msg, _ := pending.TryPop()
	assert.Equal(t, model.MessageKindWorkflowInfo, msg.Kind)
}

func TestPriorityForwarder_DrainsBeforeExit(t *testing.T) {
	source := NewQueue[*model.Message]("source", 0, testLogger())
	pending := NewQueue[*model.Message]("pending", 0, testLogger())
	stop := &StopFlag{}

	done := make(chan struct{})
	f := NewPriorityForwarder(source, pending, stop, testPollInterval, metrics.Get(), testLogger(), func() {})
	go func() {
		f.Run()
		close(done)
	}()

	for i := 0; i < 50; i++ {
		source.Put(testfixtures.TaskLaunched(testfixtures.TaskID))
	}
	stop.Set()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder did not exit")
	}
	// Everything put on the source before the stop flag is in the pending buffer.
	assert.Equal(t, 0, source.Len())
	assert.Equal(t, 50, pending.Len())
}

func TestResourceForwarder_UnwrapsEnvelope(t *testing.T) {
	source := NewQueue[*model.ResourceEnvelope]("source", 0, testLogger())
	pending := NewQueue[*model.Message]("pending", 0, testLogger())
	stop := &StopFlag{}

	sample := testfixtures.ResourceSample(testfixtures.TaskID)
	source.Put(testfixtures.ResourceEnvelope(sample))
	stop.Set()

	f := NewResourceForwarder(source, pending, stop, testPollInterval, metrics.Get(), testLogger())
	f.Run()

	got, ok := pending.TryPop()
	assert.True(t, ok)
	assert.Equal(t, sample, got)
}
