package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/golem-project/worker-executor/pkg/types"
)

func TestSubscriberOnlyReceivesOwnWorkerEvents(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	workerA := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-a"}
	workerB := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-b"}

	subA := b.Subscribe(workerA)
	defer b.Unsubscribe(workerA, subA)
	subB := b.Subscribe(workerB)
	defer b.Unsubscribe(workerB, subB)

	b.Publish(&Event{WorkerId: workerA, Type: EventStdout, Message: "hello from a"})

	select {
	case ev := <-subA:
		assert.Equal(t, "hello from a", ev.Message)
	case <-time.After(time.Second):
		t.Fatal("subscriber A did not receive its event")
	}

	select {
	case ev := <-subB:
		t.Fatalf("subscriber B unexpectedly received %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	sub := b.Subscribe(worker)
	assert.Equal(t, 1, b.SubscriberCount(worker))

	b.Unsubscribe(worker, sub)
	assert.Equal(t, 0, b.SubscriberCount(worker))

	_, open := <-sub
	assert.False(t, open)
}

func TestPublishSetsTimestampWhenZero(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	worker := types.WorkerId{ComponentId: "comp-1", WorkerName: "worker-1"}
	sub := b.Subscribe(worker)
	defer b.Unsubscribe(worker, sub)

	b.Publish(&Event{WorkerId: worker, Type: EventStatusChanged, Message: "now running"})

	ev := <-sub
	assert.False(t, ev.Timestamp.IsZero())
}
