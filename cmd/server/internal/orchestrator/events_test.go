package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEventBusSince verifies incremental event reads by sequence.
func TestEventBusSince(t *testing.T) {
	bus := NewEventBus(3)
	bus.Publish(Event{Type: EventStage, Message: "1"})
	bus.Publish(Event{Type: EventStage, Message: "2"})
	bus.Publish(Event{Type: EventStage, Message: "3"})

	events := bus.Since(1)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Seq)
	assert.Equal(t, int64(3), events[1].Seq)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, int64(3), bus.LastSeq())
}

// TestEventBusCapsHistory verifies buffer limit trimming behavior.
func TestEventBusCapsHistory(t *testing.T) {
	bus := NewEventBus(2)
	bus.Publish(Event{Message: "1"})
	bus.Publish(Event{Message: "2"})
	bus.Publish(Event{Message: "3"})

	events := bus.Since(0)
	require.Len(t, events, 2)
	assert.Equal(t, "2", events[0].Message)
	assert.Equal(t, "3", events[1].Message)
}

func TestEventBusWaitWakesOnPublish(t *testing.T) {
	bus := NewEventBus(0)
	wait := bus.Wait()

	go bus.Publish(Event{Type: EventProgress})

	select {
	case <-wait:
	case <-time.After(time.Second):
		t.Fatal("Wait channel not closed by Publish")
	}
	assert.Len(t, bus.Since(0), 1)
}

func TestEmitterToleratesNilSink(t *testing.T) {
	em := emitter{batchID: "b1"}
	assert.NotPanics(t, func() { em.stage(StageDetect, "") })

	bus := NewEventBus(10)
	em = emitter{batchID: "b1", sink: bus}
	em.fallback(-1, "standard", "streaming", "budget")

	events := bus.Since(0)
	require.Len(t, events, 1)
	assert.Equal(t, "b1", events[0].BatchID)
	assert.Equal(t, EventFallback, events[0].Type)
	assert.Equal(t, -1, events[0].ChunkIndex)
}
