package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
)

func TestPublishFanOut(t *testing.T) {
	b := New(8)
	defer b.Close()

	ch1, cancel1 := b.Subscribe(domain.TopicAlert)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(domain.TopicAlert)
	defer cancel2()
	other, cancelOther := b.Subscribe(domain.TopicTrustChanged)
	defer cancelOther()

	b.Publish(domain.NewEvent(domain.TopicAlert, domain.OperatorAlert{Message: "hello"}))

	for _, ch := range []<-chan domain.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, domain.TopicAlert, ev.Topic)
			assert.NotEmpty(t, ev.ID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	select {
	case <-other:
		t.Fatal("subscriber received event from foreign topic")
	default:
	}
}

func TestPublishNeverBlocksDropsOldest(t *testing.T) {
	b := New(2)
	defer b.Close()

	ch, cancel := b.Subscribe(domain.TopicFlowSample)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			b.Publish(domain.NewEvent(domain.TopicFlowSample, domain.FlowSample{DeviceID: string(rune('a' + i))}))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}

	assert.Equal(t, uint64(3), b.Dropped(), "overflow should shed the oldest events")

	// The two most recent events survive.
	first := <-ch
	second := <-ch
	assert.Equal(t, "d", first.Payload.(domain.FlowSample).DeviceID)
	assert.Equal(t, "e", second.Payload.(domain.FlowSample).DeviceID)
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	b := New(8)
	defer b.Close()

	ch, cancel := b.Subscribe(domain.TopicThreatUpdated)
	cancel()

	// Channel is closed once cancelled.
	_, open := <-ch
	assert.False(t, open)

	// Publishing afterwards must not panic or deliver.
	b.Publish(domain.NewEvent(domain.TopicThreatUpdated, domain.ThreatUpdated{SourceIP: "198.51.100.9"}))
}

func TestCloseDrainsAndCloses(t *testing.T) {
	b := New(8)
	ch, _ := b.Subscribe(domain.TopicDeviceStatus)

	b.Publish(domain.NewEvent(domain.TopicDeviceStatus, domain.DeviceStatusChanged{DeviceID: "dev-1"}))

	drained := make(chan int)
	go func() {
		n := 0
		for range ch {
			n++
		}
		drained <- n
	}()

	b.Close()

	select {
	case n := <-drained:
		assert.Equal(t, 1, n, "pending events are delivered before close")
	case <-time.After(2 * time.Second):
		t.Fatal("close did not terminate the subscriber channel")
	}

	// Double close is safe, publish after close is a no-op.
	b.Close()
	b.Publish(domain.NewEvent(domain.TopicDeviceStatus, domain.DeviceStatusChanged{DeviceID: "dev-2"}))
}

func TestDefaultQueueSize(t *testing.T) {
	b := New(0)
	defer b.Close()
	require.Equal(t, DefaultQueueSize, b.queueSize)
}
