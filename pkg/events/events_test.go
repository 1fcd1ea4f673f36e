package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBrokerDeliversPublishedEventToSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventPoolOpened, Message: "pool1"})

	select {
	case ev := <-sub:
		require.Equal(t, EventPoolOpened, ev.Type)
		require.Equal(t, "pool1", ev.Message)
		require.False(t, ev.Timestamp.IsZero(), "Publish must stamp a zero Timestamp")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerFansOutToMultipleSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	subA := b.Subscribe()
	subB := b.Subscribe()
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subB)
	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventDTXCommitted})

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case ev := <-sub:
			require.Equal(t, EventDTXCommitted, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestBrokerUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	require.False(t, ok, "unsubscribing must close the subscriber channel")
}
