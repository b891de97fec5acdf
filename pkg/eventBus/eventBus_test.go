package eventBus

import (
	"context"
	"testing"

	"github.com/sovads/ledger/pkg/eventBus/eventBusTypes"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func Test_EventBus(t *testing.T) {
	l, _ := zap.NewDevelopment()

	t.Run("Should deliver to every subscribed consumer", func(t *testing.T) {
		eb := NewEventBus(l)
		a := &eventBusTypes.Consumer{Id: "a", Context: context.Background(), Channel: make(chan *eventBusTypes.Event, 1)}
		b := &eventBusTypes.Consumer{Id: "b", Context: context.Background(), Channel: make(chan *eventBusTypes.Event, 1)}
		eb.Subscribe(a)
		eb.Subscribe(b)

		eb.Publish(&eventBusTypes.Event{Name: eventBusTypes.Event_ClaimSettled})

		assert.Equal(t, eventBusTypes.Event_ClaimSettled, (<-a.Channel).Name)
		assert.Equal(t, eventBusTypes.Event_ClaimSettled, (<-b.Channel).Name)
	})

	t.Run("Should drop rather than block on a full channel", func(t *testing.T) {
		eb := NewEventBus(l)
		c := &eventBusTypes.Consumer{Id: "full", Context: context.Background(), Channel: make(chan *eventBusTypes.Event, 1)}
		eb.Subscribe(c)

		eb.Publish(&eventBusTypes.Event{Name: eventBusTypes.Event_PayoutCompleted})
		eb.Publish(&eventBusTypes.Event{Name: eventBusTypes.Event_ClaimSettled})

		assert.Len(t, c.Channel, 1)
		assert.Equal(t, eventBusTypes.Event_PayoutCompleted, (<-c.Channel).Name)
	})

	t.Run("Should stop delivering after unsubscribe", func(t *testing.T) {
		eb := NewEventBus(l)
		c := &eventBusTypes.Consumer{Id: "gone", Context: context.Background(), Channel: make(chan *eventBusTypes.Event, 1)}
		eb.Subscribe(c)
		eb.Unsubscribe(c)

		eb.Publish(&eventBusTypes.Event{Name: eventBusTypes.Event_ClaimSettled})
		assert.Len(t, c.Channel, 0)
	})

	t.Run("Should skip consumers whose context is done", func(t *testing.T) {
		eb := NewEventBus(l)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c := &eventBusTypes.Consumer{Id: "cancelled", Context: ctx, Channel: make(chan *eventBusTypes.Event, 1)}
		eb.Subscribe(c)

		eb.Publish(&eventBusTypes.Event{Name: eventBusTypes.Event_ClaimSettled})
		assert.Len(t, c.Channel, 0)
	})
}
