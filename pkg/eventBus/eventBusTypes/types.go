// Package eventBusTypes holds the event names and payloads passed over the eventBus.
package eventBusTypes

import (
	"context"
	"sync"

	"github.com/sovads/ledger/pkg/storage"
)

// EventName identifies the kind of event carried on the bus.
type EventName string

func (en *EventName) String() string {
	return string(*en)
}

var (
	// Event_InteractionAdmitted is emitted after an interaction event has been committed to the ledger.
	Event_InteractionAdmitted EventName = "interaction_admitted"
	// Event_PointsGrantFailed is emitted when the viewer points grant for an admitted event did not commit.
	Event_PointsGrantFailed EventName = "points_grant_failed"
	Event_ClaimSettled      EventName = "claim_settled"
	Event_PayoutCompleted   EventName = "payout_completed"
)

// Event is a named payload. Data holds one of the *Data types below.
type Event struct {
	Name EventName
	Data any
}

// ConsumerId must be unique per subscribed consumer.
type ConsumerId string

// Consumer receives events on Channel until Context is done.
type Consumer struct {
	Id      ConsumerId
	Context context.Context
	Channel chan *Event
}

// ConsumerList is a mutex guarded list of consumers.
type ConsumerList struct {
	mu        sync.Mutex
	consumers []*Consumer
}

// NewConsumerList returns an empty list.
func NewConsumerList() *ConsumerList {
	return &ConsumerList{
		consumers: make([]*Consumer, 0),
	}
}

// Add appends consumer to the list.
func (cl *ConsumerList) Add(consumer *Consumer) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.consumers = append(cl.consumers, consumer)
}

// Remove drops the first consumer with a matching Id.
func (cl *ConsumerList) Remove(consumer *Consumer) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for i, c := range cl.consumers {
		if c.Id == consumer.Id {
			cl.consumers = append(cl.consumers[:i], cl.consumers[i+1:]...)
			break
		}
	}
}

// GetAll returns a snapshot of the current consumers.
func (cl *ConsumerList) GetAll() []*Consumer {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	out := make([]*Consumer, len(cl.consumers))
	copy(out, cl.consumers)
	return out
}

// IEventBus is what publishers and subscribers depend on.
type IEventBus interface {
	Subscribe(consumer *Consumer)
	Unsubscribe(consumer *Consumer)
	Publish(event *Event)
}

// InteractionAdmittedData accompanies Event_InteractionAdmitted.
type InteractionAdmittedData struct {
	Event *storage.InteractionEvent
}

// PointsGrantFailedData accompanies Event_PointsGrantFailed. Attempt counts from 1.
type PointsGrantFailedData struct {
	Event   *storage.InteractionEvent
	Attempt int
	Error   string
}

// ClaimSettledData accompanies Event_ClaimSettled.
type ClaimSettledData struct {
	Claim *storage.VaultClaim
}

// PayoutCompletedData accompanies Event_PayoutCompleted once a payout is confirmed or failed.
type PayoutCompletedData struct {
	Payout *storage.Payout
}
