//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

// Package events implements the process-wide typed publish/subscribe bus
// connecting the ingest data plane components. Each subscriber owns a
// bounded queue drained by its own goroutine, so delivery to one
// subscriber is in publish order while subscribers never block a
// publisher.
package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Event is implemented by every event type routed through the broker.
type Event interface {
	EventName() string
}

// Broker is a typed publish/subscribe bus. The zero value is not usable;
// use NewBroker.
type Broker struct {
	mu            sync.RWMutex
	queueCapacity int
	subscribers   map[string]map[uint64]*subscriber
	nextID        uint64
	logger        logrus.FieldLogger
}

type subscriber struct {
	queue chan Event
	done  chan struct{}
	once  sync.Once
}

// NewBroker returns a broker whose subscribers buffer up to queueCapacity
// undelivered events each.
func NewBroker(queueCapacity int, logger logrus.FieldLogger) *Broker {
	return &Broker{
		queueCapacity: queueCapacity,
		subscribers:   make(map[string]map[uint64]*subscriber),
		logger:        logger.WithField("component", "event_broker"),
	}
}

// Publish delivers the event to every current subscriber of its type. It
// never blocks: when a subscriber's queue is full the event is dropped for
// that subscriber and a warning is logged.
func (b *Broker) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[event.EventName()] {
		select {
		case sub.queue <- event:
		default:
			b.logger.WithField("event", event.EventName()).
				Warn("subscriber queue is full, dropping event")
		}
	}
}

// Subscription is the handle returned by Subscribe. Closing it stops
// delivery and releases the subscriber goroutine.
type Subscription struct {
	cancel func()
}

// Close unsubscribes. It is safe to call multiple times.
func (s *Subscription) Close() {
	s.cancel()
}

// Subscribe registers fn for all events of type E published to the broker.
// fn runs on a dedicated goroutine, one event at a time, in publish order.
func Subscribe[E Event](b *Broker, fn func(E)) *Subscription {
	var zero E
	eventName := zero.EventName()

	sub := &subscriber{
		queue: make(chan Event, b.queueCapacity),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subscribers[eventName] == nil {
		b.subscribers[eventName] = make(map[uint64]*subscriber)
	}
	b.subscribers[eventName][id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case event := <-sub.queue:
				fn(event.(E))
			case <-sub.done:
				return
			}
		}
	}()

	return &Subscription{cancel: func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers[eventName], id)
			b.mu.Unlock()
			close(sub.done)
		})
	}}
}
