package emitter

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/Tutortoise/timberline/event"
	"github.com/Tutortoise/timberline/logging"
)

// Envelope is the JSON body of an event message.
type Envelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   event.Event `json:"payload"`
}

// EventEmitter publishes bus events to <prefix>/events/<type>.
type EventEmitter struct {
	client Client
	prefix string
	qos    byte
	logger *logging.Logger

	bus   *event.Bus
	subID string

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

func NewEventEmitter(client Client, prefix string, qos byte, logger *logging.Logger) *EventEmitter {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &EventEmitter{
		client:    client,
		prefix:    prefix,
		qos:       qos,
		logger:    logger.WithComponent("emitter"),
		published: make(map[string]uint64),
	}
}

// Attach subscribes the emitter to every event on bus.
func (e *EventEmitter) Attach(bus *event.Bus) {
	e.bus = bus
	e.subID = bus.SubscribeAll(func(ev event.Event) {
		if err := e.Publish(ev); err != nil {
			e.logger.Warn("event not published", "type", ev.EventType(), "error", err)
		}
	})
}

// Detach removes the bus subscription.
func (e *EventEmitter) Detach() {
	if e.bus != nil && e.subID != "" {
		e.bus.Unsubscribe(e.subID)
		e.subID = ""
	}
}

// Topic returns the topic an event type is published on.
func (e *EventEmitter) Topic(eventType string) string {
	return fmt.Sprintf("%s/events/%s", e.prefix, eventType)
}

// Publish sends one event.
func (e *EventEmitter) Publish(ev event.Event) error {
	if !e.client.IsConnected() {
		e.recordError()
		return ErrNotConnected
	}

	payload, err := json.Marshal(Envelope{Type: ev.EventType(), Timestamp: ev.Timestamp(), Payload: ev})
	if err != nil {
		e.recordError()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := e.Topic(ev.EventType())
	if err := wait(e.client.Publish(topic, e.qos, false, payload), "publish "+topic); err != nil {
		e.recordError()
		return err
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("event published", "topic", topic, "qos", e.qos, "size", len(payload))
	return nil
}

func (e *EventEmitter) recordError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func (e *EventEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Connected: e.client.IsConnected(),
		Published: maps.Clone(e.published),
		Errors:    e.errors,
	}
}
