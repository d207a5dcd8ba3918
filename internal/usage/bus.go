package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// JSONPublisher is the slice of the MQTT client the bus adapter needs.
type JSONPublisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// BusPublisher publishes usage events as JSON on one topic.
type BusPublisher struct {
	bus   JSONPublisher
	topic string
}

// NewBusPublisher creates a Publisher writing to topic on bus.
func NewBusPublisher(bus JSONPublisher, topic string) *BusPublisher {
	return &BusPublisher{bus: bus, topic: topic}
}

// PublishUsage publishes ev, unretained.
func (p *BusPublisher) PublishUsage(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.bus.PublishJSON(p.topic, ev, false)
}

// Publishers fans an event out to several publishers. Every publisher
// sees the event even when an earlier one fails.
type Publishers []Publisher

// PublishUsage publishes ev to every publisher and joins their errors.
func (ps Publishers) PublishUsage(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range ps {
		if err := p.PublishUsage(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordRequest is the payload other processes send to report a launch.
type RecordRequest struct {
	Command string `json:"command"`
}

// RecordHandler returns a message handler that records every reported
// launch. Payloads are either a JSON RecordRequest or the bare command
// text.
func (s *Store) RecordHandler(ctx context.Context) func(topic string, payload []byte) error {
	return func(topic string, payload []byte) error {
		command := string(payload)

		if json.Valid(payload) {
			var req RecordRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				// A JSON string is accepted as the command itself.
				if serr := json.Unmarshal(payload, &command); serr != nil {
					return fmt.Errorf("decoding record request on %s: %w", topic, err)
				}
			} else {
				command = req.Command
			}
		}

		_, err := s.Increment(ctx, command)
		return err
	}
}
