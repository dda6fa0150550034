// Package pulse implements a distributed bus.Bus backend on top of
// goa.design/pulse streams, so event delivery survives a single process
// restart and can fan out across scheduler instances.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/stepflow/stepflow/bus"
)

// Client is the subset of a Pulse client this package depends on, mirroring
// the teacher's features/stream/pulse/clients/pulse.Client narrowing.
type Client interface {
	Stream(name string, opts ...streamopts.Stream) (Stream, error)
	Close(ctx context.Context) error
}

// Stream mirrors clients/pulse.Stream: publish and consumer-group creation.
type Stream interface {
	Add(ctx context.Context, event string, payload []byte) (string, error)
	NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
}

// Sink mirrors clients/pulse.Sink: a consumer group reading a stream.
type Sink interface {
	Subscribe() <-chan *streaming.Event
	Ack(context.Context, *streaming.Event) error
	Close(context.Context)
}

// envelope is the wire form of a bus.Event published to a Pulse stream.
type envelope struct {
	Type          string `json:"type"`
	RunID         string `json:"runId"`
	WorkflowID    string `json:"workflowId"`
	Sequence      int64  `json:"sequence"`
	CorrelationID string `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Options configures the Pulse-backed Bus.
type Options struct {
	// Client publishes to and reads from Pulse streams. Required.
	Client Client
	// SinkName identifies the Pulse consumer group every Subscribe call
	// joins. Defaults to "stepflow".
	SinkName string
}

// Bus implements bus.Bus against Pulse streams: each topic maps 1:1 to a
// Pulse stream, Publish calls Stream.Add, and Subscribe opens a consumer-
// group sink and decodes+dispatches events in the order Pulse delivers
// them, acking each after the handler runs so a crashed subscriber resumes
// from its last unacked entry on restart (at-least-once, matching
// bus.Bus's delivery contract).
type Bus struct {
	client Client
	sink   string
}

// New constructs a Pulse-backed Bus.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("bus/pulse: client is required")
	}
	sink := opts.SinkName
	if sink == "" {
		sink = "stepflow"
	}
	return &Bus{client: opts.Client, sink: sink}, nil
}

// Close closes the underlying Pulse client.
func (b *Bus) Close() error { return b.client.Close(context.Background()) }

func (b *Bus) Publish(ctx context.Context, topic string, event bus.Event) error {
	str, err := b.client.Stream(topic)
	if err != nil {
		return fmt.Errorf("bus/pulse: open stream %q: %w", topic, err)
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("bus/pulse: marshal payload: %w", err)
	}
	env := envelope{
		Type:          string(event.Type),
		RunID:         event.RunID,
		WorkflowID:    event.WorkflowID,
		Sequence:      event.Sequence,
		CorrelationID: event.CorrelationID,
		Payload:       payload,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus/pulse: marshal envelope: %w", err)
	}
	_, err = str.Add(ctx, env.Type, raw)
	if err != nil {
		return fmt.Errorf("bus/pulse: publish: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(topic string, handler bus.Handler) (bus.Subscription, error) {
	str, err := b.client.Stream(topic)
	if err != nil {
		return nil, fmt.Errorf("bus/pulse: open stream %q: %w", topic, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	sink, err := str.NewSink(ctx, b.sink)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bus/pulse: open sink: %w", err)
	}
	go consume(ctx, sink, handler)
	return &subscription{cancel: cancel, sink: sink}, nil
}

func consume(ctx context.Context, sink Sink, handler bus.Handler) {
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				continue // malformed entry; ack skipped, left for manual inspection
			}
			var payload any
			if len(env.Payload) > 0 {
				_ = json.Unmarshal(env.Payload, &payload)
			}
			event := bus.Event{
				Type:          bus.Kind(env.Type),
				RunID:         env.RunID,
				WorkflowID:    env.WorkflowID,
				Sequence:      env.Sequence,
				Payload:       payload,
				CorrelationID: env.CorrelationID,
			}
			_ = handler(ctx, event) // errors observed by caller-supplied handler, not fatal here
			_ = sink.Ack(ctx, evt)
		}
	}
}

type subscription struct {
	cancel context.CancelFunc
	sink   Sink
}

func (s *subscription) Close() {
	s.cancel()
	s.sink.Close(context.Background())
}
