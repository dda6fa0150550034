package runhandle

import (
	"context"
	"errors"
	"sync"

	"github.com/stepflow/stepflow/bus"
	"github.com/stepflow/stepflow/snapshot"
)

// EventType enumerates the modern `stream()` event schema (spec.md §6).
type EventType string

const (
	EventWorkflowStart         EventType = "workflow-start"
	EventWorkflowStepStart     EventType = "workflow-step-start"
	EventWorkflowStepResult    EventType = "workflow-step-result"
	EventWorkflowStepWaiting   EventType = "workflow-step-waiting"
	EventWorkflowStepSuspended EventType = "workflow-step-suspended"
	EventWorkflowPaused        EventType = "workflow-paused"
	EventWorkflowFinish        EventType = "workflow-finish"
)

// Event is a single `stream()` delivery: `{type, from:'WORKFLOW', runId,
// payload}`. A terminal run emits EventWorkflowFinish twice — first bare
// (Payload nil), then with the final {metadata, output, workflowStatus}
// payload — matching spec.md §6's "emitted twice" note so a consumer can
// react to "the run is over" before the full result has been assembled.
type Event struct {
	Type    EventType `json:"type"`
	From    string    `json:"from"`
	RunID   string    `json:"runId"`
	Payload any       `json:"payload,omitempty"`
}

// FinishPayload is the second EventWorkflowFinish's payload.
type FinishPayload struct {
	Metadata       map[string]any `json:"metadata"`
	Output         FinishOutput   `json:"output"`
	WorkflowStatus string         `json:"workflowStatus"`
	Error          any            `json:"error,omitempty"`
}

// FinishOutput wraps the run's result under "usage" per spec.md §6's
// `output:{usage}` shape; this engine does not track token usage itself
// (that lives in the excluded agent/LLM system), so Usage is always nil
// and the run's actual result rides in Result instead.
type FinishOutput struct {
	Usage  any `json:"usage"`
	Result any `json:"result,omitempty"`
}

// LegacyEventType enumerates the older `streamLegacy()` event schema,
// kept for compatibility (spec.md §6).
type LegacyEventType string

const (
	LegacyStart                   LegacyEventType = "start"
	LegacyStepStart               LegacyEventType = "step-start"
	LegacyStepResult              LegacyEventType = "step-result"
	LegacyStepFinish              LegacyEventType = "step-finish"
	LegacyStepWaiting             LegacyEventType = "step-waiting"
	LegacyStepSuspended           LegacyEventType = "step-suspended"
	LegacyFinish                  LegacyEventType = "finish"
	LegacyToolCallStreamingStart  LegacyEventType = "tool-call-streaming-start"
	LegacyToolCallDelta           LegacyEventType = "tool-call-delta"
	LegacyToolCallStreamingFinish LegacyEventType = "tool-call-streaming-finish"
)

// LegacyEvent is a single `streamLegacy()` delivery: `{type, payload}`.
//
// LegacyToolCallStreamingStart/Delta/Finish are declared for schema
// completeness but never emitted by this engine: they describe an agent
// adapter streaming token-level tool-call progress, and the agent/LLM
// system is out of scope here (spec.md §1 Non-goals) — there is no
// component left to produce them.
type LegacyEvent struct {
	Type    LegacyEventType `json:"type"`
	Payload any             `json:"payload,omitempty"`
}

// translateModern maps one internal bus.Event to zero or more client-facing
// Events. A nil/empty return means the bus event has no client-visible
// counterpart (e.g. step.resume, which only matters internally — the
// client sees the subsequent step-start/step-result pair it produces).
func translateModern(ev bus.Event) []Event {
	base := Event{From: "WORKFLOW", RunID: ev.RunID}
	switch ev.Type {
	case bus.KindRunStart:
		// Mirrors workflow-finish's double emission: a bare announcement
		// followed by the one carrying the run's initial payload.
		bare := base
		bare.Type = EventWorkflowStart
		return []Event{bare, withPayload(base, EventWorkflowStart, ev.Payload)}
	case bus.KindStepDispatch:
		return []Event{withPayload(base, EventWorkflowStepStart, ev.Payload)}
	case bus.KindStepResult, bus.KindStepFailed:
		return []Event{withPayload(base, EventWorkflowStepResult, ev.Payload)}
	case bus.KindStepSuspend:
		return []Event{withPayload(base, EventWorkflowStepSuspended, ev.Payload)}
	case bus.KindTimerSet:
		return []Event{withPayload(base, EventWorkflowStepWaiting, ev.Payload)}
	case bus.KindTimerFire:
		return []Event{withPayload(base, EventWorkflowStepResult, ev.Payload)}
	case bus.KindRunCanceled:
		return finishEvents(base, string(snapshot.StatusCanceled), nil, nil)
	case bus.KindRunFinish:
		payload, _ := ev.Payload.(map[string]any)
		status, _ := payload["status"].(string)
		switch snapshot.Status(status) {
		case snapshot.StatusSuspended, snapshot.StatusWaiting:
			// Already surfaced via the preceding step-level event.
			return nil
		case snapshot.StatusPaused:
			return []Event{{Type: EventWorkflowPaused, From: "WORKFLOW", RunID: ev.RunID}}
		default:
			return finishEvents(base, status, payload["result"], payload["error"])
		}
	default:
		return nil
	}
}

func finishEvents(base Event, status string, result, err any) []Event {
	bare := base
	bare.Type = EventWorkflowFinish
	full := base
	full.Type = EventWorkflowFinish
	full.Payload = FinishPayload{
		Metadata:       map[string]any{},
		Output:         FinishOutput{Result: result},
		WorkflowStatus: status,
		Error:          err,
	}
	return []Event{bare, full}
}

func withPayload(base Event, t EventType, payload any) Event {
	base.Type = t
	base.Payload = payload
	return base
}

// translateLegacy is translateModern's counterpart for streamLegacy.
func translateLegacy(ev bus.Event) []LegacyEvent {
	switch ev.Type {
	case bus.KindRunStart:
		return []LegacyEvent{{Type: LegacyStart, Payload: ev.Payload}}
	case bus.KindStepDispatch:
		return []LegacyEvent{{Type: LegacyStepStart, Payload: ev.Payload}}
	case bus.KindStepResult:
		return []LegacyEvent{{Type: LegacyStepResult, Payload: ev.Payload}, {Type: LegacyStepFinish, Payload: ev.Payload}}
	case bus.KindStepFailed:
		return []LegacyEvent{{Type: LegacyStepFinish, Payload: ev.Payload}}
	case bus.KindStepSuspend:
		return []LegacyEvent{{Type: LegacyStepSuspended, Payload: ev.Payload}}
	case bus.KindTimerSet:
		return []LegacyEvent{{Type: LegacyStepWaiting, Payload: ev.Payload}}
	case bus.KindTimerFire:
		return []LegacyEvent{{Type: LegacyStepResult, Payload: ev.Payload}, {Type: LegacyStepFinish, Payload: ev.Payload}}
	case bus.KindRunCanceled:
		return []LegacyEvent{{Type: LegacyFinish, Payload: map[string]any{"status": string(snapshot.StatusCanceled)}}}
	case bus.KindRunFinish:
		payload, _ := ev.Payload.(map[string]any)
		status, _ := payload["status"].(string)
		switch snapshot.Status(status) {
		case snapshot.StatusSuspended, snapshot.StatusWaiting, snapshot.StatusPaused:
			return nil
		default:
			return []LegacyEvent{{Type: LegacyFinish, Payload: payload}}
		}
	default:
		return nil
	}
}

// isTerminalStatus reports the run.finish statuses that end a subscription:
// whatever the caller's closeOnSuspend setting, a terminal status always
// closes the stream.
func isTerminalStatus(status string) bool {
	switch snapshot.Status(status) {
	case snapshot.StatusSuccess, snapshot.StatusFailed, snapshot.StatusCanceled:
		return true
	default:
		return false
	}
}

// subscription fans bus events for one run into a translated, buffered
// channel until the run reaches a stopping point, then closes both the bus
// subscription and the output channel. Grounded on the teacher's
// result-stream sink/subscribe/ack idiom (registry/result_stream.go's
// WaitForResult), simplified to a single long-lived channel instead of a
// one-shot wait.
type subscription struct {
	sub  bus.Subscription
	once sync.Once
}

// close unsubscribes from the bus. Safe to call more than once; safe to
// call from the subscriber's own handler goroutine (the in-memory bus's
// drain loop never invokes the handler again concurrently with itself —
// see bus.go's single dequeue-then-handle loop — so closing the output
// channel from inside the handler that decided to close cannot race a
// later send to it).
func (s *subscription) close() {
	s.once.Do(func() {
		if s.sub != nil {
			s.sub.Close()
		}
	})
}

func subscribeEvents[E any](b bus.Bus, runID string, closeOnSuspend bool, translate func(bus.Event) []E) (*subscription, <-chan E, error) {
	if b == nil {
		return nil, nil, errNoBus
	}
	typed := make(chan E, 256)
	s := &subscription{}

	sub, err := b.Subscribe(bus.RunTopic(runID), func(ctx context.Context, ev bus.Event) error {
		for _, e := range translate(ev) {
			typed <- e
		}
		if shouldClose(ev, closeOnSuspend) {
			s.close()
			close(typed)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.sub = sub
	return s, typed, nil
}

func shouldClose(ev bus.Event, closeOnSuspend bool) bool {
	if ev.Type == bus.KindRunCanceled {
		return true
	}
	if ev.Type != bus.KindRunFinish {
		return false
	}
	payload, _ := ev.Payload.(map[string]any)
	status, _ := payload["status"].(string)
	if isTerminalStatus(status) {
		return true
	}
	if closeOnSuspend {
		switch snapshot.Status(status) {
		case snapshot.StatusSuspended, snapshot.StatusWaiting, snapshot.StatusPaused:
			return true
		}
	}
	return false
}

var errNoBus = errors.New("runhandle: no event bus configured")
