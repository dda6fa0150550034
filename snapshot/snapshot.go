// Package snapshot defines the durable per-run record (spec.md §3) and the
// Store interface (C2) that persists, loads, and lists it.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/stepflow/stepflow/errcodec"
)

// Status is the run- or step-level lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusSuspended Status = "suspended"
	StatusPaused    Status = "paused"
	StatusCanceled  Status = "canceled"
	StatusWaiting   Status = "waiting"
)

// WorkflowMeta is the reserved __workflow_meta entry every suspend payload
// carries: the absolute path to the suspended node and the owning run. It is
// nested inside StepResult.SuspendPayload itself (suspendPayload.
// __workflow_meta.path), not stored alongside it, matching the convention a
// resuming caller expects to find it at.
type WorkflowMeta struct {
	Path  []string `json:"path"`
	RunID string   `json:"runId"`
}

// WithWorkflowMeta returns payload augmented with a "__workflow_meta" entry
// nested inside it. A map payload is shallow-copied and the entry merged in;
// a non-map payload (including nil) is wrapped under a "value" key so the
// meta entry always has a map to attach to.
func WithWorkflowMeta(payload any, path []string, runID string) any {
	meta := map[string]any{"path": path, "runId": runID}
	m, ok := payload.(map[string]any)
	if !ok {
		out := make(map[string]any, 2)
		if payload != nil {
			out["value"] = payload
		}
		out["__workflow_meta"] = meta
		return out
	}
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out["__workflow_meta"] = meta
	return out
}

// StepResult is the status-tagged record of a single node's execution.
type StepResult struct {
	Status    Status     `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Payload   any        `json:"payload"`

	// success
	Output any `json:"output,omitempty"`

	// failed
	Error *errcodec.Encoded `json:"error,omitempty"`

	// suspended
	SuspendPayload any        `json:"suspendPayload,omitempty"`
	SuspendedAt    *time.Time `json:"suspendedAt,omitempty"`

	// resumed-then-completed
	ResumePayload any        `json:"resumePayload,omitempty"`
	ResumedAt     *time.Time `json:"resumedAt,omitempty"`
}

// ResumeCursor records where a resumable label should re-enter, including
// the case of a nested sub-workflow suspension addressed by a dotted path.
type ResumeCursor struct {
	Label string    `json:"label"`
	Since time.Time `json:"since"`
}

// Snapshot is the durable record of a single run.
type Snapshot struct {
	RunID      string `json:"runId"`
	WorkflowID string `json:"workflowId"`
	ResourceID string `json:"resourceId,omitempty"`

	Status Status `json:"status"`
	Input  any    `json:"input"`

	// Result holds the run's terminal output once Status is StatusSuccess
	// (including the bail-early case, where it is the bailed output).
	Result any `json:"result,omitempty"`

	Steps map[string]*StepResult `json:"steps"`

	ActivePaths    map[string]struct{}     `json:"activePaths"`
	SuspendedPaths map[string]ResumeCursor `json:"suspendedPaths"`
	WaitingPaths   map[string]time.Time    `json:"waitingPaths"`

	SerializedStepGraph string                  `json:"serializedStepGraph"`
	ResumeLabels        map[string]ResumeCursor `json:"resumeLabels"`
	RetryCount          map[string]int          `json:"retryCount"`

	RequestContext map[string]any `json:"requestContext"`

	// Sequence is the last-applied bus event sequence number for this run,
	// used by Store.Persist to resolve last-writer-wins across coordinators.
	Sequence int64 `json:"sequence"`

	Timestamp time.Time `json:"timestamp"`

	// Error mirrors the first unrecovered failure; present iff Status ==
	// StatusFailed.
	Error *errcodec.Encoded `json:"error,omitempty"`
}

// New returns a freshly initialized, empty running Snapshot.
func New(workflowID, runID, resourceID string, input any, serializedStepGraph string) *Snapshot {
	return &Snapshot{
		RunID:               runID,
		WorkflowID:          workflowID,
		ResourceID:          resourceID,
		Status:              StatusRunning,
		Input:               input,
		Steps:               make(map[string]*StepResult),
		ActivePaths:         make(map[string]struct{}),
		SuspendedPaths:      make(map[string]ResumeCursor),
		WaitingPaths:        make(map[string]time.Time),
		SerializedStepGraph: serializedStepGraph,
		ResumeLabels:        make(map[string]ResumeCursor),
		RetryCount:          make(map[string]int),
		RequestContext:      make(map[string]any),
		Timestamp:           time.Now(),
	}
}

// Clone returns a deep-enough copy safe for a reader to retain: the map
// structure is copied, and StepResult values are copied by pointer-to-copy
// so a caller cannot mutate the stored snapshot. Field values reachable
// through `any` (payload/output contents) are not deep-copied, matching the
// teacher's defensive-copy-at-the-container-level pattern in
// run/inmem/inmem.go.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Steps = make(map[string]*StepResult, len(s.Steps))
	for k, v := range s.Steps {
		vv := *v
		out.Steps[k] = &vv
	}
	out.ActivePaths = copySet(s.ActivePaths)
	out.SuspendedPaths = copyCursorMap(s.SuspendedPaths)
	out.WaitingPaths = copyTimeMap(s.WaitingPaths)
	out.ResumeLabels = copyCursorMap(s.ResumeLabels)
	out.RetryCount = copyIntMap(s.RetryCount)
	out.RequestContext = copyAnyMap(s.RequestContext)
	return &out
}

func copySet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func copyCursorMap(m map[string]ResumeCursor) map[string]ResumeCursor {
	out := make(map[string]ResumeCursor, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTimeMap(m map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ErrNotFound is returned by Store.Load when no snapshot exists for a run.
var ErrNotFound = errors.New("snapshot: not found")

// ListFilter narrows Store.List results.
type ListFilter struct {
	ResourceID string
	Status     Status
	Limit      int
	Offset     int
}

// Store persists per-run state, lists runs, and retrieves by id (C2).
// Persist must be idempotent: a write carrying an older Sequence than the
// currently stored snapshot is ignored rather than applied (last-writer-
// wins keyed by sequence number, across coordinators; a single coordinator
// gets read-your-writes because it is the snapshot's sole owner).
type Store interface {
	Persist(ctx context.Context, s *Snapshot) error
	Load(ctx context.Context, workflowID, runID string) (*Snapshot, error)
	List(ctx context.Context, workflowID string, filter ListFilter) ([]*Snapshot, int, error)
	ClearAll(ctx context.Context, workflowID string) error
}
