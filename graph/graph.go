// Package graph implements the immutable compiled plan of nodes (C3): the
// tagged-variant node types the spec defines (step, parallel, branch,
// do_until/do_while, foreach, sleep/sleep_until, map, sub_workflow), their
// absolute label addressing, and the commit-time freezing and fingerprinting
// that the coordinator relies on to detect a graph change across resume or
// time-travel.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind tags the variant a Node holds.
type Kind string

const (
	KindStep        Kind = "step"
	KindParallel    Kind = "parallel"
	KindBranch      Kind = "branch"
	KindDoUntil     Kind = "do_until"
	KindDoWhile     Kind = "do_while"
	KindForeach     Kind = "foreach"
	KindSleep       Kind = "sleep"
	KindSleepUntil  Kind = "sleep_until"
	KindMap         Kind = "map"
	KindSubWorkflow Kind = "sub_workflow"
)

// ErrUnsupportedOperator is returned at commit time when a plan references a
// removed primitive (the legacy waitForEvent operator).
var ErrUnsupportedOperator = errors.New("graph: unsupported operator")

// Predicate evaluates truthiness of a node's current input; used by branch
// and do_until/do_while. May perform arbitrary (including async-equivalent,
// i.e. blocking) work, hence the context.
type Predicate func(ctx context.Context, input any) (bool, error)

// BranchArm pairs a predicate with the node it guards.
type BranchArm struct {
	Predicate Predicate
	Node      *Node
}

// Node is a single element of a compiled plan. Only the fields relevant to
// Kind are populated; see the constructor functions below.
type Node struct {
	// Label is the node's absolute path, assigned by Plan.Commit.
	Label string
	Kind  Kind

	// step
	StepID string

	// parallel
	Children []*Node

	// branch
	Arms []BranchArm

	// do_until / do_while
	Body      *Node
	Predicate Predicate

	// foreach
	Concurrency int

	// sleep / sleep_until
	SleepFor   time.Duration
	SleepUntil time.Time

	// map
	Resolver *Mapping

	// sub_workflow
	SubWorkflowID string
	subWorkflow   *Plan
}

// Step returns a step node wrapping the given step id.
func Step(stepID string) *Node { return &Node{Kind: KindStep, StepID: stepID} }

// Parallel returns a node whose children all run concurrently.
func Parallel(children ...*Node) *Node { return &Node{Kind: KindParallel, Children: children} }

// Branch returns a node whose arms are all evaluated and matching ones run
// concurrently.
func Branch(arms ...BranchArm) *Node { return &Node{Kind: KindBranch, Arms: arms} }

// DoUntil repeats body until pred returns true on its last output.
func DoUntil(body *Node, pred Predicate) *Node {
	return &Node{Kind: KindDoUntil, Body: body, Predicate: pred}
}

// DoWhile repeats body while pred returns true on its last output.
func DoWhile(body *Node, pred Predicate) *Node {
	return &Node{Kind: KindDoWhile, Body: body, Predicate: pred}
}

// Foreach applies body to each element of an ordered input sequence under a
// bounded concurrency (default 1 when concurrency <= 0).
func Foreach(body *Node, concurrency int) *Node {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Node{Kind: KindForeach, Body: body, Concurrency: concurrency}
}

// Sleep waits for the given duration before passing its input through
// unchanged.
func Sleep(d time.Duration) *Node { return &Node{Kind: KindSleep, SleepFor: d} }

// SleepUntil waits until the given absolute time.
func SleepUntil(t time.Time) *Node { return &Node{Kind: KindSleepUntil, SleepUntil: t} }

// Map rewrites the current value by resolving m against init data, prior
// step outputs, request context, constants, or a function.
func Map(m *Mapping) *Node { return &Node{Kind: KindMap, Resolver: m} }

// SubWorkflow embeds another committed plan as a single node.
func SubWorkflow(p *Plan) *Node {
	if p == nil {
		panic("graph: SubWorkflow requires a non-nil plan")
	}
	return &Node{Kind: KindSubWorkflow, SubWorkflowID: p.ID, subWorkflow: p}
}

// Plan is the frozen, ordered composition of nodes produced by the workflow
// builder (C6). It is immutable once Commit succeeds.
type Plan struct {
	ID       string
	Sequence []*Node

	committed           bool
	serializedStepGraph  string
	labelIndex           map[string]*Node
}

// NewPlan creates an uncommitted plan with the given id and sequential node
// chain (the `.then(...).then(...)` composition).
func NewPlan(id string, sequence ...*Node) *Plan {
	return &Plan{ID: id, Sequence: sequence}
}

// Committed reports whether Commit has succeeded for this plan.
func (p *Plan) Committed() bool { return p.committed }

// SerializedStepGraph returns the structural fingerprint computed at commit
// time. Calling it before Commit panics.
func (p *Plan) SerializedStepGraph() string {
	if !p.committed {
		panic("graph: SerializedStepGraph called before Commit")
	}
	return p.serializedStepGraph
}

// Node looks up a node by its absolute label, returning nil if absent.
func (p *Plan) Node(label string) *Node {
	if p.labelIndex == nil {
		return nil
	}
	return p.labelIndex[label]
}

// Labels returns every absolute label reachable in the committed plan, in
// depth-first, insertion order.
func (p *Plan) Labels() []string {
	labels := make([]string, 0, len(p.labelIndex))
	walkOrdered(p.Sequence, func(n *Node) { labels = append(labels, n.Label) })
	return labels
}

// Commit freezes the plan: it assigns absolute labels to every node,
// rejects unsupported operators, and computes the deterministic structural
// fingerprint used as the reference for time-travel and resume.
func (p *Plan) Commit() error {
	if len(p.Sequence) == 0 {
		return fmt.Errorf("graph: %w: plan %q has no nodes", ErrEmptyPlan, p.ID)
	}
	p.labelIndex = make(map[string]*Node)
	counters := map[Kind]int{}
	if err := assignLabels(p.Sequence, "", counters, p.labelIndex); err != nil {
		return err
	}
	fp, err := fingerprint(p.Sequence)
	if err != nil {
		return fmt.Errorf("graph: fingerprint plan %q: %w", p.ID, err)
	}
	p.serializedStepGraph = fp
	p.committed = true
	return nil
}

// ErrEmptyPlan is returned by Commit when a plan has no nodes.
var ErrEmptyPlan = errors.New("empty plan")

func assignLabels(nodes []*Node, prefix string, counters map[Kind]int, index map[string]*Node) error {
	for i, n := range nodes {
		label := n.StepID
		switch n.Kind {
		case KindStep:
			if label == "" {
				return fmt.Errorf("graph: %w: step node at position %d has no step id", ErrUnsupportedOperator, i)
			}
		case KindParallel, KindBranch, KindDoUntil, KindDoWhile, KindForeach, KindMap, KindSleep, KindSleepUntil, KindSubWorkflow:
			label = fmt.Sprintf("%s_%d", n.Kind, counters[n.Kind])
			counters[n.Kind]++
			if n.Kind == KindSubWorkflow {
				label = n.SubWorkflowID
			}
		default:
			return fmt.Errorf("graph: %w: unknown node kind %q", ErrUnsupportedOperator, n.Kind)
		}
		if prefix != "" {
			label = prefix + "." + label
		}
		n.Label = label
		index[label] = n

		switch n.Kind {
		case KindParallel:
			if err := assignLabels(n.Children, label, map[Kind]int{}, index); err != nil {
				return err
			}
		case KindBranch:
			children := make([]*Node, len(n.Arms))
			for j, arm := range n.Arms {
				children[j] = arm.Node
			}
			if err := assignLabels(children, label, map[Kind]int{}, index); err != nil {
				return err
			}
		case KindDoUntil, KindDoWhile, KindForeach:
			if err := assignLabels([]*Node{n.Body}, label, map[Kind]int{}, index); err != nil {
				return err
			}
		case KindSubWorkflow:
			if n.subWorkflow != nil {
				for childLabel, childNode := range n.subWorkflow.labelIndex {
					index[label+"."+childLabel] = childNode
				}
			}
		}
	}
	return nil
}

func walkOrdered(nodes []*Node, visit func(*Node)) {
	for _, n := range nodes {
		visit(n)
		switch n.Kind {
		case KindParallel:
			walkOrdered(n.Children, visit)
		case KindBranch:
			for _, arm := range n.Arms {
				walkOrdered([]*Node{arm.Node}, visit)
			}
		case KindDoUntil, KindDoWhile, KindForeach:
			walkOrdered([]*Node{n.Body}, visit)
		}
	}
}

// fingerprint computes a deterministic structural digest of the node
// sequence: kind, step id, and shape, but never closures (predicates,
// resolvers, execute callables) which cannot be compared across process
// restarts.
func fingerprint(nodes []*Node) (string, error) {
	shape := shapeOf(nodes)
	b, err := json.Marshal(shape)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func shapeOf(nodes []*Node) []any {
	out := make([]any, 0, len(nodes))
	for _, n := range nodes {
		entry := map[string]any{"kind": string(n.Kind)}
		switch n.Kind {
		case KindStep:
			entry["stepId"] = n.StepID
		case KindParallel:
			entry["children"] = shapeOf(n.Children)
		case KindBranch:
			arms := make([]any, len(n.Arms))
			for i, arm := range n.Arms {
				arms[i] = shapeOf([]*Node{arm.Node})[0]
			}
			entry["arms"] = arms
		case KindDoUntil, KindDoWhile:
			entry["body"] = shapeOf([]*Node{n.Body})[0]
		case KindForeach:
			entry["body"] = shapeOf([]*Node{n.Body})[0]
			entry["concurrency"] = n.Concurrency
		case KindSleep:
			entry["ms"] = n.SleepFor.Milliseconds()
		case KindSleepUntil:
			entry["at"] = n.SleepUntil.Unix()
		case KindMap:
			entry["resolver"] = n.Resolver.shape()
		case KindSubWorkflow:
			entry["subWorkflowId"] = n.SubWorkflowID
		}
		out = append(out, entry)
	}
	return out
}
