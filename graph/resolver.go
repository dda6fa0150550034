package graph

import "fmt"

// MappingKind tags a single field resolution source within a Mapping.
type MappingKind string

const (
	// MappingInitRef resolves from the run's original input.
	MappingInitRef MappingKind = "init_ref"
	// MappingStepRef resolves from one (or the first terminal-success of
	// several) prior step's output, by path.
	MappingStepRef MappingKind = "step_ref"
	// MappingRequestContext resolves from the run's request context map.
	MappingRequestContext MappingKind = "request_context"
	// MappingConstant resolves to a fixed literal value.
	MappingConstant MappingKind = "constant"
	// MappingFunction resolves by invoking a Go function against the
	// current resolution scope.
	MappingFunction MappingKind = "function"
)

// StatusSuccess is the terminal-success status string a GetStepResult lookup
// must report for a candidate to be eligible in a MappingStepRef fallthrough
// (mirrors snapshot.StatusSuccess without importing the snapshot package).
const StatusSuccess = "success"

// Scope is what a MappingFunction or a StepRef lookup sees while resolving.
type Scope struct {
	InputData      any
	RequestContext map[string]any
	GetStepResult  func(stepRef string) (output any, status string, ok bool)
	GetInitData    func() any
}

// Field is a single named resolution within a Mapping; Mapping.Resolve
// produces a map keyed by Field.Name.
type Field struct {
	Name string
	Kind MappingKind

	// MappingStepRef / MappingInitRef
	Path string

	// MappingStepRef: candidate step labels, evaluated in order; the first
	// with a terminal success wins. Path "." means the whole output value.
	StepRefs []string

	// MappingRequestContext
	ContextPath string

	// MappingConstant
	Value any

	// MappingFunction
	Fn func(scope Scope) (any, error)
}

// Mapping is the resolver tree for a map node: a set of named fields, each
// resolved independently and assembled into the node's synthesized output.
type Mapping struct {
	Fields []Field
}

// NewMapping builds a Mapping from fields.
func NewMapping(fields ...Field) *Mapping { return &Mapping{Fields: fields} }

// Resolve evaluates every field against scope and returns the assembled
// object.
func (m *Mapping) Resolve(scope Scope) (map[string]any, error) {
	out := make(map[string]any, len(m.Fields))
	for _, f := range m.Fields {
		v, err := f.resolve(scope)
		if err != nil {
			return nil, fmt.Errorf("graph: resolve field %q: %w", f.Name, err)
		}
		out[f.Name] = v
	}
	return out, nil
}

func (f Field) resolve(scope Scope) (any, error) {
	switch f.Kind {
	case MappingConstant:
		return f.Value, nil
	case MappingInitRef:
		if scope.GetInitData == nil {
			return nil, fmt.Errorf("no init data available")
		}
		return pathLookup(scope.GetInitData(), f.Path), nil
	case MappingRequestContext:
		return pathLookup(scope.RequestContext, f.ContextPath), nil
	case MappingStepRef:
		if scope.GetStepResult == nil {
			return nil, fmt.Errorf("no step result accessor available")
		}
		for _, ref := range f.StepRefs {
			out, status, ok := scope.GetStepResult(ref)
			if !ok || status != StatusSuccess {
				continue // not yet terminal-success; fall through to the next candidate
			}
			return pathLookup(out, f.Path), nil
		}
		return nil, nil
	case MappingFunction:
		if f.Fn == nil {
			return nil, fmt.Errorf("function field %q has no Fn", f.Name)
		}
		return f.Fn(scope)
	default:
		return nil, fmt.Errorf("unknown mapping kind %q", f.Kind)
	}
}

func (m *Mapping) shape() []any {
	out := make([]any, 0, len(m.Fields))
	for _, f := range m.Fields {
		entry := map[string]any{"name": f.Name, "kind": string(f.Kind)}
		switch f.Kind {
		case MappingInitRef:
			entry["path"] = f.Path
		case MappingStepRef:
			entry["refs"] = f.StepRefs
			entry["path"] = f.Path
		case MappingRequestContext:
			entry["contextPath"] = f.ContextPath
		case MappingConstant:
			entry["value"] = f.Value
		}
		out = append(out, entry)
	}
	return out
}

// pathLookup walks a dotted path ("a.b.c") through nested maps. path "." or
// "" returns v unchanged.
func pathLookup(v any, path string) any {
	if path == "" || path == "." {
		return v
	}
	cur := v
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			seg := path[start:i]
			m, ok := cur.(map[string]any)
			if !ok {
				return nil
			}
			cur, ok = m[seg]
			if !ok {
				return nil
			}
			start = i + 1
		}
	}
	return cur
}
