package drawbridge

import (
	"encoding/json"
	"time"
)

// OpType identifies the kind of logged operation.
type OpType string

const (
	OpSet      OpType = "set"
	OpAppend   OpType = "append"
	OpUpdate   OpType = "update"
	OpViewport OpType = "viewport"
	OpClear    OpType = "clear"
)

// Operation is one log record. Operations are written verbatim to the
// per-session log, one JSON object per line, and replayed on load.
//
// OpSet and OpUpdate are equivalent under replay: both fully replace
// the element list (OpSet may additionally carry an appState). The
// distinct tags record which endpoint the mutation arrived on, which is
// useful when auditing a log.
type Operation struct {
	Type     OpType          `json:"op"`
	Elements []Element       `json:"elements,omitempty"`
	AppState json.RawMessage `json:"appState,omitempty"`
	Viewport *Viewport       `json:"viewport,omitempty"`
	At       time.Time       `json:"at"`
}

// SetOp builds a full-replacement operation. A nil appState leaves the
// scene's existing appState in place.
func SetOp(elements []Element, appState json.RawMessage) Operation {
	return Operation{Type: OpSet, Elements: elements, AppState: appState, At: time.Now()}
}

// AppendOp builds a concatenation operation.
func AppendOp(elements []Element) Operation {
	return Operation{Type: OpAppend, Elements: elements, At: time.Now()}
}

// UpdateOp builds the subscriber-edit flavor of full replacement.
func UpdateOp(elements []Element) Operation {
	return Operation{Type: OpUpdate, Elements: elements, At: time.Now()}
}

// ViewportOp builds a camera-change operation.
func ViewportOp(v Viewport) Operation {
	return Operation{Type: OpViewport, Viewport: &v, At: time.Now()}
}

// ClearOp builds a reset operation.
func ClearOp() Operation {
	return Operation{Type: OpClear, At: time.Now()}
}

// Scene is the replayable portion of a session: elements, appState and
// viewport. It is a passive record; the session engine guards it with
// the session lock.
type Scene struct {
	Elements []Element       `json:"elements"`
	AppState json.RawMessage `json:"appState,omitempty"`
	Viewport *Viewport       `json:"viewport,omitempty"`
}

// Apply transforms the scene by one operation. It is the single source
// of truth for operation semantics: replay on load and live mutation
// both go through it.
func (s *Scene) Apply(op Operation) {
	switch op.Type {
	case OpSet, OpUpdate:
		s.Elements = op.Elements
		if op.AppState != nil {
			s.AppState = op.AppState
		}
	case OpAppend:
		s.Elements = append(s.Elements, op.Elements...)
	case OpViewport:
		if op.Viewport != nil {
			v := *op.Viewport
			s.Viewport = &v
		}
	case OpClear:
		s.Elements = nil
		s.AppState = nil
		s.Viewport = nil
	}
}

// ElementCount returns the number of elements in the scene.
func (s *Scene) ElementCount() int {
	return len(s.Elements)
}

// Clone returns a copy that shares no mutable slices with the original.
// Element payloads themselves are immutable raw JSON and are shared.
func (s *Scene) Clone() *Scene {
	cp := &Scene{}
	if s.Elements != nil {
		cp.Elements = make([]Element, len(s.Elements))
		copy(cp.Elements, s.Elements)
	}
	cp.AppState = s.AppState
	if s.Viewport != nil {
		v := *s.Viewport
		cp.Viewport = &v
	}
	return cp
}
