package drawbridge

import (
	"encoding/json"
	"testing"

	"github.com/deepnoodle-ai/wonton/assert"
)

func el(s string) Element {
	return Element(s)
}

func TestApplySetAndUpdateAreEquivalent(t *testing.T) {
	a := &Scene{}
	b := &Scene{}

	elements := []Element{el(`{"id":"a"}`), el(`{"id":"b"}`)}
	a.Apply(Operation{Type: OpSet, Elements: elements})
	b.Apply(Operation{Type: OpUpdate, Elements: elements})

	assert.Equal(t, 2, a.ElementCount())
	assert.Equal(t, 2, b.ElementCount())
	assert.Equal(t, string(a.Elements[0]), string(b.Elements[0]))
}

func TestApplySetKeepsAppStateWhenAbsent(t *testing.T) {
	s := &Scene{}
	s.Apply(SetOp(nil, json.RawMessage(`{"theme":"dark"}`)))
	assert.Equal(t, `{"theme":"dark"}`, string(s.AppState))

	// A set without appState leaves the existing one in place.
	s.Apply(SetOp([]Element{el(`{"id":"a"}`)}, nil))
	assert.Equal(t, `{"theme":"dark"}`, string(s.AppState))
	assert.Equal(t, 1, s.ElementCount())
}

func TestApplyAppend(t *testing.T) {
	s := &Scene{}
	s.Apply(AppendOp([]Element{el(`{"id":"a"}`)}))
	s.Apply(AppendOp([]Element{el(`{"id":"b"}`), el(`{"id":"c"}`)}))
	assert.Equal(t, 3, s.ElementCount())
	assert.Equal(t, `{"id":"a"}`, string(s.Elements[0]))
	assert.Equal(t, `{"id":"c"}`, string(s.Elements[2]))
}

func TestApplyViewport(t *testing.T) {
	s := &Scene{}
	s.Apply(ViewportOp(Viewport{X: 1, Y: 2, Width: 300, Height: 400}))
	assert.NotNil(t, s.Viewport)
	assert.Equal(t, float64(300), s.Viewport.Width)
}

func TestApplyClearIsIdempotent(t *testing.T) {
	s := &Scene{}
	s.Apply(SetOp([]Element{el(`{"id":"a"}`)}, json.RawMessage(`{}`)))
	s.Apply(ViewportOp(DefaultViewport()))

	s.Apply(ClearOp())
	once := *s
	s.Apply(ClearOp())

	assert.Equal(t, 0, s.ElementCount())
	assert.Nil(t, s.AppState)
	assert.Nil(t, s.Viewport)
	assert.Equal(t, once.ElementCount(), s.ElementCount())
}

func TestReplayReproducesState(t *testing.T) {
	ops := []Operation{
		SetOp([]Element{el(`{"id":"a"}`)}, nil),
		AppendOp([]Element{el(`{"id":"b"}`)}),
		ViewportOp(Viewport{Width: 100, Height: 100}),
		UpdateOp([]Element{el(`{"id":"c"}`)}),
	}
	live := &Scene{}
	for _, op := range ops {
		live.Apply(op)
	}
	replayed := &Scene{}
	for _, op := range ops {
		replayed.Apply(op)
	}
	assert.Equal(t, live.ElementCount(), replayed.ElementCount())
	assert.Equal(t, string(live.Elements[0]), string(replayed.Elements[0]))
	assert.Equal(t, *live.Viewport, *replayed.Viewport)
}

func TestProject(t *testing.T) {
	info, ok := Project(el(`{"id":"r","type":"rectangle","x":10,"y":20,"width":30,"height":40}`))
	assert.True(t, ok)
	assert.Equal(t, "rectangle", info.Type)
	assert.Equal(t, "r", info.ID)
	assert.Equal(t, float64(30), info.Width)

	_, ok = Project(el(`not json`))
	assert.False(t, ok)
}

func TestSplitSynthetic(t *testing.T) {
	draw, viewports := SplitSynthetic([]Element{
		el(`{"type":"cameraUpdate","x":0,"y":0,"width":400,"height":300}`),
		el(`{"id":"r","type":"rectangle","x":0,"y":0,"width":10,"height":10}`),
		el(`{"type":"viewportUpdate","x":5,"y":5,"width":640,"height":480}`),
	})
	assert.Equal(t, 1, len(draw))
	assert.Equal(t, 2, len(viewports))
	assert.Equal(t, float64(400), viewports[0].Width)
	assert.Equal(t, float64(480), viewports[1].Height)
}

func TestSplitSyntheticKeepsUnparseableElements(t *testing.T) {
	draw, viewports := SplitSynthetic([]Element{el(`"just a string"`), el(`[1,2,3]`)})
	assert.Equal(t, 2, len(draw))
	assert.Equal(t, 0, len(viewports))
}

func TestSceneClone(t *testing.T) {
	s := &Scene{}
	s.Apply(SetOp([]Element{el(`{"id":"a"}`)}, nil))
	s.Apply(ViewportOp(DefaultViewport()))

	cp := s.Clone()
	cp.Apply(AppendOp([]Element{el(`{"id":"b"}`)}))
	cp.Viewport.X = 99

	assert.Equal(t, 1, s.ElementCount())
	assert.Equal(t, 2, cp.ElementCount())
	assert.Equal(t, float64(0), s.Viewport.X)
}
