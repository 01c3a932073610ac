package drawbridge

import (
	"encoding/json"
)

// Element is one opaque scene record. The ordered sequence of elements
// defines the drawing; array order is z-order (first = back). An alias
// keeps marshaling byte-for-byte transparent.
type Element = json.RawMessage

// Synthetic element types recognized by the server. Elements of these
// types are stripped from the stored scene and reinterpreted as
// viewport operations. Everything else passes through untouched.
const (
	TypeCameraUpdate   = "cameraUpdate"
	TypeViewportUpdate = "viewportUpdate"
)

// Viewport is the camera rectangle the browser should frame.
type Viewport struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DefaultViewport returns the viewport used when a request omits fields.
func DefaultViewport() Viewport {
	return Viewport{X: 0, Y: 0, Width: 800, Height: 600}
}

// FileMeta describes one embedded image. The core treats it as opaque
// metadata; only the upload boundary populates it.
type FileMeta struct {
	ID       string `json:"id"`
	CDNURL   string `json:"cdnUrl"`
	MimeType string `json:"mimeType"`
	Created  int64  `json:"created"` // unix millis
}

// ElementInfo is the typed projection of an opaque element. Only the
// fields the server itself needs are extracted.
type ElementInfo struct {
	Type   string  `json:"type"`
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Project extracts the typed projection from an element. Returns false
// if the element is not a JSON object.
func Project(el Element) (ElementInfo, bool) {
	var info ElementInfo
	if err := json.Unmarshal(el, &info); err != nil {
		return ElementInfo{}, false
	}
	return info, true
}

// SplitSynthetic partitions elements into drawable elements and the
// viewports carried by synthetic cameraUpdate/viewportUpdate records.
// Unparseable elements are kept as drawable: the server does not judge
// element schemas.
func SplitSynthetic(elements []Element) (draw []Element, viewports []Viewport) {
	draw = make([]Element, 0, len(elements))
	for _, el := range elements {
		info, ok := Project(el)
		if ok && (info.Type == TypeCameraUpdate || info.Type == TypeViewportUpdate) {
			viewports = append(viewports, Viewport{
				X:      info.X,
				Y:      info.Y,
				Width:  info.Width,
				Height: info.Height,
			})
			continue
		}
		draw = append(draw, el)
	}
	return draw, viewports
}
