package session

import (
	"encoding/json"

	"github.com/deepnoodle-ai/drawbridge"
)

// MessageType identifies a server-to-client broadcast message.
type MessageType string

const (
	MessageElements  MessageType = "elements"
	MessageAppend    MessageType = "append"
	MessageViewport  MessageType = "viewport"
	MessageClear     MessageType = "clear"
	MessageFilesMeta MessageType = "files-meta"
	MessageFileAdded MessageType = "file-added"
)

// Message source values attached to full-state messages that were not
// caused by an ordinary mutation.
const (
	SourceRestore           = "restore"
	SourceVersionCorrection = "version-correction"
)

// Message is one server-to-client frame. Fields are populated per
// message type; Version is present on full-state (elements) messages.
type Message struct {
	Type     MessageType                    `json:"type"`
	Elements []drawbridge.Element           `json:"elements,omitempty"`
	AppState json.RawMessage                `json:"appState,omitempty"`
	Viewport *drawbridge.Viewport           `json:"viewport,omitempty"`
	Files    map[string]drawbridge.FileMeta `json:"files,omitempty"`
	File     *drawbridge.FileMeta           `json:"file,omitempty"`
	Version  *int64                         `json:"version,omitempty"`
	Source   string                         `json:"source,omitempty"`
}

// ClientUpdate is the single client-to-server message: a full element
// replacement proposal. A nil BaseVersion is accepted unconditionally;
// a BaseVersion below the session's current version is stale and only
// earns the sender a corrective elements message.
type ClientUpdate struct {
	Type        string               `json:"type"`
	Elements    []drawbridge.Element `json:"elements"`
	BaseVersion *int64               `json:"baseVersion,omitempty"`
}

func elementsMessage(scene *drawbridge.Scene, version int64, source string) Message {
	elements := scene.Elements
	if elements == nil {
		elements = []drawbridge.Element{}
	}
	v := version
	return Message{
		Type:     MessageElements,
		Elements: elements,
		AppState: scene.AppState,
		Version:  &v,
		Source:   source,
	}
}
