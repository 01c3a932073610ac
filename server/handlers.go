package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/deepnoodle-ai/drawbridge"
	"github.com/deepnoodle-ai/drawbridge/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sessions, clients := s.manager.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": sessions,
		"clients":  clients,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.manager.Sessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	scene, _, err := s.manager.SceneSnapshot(id)
	if err != nil {
		s.storeError(w, id, err)
		return
	}
	elements := scene.Elements
	if elements == nil {
		elements = []drawbridge.Element{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       id,
		"elements": elements,
		"appState": scene.AppState,
		"viewport": scene.Viewport,
	})
}

func (s *Server) handleSetElements(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	var req struct {
		Elements []drawbridge.Element `json:"elements"`
		AppState json.RawMessage      `json:"appState"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	count, clients, err := s.manager.SetElements(id, req.Elements, req.AppState)
	if err != nil {
		s.storeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"elementCount": count,
		"clients":      clients,
	})
}

func (s *Server) handleAppendElements(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	var req struct {
		Elements []drawbridge.Element `json:"elements"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	count, err := s.manager.AppendElements(id, req.Elements)
	if err != nil {
		s.storeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"elementCount": count,
	})
}

func (s *Server) handleSetViewport(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	var req struct {
		X      *float64 `json:"x"`
		Y      *float64 `json:"y"`
		Width  *float64 `json:"width"`
		Height *float64 `json:"height"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	v := drawbridge.DefaultViewport()
	if req.X != nil {
		v.X = *req.X
	}
	if req.Y != nil {
		v.Y = *req.Y
	}
	if req.Width != nil {
		v.Width = *req.Width
	}
	if req.Height != nil {
		v.Height = *req.Height
	}
	if err := s.manager.SetViewport(id, v); err != nil {
		s.storeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"viewport": v,
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if err := s.manager.Clear(id); err != nil {
		s.storeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	count, err := s.manager.Undo(id)
	if err != nil {
		if errors.Is(err, store.ErrEmptyLog) {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": false,
				"message": "nothing to undo",
			})
			return
		}
		s.storeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"elementCount": count,
	})
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	result, err := s.manager.Versions(id)
	if err != nil {
		s.storeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	var req struct {
		Timestamp *int64 `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Timestamp == nil {
		writeError(w, http.StatusBadRequest, "timestamp is required")
		return
	}
	count, err := s.manager.Restore(id, *req.Timestamp)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no versioned snapshot with that timestamp")
			return
		}
		s.storeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"elementCount": count,
	})
}

// storeError maps store-level failures onto HTTP responses. Invalid
// session IDs are the caller's fault; everything else is logged and
// reported as a server-side failure scoped to this request.
func (s *Server) storeError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, store.ErrInvalidSessionID) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("request failed", "session_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
