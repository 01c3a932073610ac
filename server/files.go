package server

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/deepnoodle-ai/drawbridge"
)

// maxUploadSize caps image uploads at 16 MiB.
const maxUploadSize = 16 << 20

// handleUpload stores an embedded image in object storage and records
// its metadata in the session. Requires the object store; without one
// the feature is disabled (503).
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if s.objects == nil {
		writeError(w, http.StatusServiceUnavailable, "file storage is not configured")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	body := http.MaxBytesReader(w, r.Body, maxUploadSize)
	defer body.Close()

	fileID := uuid.NewString()
	url, err := s.objects.Upload(r.Context(), "files/"+id+"/"+fileID, contentType, body)
	if err != nil {
		s.logger.Error("upload failed", "session_id", id, "file_id", fileID, "error", err)
		writeError(w, http.StatusBadGateway, "upload to object storage failed")
		return
	}

	meta := drawbridge.FileMeta{
		ID:       fileID,
		CDNURL:   url,
		MimeType: contentType,
		Created:  time.Now().UnixMilli(),
	}
	if err := s.manager.AddFile(id, meta); err != nil {
		s.storeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"file":    meta,
	})
}

// handleDownload proxies a stored image from its CDN URL. The session
// is named in the "session" query parameter.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fileID := ps.ByName("fileId")
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session query parameter is required")
		return
	}
	meta, ok, err := s.manager.FileMeta(sessionID, fileID)
	if err != nil {
		s.storeError(w, sessionID, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown file")
		return
	}

	resp, err := http.Get(meta.CDNURL)
	if err != nil {
		s.logger.Error("file proxy failed", "file_id", fileID, "url", meta.CDNURL, "error", err)
		writeError(w, http.StatusBadGateway, "upstream fetch failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		writeError(w, http.StatusBadGateway, "upstream fetch failed")
		return
	}
	w.Header().Set("Content-Type", meta.MimeType)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, resp.Body)
}
