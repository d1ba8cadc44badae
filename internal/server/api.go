package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/livetemplate/pagecraft"
	"github.com/livetemplate/pagecraft/internal/pages"
	"github.com/livetemplate/pagecraft/internal/source"
	"github.com/livetemplate/pagecraft/internal/store"
)

// apiError is the JSON body of every non-2xx /pages response.
type apiError struct {
	Error   string            `json:"error"`
	Code    pagecraft.Code    `json:"code,omitempty"`
	NodeID  string            `json:"nodeId,omitempty"`
	Reason  pages.Reason      `json:"reason,omitempty"`
	Version pagecraft.Version `json:"version,omitempty"`
}

func (s *Server) pageID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "pageId")
	if err := store.ValidatePageID(id); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error()})
		return "", false
	}
	return id, true
}

func (s *Server) handleGetPage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pageID(w, r)
	if !ok {
		return
	}

	var res pages.Result
	if r.URL.Query().Get("refresh") == "1" {
		res = s.pages.Refresh(r.Context(), id)
	} else {
		res = s.pages.FetchPage(r.Context(), id)
	}

	switch res.Status {
	case pages.StatusFound:
		if res.Stale {
			w.Header().Set("Warning", `110 - "Response is Stale"`)
		}
		writeJSON(w, http.StatusOK, res.Doc)
	case pages.StatusNotFound:
		writeJSON(w, http.StatusNotFound, apiError{Error: "page not found"})
	default:
		writeJSON(w, statusForReason(res.Reason), apiError{Error: res.Message(), Reason: res.Reason})
	}
}

func (s *Server) handleSavePage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pageID(w, r)
	if !ok {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, apiError{Error: "request body too large"})
		return
	}
	doc, err := pagecraft.Decode(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error(), Code: pagecraft.CodeInvalidDocument})
		return
	}
	if doc.PageID != "" && doc.PageID != id {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "pageId in body does not match URL", Code: pagecraft.CodeInvalidDocument})
		return
	}
	doc.PageID = id

	version, err := s.pages.SavePage(r.Context(), doc)
	if err != nil {
		s.writeSaveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]pagecraft.Version{"version": version})
}

func (s *Server) writeSaveError(w http.ResponseWriter, err error) {
	var conflict *store.VersionConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, apiError{Error: err.Error(), Version: conflict.Actual})
		return
	}

	var rejected *source.RejectedError
	if errors.As(err, &rejected) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error(), Code: rejected.Code, NodeID: rejected.NodeID})
		return
	}

	if code := pagecraft.CodeOf(err); code != "" {
		body := apiError{Error: err.Error(), Code: code}
		var verr *pagecraft.ValidationError
		if errors.As(err, &verr) {
			body.NodeID = verr.NodeID
		}
		writeJSON(w, http.StatusBadRequest, body)
		return
	}
	if errors.Is(err, pagecraft.ErrInvalidDocument) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: err.Error(), Code: pagecraft.CodeInvalidDocument})
		return
	}

	res := pages.Failed(err)
	writeJSON(w, statusForReason(res.Reason), apiError{Error: res.Message(), Reason: res.Reason})
}

func (s *Server) handleDeletePage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pageID(w, r)
	if !ok {
		return
	}
	if err := s.pages.DeletePage(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, apiError{Error: "page not found"})
			return
		}
		res := pages.Failed(err)
		writeJSON(w, statusForReason(res.Reason), apiError{Error: res.Message(), Reason: res.Reason})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusForReason maps a fetch failure to the status the engine answers with.
func statusForReason(reason pages.Reason) int {
	switch reason {
	case pages.ReasonTimeout:
		return http.StatusGatewayTimeout
	case pages.ReasonCircuitOpen, pages.ReasonCanceled:
		return http.StatusServiceUnavailable
	case pages.ReasonInvalidDocument:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
