package api

import (
	"net/http"

	"github.com/fnlabs/fn-scheduler/internal/store"
)

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: templates, Meta: map[string]any{"count": len(templates)}})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid template id"})
		return
	}
	tpl, err := s.store.GetTemplate(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: tpl})
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var in store.TemplateInput
	if err := decodeBody(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid JSON body"})
		return
	}
	tpl, err := s.store.CreateTemplate(in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, envelope{Data: tpl})
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid template id"})
		return
	}
	var in store.TemplateInput
	if err := decodeBody(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid JSON body"})
		return
	}
	tpl, err := s.store.UpdateTemplate(id, in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: tpl})
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid template id"})
		return
	}
	if err := s.store.DeleteTemplate(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Result: "deleted"})
}

func (s *Server) handleExportTemplates(w http.ResponseWriter, r *http.Request) {
	mapping, err := s.store.ExportTemplates()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: mapping})
}

func (s *Server) handleImportTemplates(w http.ResponseWriter, r *http.Request) {
	var mapping store.TemplateExport
	if err := decodeBody(r, &mapping); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: "invalid JSON body"})
		return
	}
	summary, err := s.store.ImportTemplates(mapping)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Result: map[string]any{"imported": summary}})
}
