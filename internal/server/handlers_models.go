package server

import (
	"net/http"

	"github.com/easel-sd/easel/internal/models"
)

// modelView is a descriptor joined with its live process status.
type modelView struct {
	*models.ModelDescriptor
	Status *models.ProcessStatus `json:"status,omitempty"`
}

func (s *Server) handleModelList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	descs := s.app.Manager.All()
	views := make([]modelView, 0, len(descs))
	for _, desc := range descs {
		status, _ := s.app.Manager.Status(desc.ID)
		views = append(views, modelView{ModelDescriptor: desc, Status: status})
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"models": views})
}

func (s *Server) handleModelGet(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	desc := s.app.Manager.Get(id)
	if desc == nil {
		WriteDomainError(w, models.ErrUnknownModel)
		return
	}
	status, _ := s.app.Manager.Status(id)
	WriteJSON(w, http.StatusOK, modelView{ModelDescriptor: desc, Status: status})
}

func (s *Server) handleModelStatus(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	status, err := s.app.Manager.Status(id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleModelLogs(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if s.app.Manager.Get(id) == nil {
		WriteDomainError(w, models.ErrUnknownModel)
		return
	}
	lines := s.app.Manager.Logs(id)
	if lines == nil {
		lines = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"model_id": id, "logs": lines})
}

func (s *Server) handleModelStart(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	status, err := s.app.Manager.Start(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleModelStop(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if s.app.Manager.Get(id) == nil {
		WriteDomainError(w, models.ErrUnknownModel)
		return
	}
	if err := s.app.Manager.Stop(r.Context(), id); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"model_id": id, "status": models.ProcessStatusStopped})
}

func (s *Server) handleModelsRunning(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	running := s.app.Manager.Running()
	if running == nil {
		running = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"running": running})
}

// --- Downloads ---

type downloadRequest struct {
	Repo  string   `json:"repo"`
	Files []string `json:"files"`
}

func (s *Server) handleDownloadStart(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodGet:
		// Listing all downloads lives on the same path.
		WriteJSON(w, http.StatusOK, map[string]interface{}{"downloads": s.app.Downloads.All()})
		return
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
		return
	}

	var req downloadRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.Repo == "" {
		WriteError(w, http.StatusBadRequest, "repo is required")
		return
	}

	d, err := s.app.Downloads.Start(r.Context(), req.Repo, req.Files)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, d)
}

func (s *Server) handleDownloadGet(w http.ResponseWriter, r *http.Request, id string) {
	d, err := s.app.Downloads.Status(id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

func (s *Server) handleDownloadCancel(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.app.Downloads.Cancel(id); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"download_id": id, "status": models.DownloadStatusCancelled})
}
