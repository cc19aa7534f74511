package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/easel-sd/easel/internal/common"
)

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)

	// Jobs
	mux.HandleFunc("/jobs/generate", s.jobSubmitHandler("generate"))
	mux.HandleFunc("/jobs/edit", s.jobSubmitHandler("edit"))
	mux.HandleFunc("/jobs/variation", s.jobSubmitHandler("variation"))
	mux.HandleFunc("/jobs/upscale", s.jobSubmitHandler("upscale"))
	mux.HandleFunc("/jobs/", s.routeJobs)
	mux.HandleFunc("/jobs", s.handleJobList)

	// Generations and images
	mux.HandleFunc("/generations/", s.routeGenerations)
	mux.HandleFunc("/images/", s.handleImageGet)

	// Models — downloads first, the generic /models/ pattern would shadow them
	mux.HandleFunc("/models/download/", s.routeDownloads)
	mux.HandleFunc("/models/download", s.handleDownloadStart)
	mux.HandleFunc("/models/running", s.handleModelsRunning)
	mux.HandleFunc("/models/", s.routeModels)
	mux.HandleFunc("/models", s.handleModelList)

	// Events
	mux.HandleFunc("/ws", s.app.Hub.ServeWS)
}

// routeJobs dispatches /jobs/{id}.
func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleJobGet(w, r, id)
	case http.MethodDelete:
		s.handleJobDelete(w, r, id)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodDelete)
	}
}

// routeGenerations dispatches /generations/{id} and /generations/{id}/images.
func (s *Server) routeGenerations(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/generations/")
	if path == "" {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/images"); ok {
		s.handleGenerationImages(w, r, id)
		return
	}
	if strings.Contains(path, "/") {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	s.handleJobGet(w, r, path)
}

// routeModels dispatches /models/{id} and /models/{id}/{action}.
func (s *Server) routeModels(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/models/")
	if path == "" {
		s.handleModelList(w, r)
		return
	}

	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		s.handleModelGet(w, r, id)
	case "status":
		s.handleModelStatus(w, r, id)
	case "logs":
		s.handleModelLogs(w, r, id)
	case "start":
		s.handleModelStart(w, r, id)
	case "stop":
		s.handleModelStop(w, r, id)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

// routeDownloads dispatches /models/download/{id}.
func (s *Server) routeDownloads(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/models/download/")
	if id == "" || strings.Contains(id, "/") {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleDownloadGet(w, r, id)
	case http.MethodDelete:
		s.handleDownloadCancel(w, r, id)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodDelete)
	}
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"instance": s.app.InstanceID,
		"uptime":   time.Since(s.app.StartupTime).Round(time.Second).String(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}
