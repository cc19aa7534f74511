package server

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/easel-sd/easel/internal/models"
)

const maxUploadBytes = 32 << 20

// jobRequest is the JSON submission body. Source and mask images may arrive
// as base64 fields here, or as file parts in a multipart form.
type jobRequest struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt"`
	Size           string   `json:"size"`
	Seed           *int64   `json:"seed"`
	N              int      `json:"n"`
	Quality        string   `json:"quality"`
	Style          string   `json:"style"`
	Strength       *float64 `json:"strength"`
	CFGScale       *float64 `json:"cfg_scale"`
	SampleSteps    *int     `json:"sample_steps"`
	SamplingMethod string   `json:"sampling_method"`
	ClipSkip       *int     `json:"clip_skip"`
	Image          string   `json:"image"`
	Mask           string   `json:"mask"`
}

// jobSubmitHandler returns the POST handler for one job type.
func (s *Server) jobSubmitHandler(jobType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !RequireMethod(w, r, http.MethodPost) {
			return
		}

		var req jobRequest
		var sourceID, maskID string
		var err error

		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			sourceID, maskID, err = s.parseMultipartJob(r, &req)
		} else {
			if !DecodeJSON(w, r, &req) {
				return
			}
			sourceID, maskID, err = s.storeInlineImages(r, &req)
		}
		if err != nil {
			WriteDomainError(w, err)
			return
		}

		job := &models.Job{
			Type:           jobType,
			ModelID:        req.Model,
			Prompt:         req.Prompt,
			NegativePrompt: req.NegativePrompt,
			Size:           req.Size,
			Seed:           req.Seed,
			N:              req.N,
			Quality:        req.Quality,
			Style:          req.Style,
			SourceImageID:  sourceID,
			MaskImageID:    maskID,
			Strength:       req.Strength,
			CFGScale:       req.CFGScale,
			SampleSteps:    req.SampleSteps,
			SamplingMethod: req.SamplingMethod,
			ClipSkip:       req.ClipSkip,
		}

		if err := s.validateJob(job); err != nil {
			WriteDomainError(w, err)
			return
		}

		if err := s.app.Storage.Jobs().Enqueue(r.Context(), job); err != nil {
			WriteDomainError(w, err)
			return
		}
		s.app.Bus.PublishJob(models.EventJobQueued, job)

		WriteJSON(w, http.StatusCreated, map[string]string{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// validateJob enforces the submission contract before the job hits the queue.
func (s *Server) validateJob(job *models.Job) error {
	if job.ModelID == "" {
		if def := s.app.Manager.Default(); def != nil {
			job.ModelID = def.ID
		}
	}
	if job.ModelID == "" || s.app.Manager.Get(job.ModelID) == nil {
		return fmt.Errorf("%w: model %q is not configured", models.ErrJobInvalid, job.ModelID)
	}
	if job.Prompt == "" && job.Type != models.JobTypeUpscale {
		return fmt.Errorf("%w: prompt is required", models.ErrJobInvalid)
	}
	if job.SourceImageID == "" && job.Type != models.JobTypeGenerate {
		return fmt.Errorf("%w: a source image is required for %s", models.ErrJobInvalid, job.Type)
	}
	return nil
}

// parseMultipartJob reads form fields and stores uploaded image/mask parts.
func (s *Server) parseMultipartJob(r *http.Request, req *jobRequest) (sourceID, maskID string, err error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", "", fmt.Errorf("%w: invalid multipart form: %v", models.ErrJobInvalid, err)
	}

	req.Model = r.FormValue("model")
	req.Prompt = r.FormValue("prompt")
	req.NegativePrompt = r.FormValue("negative_prompt")
	req.Size = r.FormValue("size")
	req.Quality = r.FormValue("quality")
	req.Style = r.FormValue("style")
	req.SamplingMethod = r.FormValue("sampling_method")

	if v := r.FormValue("seed"); v != "" {
		if seed, err := strconv.ParseInt(v, 10, 64); err == nil {
			req.Seed = &seed
		}
	}
	if v := r.FormValue("n"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.N = n
		}
	}
	if v := r.FormValue("strength"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			req.Strength = &f
		}
	}
	if v := r.FormValue("cfg_scale"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			req.CFGScale = &f
		}
	}
	if v := r.FormValue("sample_steps"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.SampleSteps = &n
		}
	}
	if v := r.FormValue("clip_skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.ClipSkip = &n
		}
	}

	if sourceID, err = s.storeFilePart(r, "image"); err != nil {
		return "", "", err
	}
	if maskID, err = s.storeFilePart(r, "mask"); err != nil {
		return "", "", err
	}
	return sourceID, maskID, nil
}

// storeFilePart persists one uploaded file part as an image blob. Returns
// "" when the part is absent.
func (s *Server) storeFilePart(r *http.Request, field string) (string, error) {
	file, header, err := r.FormFile(field)
	if err == http.ErrMissingFile {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: invalid %s part: %v", models.ErrJobInvalid, field, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return "", fmt.Errorf("failed to read %s part: %w", field, err)
	}
	return s.saveBlob(r, data, partMIME(header, data))
}

// storeInlineImages persists base64 image fields from a JSON body.
func (s *Server) storeInlineImages(r *http.Request, req *jobRequest) (sourceID, maskID string, err error) {
	decode := func(field, b64 string) (string, error) {
		if b64 == "" {
			return "", nil
		}
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return "", fmt.Errorf("%w: %s is not valid base64", models.ErrJobInvalid, field)
		}
		return s.saveBlob(r, data, http.DetectContentType(data))
	}

	if sourceID, err = decode("image", req.Image); err != nil {
		return "", "", err
	}
	if maskID, err = decode("mask", req.Mask); err != nil {
		return "", "", err
	}
	return sourceID, maskID, nil
}

func (s *Server) saveBlob(r *http.Request, data []byte, mime string) (string, error) {
	blob := &models.ImageBlob{
		ID:   uuid.New().String(),
		MIME: mime,
		Data: data,
	}
	if err := s.app.Storage.Images().Save(r.Context(), blob); err != nil {
		return "", err
	}
	return blob.ID, nil
}

func partMIME(header *multipart.FileHeader, data []byte) string {
	if ct := header.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	return http.DetectContentType(data)
}

// handleJobList handles GET /jobs with limit/offset/status query parameters.
func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)
	filter := models.JobFilter{Status: r.URL.Query().Get("status")}

	jobs, total, err := s.app.Storage.Jobs().List(r.Context(), filter, limit, offset)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": jobs,
		"pagination": models.Pagination{
			Total:   total,
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(jobs) < total,
		},
	})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	job, err := s.app.Storage.Jobs().Get(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// handleJobDelete cancels a pending job, deletes a terminal one together
// with its image blobs, and refuses while the job is processing.
func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	job, err := s.app.Storage.Jobs().Get(ctx, id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	switch {
	case job.Status == models.JobStatusPending:
		if err := s.app.Storage.Jobs().Cancel(ctx, id); err != nil {
			WriteDomainError(w, err)
			return
		}
		job.Status = models.JobStatusCancelled
		s.app.Bus.PublishJob(models.EventJobCancelled, job)
		WriteJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": models.JobStatusCancelled})

	case job.Terminal():
		for _, img := range job.Images {
			if err := s.app.Storage.Images().Delete(ctx, img.ID); err != nil {
				s.logger.Warn().Str("image_id", img.ID).Err(err).Msg("Failed to delete image blob")
			}
		}
		if err := s.app.Storage.Jobs().Delete(ctx, id); err != nil {
			WriteDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "deleted"})

	default:
		WriteError(w, http.StatusConflict, "job is processing and cannot be cancelled")
	}
}

// handleGenerationImages returns the image records of a completed job.
func (s *Server) handleGenerationImages(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	job, err := s.app.Storage.Jobs().Get(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	images := job.Images
	if images == nil {
		images = []models.GeneratedImage{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"images": images})
}

// handleImageGet serves an image blob with its stored MIME type.
func (s *Server) handleImageGet(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/images/")
	if id == "" || strings.Contains(id, "/") {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}

	blob, err := s.app.Storage.Images().Get(r.Context(), id)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", blob.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(blob.Data)
	}
}
