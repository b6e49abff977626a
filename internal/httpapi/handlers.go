package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/course-importer/internal/jobs"
	"github.com/MimeLyc/course-importer/pkg/log"
)

// multipart parts beyond this are spooled to disk by net/http
const multipartMemory = 32 << 20

type createJobRequest struct {
	Mode        string `json:"mode"`
	CourseID    int64  `json:"course_id"`
	CourseTitle string `json:"course_title"`
}

type tokenRequest struct {
	UploadToken string `json:"upload_token"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.service.List(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		res, err := s.service.Create(r.Context(), jobs.CreateRequest{
			Mode:        jobs.Mode(strings.TrimSpace(req.Mode)),
			CourseID:    req.CourseID,
			CourseTitle: req.CourseTitle,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleJob serves /api/jobs/{id} and /api/jobs/{id}/{action}.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	idPart, action, _ := strings.Cut(rest, "/")
	jobID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || jobID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		report, err := s.service.Status(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case "items":
		s.handleItems(w, r, jobID)
	case "finalize":
		s.handleFinalize(w, r, jobID)
	case "cancel", "cleanup", "pause", "resume", "retry":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleTransition(w, r, jobID, action)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request, jobID int64) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.service.Items(r.Context(), jobID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		s.handleAddItem(w, r, jobID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request, jobID int64) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	res, err := s.service.AddItem(r.Context(), jobs.AddItemRequest{
		JobID:        jobID,
		Token:        r.FormValue("upload_token"),
		SectionName:  r.FormValue("section_name"),
		SectionOrder: formInt(r, "section_order", 1),
		VideoOrder:   formInt(r, "video_order", 1),
		FileName:     header.Filename,
	}, file)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	code := http.StatusCreated
	if res.Duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request, jobID int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	token := r.Header.Get("X-Upload-Token")
	if token == "" {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		token = req.UploadToken
	}
	job, err := s.service.FinalizeUploads(r.Context(), jobID, token)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, jobID int64, action string) {
	ctx := r.Context()
	var (
		ret any
		err error
	)
	switch action {
	case "cancel":
		ret, err = s.service.Cancel(ctx, jobID)
	case "pause":
		ret, err = s.service.Pause(ctx, jobID)
	case "resume":
		ret, err = s.service.Resume(ctx, jobID)
	case "retry":
		ret, err = s.service.RetryFailed(ctx, jobID)
	case "cleanup":
		err = s.service.Cleanup(ctx, jobID)
		ret = map[string]any{"deleted": true, "job_id": jobID}
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ret)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := s.defaultBatch
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "max must be an integer")
			return
		}
		limit = max(n, 1)
	}
	n, err := s.worker.Tick(r.Context(), limit)
	if err != nil {
		log.Error("Tick failed: %v", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": n})
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, jobs.SchedulerInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.scheduler.Info(time.Now()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func formInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.FormValue(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func statusForError(t jobs.ErrorType) int {
	switch t {
	case jobs.ErrValidation:
		return http.StatusBadRequest
	case jobs.ErrNotFound:
		return http.StatusNotFound
	case jobs.ErrInvalidToken:
		return http.StatusForbidden
	case jobs.ErrConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	t := jobs.TypeOf(err)
	status := statusForError(t)
	msg := err.Error()
	var jobErr *jobs.Error
	if errors.As(err, &jobErr) {
		msg = jobErr.Message
	}
	if status >= http.StatusInternalServerError {
		log.Error("Request failed: %v", err)
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
		"code":  t.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
