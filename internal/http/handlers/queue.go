package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"finisher/internal/imageprep"
	"finisher/internal/queue"
	"finisher/internal/sdapi"
)

// maxUploadBytes bounds multipart uploads; larger sources go in by path.
const maxUploadBytes = 50 << 20

type processingConfigRequest struct {
	Upscaler          *string  `json:"upscaler"`
	ScaleFactor       *float64 `json:"scale_factor"`
	DenoisingStrength *float64 `json:"denoising_strength"`
	TileOverlap       *int     `json:"tile_overlap"`
	Steps             *int     `json:"steps"`
	SamplerName       *string  `json:"sampler_name"`
	CfgScale          *float64 `json:"cfg_scale"`
	Scheduler         *string  `json:"scheduler"`
}

// apply overlays the request fields onto the defaults.
func (p *processingConfigRequest) apply() *sdapi.ProcessingConfig {
	if p == nil {
		return nil
	}
	cfg := sdapi.DefaultProcessingConfig()
	if p.Upscaler != nil {
		cfg.Upscaler = *p.Upscaler
	}
	if p.ScaleFactor != nil {
		cfg.ScaleFactor = *p.ScaleFactor
	}
	if p.DenoisingStrength != nil {
		cfg.DenoisingStrength = *p.DenoisingStrength
	}
	if p.TileOverlap != nil {
		cfg.TileOverlap = *p.TileOverlap
	}
	if p.Steps != nil {
		cfg.Steps = *p.Steps
	}
	if p.SamplerName != nil {
		cfg.SamplerName = *p.SamplerName
	}
	if p.CfgScale != nil {
		cfg.CfgScale = *p.CfgScale
	}
	if p.Scheduler != nil {
		cfg.Scheduler = *p.Scheduler
	}
	return &cfg
}

type enqueueJobRequest struct {
	SourcePath  string                   `json:"source_path"`
	Description string                   `json:"description"`
	Priority    int                      `json:"priority"`
	Config      *processingConfigRequest `json:"config"`
}

type enqueueBatchRequest struct {
	Name string `json:"name"`
	// Dir enqueues every supported image directly inside the directory;
	// Jobs lists sources explicitly. Exactly one of the two is expected.
	Dir  string              `json:"dir"`
	Jobs []enqueueJobRequest `json:"jobs"`
}

type jobView struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	State         string     `json:"state"`
	Description   string     `json:"description"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	SourcePath    string     `json:"source_path,omitempty"`
	Progress      float64    `json:"progress"`
	ETASeconds    float64    `json:"eta_seconds,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	Priority      int        `json:"priority"`
	QueuePosition int        `json:"queue_position"`
	BatchID       string     `json:"batch_id,omitempty"`
}

func viewJob(j *queue.Job) jobView {
	return jobView{
		ID:            j.ID,
		Type:          string(j.Type),
		State:         string(j.State),
		Description:   j.Description,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		SourcePath:    j.Source.Path,
		Progress:      j.Progress,
		ETASeconds:    j.ETA.Seconds(),
		ErrorMessage:  j.ErrorMessage,
		Priority:      j.Priority,
		QueuePosition: j.QueuePosition,
		BatchID:       j.BatchID,
	}
}

func viewJobs(jobs []*queue.Job) []jobView {
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, viewJob(j))
	}
	return out
}

type batchView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
	JobIDs        []string  `json:"job_ids"`
	TotalJobs     int       `json:"total_jobs"`
	CompletedJobs int       `json:"completed_jobs"`
	FailedJobs    int       `json:"failed_jobs"`
	CancelledJobs int       `json:"cancelled_jobs"`
	Progress      float64   `json:"progress"`
	Complete      bool      `json:"complete"`
}

func viewBatch(b *queue.Batch) batchView {
	return batchView{
		ID:            b.ID,
		Name:          b.Name,
		CreatedAt:     b.CreatedAt,
		JobIDs:        b.JobIDs,
		TotalJobs:     b.TotalJobs,
		CompletedJobs: b.CompletedJobs,
		FailedJobs:    b.FailedJobs,
		CancelledJobs: b.CancelledJobs,
		Progress:      b.Progress(),
		Complete:      b.IsComplete(),
	}
}

func (a *App) QueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.SourcePath == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "source_path required")
		return
	}
	id, err := a.Queue.QueueSingleJob(
		imageprep.Source{Path: req.SourcePath}, req.Config.apply(), req.Description, req.Priority)
	if err != nil {
		a.queueError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"job_id": id, "state": string(queue.StateQueued)})
}

func (a *App) QueueUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "image file required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "failed to read upload")
		return
	}
	if len(data) > maxUploadBytes {
		a.error(w, http.StatusRequestEntityTooLarge, "too_large", "image exceeds upload limit")
		return
	}

	path, err := a.Uploads.SaveUpload(r.Context(), header.Filename, data)
	if err != nil {
		a.Logger.Error().Err(err).Msg("http: failed to stage upload")
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported or unreadable image")
		return
	}

	description := r.FormValue("description")
	priority := 0
	if v := r.FormValue("priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "priority must be an integer")
			return
		}
		priority = p
	}

	id, err := a.Queue.QueueSingleJob(imageprep.Source{Path: path}, nil, description, priority)
	if err != nil {
		a.queueError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]string{"job_id": id, "state": string(queue.StateQueued)})
}

func (a *App) QueueBatch(w http.ResponseWriter, r *http.Request) {
	var req enqueueBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Dir != "" {
		paths, err := imageprep.ScanDir(req.Dir)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "cannot scan directory")
			return
		}
		for _, p := range paths {
			req.Jobs = append(req.Jobs, enqueueJobRequest{SourcePath: p})
		}
	}
	if len(req.Jobs) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "jobs or a non-empty dir required")
		return
	}
	specs := make([]queue.JobSpec, 0, len(req.Jobs))
	for _, j := range req.Jobs {
		if j.SourcePath == "" {
			a.error(w, http.StatusBadRequest, "bad_request", "every job needs a source_path")
			return
		}
		specs = append(specs, queue.JobSpec{
			Source:      imageprep.Source{Path: j.SourcePath},
			Config:      j.Config.apply(),
			Description: j.Description,
			Priority:    j.Priority,
		})
	}
	batchID, jobIDs, err := a.Queue.QueueBatchJobs(specs, req.Name)
	if err != nil {
		a.queueError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{"batch_id": batchID, "job_ids": jobIDs})
}

func (a *App) QueueStatus(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, a.Queue.Status())
}

func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	queued, active, completed := a.Queue.List()
	a.json(w, http.StatusOK, map[string]any{
		"queued":    viewJobs(queued),
		"active":    viewJobs(active),
		"completed": viewJobs(completed),
	})
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	job, ok := a.Queue.Job(id)
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.json(w, http.StatusOK, viewJob(job))
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	if !a.Queue.CancelJob(id) {
		a.error(w, http.StatusConflict, "cancel_failed", "job not found or not cancellable")
		return
	}
	a.json(w, http.StatusOK, map[string]string{"job_id": id, "state": string(queue.StateCancelled)})
}

type reorderRequest struct {
	Position int `json:"position"`
}

func (a *App) ReorderJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if !a.Queue.ReorderJob(id, req.Position) {
		a.error(w, http.StatusNotFound, "not_found", "job not queued")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"job_id": id, "position": req.Position})
}

func (a *App) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batch_id")
	batch, ok := a.Queue.Batch(id)
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "batch not found")
		return
	}
	a.json(w, http.StatusOK, viewBatch(batch))
}

func (a *App) PauseQueue(w http.ResponseWriter, r *http.Request) {
	a.Queue.PauseQueue()
	a.json(w, http.StatusOK, map[string]bool{"auto_process": false})
}

func (a *App) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	a.Queue.ResumeQueue()
	a.json(w, http.StatusOK, map[string]bool{"auto_process": true})
}

func (a *App) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	n := a.Queue.ClearCompletedJobs()
	a.json(w, http.StatusOK, map[string]int{"cleared": n})
}

func (a *App) queueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		a.error(w, http.StatusTooManyRequests, "queue_full", "queue is at capacity")
	case errors.Is(err, queue.ErrNoSource):
		a.error(w, http.StatusBadRequest, "bad_request", "job needs a source image")
	default:
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue job")
	}
}
