// Package handlers exposes the queue, the engine monitor and the processing
// options over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"finisher/internal/imageprep"
	"finisher/internal/monitor"
	"finisher/internal/queue"
	"finisher/internal/sdapi"
)

// QueueService is the slice of the queue manager the handlers use.
type QueueService interface {
	QueueSingleJob(src imageprep.Source, cfg *sdapi.ProcessingConfig, description string, priority int) (string, error)
	QueueBatchJobs(specs []queue.JobSpec, name string) (string, []string, error)
	CancelJob(id string) bool
	ReorderJob(id string, position int) bool
	PauseQueue()
	ResumeQueue()
	ClearCompletedJobs() int
	Job(id string) (*queue.Job, bool)
	Batch(id string) (*queue.Batch, bool)
	List() (queued, active, completed []*queue.Job)
	Status() queue.QueueStatus
	SubscribeChan(buffer int) (<-chan queue.Event, func())
}

// EngineMonitor reports the external engine's observed state.
type EngineMonitor interface {
	Snapshot() monitor.Snapshot
}

// EngineClient is the slice of the engine API used for option listings and
// health probes.
type EngineClient interface {
	Upscalers(ctx context.Context) ([]sdapi.UpscalerInfo, error)
	Models(ctx context.Context) ([]sdapi.ModelInfo, error)
	Samplers(ctx context.Context) ([]sdapi.SamplerInfo, error)
	Schedulers(ctx context.Context) ([]sdapi.SchedulerInfo, error)
	HealthCheck(ctx context.Context) bool
	BaseURL() string
}

// UploadStore stages uploaded source images for queued jobs.
type UploadStore interface {
	SaveUpload(ctx context.Context, filename string, data []byte) (string, error)
}

type App struct {
	Queue   QueueService
	Engine  EngineMonitor
	SD      EngineClient
	Uploads UploadStore
	Logger  zerolog.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, map[string]any{
		"error": map[string]string{"code": kind, "message": message},
	})
}
