package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"finisher/internal/imageprep"
)

const stateVersion = "1.0"

// maxPersistedCompleted bounds the completed-job history kept on disk.
const maxPersistedCompleted = 50

// StateStore reads and writes the queue state file: one JSON document holding
// the backlog, the active set, recent completed jobs, batches and the
// scheduler configuration. Raw byte payloads and processing configs are
// omitted by design; they cannot be reconstructed from disk.
//
// Writes are not crash-atomic: a crash mid-write can leave a corrupt file
// behind, which the next load treats as absent state.
type StateStore struct {
	path   string
	logger zerolog.Logger
}

// NewStateStore builds a store for the given file path.
func NewStateStore(path string, logger zerolog.Logger) *StateStore {
	return &StateStore{path: path, logger: logger}
}

type persistedJob struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	State         string   `json:"state"`
	Description   string   `json:"description"`
	CreatedAt     string   `json:"created_at"`
	StartedAt     *string  `json:"started_at"`
	CompletedAt   *string  `json:"completed_at"`
	SourcePath    string   `json:"source_path,omitempty"`
	Progress      float64  `json:"progress"`
	ETASeconds    *float64 `json:"eta_seconds"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	Priority      int      `json:"priority"`
	QueuePosition int      `json:"queue_position"`
	BatchID       string   `json:"batch_id,omitempty"`
	RetryCount    int      `json:"retry_count"`
	MaxRetries    int      `json:"max_retries"`
	Cancellable   bool     `json:"cancellable"`
}

type persistedBatch struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	CreatedAt     string   `json:"created_at"`
	JobIDs        []string `json:"job_ids"`
	TotalJobs     int      `json:"total_jobs"`
	CompletedJobs int      `json:"completed_jobs"`
	FailedJobs    int      `json:"failed_jobs"`
	CancelledJobs int      `json:"cancelled_jobs"`
}

type persistedConfig struct {
	MaxConcurrentJobs int  `json:"max_concurrent_jobs"`
	MaxQueueSize      int  `json:"max_queue_size"`
	AutoProcess       bool `json:"auto_process"`
}

type stateFile struct {
	Version       string                    `json:"version"`
	Timestamp     string                    `json:"timestamp"`
	Queue         []persistedJob            `json:"queue"`
	ActiveJobs    []persistedJob            `json:"active_jobs"`
	CompletedJobs []persistedJob            `json:"completed_jobs"`
	Batches       map[string]persistedBatch `json:"batches"`
	Config        persistedConfig           `json:"config"`
}

// Snapshot is the in-memory form of the state file contents.
type Snapshot struct {
	Queue         []*Job
	ActiveJobs    []*Job
	CompletedJobs []*Job
	Batches       map[string]*Batch
	Config        SchedulerConfig
}

// SchedulerConfig is the persisted slice of manager configuration.
type SchedulerConfig struct {
	MaxConcurrentJobs int
	MaxQueueSize      int
	AutoProcess       bool
}

// Save writes the snapshot to disk, creating parent directories as needed.
func (s *StateStore) Save(snap Snapshot, now time.Time) error {
	if s == nil || s.path == "" {
		return nil
	}
	doc := stateFile{
		Version:       stateVersion,
		Timestamp:     now.Format(time.RFC3339),
		Queue:         encodeJobs(snap.Queue),
		ActiveJobs:    encodeJobs(snap.ActiveJobs),
		CompletedJobs: encodeJobs(tail(snap.CompletedJobs, maxPersistedCompleted)),
		Batches:       map[string]persistedBatch{},
		Config: persistedConfig{
			MaxConcurrentJobs: snap.Config.MaxConcurrentJobs,
			MaxQueueSize:      snap.Config.MaxQueueSize,
			AutoProcess:       snap.Config.AutoProcess,
		},
	}
	for id, b := range snap.Batches {
		doc.Batches[id] = encodeBatch(b)
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("queue: ensure state directory: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return fmt.Errorf("queue: write state file: %w", err)
	}
	return nil
}

// Load reads the state file. A missing file yields an empty snapshot. Jobs
// come back forced to QUEUED with progress reset; no job is ever resumed
// mid-flight.
func (s *StateStore) Load() (Snapshot, error) {
	snap := Snapshot{Batches: map[string]*Batch{}}
	if s == nil || s.path == "" {
		return snap, nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, nil
		}
		return snap, fmt.Errorf("queue: read state file: %w", err)
	}
	var doc stateFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return snap, fmt.Errorf("queue: decode state file: %w", err)
	}

	for _, pj := range doc.Queue {
		job, err := pj.toJob()
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", pj.ID).Msg("queue: skipping unreadable persisted job")
			continue
		}
		snap.Queue = append(snap.Queue, job)
	}
	for _, pj := range doc.ActiveJobs {
		job, err := pj.toJob()
		if err != nil {
			s.logger.Warn().Err(err).Str("job_id", pj.ID).Msg("queue: skipping unreadable persisted job")
			continue
		}
		snap.ActiveJobs = append(snap.ActiveJobs, job)
	}
	for id, pb := range doc.Batches {
		batch, err := pb.toBatch()
		if err != nil {
			s.logger.Warn().Err(err).Str("batch_id", id).Msg("queue: skipping unreadable persisted batch")
			continue
		}
		snap.Batches[id] = batch
	}
	snap.Config = SchedulerConfig{
		MaxConcurrentJobs: doc.Config.MaxConcurrentJobs,
		MaxQueueSize:      doc.Config.MaxQueueSize,
		AutoProcess:       doc.Config.AutoProcess,
	}
	return snap, nil
}

func encodeJobs(jobs []*Job) []persistedJob {
	out := make([]persistedJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, encodeJob(j))
	}
	return out
}

func encodeJob(j *Job) persistedJob {
	pj := persistedJob{
		ID:            j.ID,
		Type:          string(j.Type),
		State:         string(j.State),
		Description:   j.Description,
		CreatedAt:     j.CreatedAt.Format(time.RFC3339Nano),
		SourcePath:    j.Source.Path,
		Progress:      j.Progress,
		ErrorMessage:  j.ErrorMessage,
		Priority:      j.Priority,
		QueuePosition: j.QueuePosition,
		BatchID:       j.BatchID,
		RetryCount:    j.RetryCount,
		MaxRetries:    j.MaxRetries,
		Cancellable:   j.Cancellable,
	}
	if j.StartedAt != nil {
		v := j.StartedAt.Format(time.RFC3339Nano)
		pj.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := j.CompletedAt.Format(time.RFC3339Nano)
		pj.CompletedAt = &v
	}
	if j.ETA > 0 {
		secs := j.ETA.Seconds()
		pj.ETASeconds = &secs
	}
	return pj
}

// toJob rebuilds a Job from its persisted form. The state is forced back to
// QUEUED and progress reset regardless of what was saved; byte payloads and
// processing configs are gone and stay gone.
func (pj persistedJob) toJob() (*Job, error) {
	created, err := time.Parse(time.RFC3339Nano, pj.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	job := &Job{
		ID:            pj.ID,
		Type:          JobType(pj.Type),
		State:         StateQueued,
		Description:   pj.Description,
		CreatedAt:     created,
		Source:        sourceFromPath(pj.SourcePath),
		Progress:      0,
		Priority:      pj.Priority,
		QueuePosition: pj.QueuePosition,
		BatchID:       pj.BatchID,
		RetryCount:    pj.RetryCount,
		MaxRetries:    pj.MaxRetries,
		Cancellable:   pj.Cancellable,
	}
	if job.Type == "" {
		job.Type = JobTypeUpscaling
	}
	return job, nil
}

func encodeBatch(b *Batch) persistedBatch {
	return persistedBatch{
		ID:            b.ID,
		Name:          b.Name,
		CreatedAt:     b.CreatedAt.Format(time.RFC3339Nano),
		JobIDs:        append([]string(nil), b.JobIDs...),
		TotalJobs:     b.TotalJobs,
		CompletedJobs: b.CompletedJobs,
		FailedJobs:    b.FailedJobs,
		CancelledJobs: b.CancelledJobs,
	}
}

func (pb persistedBatch) toBatch() (*Batch, error) {
	created, err := time.Parse(time.RFC3339Nano, pb.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &Batch{
		ID:            pb.ID,
		Name:          pb.Name,
		CreatedAt:     created,
		JobIDs:        append([]string(nil), pb.JobIDs...),
		TotalJobs:     pb.TotalJobs,
		CompletedJobs: pb.CompletedJobs,
		FailedJobs:    pb.FailedJobs,
		CancelledJobs: pb.CancelledJobs,
	}, nil
}

func sourceFromPath(path string) imageprep.Source {
	return imageprep.Source{Path: path}
}

func tail(jobs []*Job, n int) []*Job {
	if len(jobs) <= n {
		return jobs
	}
	return jobs[len(jobs)-n:]
}
