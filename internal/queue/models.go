// Package queue holds the priority backlog, the active set and the completed
// history of upscaling jobs, and schedules them onto the pipeline.
package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"finisher/internal/imageprep"
	"finisher/internal/sdapi"
)

// JobType enumerates the kinds of work the queue accepts.
type JobType string

const JobTypeUpscaling JobType = "upscaling"

// JobState is the lifecycle state of a job.
type JobState string

const (
	StateQueued     JobState = "QUEUED"
	StateRunning    JobState = "RUNNING"
	StateCompleted  JobState = "COMPLETED"
	StateFailed     JobState = "FAILED"
	StateCancelled  JobState = "CANCELLED"
	StateCancelling JobState = "CANCELLING"
)

// Job is a queued unit of work. The manager owns every Job; callers only ever
// see copies.
type Job struct {
	ID          string
	Type        JobType
	State       JobState
	Description string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Source is either a file reference or an in-memory payload, never both.
	Source imageprep.Source
	Config *sdapi.ProcessingConfig

	Progress     float64
	ETA          time.Duration
	ErrorMessage string

	Priority      int
	QueuePosition int
	BatchID       string

	// Retry bookkeeping is modeled but the scheduler never re-queues a failed
	// job on its own; retries are a manual path.
	RetryCount int
	MaxRetries int

	Cancellable bool
}

// IsTerminal reports whether the job has finished one way or another.
func (j *Job) IsTerminal() bool {
	switch j.State {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanRetry reports whether a manual retry is still allowed.
func (j *Job) CanRetry() bool {
	return j.State == StateFailed && j.RetryCount < j.MaxRetries
}

// clone returns a copy safe to hand outside the manager's lock. The source
// byte slice and config pointer are shared; both are treated as immutable
// once the job is created.
func (j *Job) clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Batch groups jobs enqueued together and tracks aggregate completion.
type Batch struct {
	ID        string
	Name      string
	CreatedAt time.Time
	JobIDs    []string

	TotalJobs     int
	CompletedJobs int
	FailedJobs    int
	CancelledJobs int
}

// Progress reports the finished fraction of the batch.
func (b *Batch) Progress() float64 {
	if b.TotalJobs == 0 {
		return 0
	}
	return float64(b.CompletedJobs+b.FailedJobs+b.CancelledJobs) / float64(b.TotalJobs)
}

// IsComplete reports whether every member job reached a terminal state.
func (b *Batch) IsComplete() bool {
	return b.CompletedJobs+b.FailedJobs+b.CancelledJobs >= b.TotalJobs
}

func (b *Batch) clone() *Batch {
	c := *b
	c.JobIDs = append([]string(nil), b.JobIDs...)
	return &c
}

// JobSpec describes one job of a batch enqueue.
type JobSpec struct {
	Source      imageprep.Source
	Config      *sdapi.ProcessingConfig
	Description string
	Priority    int
}

// EventType tags queue lifecycle notifications.
type EventType string

const (
	EventJobAdded       EventType = "JOB_ADDED"
	EventJobStarted     EventType = "JOB_STARTED"
	EventJobProgress    EventType = "JOB_PROGRESS"
	EventJobCompleted   EventType = "JOB_COMPLETED"
	EventJobFailed      EventType = "JOB_FAILED"
	EventJobCancelled   EventType = "JOB_CANCELLED"
	EventJobReordered   EventType = "JOB_REORDERED"
	EventBatchCreated   EventType = "BATCH_CREATED"
	EventBatchCompleted EventType = "BATCH_COMPLETED"
	EventQueuePaused    EventType = "QUEUE_PAUSED"
	EventQueueResumed   EventType = "QUEUE_RESUMED"
	EventQueueCleared   EventType = "QUEUE_CLEARED"
)

// Event is a queue lifecycle notification. Job and Batch are detached copies.
// Events are transient and never persisted.
type Event struct {
	Type      EventType
	Job       *Job
	Batch     *Batch
	Message   string
	Timestamp time.Time
}

func newJobID(now time.Time) string {
	return newID("job", now)
}

func newBatchID(now time.Time) string {
	return newID("batch", now)
}

func newID(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", prefix, now.Format("20060102_150405"), suffix)
}
