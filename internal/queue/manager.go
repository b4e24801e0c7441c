package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"finisher/internal/clock"
	"finisher/internal/imageprep"
	"finisher/internal/sdapi"
)

var (
	// ErrQueueFull rejects an enqueue that would exceed the capacity limit.
	ErrQueueFull = errors.New("queue: queue is full")
	// ErrNoSource rejects a job with neither a file path nor a payload.
	ErrNoSource = errors.New("queue: job needs a source path or payload")
)

// PipelineRunner is the slice of the pipeline the manager drives.
type PipelineRunner interface {
	Start(src imageprep.Source, cfg sdapi.ProcessingConfig) bool
	Cancel(ctx context.Context) bool
}

// StatusReader reports whether the external engine can accept work.
type StatusReader interface {
	IsIdle() bool
}

// Options configure a Manager.
type Options struct {
	MaxQueueSize      int
	MaxConcurrentJobs int
	AutoProcess       bool
	// Tick is the scheduling loop interval.
	Tick          time.Duration
	DefaultConfig sdapi.ProcessingConfig
	// Store persists queue state after every mutation; nil disables
	// persistence.
	Store  *StateStore
	Clock  clock.Clock
	Logger *zerolog.Logger
}

// QueueStatus summarizes the manager state.
type QueueStatus struct {
	QueuedJobs        int  `json:"queued_jobs"`
	ActiveJobs        int  `json:"active_jobs"`
	CompletedJobs     int  `json:"completed_jobs"`
	TotalBatches      int  `json:"total_batches"`
	AutoProcess       bool `json:"auto_process"`
	MaxQueueSize      int  `json:"max_queue_size"`
	MaxConcurrentJobs int  `json:"max_concurrent_jobs"`
}

// Manager owns the backlog, the active set, the completed history and the
// batches. Every mutation happens under one lock; persistence writes run on
// the mutating goroutine while the lock is held, trading write latency for
// simplicity at the queue sizes involved.
type Manager struct {
	pipeline PipelineRunner
	status   StatusReader
	store    *StateStore
	events   *notifier
	clk      clock.Clock
	logger   zerolog.Logger

	tick          time.Duration
	defaultConfig sdapi.ProcessingConfig

	mu            sync.Mutex
	backlog       []*Job
	active        map[string]*Job
	completed     []*Job
	batches       map[string]*Batch
	autoProcess   bool
	maxQueue      int
	maxConcurrent int
	pending       []Event
}

// NewManager builds a Manager and restores any persisted queue state. The
// scheduling loop is started separately via Run.
func NewManager(pl PipelineRunner, status StatusReader, opts Options) *Manager {
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = 50
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 1
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	m := &Manager{
		pipeline:      pl,
		status:        status,
		store:         opts.Store,
		events:        newNotifier(),
		clk:           opts.Clock,
		logger:        logger,
		tick:          opts.Tick,
		defaultConfig: opts.DefaultConfig,
		active:        map[string]*Job{},
		batches:       map[string]*Batch{},
		autoProcess:   opts.AutoProcess,
		maxQueue:      opts.MaxQueueSize,
		maxConcurrent: opts.MaxConcurrentJobs,
	}
	m.restore()
	return m
}

// restore loads the state file. Backlog and formerly-active jobs come back as
// QUEUED; nothing resumes mid-flight. Load failures are logged and the
// manager starts empty.
func (m *Manager) restore() {
	if m.store == nil {
		return
	}
	snap, err := m.store.Load()
	if err != nil {
		m.logger.Error().Err(err).Msg("queue: failed to load state, starting empty")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backlog = append(m.backlog, snap.Queue...)
	m.backlog = append(m.backlog, snap.ActiveJobs...)
	for id, b := range snap.Batches {
		m.batches[id] = b
	}
	if snap.Config.MaxQueueSize > 0 {
		m.maxQueue = snap.Config.MaxQueueSize
	}
	if snap.Config.MaxConcurrentJobs > 0 {
		m.maxConcurrent = snap.Config.MaxConcurrentJobs
	}
	m.updatePositionsLocked()
	if len(m.backlog) > 0 || len(m.batches) > 0 {
		m.logger.Info().Int("jobs", len(m.backlog)).Int("batches", len(m.batches)).Msg("queue: restored state")
	}
}

// Subscribe registers a callback for every queue event.
func (m *Manager) Subscribe(fn func(Event)) {
	m.events.subscribe(fn)
}

// SubscribeChan registers a buffered channel subscriber; the returned cancel
// detaches it. Slow consumers lose events instead of blocking the queue.
func (m *Manager) SubscribeChan(buffer int) (<-chan Event, func()) {
	return m.events.subscribeChan(buffer)
}

// Run drives the scheduling loop until ctx is cancelled: once per tick, start
// the next job if a slot and the engine are free.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info().Msg("queue: scheduling loop started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("queue: scheduling loop stopped")
			return
		case <-m.clk.After(m.tick):
			m.TryStartNext()
		}
	}
}

// Shutdown cancels any active jobs and persists the final state.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.CancelJob(id)
	}

	m.mu.Lock()
	m.persistLocked()
	m.mu.Unlock()
	m.logger.Info().Msg("queue: shut down")
}

// QueueSingleJob adds one job to the backlog in priority order.
func (m *Manager) QueueSingleJob(src imageprep.Source, cfg *sdapi.ProcessingConfig, description string, priority int) (string, error) {
	if src.IsZero() {
		return "", ErrNoSource
	}
	m.mu.Lock()
	if len(m.backlog) >= m.maxQueue {
		m.mu.Unlock()
		return "", ErrQueueFull
	}
	job := m.newJobLocked(src, cfg, description, priority, "")
	m.insertByPriorityLocked(job)
	m.updatePositionsLocked()
	m.emitLocked(EventJobAdded, job, nil, "")
	m.persistLocked()
	events := m.drainLocked()
	m.mu.Unlock()

	m.logger.Info().Str("job_id", job.ID).Int("priority", priority).Msg("queue: job added")
	m.publish(events)
	return job.ID, nil
}

// QueueBatchJobs adds several jobs as one named batch. The capacity check
// covers the combined size before anything mutates.
func (m *Manager) QueueBatchJobs(specs []JobSpec, name string) (string, []string, error) {
	if len(specs) == 0 {
		return "", nil, errors.New("queue: batch needs at least one job")
	}
	for _, spec := range specs {
		if spec.Source.IsZero() {
			return "", nil, ErrNoSource
		}
	}
	m.mu.Lock()
	if len(m.backlog)+len(specs) > m.maxQueue {
		m.mu.Unlock()
		return "", nil, ErrQueueFull
	}

	now := m.clk.Now()
	batch := &Batch{
		ID:        newBatchID(now),
		Name:      name,
		CreatedAt: now,
		TotalJobs: len(specs),
	}
	if batch.Name == "" {
		batch.Name = "Batch " + now.Format("2006-01-02 15:04:05")
	}

	jobIDs := make([]string, 0, len(specs))
	jobs := make([]*Job, 0, len(specs))
	for _, spec := range specs {
		job := m.newJobLocked(spec.Source, spec.Config, spec.Description, spec.Priority, batch.ID)
		m.insertByPriorityLocked(job)
		batch.JobIDs = append(batch.JobIDs, job.ID)
		jobIDs = append(jobIDs, job.ID)
		jobs = append(jobs, job)
	}
	m.batches[batch.ID] = batch
	m.updatePositionsLocked()

	m.emitLocked(EventBatchCreated, nil, batch, "")
	for _, job := range jobs {
		m.emitLocked(EventJobAdded, job, nil, "")
	}
	m.persistLocked()
	events := m.drainLocked()
	m.mu.Unlock()

	m.logger.Info().Str("batch_id", batch.ID).Int("jobs", len(jobIDs)).Msg("queue: batch added")
	m.publish(events)
	return batch.ID, jobIDs, nil
}

func (m *Manager) newJobLocked(src imageprep.Source, cfg *sdapi.ProcessingConfig, description string, priority int, batchID string) *Job {
	now := m.clk.Now()
	if description == "" {
		description = "Image upscaling"
	}
	return &Job{
		ID:          newJobID(now),
		Type:        JobTypeUpscaling,
		State:       StateQueued,
		Description: description,
		CreatedAt:   now,
		Source:      src,
		Config:      cfg,
		Priority:    priority,
		BatchID:     batchID,
		MaxRetries:  3,
		Cancellable: true,
	}
}

// insertByPriorityLocked places the job before the first backlog entry of
// strictly lower priority; equal priorities keep arrival order.
func (m *Manager) insertByPriorityLocked(job *Job) {
	idx := len(m.backlog)
	for i, existing := range m.backlog {
		if job.Priority > existing.Priority {
			idx = i
			break
		}
	}
	m.backlog = append(m.backlog, nil)
	copy(m.backlog[idx+1:], m.backlog[idx:])
	m.backlog[idx] = job
}

func (m *Manager) updatePositionsLocked() {
	for i, job := range m.backlog {
		job.QueuePosition = i
	}
}

// CancelJob cancels a job. A queued job is removed immediately; an active job
// goes through CANCELLING and the pipeline interrupt, ending CANCELLED on
// success or FAILED when the cancellation itself fails. Returns false for
// unknown or non-cancellable jobs.
func (m *Manager) CancelJob(id string) bool {
	m.mu.Lock()
	for i, job := range m.backlog {
		if job.ID != id {
			continue
		}
		if !job.Cancellable {
			m.mu.Unlock()
			m.logger.Warn().Str("job_id", id).Msg("queue: job not cancellable")
			return false
		}
		m.backlog = append(m.backlog[:i], m.backlog[i+1:]...)
		now := m.clk.Now()
		job.State = StateCancelled
		job.CompletedAt = &now
		m.completed = append(m.completed, job)
		m.updatePositionsLocked()
		m.updateBatchStatsLocked(job.BatchID)
		m.emitLocked(EventJobCancelled, job, nil, "")
		m.persistLocked()
		events := m.drainLocked()
		m.mu.Unlock()

		m.logger.Info().Str("job_id", id).Msg("queue: cancelled queued job")
		m.publish(events)
		return true
	}

	job, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn().Str("job_id", id).Msg("queue: cancel for unknown job")
		return false
	}
	if !job.Cancellable {
		m.mu.Unlock()
		m.logger.Warn().Str("job_id", id).Msg("queue: job not cancellable")
		return false
	}
	job.State = StateCancelling
	m.mu.Unlock()
	m.logger.Info().Str("job_id", id).Msg("queue: cancelling active job")

	ok = m.pipeline.Cancel(context.Background())

	m.mu.Lock()
	if job, stillActive := m.active[id]; stillActive {
		if ok {
			m.finalizeActiveLocked(job, StateCancelled, "")
		} else {
			m.finalizeActiveLocked(job, StateFailed, "Failed to cancel job")
		}
		m.persistLocked()
	}
	events := m.drainLocked()
	m.mu.Unlock()

	m.publish(events)
	return ok
}

// ReorderJob moves a queued job to a clamped position. Moving to the current
// position is a successful no-op.
func (m *Manager) ReorderJob(id string, newPosition int) bool {
	m.mu.Lock()
	idx := -1
	for i, job := range m.backlog {
		if job.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		m.logger.Warn().Str("job_id", id).Msg("queue: reorder for unknown job")
		return false
	}

	if newPosition < 0 {
		newPosition = 0
	}
	if max := len(m.backlog) - 1; newPosition > max {
		newPosition = max
	}
	if idx == newPosition {
		m.mu.Unlock()
		return true
	}

	job := m.backlog[idx]
	m.backlog = append(m.backlog[:idx], m.backlog[idx+1:]...)
	m.backlog = append(m.backlog, nil)
	copy(m.backlog[newPosition+1:], m.backlog[newPosition:])
	m.backlog[newPosition] = job
	m.updatePositionsLocked()

	m.emitLocked(EventJobReordered, job, nil, "")
	m.persistLocked()
	events := m.drainLocked()
	m.mu.Unlock()

	m.logger.Info().Str("job_id", id).Int("position", newPosition).Msg("queue: job reordered")
	m.publish(events)
	return true
}

// PauseQueue stops the scheduling loop from dequeuing new work.
func (m *Manager) PauseQueue() {
	m.mu.Lock()
	m.autoProcess = false
	m.emitLocked(EventQueuePaused, nil, nil, "")
	m.persistLocked()
	events := m.drainLocked()
	m.mu.Unlock()
	m.logger.Info().Msg("queue: paused")
	m.publish(events)
}

// ResumeQueue re-enables dequeuing.
func (m *Manager) ResumeQueue() {
	m.mu.Lock()
	m.autoProcess = true
	m.emitLocked(EventQueueResumed, nil, nil, "")
	m.persistLocked()
	events := m.drainLocked()
	m.mu.Unlock()
	m.logger.Info().Msg("queue: resumed")
	m.publish(events)
}

// ClearCompletedJobs drops the completed history and any fully complete
// batches, returning the number of jobs cleared.
func (m *Manager) ClearCompletedJobs() int {
	m.mu.Lock()
	count := len(m.completed)
	m.completed = nil
	cleared := 0
	for id, batch := range m.batches {
		if batch.IsComplete() {
			delete(m.batches, id)
			cleared++
		}
	}
	m.emitLocked(EventQueueCleared, nil, nil, "")
	m.persistLocked()
	events := m.drainLocked()
	m.mu.Unlock()

	m.logger.Info().Int("jobs", count).Int("batches", cleared).Msg("queue: cleared completed")
	m.publish(events)
	return count
}

// TryStartNext starts the head of the backlog when auto-processing is on, a
// concurrency slot is free and the engine is idle. The scheduling loop calls
// this once per tick.
func (m *Manager) TryStartNext() {
	m.mu.Lock()
	if !m.autoProcess || len(m.active) >= m.maxConcurrent || len(m.backlog) == 0 {
		m.mu.Unlock()
		return
	}
	if !m.status.IsIdle() {
		m.mu.Unlock()
		return
	}

	job := m.backlog[0]
	m.backlog = m.backlog[1:]
	m.updatePositionsLocked()

	now := m.clk.Now()
	job.State = StateRunning
	job.StartedAt = &now
	m.active[job.ID] = job
	m.emitLocked(EventJobStarted, job, nil, "")

	cfg := m.defaultConfig
	if job.Config != nil {
		cfg = *job.Config
	}
	src := job.Source

	m.logger.Info().Str("job_id", job.ID).Str("description", job.Description).Msg("queue: starting job")

	started := false
	if !src.IsZero() {
		started = m.pipeline.Start(src, cfg)
	}
	if !started {
		m.finalizeActiveLocked(job, StateFailed, "Failed to start pipeline")
	}
	m.persistLocked()
	events := m.drainLocked()
	m.mu.Unlock()

	m.publish(events)
}

// finalizeActiveLocked moves an active job to its terminal state, appends it
// to the history and updates batch counters.
func (m *Manager) finalizeActiveLocked(job *Job, state JobState, message string) {
	now := m.clk.Now()
	job.State = state
	job.CompletedAt = &now
	job.ETA = 0
	if state == StateCompleted {
		job.Progress = 1.0
	}
	if message != "" && state == StateFailed {
		job.ErrorMessage = message
	}
	delete(m.active, job.ID)
	m.completed = append(m.completed, job)
	m.updateBatchStatsLocked(job.BatchID)

	switch state {
	case StateCompleted:
		m.emitLocked(EventJobCompleted, job, nil, message)
	case StateFailed:
		m.emitLocked(EventJobFailed, job, nil, message)
	case StateCancelled:
		m.emitLocked(EventJobCancelled, job, nil, message)
	}
}

// updateBatchStatsLocked recounts a batch's terminal jobs and emits
// BATCH_COMPLETED when the last one lands.
func (m *Manager) updateBatchStatsLocked(batchID string) {
	if batchID == "" {
		return
	}
	batch, ok := m.batches[batchID]
	if !ok {
		return
	}
	wasComplete := batch.IsComplete()
	batch.CompletedJobs = 0
	batch.FailedJobs = 0
	batch.CancelledJobs = 0

	count := func(jobs []*Job) {
		for _, job := range jobs {
			if job.BatchID != batchID {
				continue
			}
			switch job.State {
			case StateCompleted:
				batch.CompletedJobs++
			case StateFailed:
				batch.FailedJobs++
			case StateCancelled:
				batch.CancelledJobs++
			}
		}
	}
	count(m.backlog)
	count(m.completed)
	for _, job := range m.active {
		if job.BatchID != batchID {
			continue
		}
		switch job.State {
		case StateCompleted:
			batch.CompletedJobs++
		case StateFailed:
			batch.FailedJobs++
		case StateCancelled:
			batch.CancelledJobs++
		}
	}

	if batch.IsComplete() && !wasComplete {
		m.logger.Info().Str("batch_id", batchID).Msg("queue: batch completed")
		m.emitLocked(EventBatchCompleted, nil, batch, "")
	}
}

// HandlePipelineProgress mirrors pipeline progress onto the running job.
func (m *Manager) HandlePipelineProgress(message string, progress float64) {
	m.mu.Lock()
	for _, job := range m.active {
		if job.State != StateRunning {
			continue
		}
		job.Progress = progress
		if progress > 0 && job.StartedAt != nil {
			elapsed := m.clk.Now().Sub(*job.StartedAt)
			total := time.Duration(float64(elapsed) / progress)
			job.ETA = total - elapsed
		}
		m.emitLocked(EventJobProgress, job, nil, message)
		break
	}
	events := m.drainLocked()
	m.mu.Unlock()
	m.publish(events)
}

// HandlePipelineCompleted marks the running job COMPLETED.
func (m *Manager) HandlePipelineCompleted(message string) {
	m.terminateRunning(StateCompleted, message, false)
}

// HandlePipelineError marks the running job FAILED with the given message.
func (m *Manager) HandlePipelineError(message string) {
	m.terminateRunning(StateFailed, message, false)
}

// HandlePipelineCancelled marks the running or cancelling job CANCELLED.
func (m *Manager) HandlePipelineCancelled() {
	m.terminateRunning(StateCancelled, "", true)
}

func (m *Manager) terminateRunning(state JobState, message string, includeCancelling bool) {
	m.mu.Lock()
	for _, job := range m.active {
		if job.State != StateRunning && !(includeCancelling && job.State == StateCancelling) {
			continue
		}
		m.finalizeActiveLocked(job, state, message)
		m.persistLocked()
		break
	}
	events := m.drainLocked()
	m.mu.Unlock()
	m.publish(events)
}

// Job returns a copy of the job with the given id, searching the backlog, the
// active set and the history.
func (m *Manager) Job(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.backlog {
		if job.ID == id {
			return job.clone(), true
		}
	}
	if job, ok := m.active[id]; ok {
		return job.clone(), true
	}
	for _, job := range m.completed {
		if job.ID == id {
			return job.clone(), true
		}
	}
	return nil, false
}

// Batch returns a copy of the batch with the given id.
func (m *Manager) Batch(id string) (*Batch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if batch, ok := m.batches[id]; ok {
		return batch.clone(), true
	}
	return nil, false
}

// List returns copies of the backlog, the active set and the history.
func (m *Manager) List() (queued, active, completed []*Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.backlog {
		queued = append(queued, job.clone())
	}
	for _, job := range m.active {
		active = append(active, job.clone())
	}
	for _, job := range m.completed {
		completed = append(completed, job.clone())
	}
	return queued, active, completed
}

// Status summarizes the queue.
func (m *Manager) Status() QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return QueueStatus{
		QueuedJobs:        len(m.backlog),
		ActiveJobs:        len(m.active),
		CompletedJobs:     len(m.completed),
		TotalBatches:      len(m.batches),
		AutoProcess:       m.autoProcess,
		MaxQueueSize:      m.maxQueue,
		MaxConcurrentJobs: m.maxConcurrent,
	}
}

func (m *Manager) emitLocked(t EventType, job *Job, batch *Batch, message string) {
	e := Event{Type: t, Message: message, Timestamp: m.clk.Now()}
	if job != nil {
		e.Job = job.clone()
	}
	if batch != nil {
		e.Batch = batch.clone()
	}
	m.pending = append(m.pending, e)
}

func (m *Manager) drainLocked() []Event {
	events := m.pending
	m.pending = nil
	return events
}

func (m *Manager) publish(events []Event) {
	for _, e := range events {
		m.events.publish(e)
	}
}

// persistLocked snapshots the queue to disk. Failures are logged and
// swallowed; the in-memory queue keeps operating on best-effort durability.
func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	snap := Snapshot{
		Queue:         m.backlog,
		CompletedJobs: m.completed,
		Batches:       m.batches,
		Config: SchedulerConfig{
			MaxConcurrentJobs: m.maxConcurrent,
			MaxQueueSize:      m.maxQueue,
			AutoProcess:       m.autoProcess,
		},
	}
	for _, job := range m.active {
		snap.ActiveJobs = append(snap.ActiveJobs, job)
	}
	if err := m.store.Save(snap, m.clk.Now()); err != nil {
		m.logger.Error().Err(err).Msg("queue: failed to persist state")
	}
}
