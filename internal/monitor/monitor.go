// Package monitor watches the external processing engine and decides whether
// the job it is running belongs to this process.
package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"finisher/internal/clock"
	"finisher/internal/sdapi"
)

// Status is the monitor's view of the engine.
type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusProcessing Status = "PROCESSING"
	StatusFinalizing Status = "FINALIZING"
	StatusExternal   Status = "EXTERNAL"
	StatusCancelling Status = "CANCELLING"
	StatusError      Status = "ERROR"
)

// TimestampLayout is the engine's job timestamp format.
const TimestampLayout = "20060102150405"

const maxConsecutiveErrors = 3

// Snapshot is a point-in-time status report.
type Snapshot struct {
	Status   Status
	Progress float64
	// ETASeconds is the engine's relative ETA estimate; zero when unknown.
	ETASeconds float64
	Job        string
}

// Listener receives monitor notifications. Nil funcs are skipped.
type Listener struct {
	OnStatusChanged func(Snapshot)
	OnJobCompleted  func()
	OnError         func(error)
}

// ProgressClient is the slice of the engine API the monitor needs.
type ProgressClient interface {
	GetProgress(ctx context.Context) (sdapi.ProgressInfo, error)
}

// Options configure a Monitor.
type Options struct {
	// PollInterval applies while the engine is busy, IdleInterval while it is
	// idle, ErrorInterval after a failed poll.
	PollInterval       time.Duration
	IdleInterval       time.Duration
	ErrorInterval      time.Duration
	TimestampTolerance time.Duration
	Clock              clock.Clock
	Logger             *zerolog.Logger
}

// Monitor polls the engine on an adaptive interval and classifies the
// reported job as ours or external.
//
// Ownership is a best-effort heuristic: the engine reports an opaque job
// timestamp, and a report within the tolerance window of a timestamp we
// registered counts as ours. Two uncoordinated clients submitting within the
// window can be misclassified; the window only absorbs clock skew.
type Monitor struct {
	client ProgressClient
	clk    clock.Clock
	logger zerolog.Logger

	pollInterval  time.Duration
	idleInterval  time.Duration
	errorInterval time.Duration
	tolerance     time.Duration

	mu                sync.Mutex
	status            Status
	progress          float64
	eta               float64
	jobInfo           string
	ownTimestamps     map[string]struct{}
	currentTimestamp  string
	currentPass       int
	consecutiveErrors int
	listeners         []Listener
}

// New builds a Monitor over the given progress client.
func New(client ProgressClient, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = 10 * time.Second
	}
	if opts.ErrorInterval <= 0 {
		opts.ErrorInterval = 30 * time.Second
	}
	if opts.TimestampTolerance <= 0 {
		opts.TimestampTolerance = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Monitor{
		client:        client,
		clk:           opts.Clock,
		logger:        logger,
		pollInterval:  opts.PollInterval,
		idleInterval:  opts.IdleInterval,
		errorInterval: opts.ErrorInterval,
		tolerance:     opts.TimestampTolerance,
		status:        StatusIdle,
		ownTimestamps: map[string]struct{}{},
	}
}

// Subscribe adds a listener. Listeners cannot be removed; subscribe once at
// wiring time.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Run polls until ctx is cancelled. Poll failures lengthen the wait but never
// stop the loop.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info().Msg("monitor: started")
	for {
		wait := m.checkOnce(ctx)
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("monitor: stopped")
			return
		case <-m.clk.After(wait):
		}
	}
}

// checkOnce performs a single poll and returns the wait before the next one.
func (m *Monitor) checkOnce(ctx context.Context) time.Duration {
	info, err := m.client.GetProgress(ctx)
	if err != nil {
		m.handlePollError(err)
		return m.errorInterval
	}
	m.apply(info)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveErrors = 0
	switch m.status {
	case StatusIdle:
		return m.idleInterval
	case StatusError:
		return m.errorInterval
	default:
		return m.pollInterval
	}
}

// apply classifies a progress report and fires transitions.
func (m *Monitor) apply(info sdapi.ProgressInfo) {
	m.mu.Lock()

	newStatus := m.classifyLocked(info)
	changed := newStatus != m.status || math.Abs(info.Progress-m.progress) > 0.01

	completed := (m.status == StatusProcessing || m.status == StatusFinalizing) &&
		newStatus == StatusIdle && m.currentTimestamp != ""

	var snap Snapshot
	var listeners []Listener
	if changed {
		m.status = newStatus
		m.progress = info.Progress
		m.eta = info.ETARelative
		m.jobInfo = info.State.Job
		snap = Snapshot{Status: m.status, Progress: m.progress, ETASeconds: m.eta, Job: m.jobInfo}
		listeners = append(listeners, m.listeners...)
	}
	if completed {
		m.clearOwnershipLocked()
	}
	completedListeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if changed {
		m.logger.Debug().Str("status", string(snap.Status)).Float64("progress", snap.Progress).Msg("monitor: status changed")
		for _, l := range listeners {
			if l.OnStatusChanged != nil {
				l.OnStatusChanged(snap)
			}
		}
	}
	if completed {
		m.logger.Info().Msg("monitor: owned job completed")
		for _, l := range completedListeners {
			if l.OnJobCompleted != nil {
				l.OnJobCompleted()
			}
		}
	}
}

func (m *Monitor) classifyLocked(info sdapi.ProgressInfo) Status {
	if info.State.Interrupted {
		return StatusError
	}
	if info.Progress == 0 {
		return StatusIdle
	}
	if m.isOwnTimestampLocked(info.State.JobTimestamp) {
		if m.currentPass == 2 {
			return StatusFinalizing
		}
		return StatusProcessing
	}
	return StatusExternal
}

// isOwnTimestampLocked matches a reported timestamp against registered ones,
// exactly or within the tolerance window.
func (m *Monitor) isOwnTimestampLocked(ts string) bool {
	if ts == "" || len(m.ownTimestamps) == 0 {
		return false
	}
	if _, ok := m.ownTimestamps[ts]; ok {
		return true
	}
	reported, err := time.Parse(TimestampLayout, ts)
	if err != nil {
		m.logger.Warn().Str("timestamp", ts).Msg("monitor: unparseable job timestamp")
		return false
	}
	for own := range m.ownTimestamps {
		registered, err := time.Parse(TimestampLayout, own)
		if err != nil {
			continue
		}
		diff := reported.Sub(registered)
		if diff < 0 {
			diff = -diff
		}
		if diff <= m.tolerance {
			return true
		}
	}
	return false
}

func (m *Monitor) handlePollError(err error) {
	m.mu.Lock()
	m.consecutiveErrors++
	count := m.consecutiveErrors
	var snap Snapshot
	var notifyStatus bool
	if count >= maxConsecutiveErrors && m.status != StatusError {
		m.status = StatusError
		m.progress = 0
		m.eta = 0
		m.jobInfo = "connection error"
		snap = Snapshot{Status: m.status, Job: m.jobInfo}
		notifyStatus = true
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Error().Err(err).Int("consecutive", count).Msg("monitor: poll failed")
	if notifyStatus {
		for _, l := range listeners {
			if l.OnStatusChanged != nil {
				l.OnStatusChanged(snap)
			}
		}
	}
	for _, l := range listeners {
		if l.OnError != nil {
			l.OnError(err)
		}
	}
}

// NewOwnTimestamp registers the current time as an owned job timestamp and
// returns it.
func (m *Monitor) NewOwnTimestamp() string {
	ts := m.clk.Now().Format(TimestampLayout)
	m.RegisterOwnJob(ts)
	return ts
}

// RegisterOwnJob marks a job timestamp as belonging to this process and
// resets the phase to the first pass.
func (m *Monitor) RegisterOwnJob(ts string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ownTimestamps[ts] = struct{}{}
	m.currentTimestamp = ts
	m.currentPass = 1
	m.logger.Info().Str("timestamp", ts).Msg("monitor: registered own job")
}

// StartSecondPass declares the owned job has moved to its second pass.
func (m *Monitor) StartSecondPass() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentPass = 2
	m.logger.Info().Msg("monitor: second pass")
}

// ClearJobOwnership drops the current ownership claim.
func (m *Monitor) ClearJobOwnership() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearOwnershipLocked()
}

func (m *Monitor) clearOwnershipLocked() {
	m.currentTimestamp = ""
	m.currentPass = 0
}

// MarkCancelling flips the visible status while a cancellation is in flight.
func (m *Monitor) MarkCancelling() {
	m.mu.Lock()
	m.status = StatusCancelling
	snap := Snapshot{Status: m.status, Progress: m.progress, ETASeconds: m.eta, Job: m.jobInfo}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		if l.OnStatusChanged != nil {
			l.OnStatusChanged(snap)
		}
	}
}

// IsIdle reports whether the engine is idle.
func (m *Monitor) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusIdle
}

// IsProcessingOwnJob reports whether the engine is busy with a job we own.
func (m *Monitor) IsProcessingOwnJob() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusProcessing || m.status == StatusFinalizing
}

// Snapshot returns the current status.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{Status: m.status, Progress: m.progress, ETASeconds: m.eta, Job: m.jobInfo}
}
