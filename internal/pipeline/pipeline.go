// Package pipeline drives the external engine through the two-pass upscaling
// workflow for a single job at a time.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"finisher/internal/clock"
	"finisher/internal/imageprep"
	"finisher/internal/sdapi"
)

// Client is the slice of the engine API the pipeline needs.
type Client interface {
	Img2Img(ctx context.Context, payload sdapi.Img2ImgRequest) (sdapi.Img2ImgResponse, error)
	ExtraSingleImage(ctx context.Context, payload sdapi.ExtrasRequest) (sdapi.ExtrasResponse, error)
	Interrupt(ctx context.Context) error
}

// Preparer converts a job source into the engine payload.
type Preparer interface {
	Prepare(src imageprep.Source) (imageprep.Prepared, error)
}

// StatusTracker is the ownership surface of the status monitor.
type StatusTracker interface {
	IsIdle() bool
	NewOwnTimestamp() string
	StartSecondPass()
	ClearJobOwnership()
	MarkCancelling()
}

// Events receives pipeline notifications. Nil funcs are skipped. Failures are
// delivered here as messages, never as panics across the worker goroutine.
type Events struct {
	OnProgress  func(message string, progress float64)
	OnCompleted func(message string)
	OnError     func(message string)
	OnCancelled func()
}

// Options configure a Pipeline.
type Options struct {
	// CancelTimeout bounds how long Cancel waits for the worker to unwind
	// after the interrupt.
	CancelTimeout time.Duration
	// SecondPassResize is the resize factor of the enhancement pass.
	SecondPassResize float64
	Clock            clock.Clock
	Logger           *zerolog.Logger
}

// Pipeline runs at most one two-pass upscale at a time. The final artifact is
// persisted by the engine itself; the pipeline only receives an
// acknowledgement.
type Pipeline struct {
	client   Client
	preparer Preparer
	tracker  StatusTracker
	clk      clock.Clock
	logger   zerolog.Logger

	cancelTimeout time.Duration
	resize        float64

	mu         sync.Mutex
	busy       bool
	cancelling bool
	done       chan struct{}
	listeners  []Events
}

// New builds a Pipeline.
func New(client Client, preparer Preparer, tracker StatusTracker, opts Options) *Pipeline {
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = 30 * time.Second
	}
	if opts.SecondPassResize <= 0 {
		opts.SecondPassResize = 1.5
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Pipeline{
		client:        client,
		preparer:      preparer,
		tracker:       tracker,
		clk:           opts.Clock,
		logger:        logger,
		cancelTimeout: opts.CancelTimeout,
		resize:        opts.SecondPassResize,
	}
}

// Subscribe adds a listener.
func (p *Pipeline) Subscribe(e Events) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, e)
}

// IsBusy reports whether a run is in flight.
func (p *Pipeline) IsBusy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Start begins a two-pass upscale for the given source. It returns false
// without spawning a worker when a run is already in flight or when the
// engine is not idle.
func (p *Pipeline) Start(src imageprep.Source, cfg sdapi.ProcessingConfig) bool {
	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		p.logger.Warn().Msg("pipeline: already processing")
		return false
	}
	if !p.tracker.IsIdle() {
		p.mu.Unlock()
		p.logger.Warn().Msg("pipeline: engine not idle")
		return false
	}
	done := make(chan struct{})
	p.busy = true
	p.cancelling = false
	p.done = done
	p.mu.Unlock()

	go p.run(done, src, cfg)
	p.logger.Info().Msg("pipeline: started")
	return true
}

// Cancel interrupts the engine and waits up to the cancel timeout for the
// worker to unwind. The busy flag and ownership are released by the worker's
// cleanup regardless of the outcome here.
func (p *Pipeline) Cancel(ctx context.Context) bool {
	p.mu.Lock()
	if !p.busy {
		p.mu.Unlock()
		p.logger.Warn().Msg("pipeline: nothing to cancel")
		return false
	}
	p.cancelling = true
	done := p.done
	p.mu.Unlock()

	p.tracker.MarkCancelling()
	if err := p.client.Interrupt(ctx); err != nil {
		p.logger.Error().Err(err).Msg("pipeline: interrupt failed")
		return false
	}

	select {
	case <-done:
	case <-p.clk.After(p.cancelTimeout):
		p.logger.Error().Msg("pipeline: worker did not unwind before cancel timeout")
		return false
	}

	p.notifyCancelled()
	return true
}

func (p *Pipeline) run(done chan struct{}, src imageprep.Source, cfg sdapi.ProcessingConfig) {
	defer func() {
		if r := recover(); r != nil {
			p.notifyError(fmt.Sprintf("pipeline panic: %v", r))
		}
		p.cleanup()
		close(done)
	}()

	ctx := context.Background()

	p.notifyProgress("Preparing image...", 0.0)
	prepared, err := p.preparer.Prepare(src)
	if err != nil {
		p.notifyError(fmt.Sprintf("Failed to prepare image: %v", err))
		return
	}

	ts := p.tracker.NewOwnTimestamp()
	p.logger.Info().Str("timestamp", ts).Msg("pipeline: registered ownership")

	p.notifyProgress("Starting first pass (img2img)...", 0.1)
	firstPayload := cfg.Img2ImgPayload(
		[]string{prepared.EncodedImage},
		prepared.Prompt,
		prepared.NegativePrompt,
		prepared.Width,
		prepared.Height,
	)
	firstResult, err := p.client.Img2Img(ctx, firstPayload)
	if err != nil {
		p.failUnlessCancelled(fmt.Sprintf("First pass failed: %v", err))
		return
	}
	if len(firstResult.Images) == 0 {
		p.failUnlessCancelled("First pass returned no images")
		return
	}
	if p.isCancelling() {
		return
	}

	p.tracker.StartSecondPass()
	p.notifyProgress("Starting second pass (extra-single-image)...", 0.8)

	secondPayload := cfg.ExtrasPayload(firstResult.Images[0], p.resize)
	if _, err := p.client.ExtraSingleImage(ctx, secondPayload); err != nil {
		p.failUnlessCancelled(fmt.Sprintf("Second pass failed: %v", err))
		return
	}
	if p.isCancelling() {
		return
	}

	// The engine saves the final artifact itself; all that is left is the
	// acknowledgement.
	p.notifyProgress("Processing completed", 1.0)
	p.notifyCompleted("Processing completed successfully")
	p.logger.Info().Msg("pipeline: completed")
}

func (p *Pipeline) cleanup() {
	p.mu.Lock()
	p.busy = false
	p.done = nil
	p.mu.Unlock()
	p.tracker.ClearJobOwnership()
}

func (p *Pipeline) isCancelling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelling
}

// failUnlessCancelled reports an error unless a cancellation is in flight, in
// which case the failure is the expected effect of the interrupt.
func (p *Pipeline) failUnlessCancelled(message string) {
	if p.isCancelling() {
		p.logger.Debug().Str("reason", message).Msg("pipeline: suppressed error during cancel")
		return
	}
	p.notifyError(message)
}

func (p *Pipeline) snapshotListeners() []Events {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Events(nil), p.listeners...)
}

func (p *Pipeline) notifyProgress(message string, progress float64) {
	p.logger.Debug().Str("step", message).Float64("progress", progress).Msg("pipeline: progress")
	for _, l := range p.snapshotListeners() {
		if l.OnProgress != nil {
			l.OnProgress(message, progress)
		}
	}
}

func (p *Pipeline) notifyCompleted(message string) {
	for _, l := range p.snapshotListeners() {
		if l.OnCompleted != nil {
			l.OnCompleted(message)
		}
	}
}

func (p *Pipeline) notifyError(message string) {
	p.logger.Error().Str("reason", message).Msg("pipeline: failed")
	for _, l := range p.snapshotListeners() {
		if l.OnError != nil {
			l.OnError(message)
		}
	}
}

func (p *Pipeline) notifyCancelled() {
	for _, l := range p.snapshotListeners() {
		if l.OnCancelled != nil {
			l.OnCancelled()
		}
	}
}
