package handlers

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"finisher/internal/imageprep"
	"finisher/internal/monitor"
	"finisher/internal/queue"
	"finisher/internal/sdapi"
)

type fakeQueue struct {
	jobs       map[string]*queue.Job
	batches    map[string]*queue.Batch
	enqueueID  string
	enqueueErr error
	cancelOK   bool
	reorderOK  bool
	cleared    int
	events     chan queue.Event
	paused     bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		jobs:      map[string]*queue.Job{},
		batches:   map[string]*queue.Batch{},
		enqueueID: "job_20250601_120000_aaaa1111",
		cancelOK:  true,
		reorderOK: true,
		events:    make(chan queue.Event, 8),
	}
}

func (f *fakeQueue) QueueSingleJob(src imageprep.Source, cfg *sdapi.ProcessingConfig, description string, priority int) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	return f.enqueueID, nil
}

func (f *fakeQueue) QueueBatchJobs(specs []queue.JobSpec, name string) (string, []string, error) {
	if f.enqueueErr != nil {
		return "", nil, f.enqueueErr
	}
	ids := make([]string, len(specs))
	for i := range specs {
		ids[i] = f.enqueueID
	}
	return "batch_20250601_120000_bbbb2222", ids, nil
}

func (f *fakeQueue) CancelJob(id string) bool         { return f.cancelOK }
func (f *fakeQueue) ReorderJob(id string, p int) bool { return f.reorderOK }
func (f *fakeQueue) PauseQueue()                      { f.paused = true }
func (f *fakeQueue) ResumeQueue()                     { f.paused = false }
func (f *fakeQueue) ClearCompletedJobs() int          { return f.cleared }

func (f *fakeQueue) Job(id string) (*queue.Job, bool) {
	j, ok := f.jobs[id]
	return j, ok
}

func (f *fakeQueue) Batch(id string) (*queue.Batch, bool) {
	b, ok := f.batches[id]
	return b, ok
}

func (f *fakeQueue) List() (queued, active, completed []*queue.Job) {
	for _, j := range f.jobs {
		queued = append(queued, j)
	}
	return queued, nil, nil
}

func (f *fakeQueue) Status() queue.QueueStatus {
	return queue.QueueStatus{QueuedJobs: len(f.jobs), AutoProcess: !f.paused, MaxQueueSize: 50, MaxConcurrentJobs: 1}
}

func (f *fakeQueue) SubscribeChan(buffer int) (<-chan queue.Event, func()) {
	return f.events, func() {}
}

type fakeEngine struct{ snap monitor.Snapshot }

func (f *fakeEngine) Snapshot() monitor.Snapshot { return f.snap }

type fakeSD struct {
	healthy bool
	fail    bool
}

func (f *fakeSD) Upscalers(context.Context) ([]sdapi.UpscalerInfo, error) {
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	return []sdapi.UpscalerInfo{{Name: "Lanczos"}, {Name: "ESRGAN_4x"}}, nil
}

func (f *fakeSD) Models(context.Context) ([]sdapi.ModelInfo, error) {
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	return []sdapi.ModelInfo{{ModelName: "v1-5-pruned"}}, nil
}

func (f *fakeSD) Samplers(context.Context) ([]sdapi.SamplerInfo, error) {
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	return []sdapi.SamplerInfo{{Name: "Euler a"}}, nil
}

func (f *fakeSD) Schedulers(context.Context) ([]sdapi.SchedulerInfo, error) {
	if f.fail {
		return nil, context.DeadlineExceeded
	}
	return []sdapi.SchedulerInfo{{Name: "automatic", Label: "Automatic"}}, nil
}

func (f *fakeSD) HealthCheck(context.Context) bool { return f.healthy }
func (f *fakeSD) BaseURL() string                  { return "http://127.0.0.1:7860" }

func newTestApp(q *fakeQueue) *App {
	return &App{
		Queue:  q,
		Engine: &fakeEngine{snap: monitor.Snapshot{Status: monitor.StatusIdle}},
		SD:     &fakeSD{healthy: true},
		Logger: zerolog.Nop(),
	}
}

func TestQueueJobAccepted(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(q)

	body := `{"source_path":"/images/a.png","description":"portrait","priority":2}`
	req := httptest.NewRequest("POST", "/queue/jobs", strings.NewReader(body))
	rr := httptest.NewRecorder()

	app.QueueJob(rr, req)

	if rr.Code != 202 {
		t.Fatalf("status = %d, want 202", rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["job_id"] != q.enqueueID {
		t.Fatalf("job_id = %q", resp["job_id"])
	}
	if resp["state"] != "QUEUED" {
		t.Fatalf("state = %q", resp["state"])
	}
}

func TestQueueJobRequiresSource(t *testing.T) {
	app := newTestApp(newFakeQueue())

	req := httptest.NewRequest("POST", "/queue/jobs", strings.NewReader(`{"priority":1}`))
	rr := httptest.NewRecorder()

	app.QueueJob(rr, req)

	if rr.Code != 400 {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestQueueJobFullMapsTo429(t *testing.T) {
	q := newFakeQueue()
	q.enqueueErr = queue.ErrQueueFull
	app := newTestApp(q)

	req := httptest.NewRequest("POST", "/queue/jobs", strings.NewReader(`{"source_path":"/a.png"}`))
	rr := httptest.NewRecorder()

	app.QueueJob(rr, req)

	if rr.Code != 429 {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	app := newTestApp(newFakeQueue())

	req := httptest.NewRequest("GET", "/queue/jobs/job_nope", nil)
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("job_id", "job_nope")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, ctx))
	rr := httptest.NewRecorder()

	app.GetJob(rr, req)

	if rr.Code != 404 {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestCancelJobConflict(t *testing.T) {
	q := newFakeQueue()
	q.cancelOK = false
	app := newTestApp(q)

	req := httptest.NewRequest("DELETE", "/queue/jobs/job_x", nil)
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("job_id", "job_x")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, ctx))
	rr := httptest.NewRecorder()

	app.CancelJob(rr, req)

	if rr.Code != 409 {
		t.Fatalf("status = %d, want 409", rr.Code)
	}
}

func TestQueueBatchValidatesJobs(t *testing.T) {
	app := newTestApp(newFakeQueue())

	req := httptest.NewRequest("POST", "/queue/batches", strings.NewReader(`{"name":"b","jobs":[]}`))
	rr := httptest.NewRecorder()

	app.QueueBatch(rr, req)

	if rr.Code != 400 {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestEngineStatusReportsMonitor(t *testing.T) {
	app := newTestApp(newFakeQueue())
	app.Engine = &fakeEngine{snap: monitor.Snapshot{
		Status:   monitor.StatusProcessing,
		Progress: 0.42,
		Job:      "job_current",
	}}

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()

	app.EngineStatus(rr, req)

	if rr.Code != 200 {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != string(monitor.StatusProcessing) {
		t.Fatalf("engine status = %v", resp["status"])
	}
	if resp["progress"] != 0.42 {
		t.Fatalf("progress = %v", resp["progress"])
	}
}

func TestProcessingOptionsSurviveEngineOutage(t *testing.T) {
	app := newTestApp(newFakeQueue())
	app.SD = &fakeSD{fail: true}

	req := httptest.NewRequest("GET", "/processing/options", nil)
	rr := httptest.NewRecorder()

	app.ProcessingOptions(rr, req)

	if rr.Code != 200 {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp map[string][]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp["upscalers"]) != 0 {
		t.Fatalf("expected empty upscalers, got %v", resp["upscalers"])
	}
}

func TestEventsStreamDeliversQueueEvents(t *testing.T) {
	q := newFakeQueue()
	app := newTestApp(q)

	// Unbuffered so the send below only returns once the handler has the
	// event in hand.
	q.events = make(chan queue.Event)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/queue/events", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		app.Events(rr, req)
		close(done)
	}()

	select {
	case q.events <- queue.Event{
		Type:      queue.EventJobAdded,
		Job:       &queue.Job{ID: "job_1", State: queue.StateQueued},
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never consumed the event")
	}
	cancel()
	<-done

	body := rr.Body.String()
	if !strings.Contains(body, "event: JOB_ADDED") {
		t.Fatalf("event header missing: %q", body)
	}
	if !strings.Contains(body, `"type":"JOB_ADDED"`) {
		t.Fatalf("payload missing event type: %q", body)
	}
	if !strings.Contains(body, `"id":"job_1"`) {
		t.Fatalf("payload missing job: %q", body)
	}
}
