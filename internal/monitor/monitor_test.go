package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"finisher/internal/clock"
	"finisher/internal/sdapi"
)

type scriptedClient struct {
	mu    sync.Mutex
	infos []sdapi.ProgressInfo
	errs  []error
	idx   int
}

func (c *scriptedClient) push(info sdapi.ProgressInfo, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.infos = append(c.infos, info)
	c.errs = append(c.errs, err)
}

func (c *scriptedClient) GetProgress(ctx context.Context) (sdapi.ProgressInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx >= len(c.infos) {
		return sdapi.ProgressInfo{}, nil
	}
	info, err := c.infos[c.idx], c.errs[c.idx]
	c.idx++
	return info, err
}

func busyReport(progress float64, ts string) sdapi.ProgressInfo {
	return sdapi.ProgressInfo{
		Progress: progress,
		State:    sdapi.ProgressState{Job: "img2img", JobTimestamp: ts},
	}
}

func newTestMonitor(client ProgressClient) (*Monitor, *clock.Fake) {
	fake := clock.NewFake(time.Date(2024, 8, 1, 12, 30, 0, 0, time.UTC))
	m := New(client, Options{
		PollInterval:       2 * time.Second,
		IdleInterval:       10 * time.Second,
		ErrorInterval:      30 * time.Second,
		TimestampTolerance: 5 * time.Second,
		Clock:              fake,
	})
	return m, fake
}

func TestClassifyOwnedJobByPass(t *testing.T) {
	client := &scriptedClient{}
	m, fake := newTestMonitor(client)

	ts := fake.Now().Format(TimestampLayout)
	m.RegisterOwnJob(ts)

	client.push(busyReport(0.4, ts), nil)
	m.checkOnce(context.Background())
	if got := m.Snapshot().Status; got != StatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", got)
	}

	m.StartSecondPass()
	client.push(busyReport(0.6, ts), nil)
	m.checkOnce(context.Background())
	if got := m.Snapshot().Status; got != StatusFinalizing {
		t.Fatalf("expected FINALIZING, got %s", got)
	}
}

func TestClassifyTimestampTolerance(t *testing.T) {
	client := &scriptedClient{}
	m, fake := newTestMonitor(client)

	base := fake.Now()
	m.RegisterOwnJob(base.Format(TimestampLayout))

	// 3 seconds of skew is inside the 5 second window.
	client.push(busyReport(0.2, base.Add(3*time.Second).Format(TimestampLayout)), nil)
	m.checkOnce(context.Background())
	if got := m.Snapshot().Status; got != StatusProcessing {
		t.Fatalf("expected PROCESSING within tolerance, got %s", got)
	}

	// 9 seconds is outside the window: someone else's job.
	client.push(busyReport(0.3, base.Add(9*time.Second).Format(TimestampLayout)), nil)
	m.checkOnce(context.Background())
	if got := m.Snapshot().Status; got != StatusExternal {
		t.Fatalf("expected EXTERNAL outside tolerance, got %s", got)
	}
}

func TestClassifyExternalJob(t *testing.T) {
	client := &scriptedClient{}
	m, _ := newTestMonitor(client)

	client.push(busyReport(0.5, "20240801110000"), nil)
	m.checkOnce(context.Background())
	if got := m.Snapshot().Status; got != StatusExternal {
		t.Fatalf("expected EXTERNAL with no registered jobs, got %s", got)
	}
}

func TestOwnedBusyToIdleFiresCompletion(t *testing.T) {
	client := &scriptedClient{}
	m, fake := newTestMonitor(client)

	var completed int
	m.Subscribe(Listener{OnJobCompleted: func() { completed++ }})

	ts := fake.Now().Format(TimestampLayout)
	m.RegisterOwnJob(ts)

	client.push(busyReport(0.7, ts), nil)
	m.checkOnce(context.Background())
	client.push(sdapi.ProgressInfo{Progress: 0}, nil)
	m.checkOnce(context.Background())

	if completed != 1 {
		t.Fatalf("expected one completion notification, got %d", completed)
	}
	if m.IsProcessingOwnJob() {
		t.Fatalf("ownership should be cleared after completion")
	}

	// A later idle report must not fire again.
	client.push(sdapi.ProgressInfo{Progress: 0}, nil)
	m.checkOnce(context.Background())
	if completed != 1 {
		t.Fatalf("completion fired twice")
	}
}

func TestConsecutivePollFailuresForceError(t *testing.T) {
	client := &scriptedClient{}
	m, _ := newTestMonitor(client)

	var statuses []Status
	var errs int
	m.Subscribe(Listener{
		OnStatusChanged: func(s Snapshot) { statuses = append(statuses, s.Status) },
		OnError:         func(error) { errs++ },
	})

	for i := 0; i < 3; i++ {
		client.push(sdapi.ProgressInfo{}, errors.New("connection refused"))
		wait := m.checkOnce(context.Background())
		if wait != 30*time.Second {
			t.Fatalf("expected error interval after failure, got %v", wait)
		}
	}

	if errs != 3 {
		t.Fatalf("expected 3 error notifications, got %d", errs)
	}
	if len(statuses) != 1 || statuses[0] != StatusError {
		t.Fatalf("expected a single ERROR transition, got %v", statuses)
	}

	// Recovery: a successful poll resets the failure count.
	client.push(sdapi.ProgressInfo{Progress: 0}, nil)
	m.checkOnce(context.Background())
	if got := m.Snapshot().Status; got != StatusIdle {
		t.Fatalf("expected IDLE after recovery, got %s", got)
	}
}

func TestAdaptiveIntervals(t *testing.T) {
	client := &scriptedClient{}
	m, fake := newTestMonitor(client)

	client.push(sdapi.ProgressInfo{Progress: 0}, nil)
	if wait := m.checkOnce(context.Background()); wait != 10*time.Second {
		t.Fatalf("expected idle interval, got %v", wait)
	}

	ts := fake.Now().Format(TimestampLayout)
	m.RegisterOwnJob(ts)
	client.push(busyReport(0.1, ts), nil)
	if wait := m.checkOnce(context.Background()); wait != 2*time.Second {
		t.Fatalf("expected busy interval, got %v", wait)
	}
}

func TestMultipleSubscribersAllNotified(t *testing.T) {
	client := &scriptedClient{}
	m, _ := newTestMonitor(client)

	var a, b int
	m.Subscribe(Listener{OnStatusChanged: func(Snapshot) { a++ }})
	m.Subscribe(Listener{OnStatusChanged: func(Snapshot) { b++ }})

	client.push(busyReport(0.5, "20990101000000"), nil)
	m.checkOnce(context.Background())

	if a != 1 || b != 1 {
		t.Fatalf("expected both subscribers notified, got %d/%d", a, b)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	client := &scriptedClient{}
	m, fake := newTestMonitor(client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	for fake.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}
