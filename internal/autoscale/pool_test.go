package autoscale

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSampler struct {
	cpu, mem, eventLoop float64
}

func (f *fakeSampler) CPURatio() float64         { return f.cpu }
func (f *fakeSampler) MemoryRatio() float64      { return f.mem }
func (f *fakeSampler) EventLoopLagRatio() float64 { return f.eventLoop }

type fakeTaskSource struct{}

func (fakeTaskSource) IsTaskReady(ctx context.Context) bool    { return false }
func (fakeTaskSource) RunTask(ctx context.Context) bool        { return false }
func (fakeTaskSource) IsFinished(ctx context.Context) bool     { return true }

func TestTickScalesDownUnderCPUOverload(t *testing.T) {
	opts := DefaultOptions()
	opts.DesiredConcurrency = 10
	opts.MinConcurrency = 2
	opts.ScaleDownStep = 3
	opts.Thresholds.CPU = 0.5

	p := New(opts, &fakeSampler{cpu: 0.9}, fakeTaskSource{}, testLogger())

	p.tick()

	if got := p.Desired(); got != 7 {
		t.Fatalf("expected desired concurrency to drop to 7 under CPU overload, got %d", got)
	}
}

func TestTickScaleDownNeverGoesBelowMinConcurrency(t *testing.T) {
	opts := DefaultOptions()
	opts.DesiredConcurrency = 3
	opts.MinConcurrency = 2
	opts.ScaleDownStep = 5
	opts.Thresholds.Memory = 0.3

	p := New(opts, &fakeSampler{mem: 0.9}, fakeTaskSource{}, testLogger())

	p.tick()

	if got := p.Desired(); got != opts.MinConcurrency {
		t.Fatalf("expected desired concurrency to floor at MinConcurrency=%d, got %d", opts.MinConcurrency, got)
	}
}

func TestIsOverloadedChecksEachSignal(t *testing.T) {
	opts := DefaultOptions()

	cases := []struct {
		name     string
		sampler  *fakeSampler
		expected bool
	}{
		{"nominal", &fakeSampler{cpu: 0.1, mem: 0.1, eventLoop: 0.1}, false},
		{"cpu over threshold", &fakeSampler{cpu: 0.9}, true},
		{"memory over threshold", &fakeSampler{mem: 0.9}, true},
		{"event loop lag over threshold", &fakeSampler{eventLoop: 0.9}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(opts, tc.sampler, fakeTaskSource{}, testLogger())
			if got := p.isOverloaded(); got != tc.expected {
				t.Fatalf("isOverloaded() = %v, want %v", got, tc.expected)
			}
		})
	}
}

func TestClientErrorRatioDecaysAfterWindowElapses(t *testing.T) {
	opts := DefaultOptions()
	opts.Thresholds.ClientErr = 0.1
	opts.ClientErrorWindow = 20 * time.Millisecond

	p := New(opts, &fakeSampler{}, fakeTaskSource{}, testLogger())

	for i := 0; i < 9; i++ {
		p.recordTaskOutcome(true)
	}
	p.recordTaskOutcome(false)

	if ratio := p.clientErrorRatio(); ratio < 0.5 {
		t.Fatalf("expected a high error ratio right after a burst of failures, got %f", ratio)
	}
	if !p.isOverloaded() {
		t.Fatal("expected isOverloaded to report true right after a burst of client errors")
	}

	time.Sleep(30 * time.Millisecond)

	if ratio := p.clientErrorRatio(); ratio != 0 {
		t.Fatalf("expected the client-error ratio to reset to 0 once the window elapsed with no new completions, got %f", ratio)
	}
	if p.isOverloaded() {
		t.Fatal("expected isOverloaded to report false once the stale error burst has aged out of the window")
	}
}

func TestRunStopsWhenTasksFinished(t *testing.T) {
	opts := DefaultOptions()
	opts.ScaleInterval = 5 * time.Millisecond

	p := New(opts, &fakeSampler{}, fakeTaskSource{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected Run to return promptly once IsFinished reports true")
	}
}
