// Package autoscale implements the Autoscaled Pool (spec §4.4): a
// concurrency controller that drives task spawning to the largest level
// the environment can sustain without overload, independent of a
// maxTasksPerMinute rate cap. The control loop and worker-dispatch shape
// are adapted from the teacher's engine/scheduler.go worker pool
// (idleMonitor's consecutive-tick confirmation, per-goroutine dispatch),
// generalized from a fixed worker count to a dynamically adjusted one.
package autoscale

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Thresholds configures overload detection, mirroring spec defaults.
type Thresholds struct {
	CPU        float64
	Memory     float64
	EventLoop  float64
	ClientErr  float64 // any non-zero ratio counts
}

func DefaultThresholds() Thresholds {
	return Thresholds{CPU: 0.4, Memory: 0.4, EventLoop: 0.5, ClientErr: 0.0}
}

// Options configures the Autoscaled Pool.
type Options struct {
	MinConcurrency      int
	MaxConcurrency      int
	DesiredConcurrency  int
	ScaleInterval        time.Duration
	ScaleUpStep         int
	ScaleDownStep       int
	MaxTasksPerMinute   int
	GracefulShutdown    time.Duration
	Thresholds          Thresholds
	ClientErrorWindow   time.Duration // rolling window the client-error ratio is computed over
}

func DefaultOptions() Options {
	return Options{
		MinConcurrency:     1,
		MaxConcurrency:     200,
		DesiredConcurrency: 10,
		ScaleInterval:      time.Second,
		ScaleUpStep:        1,
		ScaleDownStep:      2,
		MaxTasksPerMinute:  0, // 0 = unbounded
		GracefulShutdown:   30 * time.Second,
		Thresholds:         DefaultThresholds(),
		ClientErrorWindow:  5 * time.Second,
	}
}

// Sampler reports the current resource-utilization ratios over a rolling
// window. Implementations read from cgroup or host metrics (see
// resource.go).
type Sampler interface {
	CPURatio() float64
	MemoryRatio() float64
	EventLoopLagRatio() float64
}

// TaskSource is the caller's task-production contract: IsTaskReady reports
// whether a new task could be spawned right now (e.g. queue non-empty);
// RunTask executes one task to completion, reporting whether it failed
// with an overload-classified error (self-imposed timeout, etc).
type TaskSource interface {
	IsTaskReady(ctx context.Context) bool
	RunTask(ctx context.Context) (overloadErr bool)
	IsFinished(ctx context.Context) bool
}

// Pool is the Autoscaled Pool.
type Pool struct {
	opts    Options
	sampler Sampler
	tasks   TaskSource
	logger  *slog.Logger

	desired  atomic.Int64
	inFlight atomic.Int64

	// windowMu guards the rolling client-error window, mirroring
	// ResourceSampler.lagMonitor's periodic-reset idiom (resource.go) rather
	// than a lifetime-cumulative counter: spec §4.4 calls for overload
	// signals over "rolling windows of a few seconds", so an early burst of
	// errors must not permanently depress the ratio for the rest of a long
	// crawl once the system has stabilized.
	windowMu    sync.Mutex
	windowStart time.Time
	windowDone  int64
	windowErrs  int64

	satRunStart   time.Time
	satRunValid   bool
	satMu         sync.Mutex

	tokens     chan struct{}
	tokenStop  chan struct{}

	wg sync.WaitGroup
}

// New creates an Autoscaled Pool.
func New(opts Options, sampler Sampler, tasks TaskSource, logger *slog.Logger) *Pool {
	if opts.ClientErrorWindow <= 0 {
		opts.ClientErrorWindow = 5 * time.Second
	}
	p := &Pool{
		opts:    opts,
		sampler: sampler,
		tasks:   tasks,
		logger:  logger.With("component", "autoscaled_pool"),
	}
	p.desired.Store(int64(opts.DesiredConcurrency))
	p.windowStart = time.Now()
	if opts.MaxTasksPerMinute > 0 {
		p.tokens = make(chan struct{}, opts.MaxTasksPerMinute)
		p.tokenStop = make(chan struct{})
	}
	return p
}

// Run drives the pool until tasks.IsFinished() or ctx is cancelled,
// honoring gracefulShutdownSecs on cancellation.
func (p *Pool) Run(ctx context.Context) {
	if p.tokens != nil {
		go p.refillTokens()
		defer close(p.tokenStop)
	}

	controlCtx, cancelControl := context.WithCancel(ctx)
	go p.controlLoop(controlCtx)
	defer cancelControl()

	dispatchTicker := time.NewTicker(20 * time.Millisecond)
	defer dispatchTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.gracefulDrain()
			return
		case <-dispatchTicker.C:
			if p.tasks.IsFinished(ctx) && p.inFlight.Load() == 0 {
				p.wg.Wait()
				return
			}
			p.maybeDispatch(ctx)
		}
	}
}

func (p *Pool) maybeDispatch(ctx context.Context) {
	desired := p.desired.Load()
	for p.inFlight.Load() < desired {
		if !p.tasks.IsTaskReady(ctx) {
			return
		}
		if p.tokens != nil {
			select {
			case <-p.tokens:
			default:
				return
			}
		}
		p.inFlight.Add(1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.inFlight.Add(-1)
			overloaded := p.tasks.RunTask(ctx)
			p.recordTaskOutcome(overloaded)
		}()
	}
}

func (p *Pool) refillTokens() {
	interval := time.Minute / time.Duration(p.opts.MaxTasksPerMinute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.tokenStop:
			return
		case <-ticker.C:
			select {
			case p.tokens <- struct{}{}:
			default:
			}
		}
	}
}

// controlLoop adjusts desired concurrency every ScaleInterval.
func (p *Pool) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Pool) tick() {
	overloaded := p.isOverloaded()
	desired := p.desired.Load()

	if overloaded {
		p.satMu.Lock()
		p.satRunValid = false
		p.satMu.Unlock()

		newDesired := desired - int64(p.opts.ScaleDownStep)
		if newDesired < int64(p.opts.MinConcurrency) {
			newDesired = int64(p.opts.MinConcurrency)
		}
		if newDesired != desired {
			p.logger.Info("scaling down", "from", desired, "to", newDesired)
		}
		p.desired.Store(newDesired)
		return
	}

	saturated := float64(p.inFlight.Load()) >= 0.9*float64(desired) && desired > 0
	p.satMu.Lock()
	if saturated {
		if !p.satRunValid {
			p.satRunValid = true
			p.satRunStart = time.Now()
		}
	} else {
		p.satRunValid = false
	}
	sustained := p.satRunValid && time.Since(p.satRunStart) >= p.opts.ScaleInterval
	p.satMu.Unlock()

	if sustained {
		newDesired := desired + int64(p.opts.ScaleUpStep)
		if newDesired > int64(p.opts.MaxConcurrency) {
			newDesired = int64(p.opts.MaxConcurrency)
		}
		if newDesired != desired {
			p.logger.Info("scaling up", "from", desired, "to", newDesired)
		}
		p.desired.Store(newDesired)
	}
}

func (p *Pool) isOverloaded() bool {
	th := p.opts.Thresholds
	if p.sampler != nil {
		if p.sampler.CPURatio() > th.CPU {
			return true
		}
		if p.sampler.MemoryRatio() > th.Memory {
			return true
		}
		if p.sampler.EventLoopLagRatio() > th.EventLoop {
			return true
		}
	}
	if p.clientErrorRatio() > th.ClientErr {
		return true
	}
	return false
}

// recordTaskOutcome folds one completed task's outcome into the rolling
// client-error window, resetting the window first if it has gone stale.
func (p *Pool) recordTaskOutcome(overloaded bool) {
	p.windowMu.Lock()
	defer p.windowMu.Unlock()
	p.resetWindowIfStaleLocked()
	p.windowDone++
	if overloaded {
		p.windowErrs++
	}
}

// clientErrorRatio returns the error ratio over the current window, or 0 if
// the window has gone stale (no completions in opts.ClientErrorWindow) —
// same "nothing happened recently" treatment lagMonitor applies to an idle
// sampling period.
func (p *Pool) clientErrorRatio() float64 {
	p.windowMu.Lock()
	defer p.windowMu.Unlock()
	p.resetWindowIfStaleLocked()
	if p.windowDone == 0 {
		return 0
	}
	return float64(p.windowErrs) / float64(p.windowDone)
}

func (p *Pool) resetWindowIfStaleLocked() {
	if time.Since(p.windowStart) < p.opts.ClientErrorWindow {
		return
	}
	p.windowStart = time.Now()
	p.windowDone = 0
	p.windowErrs = 0
}

func (p *Pool) gracefulDrain() {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.opts.GracefulShutdown):
		p.logger.Warn("graceful shutdown deadline exceeded, abandoning in-flight tasks", "in_flight", p.inFlight.Load())
	}
}

// Desired returns the current desired concurrency.
func (p *Pool) Desired() int { return int(p.desired.Load()) }

// InFlight returns the current in-flight task count.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }
