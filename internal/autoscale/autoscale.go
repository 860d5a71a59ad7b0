// Package autoscale implements AutoscaledPool: a pool that runs tasks at
// the largest concurrency the system tolerates, growing and shrinking
// desiredConcurrency against SystemStatus's idle judgement while a single
// goroutine owns every piece of pool bookkeeping. Per the redesign notes
// this replaces the source's implicit single-threaded event-loop sharing
// with one serialization domain (this file's run loop) guarded by a
// mutex for the handful of fields read from other goroutines (Stats,
// SetMinConcurrency, SetMaxConcurrency).
package autoscale

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/surgecrawl/surgecrawl/internal/config"
	"github.com/surgecrawl/surgecrawl/internal/crawlerr"
	"github.com/surgecrawl/surgecrawl/internal/utils"
)

// State is a position in the pool's lifecycle.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateFinished
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrAlreadyRunning is returned by Run when the pool is not in StateIdle.
var ErrAlreadyRunning = errors.New("autoscale: pool is already running")

// RunTaskFunc executes one unit of work. ran=false means no task was
// runnable this tick and the caller should treat the slot as freed
// without counting it as completed work.
type RunTaskFunc func(ctx context.Context) (ran bool, err error)

// PredicateFunc is isTaskReadyFunction or isFinishedFunction.
type PredicateFunc func(ctx context.Context) (bool, error)

// statusChecker is the subset of SystemStatus the autoscale loop needs.
// Declared here so tests can supply a fake without a real Snapshotter.
type statusChecker interface {
	HasBeenOkLately() bool
}

type alwaysOk struct{}

func (alwaysOk) HasBeenOkLately() bool { return true }

// Stats is a point-in-time observability snapshot, read concurrently with
// Run by callers like a status CLI subcommand.
type Stats struct {
	State               State
	DesiredConcurrency  int
	CurrentConcurrency  int
	MinConcurrency      int
	MaxConcurrency      int
}

// AutoscaledPool runs tasks at the largest slot count the system
// tolerates. Construct with New, then call Run.
type AutoscaledPool struct {
	cfg    config.PoolConfig
	status statusChecker

	runTask      RunTaskFunc
	isTaskReady  PredicateFunc
	isFinished   PredicateFunc

	mu                 sync.Mutex
	state              State
	desiredConcurrency int
	currentConcurrency int
	minConcurrency     int
	maxConcurrency     int
	paused             bool
	resumeCh           chan struct{}
	err                error

	abortOnce sync.Once
	abortCh   chan struct{}
	wg        sync.WaitGroup

	lastLoggedAt time.Time
}

// Option configures an AutoscaledPool at construction.
type Option func(*AutoscaledPool)

// WithSystemStatus wires a status source into the autoscale tick. Without
// one, the pool behaves as if the system is always idle: it only ever
// scales up, never down.
func WithSystemStatus(s statusChecker) Option {
	return func(p *AutoscaledPool) { p.status = s }
}

// New builds an AutoscaledPool. minConcurrency/maxConcurrency are read
// from cfg but may be changed later via SetMinConcurrency/SetMaxConcurrency.
func New(cfg config.PoolConfig, runTask RunTaskFunc, isTaskReady, isFinished PredicateFunc, opts ...Option) *AutoscaledPool {
	p := &AutoscaledPool{
		cfg:            cfg,
		status:         alwaysOk{},
		runTask:        runTask,
		isTaskReady:    isTaskReady,
		isFinished:     isFinished,
		minConcurrency: cfg.MinConcurrency,
		maxConcurrency: cfg.MaxConcurrency,
		abortCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the pool and blocks until it finishes, is aborted, or a task
// escalates a fatal error. It returns ErrAlreadyRunning if the pool is not
// idle.
func (p *AutoscaledPool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateIdle {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.state = StateRunning
	p.desiredConcurrency = p.minConcurrency
	p.lastLoggedAt = time.Now()
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatchTicker := time.NewTicker(nonZero(p.cfg.MaybeRunInterval, 500*time.Millisecond))
	defer dispatchTicker.Stop()
	autoscaleTicker := time.NewTicker(nonZero(p.cfg.AutoscaleInterval, 10*time.Second))
	defer autoscaleTicker.Stop()

	var loggingTicker *time.Ticker
	var loggingC <-chan time.Time
	if p.cfg.LoggingInterval > 0 {
		loggingTicker = time.NewTicker(p.cfg.LoggingInterval)
		defer loggingTicker.Stop()
		loggingC = loggingTicker.C
	}

	wake := make(chan struct{}, 1)
	errCh := make(chan error, 1)

	// Kick off an initial dispatch attempt so a pool with work ready does
	// not idle for a full maybeRunIntervalSecs before its first task.
	select {
	case wake <- struct{}{}:
	default:
	}

	for {
		select {
		case <-ctx.Done():
			p.finishAs(StateAborted)
			p.wg.Wait()
			return nil

		case <-p.abortCh:
			p.finishAs(StateAborted)
			p.wg.Wait()
			return nil

		case err := <-errCh:
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			p.finishAs(StateFailed)
			p.wg.Wait()
			return err

		case <-autoscaleTicker.C:
			p.autoscaleTick()

		case <-loggingC:
			p.logStats()

		case <-dispatchTicker.C:
			if p.dispatchTick(runCtx, wake, errCh) {
				p.finishAs(StateFinished)
				p.wg.Wait()
				return nil
			}

		case <-wake:
			if p.dispatchTick(runCtx, wake, errCh) {
				p.finishAs(StateFinished)
				p.wg.Wait()
				return nil
			}
		}
	}
}

func (p *AutoscaledPool) finishAs(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// dispatchTick launches tasks while currentConcurrency < desiredConcurrency
// and the pool is neither paused nor stopped, then checks for completion
// once no task is in flight.
func (p *AutoscaledPool) dispatchTick(ctx context.Context, wake chan struct{}, errCh chan error) (finished bool) {
	for {
		p.mu.Lock()
		paused := p.paused
		room := p.currentConcurrency < p.desiredConcurrency
		p.mu.Unlock()
		if paused || !room {
			break
		}

		ready, err := p.isTaskReady(ctx)
		if err != nil {
			p.sendFatal(errCh, err)
			return false
		}
		if !ready {
			break
		}

		p.mu.Lock()
		p.currentConcurrency++
		p.mu.Unlock()

		p.wg.Add(1)
		go p.runOne(ctx, wake, errCh)
	}

	p.mu.Lock()
	cc := p.currentConcurrency
	p.mu.Unlock()
	if cc != 0 {
		return false
	}

	done, err := p.isFinished(ctx)
	if err != nil {
		p.sendFatal(errCh, err)
		return false
	}
	return done
}

// runOne runs exactly one task. currentConcurrency is incremented by the
// caller before the goroutine starts and decremented here once the task
// settles, guaranteeing the slot is released on every exit path.
func (p *AutoscaledPool) runOne(ctx context.Context, wake chan struct{}, errCh chan error) {
	defer p.wg.Done()

	_, err := p.runTask(ctx)

	p.mu.Lock()
	p.currentConcurrency--
	p.mu.Unlock()

	if err != nil {
		p.sendFatal(errCh, err)
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (p *AutoscaledPool) sendFatal(errCh chan error, err error) {
	fatal := crawlerr.NewFatal(err)
	select {
	case errCh <- fatal:
	default:
	}
}

// autoscaleTick implements the scale-up/scale-down decision: scale down
// whenever the system hasn't been idle lately; otherwise scale up once
// current concurrency is actually filling the slots already granted.
func (p *AutoscaledPool) autoscaleTick() {
	if !p.status.HasBeenOkLately() {
		p.scaleDown()
		return
	}

	p.mu.Lock()
	cur, desired := p.currentConcurrency, p.desiredConcurrency
	ratio := p.cfg.DesiredConcurrencyRatio
	p.mu.Unlock()

	if cur >= int(math.Floor(float64(desired)*ratio)) {
		p.scaleUp()
	}
}

func (p *AutoscaledPool) scaleUp() {
	p.mu.Lock()
	defer p.mu.Unlock()
	step := int(math.Ceil(float64(p.desiredConcurrency) * p.cfg.ScaleUpStepRatio))
	if step < 1 {
		step = 1
	}
	p.desiredConcurrency = minInt(p.maxConcurrency, p.desiredConcurrency+step)
}

func (p *AutoscaledPool) scaleDown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	step := int(math.Ceil(float64(p.desiredConcurrency) * p.cfg.ScaleDownStepRatio))
	if step < 1 {
		step = 1
	}
	p.desiredConcurrency = maxInt(p.minConcurrency, p.desiredConcurrency-step)
}

func (p *AutoscaledPool) logStats() {
	s := p.Stats()
	utils.Info("pool: state=%s desired=%d current=%d min=%d max=%d",
		s.State, s.DesiredConcurrency, s.CurrentConcurrency, s.MinConcurrency, s.MaxConcurrency)
}

// Abort ceases accepting new work; in-flight tasks are allowed to
// complete before Run returns. Idempotent.
func (p *AutoscaledPool) Abort() {
	p.abortOnce.Do(func() { close(p.abortCh) })
}

// Pause stops the dispatch loop from launching new tasks. In-flight tasks
// continue to completion.
func (p *AutoscaledPool) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning {
		p.state = StatePaused
	}
	p.paused = true
}

// Resume re-allows the dispatch loop to launch new tasks.
func (p *AutoscaledPool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePaused {
		p.state = StateRunning
	}
	p.paused = false
}

// SetMaxConcurrency clamps n to be at least the current minConcurrency,
// then updates maxConcurrency. desiredConcurrency is clamped down to fit
// if it now exceeds the new maximum.
func (p *AutoscaledPool) SetMaxConcurrency(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < p.minConcurrency {
		n = p.minConcurrency
	}
	p.maxConcurrency = n
	if p.desiredConcurrency > n {
		p.desiredConcurrency = n
	}
}

// SetMinConcurrency clamps n to be at most the current maxConcurrency,
// then updates minConcurrency. desiredConcurrency is raised to fit if it
// now falls below the new minimum.
func (p *AutoscaledPool) SetMinConcurrency(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.maxConcurrency {
		n = p.maxConcurrency
	}
	if n < 1 {
		n = 1
	}
	p.minConcurrency = n
	if p.desiredConcurrency < n {
		p.desiredConcurrency = n
	}
}

// Stats returns a point-in-time snapshot safe to read from any goroutine.
func (p *AutoscaledPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		State:              p.state,
		DesiredConcurrency: p.desiredConcurrency,
		CurrentConcurrency: p.currentConcurrency,
		MinConcurrency:     p.minConcurrency,
		MaxConcurrency:     p.maxConcurrency,
	}
}

// Err returns the fatal error that caused Run to return, if any.
func (p *AutoscaledPool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
