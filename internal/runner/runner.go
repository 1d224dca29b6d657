// Package runner drains the download queue one task at a time.
//
// Every step re-reads the session record through the state accessor; the
// only in-process state is the drain guard, the acknowledgment registry and
// the filename prediction, none of which survive a restart.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/invoicedl/internal/ack"
	"github.com/ent0n29/invoicedl/internal/downloads"
	"github.com/ent0n29/invoicedl/internal/execution"
	"github.com/ent0n29/invoicedl/internal/observability"
	"github.com/ent0n29/invoicedl/internal/state"
)

var (
	ErrNoClient = errors.New("no client attached")
	ErrStaleRun = errors.New("run is not active")
	ErrNoItem   = errors.New("item id is required")
)

// Executor hands one task to the external agent. A nil error only means the
// request was delivered; the outcome arrives through ReportExecutionResult.
type Executor interface {
	Dispatch(ctx context.Context, client state.ClientRef, req execution.Request) error
}

// Pusher mirrors state and status lines to the attached client. It must not
// block and must not fail.
type Pusher interface {
	PushState(ctx context.Context, st state.State)
	PushStatus(ctx context.Context, text string)
}

type Config struct {
	MaxRetries      int
	AckTimeout      time.Duration
	PollTimeout     time.Duration
	PollInterval    time.Duration
	SettleDelay     time.Duration
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		AckTimeout:      30 * time.Second,
		PollTimeout:     180 * time.Second,
		PollInterval:    time.Second,
		SettleDelay:     250 * time.Millisecond,
		RetryBackoffMax: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.RetryBackoffMax < c.RetryBackoff {
		c.RetryBackoffMax = c.RetryBackoff
	}
	return c
}

type Deps struct {
	State      *state.Accessor
	Detector   *downloads.Detector
	Acks       *ack.Registry
	Prediction *downloads.PredictionCache
	Executor   Executor
	Pusher     Pusher
	Metrics    *observability.Metrics
}

type Runner struct {
	cfg        Config
	state      *state.Accessor
	detector   *downloads.Detector
	acks       *ack.Registry
	prediction *downloads.PredictionCache
	executor   Executor
	pusher     Pusher
	metrics    *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	draining atomic.Bool
	seq      atomic.Uint64
}

func New(cfg Config, deps Deps) *Runner {
	if deps.State == nil {
		deps.State = state.NewAccessor(nil, "")
	}
	if deps.Acks == nil {
		deps.Acks = ack.NewRegistry()
	}
	if deps.Prediction == nil {
		deps.Prediction = &downloads.PredictionCache{}
	}
	if deps.Detector == nil {
		deps.Detector = downloads.NewDetector(downloads.NewHistory(0), deps.State, downloads.DetectorConfig{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:        cfg.withDefaults(),
		state:      deps.State,
		detector:   deps.Detector,
		acks:       deps.Acks,
		prediction: deps.Prediction,
		executor:   deps.Executor,
		pusher:     deps.Pusher,
		metrics:    deps.Metrics,
		ctx:        ctx,
		cancel:     cancel,
	}
	r.state.OnClear(func() {
		r.acks.ResolveAll(ack.ReasonCleared)
		r.prediction.Clear()
	})
	return r
}

// Trigger starts a drain unless one is already running. Calls while a drain
// is active are no-ops; the drain re-reads the queue on every pass.
func (r *Runner) Trigger() {
	if r.ctx.Err() != nil {
		return
	}
	if !r.draining.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			err := r.drain(r.ctx)
			r.draining.Store(false)
			if err != nil {
				return
			}
			// Work enqueued while the previous drain was exiting would
			// otherwise wait for the next command.
			if !r.hasWork(r.ctx) || !r.draining.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

// Resume restarts draining after a restart or reattach when the persisted
// record says the session is still running.
func (r *Runner) Resume(ctx context.Context) error {
	st, err := r.state.Read(ctx)
	if err != nil {
		return err
	}
	if st.Running && st.Attached() {
		r.Trigger()
	}
	return nil
}

// Draining reports whether a drain loop is active.
func (r *Runner) Draining() bool {
	return r.draining.Load()
}

// Close stops the loop at its next suspension point and waits for it.
// Persisted state is left untouched so a later process can resume.
func (r *Runner) Close() {
	r.cancel()
	r.acks.ResolveAll(ack.ReasonStopped)
	r.wg.Wait()
}

func (r *Runner) hasWork(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	st, err := r.state.Read(ctx)
	if err != nil {
		return false
	}
	return st.Running && st.Attached() && (len(st.Queue) > 0 || st.Active != nil)
}

func (r *Runner) drain(ctx context.Context) error {
	var c cycle
	p := phaseStart
	for p != phaseIdle {
		next, err := r.step(ctx, p, &c)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("runner: %s: %v", p, err)
			r.metrics.ObserveFailure("state")
			r.status(ctx, fmt.Sprintf("Runner stopped: %v", err))
			return err
		}
		p = next
	}
	return nil
}

func (r *Runner) newRunID() string {
	return fmt.Sprintf("run-%d-%d", time.Now().UnixMilli(), r.seq.Add(1))
}

func (r *Runner) status(ctx context.Context, text string) {
	if r.pusher != nil {
		r.pusher.PushStatus(ctx, text)
	}
}

func (r *Runner) push(ctx context.Context) {
	st, err := r.state.Read(ctx)
	if err != nil {
		return
	}
	r.metrics.SetQueueDepth(len(st.Queue))
	if r.pusher != nil {
		r.pusher.PushState(ctx, st)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
