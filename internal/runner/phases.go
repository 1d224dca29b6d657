package runner

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ent0n29/invoicedl/internal/ack"
	"github.com/ent0n29/invoicedl/internal/downloads"
	"github.com/ent0n29/invoicedl/internal/execution"
	"github.com/ent0n29/invoicedl/internal/reliability"
	"github.com/ent0n29/invoicedl/internal/state"
	"github.com/ent0n29/invoicedl/internal/tasks"
)

// phase is one state of the drain loop. Each phase has a single step
// function returning the next phase.
type phase int

const (
	phaseStart phase = iota
	phaseDequeue
	phaseDispatch
	phaseAwaitAck
	phasePoll
	phaseIdle
)

func (p phase) String() string {
	switch p {
	case phaseStart:
		return "start"
	case phaseDequeue:
		return "dequeue"
	case phaseDispatch:
		return "dispatch"
	case phaseAwaitAck:
		return "await_ack"
	case phasePoll:
		return "poll"
	default:
		return "idle"
	}
}

// cycle carries one task from dequeue to its outcome.
type cycle struct {
	task   tasks.Task
	item   tasks.WorkItem
	active tasks.ActiveTask
	ack    <-chan ack.Result
}

func (r *Runner) step(ctx context.Context, p phase, c *cycle) (phase, error) {
	if ctx.Err() != nil {
		return phaseIdle, nil
	}
	switch p {
	case phaseStart:
		*c = cycle{}
		return r.stepStart(ctx)
	case phaseDequeue:
		return r.stepDequeue(ctx, c)
	case phaseDispatch:
		return r.stepDispatch(ctx, c)
	case phaseAwaitAck:
		return r.stepAwaitAck(ctx, c)
	case phasePoll:
		return r.stepPoll(ctx, c)
	default:
		return phaseIdle, nil
	}
}

// stepStart exits when the session is stopped or detached, and requeues an
// orphaned active task at the front. No live cycle owns an active task at
// this point, so any active task found here was left by an abnormal exit.
func (r *Runner) stepStart(ctx context.Context) (phase, error) {
	st, err := r.state.Read(ctx)
	if err != nil {
		return phaseIdle, err
	}
	if !st.Running || !st.Attached() {
		return phaseIdle, nil
	}
	if st.Active == nil {
		return phaseDequeue, nil
	}

	var recovered *tasks.ActiveTask
	_, err = r.state.Write(ctx, func(s *state.State) {
		if s.Active == nil {
			return
		}
		a := *s.Active
		recovered = &a
		s.Queue = append([]tasks.Task{a.Task()}, s.Queue...)
		s.Active = nil
	})
	if err != nil {
		return phaseIdle, err
	}
	if recovered != nil {
		r.metrics.ObserveRunnerEvent("orphan_recovered")
		r.status(ctx, fmt.Sprintf("Recovering interrupted task: %s (%s)", recovered.ItemID, recovered.Mode))
		r.push(ctx)
	}
	return phaseStart, nil
}

func (r *Runner) stepDequeue(ctx context.Context, c *cycle) (phase, error) {
	var (
		next   tasks.Task
		popped bool
	)
	st, err := r.state.Write(ctx, func(s *state.State) {
		if len(s.Queue) == 0 {
			return
		}
		next, popped = s.Queue[0], true
		s.Queue = s.Queue[1:]
	})
	if err != nil {
		return phaseIdle, err
	}
	if !popped {
		r.metrics.ObserveRunnerEvent("queue_empty")
		r.status(ctx, "Queue empty.")
		r.push(ctx)
		return phaseIdle, nil
	}

	item, ok := st.Row(next.ItemID)
	if !ok {
		r.metrics.ObserveFailure(reliability.Reason(reliability.ErrItemNotFound))
		r.status(ctx, fmt.Sprintf("Item not found: %s", next.ItemID))
		r.push(ctx)
		return phaseStart, nil
	}

	rec, err := r.detector.Reconcile(ctx, item)
	if err != nil {
		return phaseIdle, err
	}
	if tasks.Satisfied(rec, next.Mode) {
		r.metrics.ObserveRunnerEvent("skipped")
		r.status(ctx, fmt.Sprintf("Skipping (already downloaded): %s (%s)", item.ItemID, next.Mode))
		r.push(ctx)
		return phaseStart, nil
	}

	if !next.Mode.Concrete() {
		expanded := tasks.Expand(next.ItemID, next.Mode, next.Attempts)
		if _, err := r.state.Write(ctx, func(s *state.State) {
			s.Queue = append(expanded, s.Queue...)
		}); err != nil {
			return phaseIdle, err
		}
		return phaseStart, nil
	}

	c.task = next
	c.item = item
	return phaseDispatch, nil
}

func (r *Runner) stepDispatch(ctx context.Context, c *cycle) (phase, error) {
	runID := r.newRunID()
	active := tasks.ActiveTask{
		ItemID:    c.item.ItemID,
		GroupID:   c.item.GroupID,
		Mode:      c.task.Mode,
		RunID:     runID,
		Attempts:  c.task.Attempts,
		StartedAt: time.Now().UTC(),
	}

	// Register before publishing the run so a concurrent stop resolves it.
	waiter := r.acks.Await(runID, r.cfg.AckTimeout)
	st, err := r.state.Write(ctx, state.WithActive(&active), func(s *state.State) {
		rec := s.Record(active.ItemID)
		if rec.LastError == "" && rec.GroupID == active.GroupID {
			return
		}
		rec.LastError = ""
		rec.GroupID = active.GroupID
		state.WithRecord(active.ItemID, rec)(s)
	})
	if err != nil {
		r.acks.Resolve(runID, ack.Result{OK: false, Error: ack.ReasonStopped})
		return phaseIdle, err
	}
	if !st.Running || !st.Attached() {
		r.acks.Resolve(runID, ack.Result{OK: false, Error: ack.ReasonStopped})
		if err := r.clearActive(ctx, runID); err != nil {
			return phaseIdle, err
		}
		return phaseStart, nil
	}

	r.prediction.Set(predictionFor(active))
	r.metrics.ObserveRunnerEvent("dispatched")
	r.status(ctx, fmt.Sprintf("Starting: %s (%s)", active.ItemID, active.Mode))
	r.push(ctx)

	req := execution.Request{ItemID: active.ItemID, GroupID: active.GroupID, Mode: active.Mode, RunID: runID}
	var dispatchErr error
	if r.executor == nil {
		dispatchErr = execution.ErrNoClient
	} else {
		dispatchErr = r.executor.Dispatch(ctx, *st.Client, req)
	}
	if dispatchErr != nil {
		// Undelivered runs are left to the ack timeout so a reloading tab
		// can reconnect before the attempt is counted.
		log.Printf("runner: dispatch %s: %v", runID, dispatchErr)
		r.metrics.ObserveRunnerEvent("dispatch_undelivered")
		r.status(ctx, fmt.Sprintf("Waiting for client: %s (%s)", active.ItemID, active.Mode))
	}

	c.active = active
	c.ack = waiter
	return phaseAwaitAck, nil
}

func (r *Runner) stepAwaitAck(ctx context.Context, c *cycle) (phase, error) {
	var res ack.Result
	select {
	case <-ctx.Done():
		return phaseIdle, nil
	case res = <-c.ack:
	}
	// Close resolves waiters after cancelling; that result is not a failure.
	if ctx.Err() != nil {
		return phaseIdle, nil
	}

	st, err := r.state.Read(ctx)
	if err != nil {
		return phaseIdle, err
	}
	if stale(st, c.active.RunID) {
		return phaseStart, nil
	}
	if !res.OK {
		reason := res.Error
		if reason == "" {
			reason = reliability.Reason(reliability.ErrExecutionFailed)
		}
		return r.retry(ctx, c, reliability.ClassifyAck(reason), reason)
	}
	r.metrics.ObserveRunnerEvent("acknowledged")
	return phasePoll, nil
}

// stepPoll waits for the dispatched artifact to show up in the download
// history. Flags found along the way are persisted even when they belong to
// the other format.
func (r *Runner) stepPoll(ctx context.Context, c *cycle) (phase, error) {
	deadline := time.Now().Add(r.cfg.PollTimeout)
	for {
		st, err := r.state.Read(ctx)
		if err != nil {
			return phaseIdle, err
		}
		if stale(st, c.active.RunID) {
			return phaseStart, nil
		}

		found, err := r.detector.Scan(ctx, c.item.GroupID, c.item.ItemID)
		if err != nil {
			if ctx.Err() != nil {
				return phaseIdle, nil
			}
			log.Printf("runner: poll %s: %v", c.active.RunID, err)
		}
		rec, err := r.detector.Merge(ctx, c.item, found)
		if err != nil {
			return phaseIdle, err
		}
		r.push(ctx)

		if tasks.Satisfied(rec, c.active.Mode) {
			return r.complete(ctx, c)
		}
		if !time.Now().Before(deadline) {
			break
		}
		if !sleepCtx(ctx, r.cfg.PollInterval) {
			return phaseIdle, nil
		}
	}

	reason := reliability.Reason(reliability.ErrPollTimeout)
	return r.retry(ctx, c, reliability.ErrPollTimeout, reason)
}

func (r *Runner) complete(ctx context.Context, c *cycle) (phase, error) {
	if err := r.clearActive(ctx, c.active.RunID); err != nil {
		return phaseIdle, err
	}
	r.prediction.Clear()
	r.metrics.ObserveRunnerEvent("completed")
	r.metrics.ObserveCompletionLatency(time.Since(c.active.StartedAt))
	r.status(ctx, fmt.Sprintf("Done: %s (%s)", c.active.ItemID, c.active.Mode))
	r.push(ctx)
	if !sleepCtx(ctx, r.cfg.SettleDelay) {
		return phaseIdle, nil
	}
	return phaseStart, nil
}

// retry applies the retry policy to the failed cycle: the task goes to the
// back of the queue with one more attempt, or is marked as terminally failed
// once the attempt cap is reached or the cause is not retryable. Nothing is
// written when the run is no longer the active one.
func (r *Runner) retry(ctx context.Context, c *cycle, cause error, reason string) (phase, error) {
	runID := c.active.RunID
	attempts := c.active.Attempts + 1
	exhausted := attempts >= r.cfg.MaxRetries || !reliability.IsRetryable(cause)

	applied := false
	_, err := r.state.Write(ctx, func(s *state.State) {
		if s.Active == nil || s.Active.RunID != runID {
			return
		}
		applied = true
		s.Active = nil
		rec := s.Record(c.active.ItemID)
		rec.GroupID = c.active.GroupID
		if exhausted {
			rec = rec.MarkFailed(c.active.Mode, reason)
		} else {
			rec.LastError = reason
			s.Queue = append(s.Queue, tasks.Task{ItemID: c.active.ItemID, Mode: c.active.Mode, Attempts: attempts})
		}
		state.WithRecord(c.active.ItemID, rec)(s)
	})
	r.prediction.Clear()
	if err != nil {
		return phaseIdle, err
	}
	if !applied {
		return phaseStart, nil
	}

	r.metrics.ObserveFailure(reliability.Reason(cause))
	if exhausted {
		r.metrics.ObserveFailure(reliability.Reason(reliability.ErrRetryExhausted))
		r.metrics.ObserveRunnerEvent("exhausted")
		log.Printf("runner: %s (%s): %v after %d attempts: %s", c.active.ItemID, c.active.Mode, reliability.ErrRetryExhausted, attempts, reason)
		r.status(ctx, fmt.Sprintf("Failed: %s (%s) - %s", c.active.ItemID, c.active.Mode, reason))
		r.push(ctx)
		return phaseStart, nil
	}

	r.metrics.ObserveRunnerEvent("retried")
	r.status(ctx, fmt.Sprintf("Retry %d/%d: %s (%s)", attempts, r.cfg.MaxRetries-1, c.active.ItemID, c.active.Mode))
	r.push(ctx)
	if r.cfg.RetryBackoff > 0 {
		if !sleepCtx(ctx, reliability.ExponentialBackoff(attempts-1, r.cfg.RetryBackoff, r.cfg.RetryBackoffMax)) {
			return phaseIdle, nil
		}
	}
	return phaseStart, nil
}

// clearActive drops the active task only if it still belongs to runID.
func (r *Runner) clearActive(ctx context.Context, runID string) error {
	_, err := r.state.Write(ctx, func(s *state.State) {
		if s.Active != nil && s.Active.RunID == runID {
			s.Active = nil
		}
	})
	return err
}

func stale(st state.State, runID string) bool {
	return !st.Running || st.Active == nil || st.Active.RunID != runID
}

func predictionFor(a tasks.ActiveTask) downloads.Prediction {
	return downloads.Prediction{ItemID: a.ItemID, GroupID: a.GroupID}
}
