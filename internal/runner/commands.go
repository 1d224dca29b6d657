package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/invoicedl/internal/ack"
	"github.com/ent0n29/invoicedl/internal/policy"
	"github.com/ent0n29/invoicedl/internal/state"
	"github.com/ent0n29/invoicedl/internal/tasks"
)

// Attach records the client tab and, when rows is non-nil, replaces the
// known rows. A session that was running before a restart resumes.
func (r *Runner) Attach(ctx context.Context, client state.ClientRef, rows []tasks.WorkItem) (state.State, error) {
	client.TabID = strings.TrimSpace(client.TabID)
	if client.TabID == "" {
		return state.State{}, ErrNoClient
	}
	patches := []state.Patch{state.WithClient(&client)}
	if rows != nil {
		patches = append(patches, state.WithRows(dedupRows(rows)))
	}
	st, err := r.state.Write(ctx, patches...)
	if err != nil {
		return state.State{}, err
	}
	r.push(ctx)
	if st.Running {
		r.Trigger()
	}
	return st, nil
}

func (r *Runner) GetState(ctx context.Context) (state.State, error) {
	return r.state.Read(ctx)
}

func (r *Runner) StartAll(ctx context.Context) (int, error) {
	return r.StartSubset(ctx, tasks.ModeBoth)
}

// StartSubset rebuilds the queue from every row, leaving out formats the
// download history already proves complete, and starts draining. It returns
// the number of queued tasks.
func (r *Runner) StartSubset(ctx context.Context, mode tasks.Mode) (int, error) {
	mode, err := tasks.ParseMode(string(mode))
	if err != nil {
		return 0, err
	}
	st, err := r.state.Read(ctx)
	if err != nil {
		return 0, err
	}
	if !st.Attached() {
		return 0, ErrNoClient
	}

	var queue []tasks.Task
	for _, row := range st.Rows {
		rec, err := r.detector.Reconcile(ctx, row)
		if err != nil {
			return 0, err
		}
		for _, t := range tasks.Expand(row.ItemID, mode, 0) {
			if !tasks.Satisfied(rec, t.Mode) {
				queue = append(queue, t)
			}
		}
	}

	if _, err := r.state.Write(ctx, state.WithRunning(true), state.WithQueue(queue), clearFailed(queue)); err != nil {
		return 0, err
	}
	r.metrics.ObserveRunnerEvent("started")
	label := "all"
	if mode != tasks.ModeBoth {
		label = string(mode)
	}
	r.status(ctx, fmt.Sprintf("Start %s: %d tasks", label, len(queue)))
	r.push(ctx)
	r.Trigger()
	return len(queue), nil
}

// Stop halts the session. An executor already working on a dispatch is not
// interrupted; its late result is rejected as stale.
func (r *Runner) Stop(ctx context.Context) error {
	r.prediction.Clear()
	if _, err := r.state.Write(ctx, state.WithRunning(false), state.WithActive(nil), state.WithQueue(nil)); err != nil {
		return err
	}
	r.acks.ResolveAll(ack.ReasonStopped)
	r.metrics.ObserveRunnerEvent("stopped")
	r.status(ctx, "Stopped.")
	r.push(ctx)
	return nil
}

// ClearData wipes the session record and keeps only the attached client.
func (r *Runner) ClearData(ctx context.Context) (state.State, error) {
	prev, err := r.state.Read(ctx)
	if err != nil {
		return state.State{}, err
	}
	if err := r.state.Clear(ctx); err != nil {
		return state.State{}, err
	}
	st := state.Default()
	if prev.Client != nil {
		st, err = r.state.Write(ctx, state.WithClient(prev.Client))
		if err != nil {
			return state.State{}, err
		}
	}
	r.metrics.ObserveRunnerEvent("cleared")
	r.status(ctx, "Data cleared.")
	r.push(ctx)
	return st, nil
}

// Retry puts fresh tasks for itemID at the front of the queue. It ignores
// the attempt cap and forgets earlier terminal failures.
func (r *Runner) Retry(ctx context.Context, itemID string, mode tasks.Mode) error {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return ErrNoItem
	}
	mode, err := tasks.ParseMode(string(mode))
	if err != nil {
		return err
	}
	st, err := r.state.Read(ctx)
	if err != nil {
		return err
	}
	if !st.Attached() {
		return ErrNoClient
	}

	fresh := tasks.Expand(itemID, mode, 0)
	_, err = r.state.Write(ctx, state.WithRunning(true), clearFailed(fresh), func(s *state.State) {
		s.Queue = append(append([]tasks.Task{}, fresh...), s.Queue...)
	})
	if err != nil {
		return err
	}
	r.metrics.ObserveRunnerEvent("manual_retry")
	r.status(ctx, fmt.Sprintf("Retry queued: %s (%s)", itemID, mode))
	r.push(ctx)
	r.Trigger()
	return nil
}

// ReportExecutionResult delivers the executor's outcome for runID. Results
// for anything but the current active run are rejected. The error text is
// redacted before it can reach the session record.
func (r *Runner) ReportExecutionResult(ctx context.Context, runID string, ok bool, errText string) error {
	runID = strings.TrimSpace(runID)
	st, err := r.state.Read(ctx)
	if err != nil {
		return err
	}
	if runID == "" || st.Active == nil || st.Active.RunID != runID {
		return ErrStaleRun
	}
	if !r.acks.Resolve(runID, ack.Result{OK: ok, Error: policy.SanitizeReason(errText)}) {
		return ErrStaleRun
	}
	return nil
}

func clearFailed(queue []tasks.Task) state.Patch {
	return func(s *state.State) {
		for _, t := range queue {
			rec, ok := s.Done[t.ItemID]
			if !ok || !rec.Failed(t.Mode) {
				continue
			}
			s.Done[t.ItemID] = rec.ClearFailed(t.Mode)
		}
	}
}

func dedupRows(rows []tasks.WorkItem) []tasks.WorkItem {
	seen := make(map[string]struct{}, len(rows))
	out := make([]tasks.WorkItem, 0, len(rows))
	for _, row := range rows {
		row.ItemID = strings.TrimSpace(row.ItemID)
		row.GroupID = strings.TrimSpace(row.GroupID)
		if row.ItemID == "" {
			continue
		}
		if _, dup := seen[row.ItemID]; dup {
			continue
		}
		seen[row.ItemID] = struct{}{}
		out = append(out, row)
	}
	return out
}
