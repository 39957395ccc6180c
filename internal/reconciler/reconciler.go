// Package reconciler implements the Timeout & Health Reconciler (C5):
// three independently-cadenced background loops that enforce time- and
// health-based transitions without themselves driving the container,
// grounded on the teacher's pkg/cleanup.Service and pkg/queue's orphan
// detection loop (ticker-driven, idempotent, safe to run from multiple
// processes).
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/tsbx/internal/metrics"
	"github.com/cuemby/tsbx/internal/model"
	"github.com/cuemby/tsbx/internal/runtime"
	"github.com/cuemby/tsbx/internal/store"
)

// Config holds the three loops' cadences.
type Config struct {
	AutoTerminateInterval time.Duration
	TaskTimeoutInterval   time.Duration
	HealthSweepInterval   time.Duration
}

// DefaultConfig matches the reference cadences from §4.5.
func DefaultConfig() Config {
	return Config{
		AutoTerminateInterval: 10 * time.Second,
		TaskTimeoutInterval:   5 * time.Second,
		HealthSweepInterval:   10 * time.Second,
	}
}

// Reconciler runs the three loops against a shared Store and Runtime Adapter.
type Reconciler struct {
	store   store.Store
	runtime runtime.Adapter
	config  Config

	cancel context.CancelFunc
	done   chan struct{}
}

func New(st store.Store, rt runtime.Adapter, cfg Config) *Reconciler {
	return &Reconciler{store: st, runtime: rt, config: cfg}
}

// Start launches all three loops as independent goroutines.
func (r *Reconciler) Start(ctx context.Context) {
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); r.runLoop(ctx, "auto_terminate", r.config.AutoTerminateInterval, r.autoTerminateSweep) }()
		go func() { defer wg.Done(); r.runLoop(ctx, "task_timeout", r.config.TaskTimeoutInterval, r.taskTimeoutSweep) }()
		go func() { defer wg.Done(); r.runLoop(ctx, "health_sweep", r.config.HealthSweepInterval, r.healthSweep) }()
		wg.Wait()
	}()

	slog.Info("reconciler started",
		"auto_terminate_interval", r.config.AutoTerminateInterval,
		"task_timeout_interval", r.config.TaskTimeoutInterval,
		"health_sweep_interval", r.config.HealthSweepInterval)
}

// Stop signals all loops to exit and waits for them to finish.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	slog.Info("reconciler stopped")
}

func (r *Reconciler) runLoop(ctx context.Context, loopName string, interval time.Duration, sweep func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			timer := metrics.NewTimer()
			sweep(ctx)
			timer.ObserveDurationVec(metrics.ReconcilerSweepDuration, loopName)
			metrics.ReconcilerSweepsTotal.WithLabelValues(loopName).Inc()
		}
	}
}

// autoTerminateSweep implements the first loop of §4.5: backfill
// idle_from/busy_from, then enqueue terminate_sandbox requests for
// sandboxes past their idle timeout.
func (r *Reconciler) autoTerminateSweep(ctx context.Context) {
	now := time.Now()
	if err := r.store.BackfillIdleBusyFrom(ctx, now); err != nil {
		slog.Error("reconciler: backfilling idle/busy_from failed", "error", err)
		return
	}

	sandboxes, err := r.store.FindSandboxesNeedingAutoTerminate(ctx, now)
	if err != nil {
		slog.Error("reconciler: finding sandboxes needing auto-terminate failed", "error", err)
		return
	}
	if len(sandboxes) == 0 {
		return
	}

	for _, sb := range sandboxes {
		payload, err := json.Marshal(map[string]any{"reason": "idle_timeout"})
		if err != nil {
			slog.Error("reconciler: marshaling terminate payload failed", "sandbox_id", sb.ID, "error", err)
			continue
		}
		req := &model.Request{
			ID:        uuid.NewString(),
			SandboxID: sb.ID,
			Type:      model.RequestTerminateSandbox,
			Status:    model.RequestPending,
			CreatedBy: "reconciler",
			Payload:   payload,
			CreatedAt: now,
		}
		if err := r.store.InsertRequest(ctx, req); err != nil {
			slog.Error("reconciler: enqueuing idle-timeout terminate failed", "sandbox_id", sb.ID, "error", err)
			continue
		}
		slog.Info("reconciler: enqueued idle-timeout termination", "sandbox_id", sb.ID)
		metrics.ReconcilerActionsTotal.WithLabelValues("auto_terminate", "terminate_enqueued").Inc()
	}
}

// taskTimeoutSweep implements the second loop of §4.5: cancel non-terminal
// tasks past their deadline and return their sandbox to idle.
func (r *Reconciler) taskTimeoutSweep(ctx context.Context) {
	now := time.Now()
	tasks, err := r.store.FindTimedOutTasks(ctx, now)
	if err != nil {
		slog.Error("reconciler: finding timed-out tasks failed", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	for _, t := range tasks {
		runtimeSeconds := now.Sub(t.CreatedAt).Seconds()
		timeoutSeconds := 0
		if t.TimeoutSeconds != nil {
			timeoutSeconds = *t.TimeoutSeconds
		}
		cancelled := model.TaskCancelled
		segment := model.Segment{
			Type:           model.SegmentCancelled,
			Reason:         "task_timeout",
			Text:           fmt.Sprintf("task exceeded its %ds deadline", timeoutSeconds),
			At:             &now,
			RuntimeSeconds: &runtimeSeconds,
		}
		updated, err := r.store.UpdateTask(ctx, t.ID, store.TaskMutation{
			Status:         &cancelled,
			AppendSegments: []model.Segment{segment},
			ExpectStatusIn: []model.TaskStatus{model.TaskQueued, model.TaskProcessing},
		})
		if err != nil {
			slog.Error("reconciler: cancelling timed-out task failed", "task_id", t.ID, "error", err)
			continue
		}
		if updated.Status != model.TaskCancelled {
			// lost the race to a completing Agent Runtime; terminal stickiness honored it as a no-op.
			continue
		}
		slog.Info("reconciler: cancelled timed-out task", "task_id", t.ID, "sandbox_id", t.SandboxID)
		metrics.ReconcilerActionsTotal.WithLabelValues("task_timeout", "task_cancelled").Inc()

		sb, err := r.store.GetSandbox(ctx, t.SandboxID)
		if err != nil {
			slog.Error("reconciler: loading sandbox for timed-out task failed", "sandbox_id", t.SandboxID, "error", err)
			continue
		}
		if sb.State == model.SandboxBusy {
			sb.State = model.SandboxIdle
			sb.IdleFrom = &now
			sb.BusyFrom = nil
			if err := r.store.UpdateSandbox(ctx, sb); err != nil {
				slog.Error("reconciler: returning sandbox to idle after task timeout failed", "sandbox_id", sb.ID, "error", err)
			}
		}
	}
}

// healthSweep implements the third loop of §4.5: container health checks
// that detect a dead sandbox and mark it terminated for restart.
func (r *Reconciler) healthSweep(ctx context.Context) {
	sandboxes, err := r.store.ListActiveSandboxes(ctx)
	if err != nil {
		slog.Error("reconciler: listing active sandboxes failed", "error", err)
		return
	}

	counts := map[model.SandboxState]int{}
	for _, sb := range sandboxes {
		counts[sb.State]++
	}
	for _, state := range []model.SandboxState{model.SandboxInitializing, model.SandboxIdle, model.SandboxBusy} {
		metrics.SandboxesActive.WithLabelValues(string(state)).Set(float64(counts[state]))
	}

	for _, sb := range sandboxes {
		health, err := r.runtime.InspectHealth(ctx, sb.ID)
		if err != nil {
			slog.Error("reconciler: inspecting health failed", "sandbox_id", sb.ID, "error", err)
			continue
		}
		if health == runtime.HealthRunningResponsive {
			continue
		}

		slog.Warn("reconciler: sandbox unhealthy, marking terminated", "sandbox_id", sb.ID, "health", health)
		sb.State = model.SandboxTerminated
		if err := r.store.UpdateSandbox(ctx, sb); err != nil {
			slog.Error("reconciler: marking unhealthy sandbox terminated failed", "sandbox_id", sb.ID, "error", err)
			continue
		}
		metrics.ReconcilerActionsTotal.WithLabelValues("health_sweep", "marked_terminated").Inc()
	}
}
