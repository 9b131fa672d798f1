// Package scheduler drives recurring and deferred task fires. The scheduler
// is a single actor holding every registered loop record; timers live in an
// out-of-band ticker goroutine that injects QueueTrigger messages, so the
// actor itself never blocks on a clock.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/taskmesh/taskmesh/pkg/actor"
	"github.com/taskmesh/taskmesh/pkg/config"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/protocol"
	"github.com/taskmesh/taskmesh/pkg/store"
)

// Address is the scheduler's well-known address.
const Address = "loop-scheduler"

// defaultTick is the scan resolution when the configuration leaves it unset.
const defaultTick = time.Second

// Deps bundles the scheduler's collaborators. Bus may be nil.
type Deps struct {
	System *actor.System
	Loops  store.LoopStore
	Bus    *events.Bus
	Loop   config.LoopConfig

	// OptimizerAddr is resolved at send time.
	OptimizerAddr string
}

func (d *Deps) emit(traceID string, eventType events.EventType, level events.Level, data map[string]any) {
	if d.Bus != nil {
		d.Bus.Emit(traceID, eventType, "scheduler", level, data)
	}
}

// Scheduler owns the loop records and decides when each task fires next.
type Scheduler struct {
	deps *Deps
	self *actor.Ref
	gron *gronx.Gronx

	records map[string]*models.LoopRecord
}

// Spawn restores persisted loop records, starts the scheduler under its
// well-known address, and launches the tick source. The ticker stops with ctx.
func Spawn(ctx context.Context, deps *Deps) (*actor.Ref, error) {
	s := &Scheduler{
		deps:    deps,
		gron:    gronx.New(),
		records: make(map[string]*models.LoopRecord),
	}
	if err := s.restore(ctx); err != nil {
		return nil, err
	}
	ref, err := deps.System.Spawn(Address, s)
	if err != nil {
		return nil, err
	}
	s.self = ref
	go s.runTicker(ctx)
	return ref, nil
}

func (s *Scheduler) restore(ctx context.Context) error {
	recs, err := s.deps.Loops.List(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, rec := range recs {
		if rec.Cancelled {
			continue
		}
		if rec.NextRunAt == nil {
			next := s.nextRun(rec.Schedule, now)
			rec.NextRunAt = &next
		}
		s.records[rec.TaskID] = rec
	}
	if len(s.records) > 0 {
		slog.Info("Restored loop records", "count", len(s.records))
	}
	return nil
}

func (s *Scheduler) runTicker(ctx context.Context) {
	interval := s.deps.Loop.TickInterval
	if interval <= 0 {
		interval = defaultTick
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.self.Send(protocol.QueueTrigger{}) {
				return
			}
		}
	}
}

// Receive implements actor.Receiver.
func (s *Scheduler) Receive(ctx context.Context, msg actor.Message) {
	switch m := msg.(type) {
	case protocol.RegisterLoopTask:
		s.register(ctx, m)
	case protocol.TriggerTaskNow:
		s.triggerNow(ctx, m.TaskID)
	case protocol.UpdateLoopInterval:
		s.updateInterval(ctx, m)
	case protocol.PauseLoopTask:
		s.setPaused(ctx, m.TaskID, true)
	case protocol.ResumeLoopTask:
		s.setPaused(ctx, m.TaskID, false)
	case protocol.CancelLoopTask:
		s.cancel(ctx, m.TaskID)
	case protocol.ApplyOptimization:
		s.applyOptimization(ctx, m)
	case protocol.QueueTrigger:
		if m.TaskID == "" {
			s.scan(ctx, time.Now().UTC())
		} else {
			s.triggerNow(ctx, m.TaskID)
		}
	default:
		slog.Warn("Scheduler received unexpected message",
			"message_type", msg.MessageType())
	}
}

func (s *Scheduler) register(ctx context.Context, m protocol.RegisterLoopTask) {
	rec := m.Record
	if rec == nil || rec.Schedule == nil {
		slog.Warn("Rejected loop registration without a schedule")
		return
	}
	if err := rec.Schedule.Validate(); err != nil {
		slog.Warn("Rejected loop registration", "task_id", rec.TaskID, "error", err)
		return
	}
	if rec.Schedule.CronExpr != "" && !s.gron.IsValid(rec.Schedule.CronExpr) {
		slog.Warn("Rejected loop registration with invalid cron expression",
			"task_id", rec.TaskID, "cron_expr", rec.Schedule.CronExpr)
		return
	}

	next := s.nextRun(rec.Schedule, time.Now().UTC())
	rec.NextRunAt = &next
	rec.Cancelled = false
	s.records[rec.TaskID] = rec
	s.persist(ctx, rec)

	if m.Optimization != nil && m.Optimization.Enabled {
		rec.OptimizationEnabled = true
		if opt, ok := s.deps.System.Lookup(s.deps.OptimizerAddr); ok {
			opt.Send(protocol.RegisterOptimization{TaskID: rec.TaskID, Spec: m.Optimization})
		} else {
			slog.Warn("Optimizer unavailable, loop runs unoptimized", "task_id", rec.TaskID)
		}
	}

	slog.Info("Registered loop task",
		"task_id", rec.TaskID, "interval_sec", rec.Schedule.IntervalSec,
		"cron_expr", rec.Schedule.CronExpr, "fire_once", rec.Schedule.FireOnce)
	s.deps.emit("", events.EventLoopRegistered, events.LevelInfo, map[string]any{
		"task_id":      rec.TaskID,
		"interval_sec": rec.Schedule.IntervalSec,
		"cron_expr":    rec.Schedule.CronExpr,
		"next_run_at":  next,
	})
}

// scan fires every due record. Records paused or awaiting a future tick are
// skipped; fire-once records are unregistered after their single fire.
func (s *Scheduler) scan(ctx context.Context, now time.Time) {
	for _, rec := range s.records {
		if rec.Paused || rec.NextRunAt == nil || rec.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, rec, now)
	}
}

func (s *Scheduler) triggerNow(ctx context.Context, taskID string) {
	rec, ok := s.records[taskID]
	if !ok {
		slog.Warn("Trigger for unknown loop task", "task_id", taskID)
		return
	}
	s.fire(ctx, rec, time.Now().UTC())
}

// fire delivers one TaskMessage to the record's target and advances the
// schedule. The optimized overlay is merged over the registered payload on
// every fire.
func (s *Scheduler) fire(ctx context.Context, rec *models.LoopRecord, now time.Time) {
	target, ok := s.deps.System.Lookup(rec.TargetAddress)
	if !ok {
		slog.Error("Loop target address not registered, skipping fire",
			"task_id", rec.TaskID, "target", rec.TargetAddress)
		return
	}

	payload := make(map[string]any, len(rec.Payload)+len(rec.OptimizedParameters))
	for k, v := range rec.Payload {
		payload[k] = v
	}
	for k, v := range rec.OptimizedParameters {
		payload[k] = v
	}

	rec.FireCount++
	fired := now
	rec.LastRunAt = &fired

	target.Send(protocol.TaskMessage{
		TaskID:        rec.TaskID,
		UserID:        rec.UserID,
		TargetAgentID: rec.TargetAgentID,
		Params:        payload,
		ScheduleMeta: map[string]any{
			"fire_count": rec.FireCount,
			"fired_at":   fired,
		},
	})
	s.deps.emit("", events.EventTaskTriggered, events.LevelInfo, map[string]any{
		"task_id": rec.TaskID, "fire_count": rec.FireCount,
	})

	if rec.Schedule.FireOnce {
		s.unregister(ctx, rec.TaskID)
		return
	}
	next := s.nextRun(rec.Schedule, now)
	rec.NextRunAt = &next
	s.persist(ctx, rec)
}

func (s *Scheduler) updateInterval(ctx context.Context, m protocol.UpdateLoopInterval) {
	rec, ok := s.records[m.TaskID]
	if !ok {
		slog.Warn("Interval update for unknown loop task", "task_id", m.TaskID)
		return
	}
	if m.IntervalSec <= 0 {
		slog.Warn("Ignored non-positive interval update",
			"task_id", m.TaskID, "interval_sec", m.IntervalSec)
		return
	}
	// Switching to an interval rule drops any cron rule.
	rec.Schedule.IntervalSec = m.IntervalSec
	rec.Schedule.CronExpr = ""
	next := s.nextRun(rec.Schedule, time.Now().UTC())
	rec.NextRunAt = &next
	s.persist(ctx, rec)
	slog.Info("Updated loop interval", "task_id", m.TaskID, "interval_sec", m.IntervalSec)
}

func (s *Scheduler) setPaused(ctx context.Context, taskID string, paused bool) {
	rec, ok := s.records[taskID]
	if !ok {
		slog.Warn("Pause state change for unknown loop task", "task_id", taskID)
		return
	}
	rec.Paused = paused
	if !paused {
		// Resuming re-anchors the schedule at now rather than firing a
		// backlog of missed ticks.
		next := s.nextRun(rec.Schedule, time.Now().UTC())
		rec.NextRunAt = &next
	}
	s.persist(ctx, rec)
}

func (s *Scheduler) cancel(ctx context.Context, taskID string) {
	rec, ok := s.records[taskID]
	if !ok {
		return
	}
	if rec.OptimizationEnabled {
		if opt, found := s.deps.System.Lookup(s.deps.OptimizerAddr); found {
			opt.Send(protocol.UnregisterOptimization{TaskID: taskID})
		}
	}
	s.unregister(ctx, taskID)
	slog.Info("Cancelled loop task", "task_id", taskID)
}

func (s *Scheduler) unregister(ctx context.Context, taskID string) {
	delete(s.records, taskID)
	if err := s.deps.Loops.Delete(ctx, taskID); err != nil {
		slog.Warn("Failed to delete loop record", "task_id", taskID, "error", err)
	}
}

func (s *Scheduler) applyOptimization(ctx context.Context, m protocol.ApplyOptimization) {
	rec, ok := s.records[m.TaskID]
	if !ok {
		slog.Warn("Optimization overlay for unknown loop task", "task_id", m.TaskID)
		return
	}
	rec.OptimizedParameters = m.Parameters
	s.persist(ctx, rec)
	slog.Info("Applied optimization overlay", "task_id", m.TaskID, "stats", m.Stats)
	s.deps.emit("", events.EventOptimizationApplied, events.LevelInfo, map[string]any{
		"task_id": m.TaskID, "parameters": m.Parameters, "stats": m.Stats,
	})
}

func (s *Scheduler) persist(ctx context.Context, rec *models.LoopRecord) {
	if err := s.deps.Loops.Save(ctx, rec); err != nil {
		slog.Warn("Failed to persist loop record", "task_id", rec.TaskID, "error", err)
	}
}

// nextRun computes the next fire time after from. Cron expressions are
// evaluated in from's location; interval rules fall back to the configured
// default when unset.
func (s *Scheduler) nextRun(sched *models.Schedule, from time.Time) time.Time {
	if sched.CronExpr != "" {
		next, err := gronx.NextTickAfter(sched.CronExpr, from, false)
		if err == nil {
			return next
		}
		slog.Error("Cron evaluation failed, falling back to the default interval",
			"cron_expr", sched.CronExpr, "error", err)
	}
	interval := time.Duration(sched.IntervalSec) * time.Second
	if interval <= 0 {
		interval = s.deps.Loop.DefaultInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return from.Add(interval)
}
