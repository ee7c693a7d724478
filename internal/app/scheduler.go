package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zapgate/zapgate/internal/domain"
	"go.uber.org/zap"
)

// SchedulerService runs enabled schedulers periodically
func (a *Application) StartSchedulerService(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runSchedulers()
			}
		}
	}()
}

// runSchedulers executes enabled schedulers whose next_run_at has passed.
// Due tasks run concurrently under a worker budget so one slow
// reconciliation pass never starves the QR sweep.
func (a *Application) runSchedulers() {
	var schedulers []domain.SyncScheduler
	a.gormDB.Where("status = ?", "enabled").Find(&schedulers)
	now := time.Now()

	const defaultMaxWorkers = 10
	maxWorkers := int(a.GetSettingsInt64Value("scheduler", "max_workers"))
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, sched := range schedulers {
		// Only run if now >= next_run_at
		if !sched.NextRunAt.IsZero() && now.Before(sched.NextRunAt) {
			continue
		}
		// Update next_run_at before dispatch so a long task is not re-picked
		a.gormDB.Model(&domain.SyncScheduler{}).Where("id = ?", sched.ID).
			Update("next_run_at", now.Add(time.Duration(sched.Interval)*time.Second))

		wg.Add(1)
		sem <- struct{}{}
		go func(s domain.SyncScheduler) {
			defer wg.Done()
			defer func() { <-sem }()
			a.runScheduledTask(&s)
		}(sched)
	}
	wg.Wait()
}

// runScheduledTask dispatches one scheduler by task type and records the
// outcome on the scheduler row.
func (a *Application) runScheduledTask(sched *domain.SyncScheduler) {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result := "success"
	message := ""

	switch sched.TaskType {
	case domain.TaskTypeReconcile:
		report, err := a.reconciler.Run(ctx, 0)
		if err != nil {
			result = "failed"
			message = err.Error()
			break
		}
		message = fmt.Sprintf("matched=%d orphaned_local=%d orphaned_remote=%d state_synced=%d",
			report.Matched, report.OrphanedLocal, report.OrphanedRemote, report.StateSynced)
	case domain.TaskTypeCountCheck:
		repaired, err := a.reconciler.CountCheck(ctx)
		if err != nil {
			result = "failed"
			message = err.Error()
			break
		}
		message = fmt.Sprintf("repaired %d client counters", repaired)
	case domain.TaskTypeQrSweep:
		swept, err := a.reconciler.SweepExpiredQR(ctx)
		if err != nil {
			result = "failed"
			message = err.Error()
			break
		}
		message = fmt.Sprintf("timed out %d expired qr sessions", swept)
	default:
		result = "failed"
		message = "unsupported task type " + sched.TaskType
	}

	if result == "failed" {
		zap.L().Error("scheduler task failed",
			zap.Int64("scheduler_id", sched.ID),
			zap.String("task_type", sched.TaskType),
			zap.String("message", message))
	} else {
		zap.L().Info("scheduler task completed",
			zap.Int64("scheduler_id", sched.ID),
			zap.String("task_type", sched.TaskType),
			zap.String("message", message))
	}

	a.gormDB.Model(&domain.SyncScheduler{}).Where("id = ?", sched.ID).Updates(map[string]interface{}{
		"last_run_at":  time.Now(),
		"last_result":  result,
		"last_message": message,
	})
}
