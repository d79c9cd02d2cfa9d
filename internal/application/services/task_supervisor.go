package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/municipio-digital/actas-engine/internal/domain/entities"
	"github.com/municipio-digital/actas-engine/internal/domain/providers"
	"github.com/municipio-digital/actas-engine/internal/domain/repositories"
	"github.com/municipio-digital/actas-engine/internal/infrastructure/observability"
	"github.com/municipio-digital/actas-engine/pkg/config"
	apperrors "github.com/municipio-digital/actas-engine/pkg/errors"
)

// handleTTLSeconds bounds how long a task handle survives in the shared
// registry after its last refresh.
const handleTTLSeconds = 24 * 60 * 60

// TaskStatus is the observable state of a composition run.
type TaskStatus struct {
	ActaID       string             `json:"acta_id"`
	Handle       string             `json:"handle,omitempty"`
	State        entities.ActaState `json:"state"`
	Progress     int                `json:"progress"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Running      bool               `json:"running"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

type runningTask struct {
	handle string
	cancel context.CancelFunc
}

// TaskSupervisor owns the bounded worker pool that executes composition
// runs. Submissions are idempotent per acta; cancellation is cooperative
// through per-run contexts observed at executor checkpoints.
type TaskSupervisor struct {
	cfg      config.WorkerConfig
	actas    repositories.ActaRepository
	executor *TemplateExecutor
	progress *ProgressSink
	registry providers.CacheProvider

	sem     chan struct{}
	mu      sync.Mutex
	running map[string]*runningTask
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

// NewTaskSupervisor creates a supervisor with a pool of cfg.PoolSize workers.
func NewTaskSupervisor(
	cfg config.WorkerConfig,
	actas repositories.ActaRepository,
	executor *TemplateExecutor,
	progress *ProgressSink,
	registry providers.CacheProvider,
) *TaskSupervisor {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &TaskSupervisor{
		cfg:      cfg,
		actas:    actas,
		executor: executor,
		progress: progress,
		registry: registry,
		sem:      make(chan struct{}, poolSize),
		running:  make(map[string]*runningTask),
		baseCtx:  baseCtx,
		stop:     stop,
	}
}

func handleKey(actaID string) string {
	return "acta:task:" + actaID
}

// Submit queues a composition run for an acta and returns its task handle.
// Submitting an acta that is already queued or running returns the existing
// handle instead of starting a second run.
func (s *TaskSupervisor) Submit(ctx context.Context, actaID string) (string, error) {
	s.mu.Lock()
	if task, exists := s.running[actaID]; exists {
		handle := task.handle
		s.mu.Unlock()
		return handle, nil
	}
	s.mu.Unlock()

	acta, err := s.actas.GetByID(ctx, actaID)
	if err != nil {
		return "", err
	}
	if acta.State.IsRunning() {
		// Row says running but no local task: a previous worker owned it.
		return acta.TaskHandle, nil
	}
	if !acta.CanProcess() {
		return "", apperrors.NewConflictError(fmt.Sprintf(
			"acta %q in state %q cannot be processed", actaID, acta.State))
	}

	restarted := acta.State == entities.StateError
	if restarted {
		acta.SegmentResults = nil
		acta.DraftText = ""
		acta.FinalText = ""
		acta.FinalHTML = ""
		acta.Metrics = nil
		acta.ErrorMessage = ""
	}

	handle := uuid.NewString()
	acta.State = entities.StateQueued
	acta.Progress = 0
	acta.TaskHandle = handle

	event := "queued"
	if restarted {
		event = "restarted"
	}
	if err := s.progress.Report(ctx, acta, event, ""); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(s.baseCtx)
	s.mu.Lock()
	s.running[actaID] = &runningTask{handle: handle, cancel: cancel}
	s.mu.Unlock()
	s.storeHandle(ctx, actaID, handle)

	s.wg.Add(1)
	go s.runTask(runCtx, actaID, handle)

	return handle, nil
}

func (s *TaskSupervisor) runTask(ctx context.Context, actaID, handle string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, actaID)
		s.mu.Unlock()
		s.dropHandle(actaID)
	}()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		// Cancelled while waiting for a worker slot.
		s.markCancelledWhileQueued(actaID)
		return
	}

	if s.cfg.RunTimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.RunTimeoutSec)*time.Second)
		defer cancel()
	}

	logger := observability.GetLogger()
	if err := s.executor.Execute(ctx, actaID); err != nil {
		logger.Warn().Err(err).Str("acta_id", actaID).Str("handle", handle).Msg("composition run failed")
		return
	}
	logger.Info().Str("acta_id", actaID).Str("handle", handle).Msg("composition run completed")
}

// markCancelledWhileQueued handles the window where a run was cancelled
// before the executor ever picked it up.
func (s *TaskSupervisor) markCancelledWhileQueued(actaID string) {
	ctx := context.Background()
	acta, err := s.actas.GetByID(ctx, actaID)
	if err != nil || acta.State != entities.StateQueued {
		return
	}
	acta.State = entities.StateError
	acta.ErrorMessage = entities.CancelledByOperator
	if err := s.progress.Report(ctx, acta, "cancelled", entities.CancelledByOperator); err != nil {
		observability.GetLogger().Error().Err(err).Str("acta_id", actaID).Msg("failed to record queued-run cancellation")
	}
}

// Cancel interrupts a running composition. The executor observes the
// cancellation at its next checkpoint and drives the acta to error with
// message cancelled_by_operator.
func (s *TaskSupervisor) Cancel(ctx context.Context, actaID string) error {
	s.mu.Lock()
	task, exists := s.running[actaID]
	s.mu.Unlock()
	if !exists {
		return apperrors.NewNotFoundError(fmt.Sprintf("no running task for acta %q", actaID))
	}
	task.cancel()
	return nil
}

// Status reports the run state straight from the acta row, so it stays
// truthful across worker restarts.
func (s *TaskSupervisor) Status(ctx context.Context, actaID string) (*TaskStatus, error) {
	acta, err := s.actas.GetByID(ctx, actaID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	_, runningHere := s.running[actaID]
	s.mu.Unlock()

	return &TaskStatus{
		ActaID:       acta.ID,
		Handle:       acta.TaskHandle,
		State:        acta.State,
		Progress:     acta.Progress,
		ErrorMessage: acta.ErrorMessage,
		Running:      runningHere || acta.State.IsRunning(),
		UpdatedAt:    acta.UpdatedAt,
	}, nil
}

// Shutdown cancels every running task and waits for workers to drain.
func (s *TaskSupervisor) Shutdown(ctx context.Context) error {
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *TaskSupervisor) storeHandle(ctx context.Context, actaID, handle string) {
	if s.registry == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"handle":     handle,
		"acta_id":    actaID,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := s.registry.Set(ctx, handleKey(actaID), payload, handleTTLSeconds); err != nil {
		observability.GetLogger().Warn().Err(err).Str("acta_id", actaID).Msg("failed to mirror task handle")
	}
}

func (s *TaskSupervisor) dropHandle(actaID string) {
	if s.registry == nil {
		return
	}
	if err := s.registry.Delete(context.Background(), handleKey(actaID)); err != nil {
		observability.GetLogger().Warn().Err(err).Str("acta_id", actaID).Msg("failed to drop task handle")
	}
}
