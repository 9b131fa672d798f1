package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// NewMemoryStores creates a complete in-memory store bundle.
func NewMemoryStores() *Stores {
	return &Stores{
		Tasks:       NewMemoryTaskRepository(),
		Resumptions: NewMemoryResumptionStore(),
		Loops:       NewMemoryLoopStore(),
		Optimizer:   NewMemoryOptimizerStateStore(),
	}
}

// MemoryTaskRepository is a mutex-guarded map of tasks. Values are deep
// copied on the way in and out so callers never share state with the store.
type MemoryTaskRepository struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

// NewMemoryTaskRepository creates an empty repository.
func NewMemoryTaskRepository() *MemoryTaskRepository {
	return &MemoryTaskRepository{tasks: make(map[string]*models.Task)}
}

func cloneTask(t *models.Task) *models.Task {
	raw, err := json.Marshal(t)
	if err != nil {
		panic(fmt.Sprintf("task not serializable: %v", err))
	}
	var out models.Task
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("task not deserializable: %v", err))
	}
	return &out
}

// Create implements TaskRepository.
func (r *MemoryTaskRepository) Create(_ context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	r.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get implements TaskRepository.
func (r *MemoryTaskRepository) Get(_ context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(task), nil
}

// List implements TaskRepository. Results are ordered by UpdatedAt
// descending, matching the Postgres implementation.
func (r *MemoryTaskRepository) List(_ context.Context, filter TaskFilter) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Task
	for _, task := range r.tasks {
		if filter.UserID != "" && task.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Type != "" && task.Type != filter.Type {
			continue
		}
		if filter.TraceID != "" && task.TraceID != filter.TraceID {
			continue
		}
		matched = append(matched, task)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*models.Task, len(matched))
	for i, task := range matched {
		out[i] = cloneTask(task)
	}
	return out, nil
}

// Transition implements TaskRepository.
func (r *MemoryTaskRepository) Transition(_ context.Context, id string, to models.TaskStatus, errMsg string) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !models.CanTransition(task.Status, to) {
		return nil, &StateError{TaskID: id, From: task.Status, To: to}
	}
	now := time.Now().UTC()
	task.Status = to
	task.UpdatedAt = now
	if errMsg != "" {
		task.ErrorMessage = errMsg
	}
	if to.Terminal() && task.CompletedAt == nil {
		task.CompletedAt = &now
	}
	return cloneTask(task), nil
}

// Update implements TaskRepository. Status is deliberately not written;
// Transition is the only status mutator.
func (r *MemoryTaskRepository) Update(_ context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	next := cloneTask(task)
	next.Status = stored.Status
	next.UpdatedAt = time.Now().UTC()
	r.tasks[task.ID] = next
	return nil
}

// SetResult implements TaskRepository.
func (r *MemoryTaskRepository) SetResult(_ context.Context, id string, result map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Result = result
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// SetCorrectedResult implements TaskRepository. The original result is kept.
func (r *MemoryTaskRepository) SetCorrectedResult(_ context.Context, id string, corrected map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.CorrectedResult = corrected
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// AddComment implements TaskRepository.
func (r *MemoryTaskRepository) AddComment(_ context.Context, id string, comment models.Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC()
	}
	task.Comments = append(task.Comments, comment)
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// FindByReference implements TaskRepository.
func (r *MemoryTaskRepository) FindByReference(_ context.Context, userID string, keywords []string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *models.Task
	for _, task := range r.tasks {
		if task.UserID != userID {
			continue
		}
		if !matchesKeywords(task.Utterance, keywords) {
			continue
		}
		if best == nil || task.UpdatedAt.After(best.UpdatedAt) {
			best = task
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneTask(best), nil
}

func matchesKeywords(utterance string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	lower := strings.ToLower(utterance)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// FailOrphans implements TaskRepository.
func (r *MemoryTaskRepository) FailOrphans(_ context.Context, reason string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, task := range r.tasks {
		if task.Status != models.TaskStatusRunning && task.Status != models.TaskStatusNeedInput {
			continue
		}
		task.Status = models.TaskStatusFailed
		task.ErrorMessage = reason
		task.UpdatedAt = now
		if task.CompletedAt == nil {
			task.CompletedAt = &now
		}
		count++
	}
	return count, nil
}

// MemoryResumptionStore is a mutex-guarded map of resumption records.
type MemoryResumptionStore struct {
	mu   sync.RWMutex
	recs map[string]*models.ResumptionRecord
}

// NewMemoryResumptionStore creates an empty store.
func NewMemoryResumptionStore() *MemoryResumptionStore {
	return &MemoryResumptionStore{recs: make(map[string]*models.ResumptionRecord)}
}

// Save implements ResumptionStore.
func (s *MemoryResumptionStore) Save(_ context.Context, rec *models.ResumptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.recs[rec.TaskID] = &cp
	return nil
}

// Get implements ResumptionStore.
func (s *MemoryResumptionStore) Get(_ context.Context, taskID string) (*models.ResumptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Delete implements ResumptionStore. Deleting a missing record is a no-op.
func (s *MemoryResumptionStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, taskID)
	return nil
}

// MemoryLoopStore is a mutex-guarded map of loop records.
type MemoryLoopStore struct {
	mu   sync.RWMutex
	recs map[string]*models.LoopRecord
}

// NewMemoryLoopStore creates an empty store.
func NewMemoryLoopStore() *MemoryLoopStore {
	return &MemoryLoopStore{recs: make(map[string]*models.LoopRecord)}
}

// Save implements LoopStore.
func (s *MemoryLoopStore) Save(_ context.Context, rec *models.LoopRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs[rec.TaskID] = &cp
	return nil
}

// Get implements LoopStore.
func (s *MemoryLoopStore) Get(_ context.Context, taskID string) (*models.LoopRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// List implements LoopStore.
func (s *MemoryLoopStore) List(_ context.Context) ([]*models.LoopRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.LoopRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// Delete implements LoopStore.
func (s *MemoryLoopStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, taskID)
	return nil
}

// MemoryOptimizerStateStore is a mutex-guarded map of optimizer states.
type MemoryOptimizerStateStore struct {
	mu     sync.RWMutex
	states map[string]*models.OptimizerState
}

// NewMemoryOptimizerStateStore creates an empty store.
func NewMemoryOptimizerStateStore() *MemoryOptimizerStateStore {
	return &MemoryOptimizerStateStore{states: make(map[string]*models.OptimizerState)}
}

// Save implements OptimizerStateStore.
func (s *MemoryOptimizerStateStore) Save(_ context.Context, state *models.OptimizerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	cp.History = append([]models.ExecutionFeedback(nil), state.History...)
	cp.Dimensions = append([]models.Dimension(nil), state.Dimensions...)
	s.states[state.TaskID] = &cp
	return nil
}

// Get implements OptimizerStateStore.
func (s *MemoryOptimizerStateStore) Get(_ context.Context, taskID string) (*models.OptimizerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *state
	cp.History = append([]models.ExecutionFeedback(nil), state.History...)
	cp.Dimensions = append([]models.Dimension(nil), state.Dimensions...)
	return &cp, nil
}

// Delete implements OptimizerStateStore.
func (s *MemoryOptimizerStateStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, taskID)
	return nil
}
